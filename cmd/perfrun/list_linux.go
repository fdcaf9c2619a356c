// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aclements/go-perfrun/events"
)

type listOptions struct {
	pmu      string
	pmus     bool
	perfJSON bool
}

func newListCmd() *cobra.Command {
	var opts listOptions

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List counter names that perfrun understands",
		Long: `List prints the built-in event names.

With --pmus it prints the PMUs found in /sys/bus/event_source/devices. With
--pmu it prints the events one PMU describes there, in pmu/event/ form. With
--perf-json it prints the core PMU events known to "perf list -j", which
requires perf 6.2 or later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.pmu, "pmu", "",
		"List the sysfs events of this PMU, e.g. cpu")
	cmd.Flags().BoolVar(&opts.pmus, "pmus", false,
		"List the PMUs in sysfs")
	cmd.Flags().BoolVar(&opts.perfJSON, "perf-json", false,
		"List the events known to perf list -j")
	cmd.MarkFlagsMutuallyExclusive("pmu", "pmus", "perf-json")

	return cmd
}

func runList(out io.Writer, opts listOptions) error {
	var names []string
	var infos []events.EventInfo
	var err error
	switch {
	case opts.pmus:
		names, err = events.PMUNames()
	case opts.pmu != "":
		infos, err = events.PMUEvents(opts.pmu)
	case opts.perfJSON:
		infos, err = events.PerfListEvents()
	default:
		names = events.BuiltinNames()
	}
	if err != nil {
		return err
	}

	for _, name := range names {
		fmt.Fprintln(out, name)
	}
	if infos == nil {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	for _, info := range infos {
		name := info.Name
		if info.Alias != "" {
			name += " OR " + info.Alias
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, info.Topic, info.Unit, info.Description)
	}
	return tw.Flush()
}
