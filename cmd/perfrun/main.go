// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Perfrun runs a program under hardware performance counters, once per
// counter set, and prints a perf stat-style report for each run.
//
// With no arguments it runs ./target/release/test-prefetch twice: once with
// an overview of CPU and software events, and once with L1 data cache load,
// miss and prefetch counters alongside L2 accesses from L1 misses.
//
// Usage:
//
//	perfrun [flags] [target [args...]]
//	perfrun list [--pmu name]
//
// Perfrun exits 1 if any run could not produce a measurement. A target that
// itself fails is reported but does not change the exit status.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aclements/go-perfrun/events"
	"github.com/aclements/go-perfrun/report"
	"github.com/aclements/go-perfrun/stat"
)

// errRunsFailed is returned after all reports are written when at least one
// run did not complete. It has already been logged.
var errRunsFailed = errors.New("some runs did not complete")

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd(log).ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errRunsFailed) {
			log.Error(err)
		}
		os.Exit(1)
	}
}

type runOptions struct {
	configPath  string
	eventLists  []string
	timeout     time.Duration
	outputJSON  bool
	output      string
	metricsFile string
	args        []string
}

func newRootCmd(log *logrus.Logger) *cobra.Command {
	var (
		opts     runOptions
		logLevel string
	)

	root := &cobra.Command{
		Use:   "perfrun [flags] [target [args...]]",
		Short: "Run a program under hardware performance counters",
		Long: `Perfrun runs a target program once per counter set and reports the
counters of each run like "perf stat". By default it runs
./target/release/test-prefetch with two built-in counter sets.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			lvl, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.args = args
			if !cmd.Flags().Changed("timeout") {
				opts.timeout = -1
			}
			return run(cmd.Context(), log, opts)
		},
	}

	flags := root.Flags()
	// Flags after the target belong to the target.
	flags.SetInterspersed(false)
	flags.StringVar(&opts.configPath, "config", "",
		"JSON file with target, args, env, counter_sets and timeout_seconds")
	flags.StringArrayVarP(&opts.eventLists, "event", "e", nil,
		"Comma-separated counters for one run; repeat for more runs")
	flags.DurationVar(&opts.timeout, "timeout", 0,
		"Kill the target if a run takes longer (0 = no limit)")
	flags.BoolVar(&opts.outputJSON, "json", false,
		"Write the report as JSON instead of a table")
	flags.StringVarP(&opts.output, "output", "o", "",
		"Write the report to this file instead of stderr")
	flags.StringVar(&opts.metricsFile, "metrics-file", "",
		"Also write the results as a Prometheus textfile")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"Log level: panic, fatal, error, warn, info, debug or trace")

	root.AddCommand(newListCmd())

	return root
}

// buildPlan combines the configuration file, if any, with the command line.
// A negative opts.timeout leaves the configured timeout alone.
func buildPlan(opts runOptions) (stat.Plan, error) {
	cfg := stat.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = stat.LoadConfig(opts.configPath); err != nil {
			return stat.Plan{}, err
		}
	}

	if len(opts.args) > 0 {
		cfg.Target = opts.args[0]
		cfg.Args = opts.args[1:]
	}

	if len(opts.eventLists) > 0 {
		cfg.CounterSets = nil
		for i, list := range opts.eventLists {
			names, err := events.SplitEventList(list)
			if err != nil {
				return stat.Plan{}, err
			}
			cfg.CounterSets = append(cfg.CounterSets, stat.CounterSet{
				Name:     fmt.Sprintf("set-%d", i+1),
				Counters: names,
			})
		}
	}

	plan, err := cfg.Plan()
	if err != nil {
		return stat.Plan{}, err
	}
	if opts.timeout >= 0 {
		plan.Timeout = opts.timeout
	}
	return plan, nil
}

func run(ctx context.Context, log *logrus.Logger, opts runOptions) error {
	plan, err := buildPlan(opts)
	if err != nil {
		return err
	}

	runner := stat.NewRunner(log, stat.PerfCollector(log))
	outcomes, planErr := runner.RunPlan(ctx, plan)
	if planErr != nil && len(outcomes) == 0 {
		// Nothing ran; the plan was rejected up front.
		return planErr
	}

	if err := writeReport(opts, outcomes); err != nil {
		return err
	}
	if opts.metricsFile != "" {
		if err := report.WriteMetrics(opts.metricsFile, outcomes); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	return exitStatus(log, outcomes, planErr)
}

func writeReport(opts runOptions, outcomes []stat.Outcome) (err error) {
	var w io.Writer = os.Stderr
	if opts.output != "" {
		f, cerr := os.Create(opts.output)
		if cerr != nil {
			return cerr
		}
		defer func() {
			if cerr := f.Close(); err == nil {
				err = cerr
			}
		}()
		w = f
	}
	if opts.outputJSON {
		return report.JSON(w, outcomes)
	}
	return report.Text(w, outcomes)
}

// exitStatus returns errRunsFailed if the plan stopped early or any outcome
// lacks a measurement.
func exitStatus(log logrus.FieldLogger, outcomes []stat.Outcome, planErr error) error {
	if planErr != nil {
		// The runner already logged a SpawnError when it stopped the plan.
		var spawnErr *stat.SpawnError
		if !errors.As(planErr, &spawnErr) {
			log.Error(planErr)
		}
		return errRunsFailed
	}
	failed := 0
	for _, o := range outcomes {
		if stat.Fatal(o.Err) {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	log.WithField("failed", failed).WithField("runs", len(outcomes)).Error("runs did not complete")
	return errRunsFailed
}
