// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package report

import (
	"encoding/json"
	"io"

	"github.com/aclements/go-perfrun/stat"
)

type jsonReport struct {
	Runs []jsonRun `json:"runs"`
}

type jsonRun struct {
	Set      stat.CounterSet `json:"set"`
	Result   *stat.RunResult `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Complete bool            `json:"complete"`
}

// JSON writes outcomes as a single indented JSON document of the form
// {"runs": [{"set": ..., "result": ..., "error": ..., "complete": ...}]}.
// complete is false for runs that produced no usable measurement.
func JSON(w io.Writer, outcomes []stat.Outcome) error {
	rep := jsonReport{Runs: make([]jsonRun, 0, len(outcomes))}
	for _, o := range outcomes {
		run := jsonRun{Set: o.Set, Result: o.Result, Complete: !stat.Fatal(o.Err)}
		if o.Err != nil {
			run.Error = o.Err.Error()
		}
		rep.Runs = append(rep.Runs, run)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
