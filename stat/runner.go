// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// A Runner runs targets under a Collector's counters. Runs are strictly
// sequential: counter registers are a shared physical resource, and two
// targets counted at once would disturb each other's readings.
type Runner struct {
	collector Collector
	log       logrus.FieldLogger

	// Stdin, Stdout and Stderr are connected to the target. Nil means the
	// harness's own standard streams, so the target's output passes through.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// NewRunner returns a Runner that counts with collector.
func NewRunner(log logrus.FieldLogger, collector Collector) *Runner {
	return &Runner{
		collector: collector,
		log:       log.WithField("component", "runner"),
	}
}

// Run runs target with args once, counting the events in set.
//
// If the target exits non-zero, Run returns both the result and a
// *ChildFailedError. If the target can't be started it returns a
// *SpawnError and no result.
func (r *Runner) Run(ctx context.Context, target string, args []string, set CounterSet) (*RunResult, error) {
	probe, err := r.prepare(set)
	if err != nil {
		return nil, err
	}
	return r.run(ctx, Plan{Target: target, Args: args}, set, probe)
}

// RunPlan runs plan.Target once per counter set, in order, and returns one
// Outcome per attempted run.
//
// Every set is validated and resolved before the first run. A SpawnError
// stops the plan and is also returned as the error; other run errors are
// only recorded in their Outcome.
func (r *Runner) RunPlan(ctx context.Context, plan Plan) ([]Outcome, error) {
	if len(plan.Sets) == 0 {
		return nil, errors.New("plan has no counter sets")
	}

	probes := make([]Probe, 0, len(plan.Sets))
	closeAll := func(ps []Probe) {
		for _, p := range ps {
			p.Close()
		}
	}
	for _, set := range plan.Sets {
		p, err := r.prepare(set)
		if err != nil {
			closeAll(probes)
			return nil, err
		}
		probes = append(probes, p)
	}

	outcomes := make([]Outcome, 0, len(plan.Sets))
	for i, set := range plan.Sets {
		res, err := r.run(ctx, plan, set, probes[i])
		outcomes = append(outcomes, Outcome{Set: set, Result: res, Err: err})

		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			r.log.WithError(err).Error("cannot start target, skipping remaining runs")
			closeAll(probes[i+1:])
			return outcomes, err
		}
		if ctx.Err() != nil {
			closeAll(probes[i+1:])
			return outcomes, ctx.Err()
		}
		if err != nil {
			r.log.WithError(err).WithField("set", set.String()).Warn("run failed")
		}
	}
	return outcomes, nil
}

func (r *Runner) prepare(set CounterSet) (Probe, error) {
	if len(set.Counters) == 0 {
		return nil, fmt.Errorf("set %s: %w", set, ErrEmptyCounterSet)
	}
	p, err := r.collector.Prepare(set)
	if err != nil {
		var unknown *UnknownCounterError
		if errors.As(err, &unknown) {
			unknown.Set = set.String()
		}
		var unavailable *CounterUnavailableError
		if errors.As(err, &unavailable) {
			unavailable.Set = set.String()
		}
		return nil, err
	}
	return p, nil
}

func (r *Runner) run(ctx context.Context, plan Plan, set CounterSet, probe Probe) (*RunResult, error) {
	defer probe.Close()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("set %s: %w", set, err)
	}

	if plan.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, plan.Target, plan.Args...)
	if len(plan.Env) > 0 {
		cmd.Env = append(os.Environ(), plan.Env...)
	}
	cmd.Stdin = r.Stdin
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	cmd.Stdout = r.Stdout
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	log := r.log.WithFields(logrus.Fields{
		"set":    set.String(),
		"target": plan.Target,
	})
	log.WithField("counters", set.Counters).Info("starting run")

	res := &RunResult{
		Target: plan.Target,
		Args:   plan.Args,
		Set:    set.String(),
		Start:  time.Now(),
	}
	if err := probe.Start(cmd); err != nil {
		var unavailable *CounterUnavailableError
		if errors.As(err, &unavailable) {
			unavailable.Set = set.String()
			return nil, unavailable
		}
		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			spawnErr.Set, spawnErr.Target = set.String(), plan.Target
			return nil, spawnErr
		}
		if cmd.Process == nil {
			return nil, &SpawnError{Set: set.String(), Target: plan.Target, Err: err}
		}
		return nil, fmt.Errorf("set %s: %w", set, err)
	}

	waitErr := cmd.Wait()
	counters, err := probe.Read()
	res.End = time.Now()
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", set, err)
	}
	res.Counters = counters
	res.WallTime = res.End.Sub(res.Start)
	if ps := cmd.ProcessState; ps != nil {
		res.ExitCode = ps.ExitCode()
		res.UserTime = ps.UserTime()
		res.SysTime = ps.SystemTime()
	}
	log = log.WithFields(logrus.Fields{
		"wall_time": res.WallTime,
		"exit_code": res.ExitCode,
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		if plan.Timeout > 0 && errors.Is(ctxErr, context.DeadlineExceeded) {
			log.Warn("run timed out")
			return res, &TimedOutError{Set: set.String(), Timeout: plan.Timeout, Result: res}
		}
		return res, fmt.Errorf("set %s: %w", set, ctxErr)
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, fmt.Errorf("set %s: wait for %s: %w", set, plan.Target, waitErr)
		}
		failed := &ChildFailedError{Set: set.String(), ExitCode: exitErr.ExitCode(), Result: res}
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			failed.Signal = ws.Signal().String()
		}
		log.Warn("target failed")
		return res, failed
	}

	log.Info("run finished")
	return res, nil
}
