// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package report

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aclements/go-perfrun/stat"
)

type metrics struct {
	counterValue     *prometheus.GaugeVec
	counterRaw       *prometheus.GaugeVec
	counterRunning   *prometheus.GaugeVec
	counterSupported *prometheus.GaugeVec

	runComplete *prometheus.GaugeVec
	exitCode    *prometheus.GaugeVec
	wallSeconds *prometheus.GaugeVec
	userSeconds *prometheus.GaugeVec
	sysSeconds  *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	gauge := func(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "perfrun",
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			labels,
		)
	}
	return &metrics{
		counterValue:     gauge("counter", "value", "Counter value, scaled for multiplexing and unit conversion", "set", "counter", "unit"),
		counterRaw:       gauge("counter", "raw", "Unscaled counter value", "set", "counter"),
		counterRunning:   gauge("counter", "running_ratio", "Fraction of enabled time the counter was on the hardware", "set", "counter"),
		counterSupported: gauge("counter", "supported", "1 if the counter produced a value", "set", "counter"),

		runComplete: gauge("run", "complete", "1 if the run produced a measurement", "set"),
		exitCode:    gauge("run", "exit_code", "Exit code of the target", "set"),
		wallSeconds: gauge("run", "wall_seconds", "Wall-clock duration of the run", "set"),
		userSeconds: gauge("run", "user_seconds", "User CPU time of the target", "set"),
		sysSeconds:  gauge("run", "sys_seconds", "System CPU time of the target", "set"),
	}
}

func (m *metrics) observe(o stat.Outcome) {
	set := o.Set.String()
	complete := 0.0
	if !stat.Fatal(o.Err) {
		complete = 1
	}
	m.runComplete.WithLabelValues(set).Set(complete)

	res := o.Result
	if res == nil {
		return
	}
	m.exitCode.WithLabelValues(set).Set(float64(res.ExitCode))
	m.wallSeconds.WithLabelValues(set).Set(res.WallTime.Seconds())
	m.userSeconds.WithLabelValues(set).Set(res.UserTime.Seconds())
	m.sysSeconds.WithLabelValues(set).Set(res.SysTime.Seconds())

	for _, v := range res.Counters {
		if !v.Supported() {
			m.counterSupported.WithLabelValues(set, v.Name).Set(0)
			continue
		}
		m.counterSupported.WithLabelValues(set, v.Name).Set(1)
		m.counterValue.WithLabelValues(set, v.Name, v.Unit).Set(v.Value)
		m.counterRaw.WithLabelValues(set, v.Name).Set(float64(v.Raw))
		m.counterRunning.WithLabelValues(set, v.Name).Set(v.RunningRatio())
	}
}

// Gatherer returns a registry holding the outcomes as gauges, one series per
// run and counter, labeled by counter set name.
func Gatherer(outcomes []stat.Outcome) prometheus.Gatherer {
	reg := prometheus.NewRegistry()
	m := newMetrics(reg)
	for _, o := range outcomes {
		m.observe(o)
	}
	return reg
}

// WriteMetrics writes outcomes to path in the Prometheus text format, for
// node_exporter's textfile collector. The file is replaced atomically.
func WriteMetrics(path string, outcomes []stat.Outcome) error {
	return prometheus.WriteToTextfile(path, Gatherer(outcomes))
}
