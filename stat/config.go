// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultTarget is the prefetch benchmark built by "cargo build --release".
const DefaultTarget = "./target/release/test-prefetch"

// DefaultCounterSets returns the two counter sets used to study prefetching:
// a general overview, and a closer look at L1 data cache loads and
// prefetches. The l2_* events are AMD Zen events; other CPUs need a
// different configuration. They are resolved through "perf list -j" (perf
// 6.2 or later); without a usable perf command they fall back to the raw
// Zen encodings rc860 and r7064.
func DefaultCounterSets() []CounterSet {
	return []CounterSet{
		{
			Name: "overview",
			Counters: []string{
				"task-clock", "context-switches", "cpu-migrations", "page-faults",
				"cycles", "instructions",
				"l2_cache_accesses_from_dc_misses", "l2_cache_hits_from_dc_misses",
			},
		},
		{
			Name: "l1d-prefetch",
			Counters: []string{
				"cycles",
				"L1-dcache-loads", "L1-dcache-load-misses", "L1-dcache-prefetches",
				"l2_cache_accesses_from_dc_misses", "l2_cache_hits_from_dc_misses",
			},
		},
	}
}

// Config is the on-disk form of a Plan.
type Config struct {
	Target         string       `json:"target"`
	Args           []string     `json:"args,omitempty"`
	Env            []string     `json:"env,omitempty"`
	CounterSets    []CounterSet `json:"counter_sets"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Target:      DefaultTarget,
		CounterSets: DefaultCounterSets(),
	}
}

// LoadConfig reads a JSON configuration file. Missing fields take their
// values from DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return normalizeConfig(cfg), nil
}

func normalizeConfig(cfg Config) Config {
	normalized := cfg

	if normalized.Target == "" {
		normalized.Target = DefaultTarget
	}

	if len(normalized.CounterSets) == 0 {
		normalized.CounterSets = DefaultCounterSets()
	} else {
		normalized.CounterSets = append([]CounterSet(nil), normalized.CounterSets...)
	}
	for i := range normalized.CounterSets {
		if normalized.CounterSets[i].Name == "" {
			normalized.CounterSets[i].Name = fmt.Sprintf("set-%d", i+1)
		}
	}

	return normalized
}

// Plan validates cfg and converts it into a Plan.
func (cfg Config) Plan() (Plan, error) {
	cfg = normalizeConfig(cfg)
	if cfg.TimeoutSeconds < 0 {
		return Plan{}, fmt.Errorf("negative timeout %ds", cfg.TimeoutSeconds)
	}
	seen := make(map[string]bool)
	for _, set := range cfg.CounterSets {
		if len(set.Counters) == 0 {
			return Plan{}, fmt.Errorf("set %s: %w", set, ErrEmptyCounterSet)
		}
		if seen[set.Name] {
			return Plan{}, fmt.Errorf("duplicate counter set name %q", set.Name)
		}
		seen[set.Name] = true
	}
	return Plan{
		Target:  cfg.Target,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Sets:    cfg.CounterSets,
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}, nil
}
