// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package events_test

import (
	"testing"

	"github.com/aclements/go-perfrun/events"
	"github.com/aclements/go-perfrun/perfbench"
)

func BenchmarkParseEvent(b *testing.B) {
	for _, name := range []string{"cycles", "L1-dcache-load-misses", "r01c2"} {
		b.Run(name, func(b *testing.B) {
			if _, err := events.ParseEvent(name); err != nil {
				b.Skip(err)
			}
			cs := perfbench.Open(b)
			b.ResetTimer()
			cs.Reset()
			for i := 0; i < b.N; i++ {
				events.ParseEvent(name)
			}
		})
	}
}

func BenchmarkSplitEventList(b *testing.B) {
	const list = "cycles,L1-dcache-loads,cpu/event=0x60,umask=0xc8/,l2_cache_hits_from_dc_misses"
	perfbench.OpenEvents(b, "instructions", "branch-misses")
	for i := 0; i < b.N; i++ {
		events.SplitEventList(list)
	}
}
