// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package report

import (
	"io"
	"testing"

	"github.com/aclements/go-perfrun/perfbench"
)

func BenchmarkText(b *testing.B) {
	outcomes := sampleOutcomes()
	perfbench.OpenEvents(b, "instructions", "L1-dcache-loads", "L1-dcache-load-misses")
	for i := 0; i < b.N; i++ {
		Text(io.Discard, outcomes)
	}
}

func BenchmarkJSON(b *testing.B) {
	outcomes := sampleOutcomes()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		JSON(io.Discard, outcomes)
	}
}
