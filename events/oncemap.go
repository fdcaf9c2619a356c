// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package events

import "sync"

// onceMap lazily computes and caches one value per key. Errors are cached
// too, so a PMU that failed to load is not re-read from /sys on every lookup.
type onceMap[K comparable, V any] struct {
	m   sync.Map // K -> *onceMapEntry[V]
	new func(K) (V, error)
}

type onceMapEntry[V any] struct {
	once sync.Once
	val  V
	err  error
}

func newOnceMap[K comparable, V any](new func(K) (V, error)) *onceMap[K, V] {
	return &onceMap[K, V]{new: new}
}

func (m *onceMap[K, V]) get(key K) (V, error) {
	entX, _ := m.m.LoadOrStore(key, new(onceMapEntry[V]))
	ent := entX.(*onceMapEntry[V])
	ent.once.Do(func() {
		ent.val, ent.err = m.new(key)
	})
	return ent.val, ent.err
}
