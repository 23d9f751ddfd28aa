// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named run counters and gauges. Gauges track
// both their current value and the highest value they have reached,
// which is how sessions report peak concurrency.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// String returns an abbreviated string with the values in this
// snapshot sorted by key.
func (v Values) String() string {
	var keys []string
	for key := range v {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters and gauges keyed by name.
type Map struct {
	mu     sync.Mutex
	ints   map[string]*Int
	gauges map[string]*Gauge
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{
		ints:   make(map[string]*Int),
		gauges: make(map[string]*Gauge),
	}
}

// Int returns the counter with the provided name. The counter is
// created if it does not already exist.
func (m *Map) Int(name string) *Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.ints[name]
	if v == nil {
		v = new(Int)
		m.ints[name] = v
	}
	return v
}

// Gauge returns the gauge with the provided name. The gauge is
// created if it does not already exist.
func (m *Map) Gauge(name string) *Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gauges[name]
	if g == nil {
		g = new(Gauge)
		m.gauges[name] = g
	}
	return g
}

// Values returns a snapshot of the map. Gauge g contributes two
// values: "g", its current value, and "g.max", its high-water mark.
func (m *Map) Values() Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	vals := make(Values, len(m.ints)+2*len(m.gauges))
	for k, v := range m.ints {
		vals[k] = v.Get()
	}
	for k, g := range m.gauges {
		vals[k] = g.Get()
		vals[k+".max"] = g.Max()
	}
	return vals
}

// An Int is a integer counter. Ints can be atomically
// incremented and set.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Set sets the counter's value to val.
func (v *Int) Set(val int64) {
	if v == nil {
		return
	}
	atomic.StoreInt64(&v.val, val)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}

// A Gauge is an integer value that also tracks its high-water mark.
type Gauge struct {
	val, max int64
}

// Add adds delta to the gauge, raising its high-water mark if
// the new value exceeds it.
func (g *Gauge) Add(delta int64) {
	if g == nil {
		return
	}
	val := atomic.AddInt64(&g.val, delta)
	for {
		max := atomic.LoadInt64(&g.max)
		if val <= max || atomic.CompareAndSwapInt64(&g.max, max, val) {
			return
		}
	}
}

// Get returns the gauge's current value.
func (g *Gauge) Get() int64 {
	if g == nil {
		return 0
	}
	return atomic.LoadInt64(&g.val)
}

// Max returns the highest value the gauge has held.
func (g *Gauge) Max() int64 {
	if g == nil {
		return 0
	}
	return atomic.LoadInt64(&g.max)
}
