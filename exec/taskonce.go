// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"sync"
	"sync/atomic"
)

// OnceValue manages a computation of a value that must be run at most
// once. It's similar to sync.Once, except it also retains the computed
// value and error.
type onceValue struct {
	mu    sync.Mutex
	done  uint32
	value interface{}
	err   error
}

// Do runs the function do at most once and returns its results.
// Successive invocations of Do return the results of the first.
func (o *onceValue) Do(do func() (interface{}, error)) (interface{}, error) {
	if atomic.LoadUint32(&o.done) == 1 {
		return o.value, o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if atomic.LoadUint32(&o.done) == 0 {
		o.value, o.err = do()
		atomic.StoreUint32(&o.done, 1)
	}
	return o.value, o.err
}

// OnceMap coordinates computations that must happen exactly once per
// key, for example the construction of a transformer for an
// invocation.
type onceMap sync.Map

// Do invokes do exactly once for each key, and returns the value and
// error produced by that invocation.
func (m *onceMap) Do(key interface{}, do func() (interface{}, error)) (interface{}, error) {
	v, _ := (*sync.Map)(m).LoadOrStore(key, new(onceValue))
	return v.(*onceValue).Do(do)
}

// Forget forgets past computations associated with the provided key.
func (m *onceMap) Forget(key interface{}) {
	(*sync.Map)(m).Delete(key)
}
