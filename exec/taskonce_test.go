// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestOnceMapConcurrency(t *testing.T) {
	const N = 10
	var (
		once        onceMap
		start, done sync.WaitGroup
		count       uint32
	)
	start.Add(N)
	done.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer done.Done()
			start.Done()
			start.Wait()
			v, err := once.Do("latest(part)", func() (interface{}, error) {
				return int(atomic.AddUint32(&count, 1)), nil
			})
			if err != nil {
				t.Error(err)
				return
			}
			if got, want := v.(int), 1; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}()
	}
	done.Wait()
	if got, want := count, uint32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOnceMapError(t *testing.T) {
	var (
		once     onceMap
		expected = errors.New("expected error")
	)
	_, err := once.Do(123, func() (interface{}, error) { return nil, expected })
	if got, want := err, expected; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, err = once.Do(123, func() (interface{}, error) { panic("should not be called") })
	if got, want := err, expected; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	once.Forget(123)
	v, err := once.Do(123, func() (interface{}, error) { return "ok", nil })
	if err != nil {
		t.Errorf("unexpected error %v", err)
	}
	if got, want := v, "ok"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
