// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/groupslice/internal/trace"
)

// A tracer records the execution of tasks in the Chrome tracing
// format, which can be visualized using its built-in tool
// (chrome://tracing). Each worker is represented as a Chrome
// "process"; the driver is pid 0. Concurrent tasks on the same worker
// are assigned distinct virtual thread IDs so that they are shown on
// their own rows, and each task's span is rendered as a single
// complete (X) event.
type tracer struct {
	mu sync.Mutex

	events []trace.Event
	open   map[*Task]trace.Event
	pids   map[string]int
	tids   map[int][]bool

	// start is the time of the first observed event, so that the
	// offsets in the trace are meaningful.
	start time.Time
}

func newTracer() *tracer {
	return &tracer{
		open: make(map[*Task]trace.Event),
		pids: make(map[string]int),
		tids: make(map[int][]bool),
	}
}

func (t *tracer) now() int64 {
	if t.start.IsZero() {
		t.start = time.Now()
		return 0
	}
	return time.Since(t.start).Nanoseconds() / 1e3
}

// pid returns the process ID for the worker at addr, recording
// process name metadata for new workers. The empty address names
// the driver.
func (t *tracer) pid(addr string, ts int64) int {
	if addr == "" {
		return 0
	}
	pid, ok := t.pids[addr]
	if !ok {
		pid = len(t.pids) + 1
		t.pids[addr] = pid
		t.events = append(t.events, trace.Event{
			Pid:  pid,
			Ts:   ts,
			Ph:   "M",
			Name: "process_name",
			Args: map[string]interface{}{"name": addr},
		})
	}
	return pid
}

// Begin starts the span of task on the worker at addr. Args is a list
// of interleaved key-value pairs attached to the event.
func (t *tracer) Begin(addr string, task *Task, args ...interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now()
	pid := t.pid(addr, ts)
	event := trace.Event{
		Pid:  pid,
		Tid:  t.acquireTid(pid),
		Ts:   ts,
		Ph:   "B",
		Name: task.Name(),
		Cat:  "task",
		Args: eventArgs(args),
	}
	t.open[task] = event
}

// End ends the span of task, coalescing it into a complete event.
// End is a no-op for tasks that have no open span.
func (t *tracer) End(task *Task, args ...interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	event, ok := t.open[task]
	if !ok {
		return
	}
	delete(t.open, task)
	event.Ph = "X"
	event.Dur = t.now() - event.Ts
	if event.Dur == 0 {
		event.Dur = 1
	}
	for k, v := range eventArgs(args) {
		event.Args[k] = v
	}
	t.releaseTid(event.Pid, event.Tid)
	t.events = append(t.events, event)
}

// Instant records an instant event on the worker at addr.
func (t *tracer) Instant(addr, name string, args ...interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := t.now()
	t.events = append(t.events, trace.Event{
		Pid:  t.pid(addr, ts),
		Ts:   ts,
		Ph:   "i",
		Name: name,
		Cat:  "worker",
		Args: eventArgs(args),
	})
}

// acquireTid returns the lowest available thread ID for pid. Thread IDs
// are 1-indexed.
func (t *tracer) acquireTid(pid int) int {
	busy := t.tids[pid]
	for i, b := range busy {
		if !b {
			busy[i] = true
			return i + 1
		}
	}
	t.tids[pid] = append(busy, true)
	return len(busy) + 1
}

func (t *tracer) releaseTid(pid, tid int) {
	t.tids[pid][tid-1] = false
}

// Marshal writes the trace captured by t into the writer w in
// Chrome's event tracing format. Spans that have not ended are
// omitted.
func (t *tracer) Marshal(w io.Writer) error {
	t.mu.Lock()
	events := make([]trace.Event, len(t.events))
	copy(events, t.events)
	t.mu.Unlock()
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Ts < events[j].Ts
	})
	tr := trace.T{Events: events}
	return tr.Encode(w)
}

func eventArgs(args []interface{}) map[string]interface{} {
	if len(args)%2 != 0 {
		panic("tracer: invalid arguments")
	}
	m := make(map[string]interface{}, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		m[fmt.Sprint(args[i])] = args[i+1]
	}
	return m
}
