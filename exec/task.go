// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/status"
	"github.com/grailbio/groupslice"
)

// TaskState represents the runtime state of a Task. TaskState
// values are defined so that their magnitudes correspond with
// task progression.
type TaskState int

const (
	// TaskInit is the initial state of a task. Tasks in state TaskInit
	// have not yet been dispatched.
	TaskInit TaskState = iota

	// TaskWaiting indicates that a task has been dispatched to an
	// executor but has not yet been allocated a worker.
	TaskWaiting
	// TaskRunning is the state of a task that's currently being run.
	TaskRunning

	// TaskOk indicates that a task has successfully completed.
	//
	// All TaskState values greater than TaskOk indicate that the
	// task's outcome is a failure.
	TaskOk

	// TaskErr indicates that the unit's transform or artifact write
	// failed.
	TaskErr
	// TaskLost indicates that the worker running the task was lost.
	TaskLost
	// TaskSkipped indicates that the task was never run.
	TaskSkipped

	maxState
)

var states = [...]string{
	TaskInit:    "INIT",
	TaskWaiting: "WAITING",
	TaskRunning: "RUNNING",
	TaskOk:      "OK",
	TaskErr:     "ERROR",
	TaskLost:    "LOST",
	TaskSkipped: "SKIPPED",
}

// String returns the task's state as an upper-case string.
func (s TaskState) String() string {
	return states[s]
}

// A Task is the runtime representation of a single work unit. Tasks
// coordinate between the evaluator, which dispatches them, and an
// executor, which runs them; they embed a mutex and provide a
// context-aware wait on state changes.
type Task struct {
	// Unit is the work unit processed by this task.
	Unit groupslice.WorkUnit

	// Status is a status object to which task status is reported.
	Status *status.Task

	sync.Mutex
	waitc chan struct{}

	// State is the task's state. It is protected by the task's lock
	// and state changes are broadcast to waiters.
	state   TaskState
	outcome groupslice.Outcome
}

func newTask(unit groupslice.WorkUnit) *Task {
	return &Task{Unit: unit}
}

// Name returns the name of the task, which is the name of its
// unit's artifact without extension.
func (t *Task) Name() string {
	name := t.Unit.Key.ArtifactName()
	return name[:len(name)-len(groupslice.ArtifactExt)]
}

// String returns a short, human-readable string describing the
// task's state.
func (t *Task) String() string {
	// State and outcome are read without holding the lock so that
	// String is safe to call while the lock is held.
	s := fmt.Sprintf("task %s %s", t.Unit.Key, t.state)
	if t.outcome.Err != nil {
		s += ": " + t.outcome.Err.Error()
	}
	return s
}

// Set sets the task's state to the provided state and notifies
// any waiters.
func (t *Task) Set(state TaskState) {
	t.Lock()
	t.state = state
	t.Broadcast()
	t.Unlock()
}

// Complete sets the task's outcome and moves it into the terminal
// state that corresponds to the outcome.
func (t *Task) Complete(outcome groupslice.Outcome) {
	state := TaskOk
	if outcome.Err != nil {
		switch outcome.Err.Kind {
		case groupslice.WorkerCrash:
			state = TaskLost
		case groupslice.Skipped:
			state = TaskSkipped
		default:
			state = TaskErr
		}
		t.Status.Print(outcome.Err)
	} else {
		t.Status.Print(outcome.Artifact)
	}
	t.Lock()
	t.outcome = outcome
	t.state = state
	t.Broadcast()
	t.Unlock()
}

// Outcome returns the task's outcome. It is valid only once the task
// has reached a state >= TaskOk.
func (t *Task) Outcome() groupslice.Outcome {
	t.Lock()
	defer t.Unlock()
	return t.outcome
}

// State returns the task's current state.
func (t *Task) State() TaskState {
	t.Lock()
	state := t.state
	t.Unlock()
	return state
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the task's lock is held.
func (t *Task) Broadcast() {
	if t.waitc != nil {
		close(t.waitc)
		t.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or if the context
// is complete. The task's lock must be held when calling Wait.
func (t *Task) Wait(ctx context.Context) error {
	if t.waitc == nil {
		t.waitc = make(chan struct{})
	}
	waitc := t.waitc
	t.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	t.Lock()
	return err
}

// WaitState returns when the task's state is at least the provided state,
// or else when the context is done.
func (t *Task) WaitState(ctx context.Context, state TaskState) (TaskState, error) {
	t.Lock()
	defer t.Unlock()
	var err error
	for t.state < state && err == nil {
		err = t.Wait(ctx)
	}
	return t.state, err
}
