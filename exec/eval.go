// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/groupslice/stats"
)

// Executor defines an interface used to provide implementations of
// task runners. An Executor is responsible for running single tasks,
// reporting their outcomes. Executors are called by the evaluator, which
// bounds the number of tasks handed to the executor at once.
type Executor interface {
	// Name returns a short, human-readable name for the executor.
	Name() string

	// Start starts the executor. It is called before evaluation has started
	// and after all funcs have been registered. Start need not return:
	// for example, the Bigmachine implementation of Executor uses
	// Start as an entry point for worker processes.
	Start(*Session) (shutdown func())

	// Prepare readies the executor to run the provided job. Errors
	// returned by Prepare are configuration errors; no task of the job
	// is run.
	Prepare(ctx context.Context, job *Job) error

	// Run runs the task, completing it with an outcome. Run is called
	// concurrently; it must complete the task before returning, and
	// must not panic.
	Run(ctx context.Context, job *Job, task *Task)

	// HandleDebug adds executor-specific debug handlers to the provided
	// http.ServeMux. This is used to serve diagnostic information relating
	// to the executor.
	HandleDebug(handler *http.ServeMux)
}

// A Job describes the work shared by every task of a run.
type Job struct {
	// ID is the run's unique identifier.
	ID string
	// Invocation names the transformer applied to every unit.
	Invocation groupslice.Invocation
	// Transformer is the driver's instance of the invocation. Executors
	// that run tasks in other processes resolve the invocation there.
	Transformer groupslice.Transformer
	// Store is where artifacts are written.
	Store Store
	// Latency is a simulated delay applied to each unit before it is
	// transformed.
	Latency time.Duration
}

// An evaluation contains the parameters of a single call to eval.
type evaluation struct {
	Executor
	job      *Job
	p        int
	strict   bool
	group    *status.Group
	stats    *stats.Map
	observer func(groupslice.Outcome)
}

// eval dispatches the provided tasks, in order, to the executor,
// keeping at most p tasks in flight. eval returns once every task has
// an outcome. Tasks that are not dispatched, because the context is
// done or because strict evaluation saw a failure, are completed with
// a Skipped outcome.
func eval(ctx context.Context, e evaluation, tasks []*Task) {
	lim := limiter.New()
	lim.Release(e.p)
	var (
		wg         sync.WaitGroup
		stopped    int32
		observeMu  sync.Mutex
		running    = e.stats.Gauge("running")
		ok         = e.stats.Int("ok")
		failed     = e.stats.Int("failed")
		crashed    = e.stats.Int("crashed")
		skipped    = e.stats.Int("skipped")
		dispatched = e.stats.Int("dispatched")
	)
	complete := func(task *Task) {
		outcome := task.Outcome()
		if outcome.OK() {
			ok.Add(1)
		} else {
			failed.Add(1)
			switch outcome.Err.Kind {
			case groupslice.WorkerCrash:
				crashed.Add(1)
			case groupslice.Skipped:
				skipped.Add(1)
			}
			if e.strict && atomic.CompareAndSwapInt32(&stopped, 0, 1) {
				log.Printf("strict: stopping run %s after failure of %s: %v", e.job.ID, outcome.Key, outcome.Err)
			}
		}
		if e.observer != nil {
			observeMu.Lock()
			e.observer(outcome)
			observeMu.Unlock()
		}
	}
	skip := func(task *Task, err error) {
		task.Complete(groupslice.Failed(task.Unit, groupslice.Skipped, err))
		complete(task)
	}
	for _, task := range tasks {
		if atomic.LoadInt32(&stopped) == 1 {
			skip(task, errors.E(errors.Canceled, "run stopped after a failure"))
			continue
		}
		if err := lim.Acquire(ctx, 1); err != nil {
			skip(task, errors.E(errors.Canceled, "run canceled", err))
			continue
		}
		// A failure may have been observed while waiting for a slot.
		if atomic.LoadInt32(&stopped) == 1 {
			lim.Release(1)
			skip(task, errors.E(errors.Canceled, "run stopped after a failure"))
			continue
		}
		task.Status = e.group.Start(task.Unit.Key.String())
		task.Set(TaskWaiting)
		dispatched.Add(1)
		wg.Add(1)
		go func(task *Task) {
			defer wg.Done()
			defer lim.Release(1)
			running.Add(1)
			e.Run(ctx, e.job, task)
			running.Add(-1)
			task.Status.Done()
			complete(task)
		}(task)
	}
	wg.Wait()
}
