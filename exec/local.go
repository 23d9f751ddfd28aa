// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"net/http"

	"github.com/grailbio/base/errors"
)

// LocalExecutor is an executor that runs tasks in-process in
// separate goroutines. Transformer panics are recovered and reported
// as the failure of the unit that caused them.
type localExecutor struct {
	sess *Session
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{}
}

func (*localExecutor) Name() string {
	return "local"
}

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	return
}

func (*localExecutor) Prepare(ctx context.Context, job *Job) error {
	if job.Transformer == nil {
		return errors.E(errors.Invalid, "local executor: no transformer")
	}
	return nil
}

func (l *localExecutor) Run(ctx context.Context, job *Job, task *Task) {
	task.Set(TaskRunning)
	l.sess.tracer.Begin("", task)
	outcome := execute(ctx, job.Transformer, job.Store, task.Unit, job.Latency)
	l.sess.tracer.End(task, "ok", outcome.OK())
	task.Complete(outcome)
}

func (*localExecutor) HandleDebug(*http.ServeMux) {}
