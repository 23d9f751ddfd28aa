// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/grailbio/base/log"
)

// maxDebugRuns is the number of completed runs retained for
// /debug/tasks.
const maxDebugRuns = 8

// runState is the debug view of a single run.
type runState struct {
	job   *Job
	start time.Time
	tasks []*Task
	done  bool
}

// trackRun registers a run with the session so that it is visible
// through the debug handlers. The returned function marks it done.
func (s *Session) trackRun(job *Job, tasks []*Task) (done func()) {
	r := &runState{job: job, start: time.Now(), tasks: tasks}
	s.mu.Lock()
	s.runs = append(s.runs, r)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		r.done = true
		var ndone int
		for _, run := range s.runs {
			if run.done {
				ndone++
			}
		}
		if ndone <= maxDebugRuns {
			return
		}
		// Drop the oldest completed run.
		for i, run := range s.runs {
			if run.done {
				s.runs = append(s.runs[:i], s.runs[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) handleDebug(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("content-type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, debugIndexHtml)
}

var debugIndexHtml = `<!DOCTYPE html>
<meta charset="utf-8">
<head>
<title>
/debug
</title>
</head>
<body>

<dl>
<dt><a href="/debug/status">/debug/status</a></dt>
<dd>groupslice run and machine status</dd>
<dt><a href="/debug/tasks">/debug/tasks</a></dt>
<dd>groups of recent runs and their states</dd>
<dt><a href="/debug/stats">/debug/stats</a></dt>
<dd>session counters</dd>
<dt><a href="/debug/trace">/debug/trace</a></dt>
<dd>Chrome-compatible event trace</dd>
</dl>
</body>
</html>
`

type debugTask struct {
	Name  string   `json:"name"`
	Key   []string `json:"key"`
	State string   `json:"state"`
	Error string   `json:"error,omitempty"`
}

type debugRun struct {
	ID         string      `json:"id"`
	Invocation string      `json:"invocation"`
	Start      time.Time   `json:"start"`
	Done       bool        `json:"done"`
	Tasks      []debugTask `json:"tasks"`
}

// debugRuns returns the debug view of the session's tracked runs,
// oldest first.
func (s *Session) debugRuns() []debugRun {
	s.mu.Lock()
	runs := make([]runState, len(s.runs))
	for i, r := range s.runs {
		runs[i] = *r
	}
	s.mu.Unlock()
	views := make([]debugRun, len(runs))
	for i, r := range runs {
		view := debugRun{
			ID:         r.job.ID,
			Invocation: r.job.Invocation.String(),
			Start:      r.start,
			Done:       r.done,
			Tasks:      make([]debugTask, len(r.tasks)),
		}
		for j, task := range r.tasks {
			state := task.State()
			dt := debugTask{
				Name:  task.Name(),
				Key:   task.Unit.Key,
				State: state.String(),
			}
			if state > TaskOk {
				if err := task.Outcome().Err; err != nil {
					dt.Error = err.Error()
				}
			}
			view.Tasks[j] = dt
		}
		views[i] = view
	}
	return views
}

func (s *Session) handleTasks(w http.ResponseWriter, r *http.Request) {
	w.Header().Add("content-type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.debugRuns()); err != nil {
		log.Error.Printf("Session.handleTasks: json.Encode: %v", err)
		http.Error(w, err.Error(), 500)
	}
}
