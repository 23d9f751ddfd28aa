// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
)

// statusInterval is the period at which run status is refreshed.
var statusInterval = time.Second

// stateCounts is a snapshot of the counts of tasks in the states that we
// display in status.
type stateCounts struct {
	idle    int
	running int
	done    int
	lost    int
	error   int
	skipped int
}

// add adds n to the count for state. n may be negative.
func (c *stateCounts) add(state TaskState, n int) {
	switch state {
	case TaskInit, TaskWaiting:
		c.idle += n
	case TaskRunning:
		c.running += n
	case TaskOk:
		c.done += n
	case TaskLost:
		c.lost += n
	case TaskErr:
		c.error += n
	case TaskSkipped:
		c.skipped += n
	default:
		log.Panicf("unhandled task state: %v", state)
	}
}

// countStates returns the state counts of the provided tasks.
func countStates(tasks []*Task) stateCounts {
	var c stateCounts
	for _, task := range tasks {
		c.add(task.State(), 1)
	}
	return c
}

// printTo prints the counts of c to group.
func (c stateCounts) printTo(group *status.Group) {
	if c.lost > 0 || c.error > 0 || c.skipped > 0 {
		// Provide a more detailed view if there are groups that failed.
		group.Printf("groups idle/running/done(lost)/error/skipped: %d/%d/%d(%d)/%d/%d",
			c.idle, c.running, c.done, c.lost, c.error, c.skipped)
		return
	}
	group.Printf("groups idle/running/done: %d/%d/%d", c.idle, c.running, c.done)
}

// maintainRunStatus keeps group's status current with the states of
// the provided tasks. It returns when ctx is done, after a final
// update.
func maintainRunStatus(ctx context.Context, tasks []*Task, group *status.Group) {
	if group == nil {
		return
	}
	tick := time.NewTicker(statusInterval)
	defer tick.Stop()
	last := countStates(tasks)
	last.printTo(group)
	for {
		select {
		case <-tick.C:
		case <-ctx.Done():
			countStates(tasks).printTo(group)
			return
		}
		if counts := countStates(tasks); counts != last {
			counts.printTo(group)
			last = counts
		}
	}
}
