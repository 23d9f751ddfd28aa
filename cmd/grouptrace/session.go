// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"sort"
	"time"

	"github.com/grailbio/groupslice/internal/trace"
)

// workerStat summarizes the units processed by a single worker.
type workerStat struct {
	pid  int
	name string
	// units is the number of units the worker processed, of which
	// failed did not succeed.
	units, failed int
	// lost is the number of times the worker was lost.
	lost int
	// start and end bound the worker's activity, as offsets from the
	// start of tracing.
	start, end time.Duration
	// busy is the sum of unit durations.
	busy time.Duration
	// min, q1, q2, q3, and max describe the distribution of unit
	// durations.
	min, q1, q2, q3, max time.Duration
}

// slowUnit is a unit with its duration.
type slowUnit struct {
	name     string
	worker   string
	duration time.Duration
}

// session is the interpretation of the trace of a groupslice session.
type session struct {
	workers []workerStat
	units   []slowUnit
}

func newSession(events []trace.Event) *session {
	names := map[int]string{0: "driver"}
	for _, e := range events {
		if e.Ph == "M" && e.Name == "process_name" {
			if name, ok := e.Args["name"].(string); ok {
				names[e.Pid] = name
			}
		}
	}
	var (
		s         = new(session)
		durations = make(map[int][]time.Duration)
		stats     = make(map[int]*workerStat)
	)
	stat := func(pid int) *workerStat {
		w, ok := stats[pid]
		if !ok {
			w = &workerStat{pid: pid, name: names[pid], start: 1<<63 - 1}
			stats[pid] = w
		}
		return w
	}
	for _, e := range events {
		switch {
		case e.Cat == "worker" && e.Name == "lost":
			stat(e.Pid).lost++
		case e.Cat == "task" && e.Ph == "X":
			w := stat(e.Pid)
			start := time.Duration(e.Ts) * time.Microsecond
			d := time.Duration(e.Dur) * time.Microsecond
			w.units++
			if ok, _ := e.Args["ok"].(bool); !ok {
				w.failed++
			}
			if start < w.start {
				w.start = start
			}
			if end := start + d; w.end < end {
				w.end = end
			}
			w.busy += d
			durations[e.Pid] = append(durations[e.Pid], d)
			s.units = append(s.units, slowUnit{e.Name, names[e.Pid], d})
		}
	}
	for pid, w := range stats {
		if ds := durations[pid]; len(ds) > 0 {
			sort.Slice(ds, func(i, j int) bool { return ds[i] < ds[j] })
			w.min, w.max = ds[0], ds[len(ds)-1]
			w.q1, w.q2, w.q3 = quartiles(ds)
		} else {
			w.start = 0
		}
		s.workers = append(s.workers, *w)
	}
	sort.Slice(s.workers, func(i, j int) bool { return s.workers[i].pid < s.workers[j].pid })
	sort.SliceStable(s.units, func(i, j int) bool { return s.units[i].duration > s.units[j].duration })
	return s
}

// Slowest returns the n slowest units of the session.
func (s *session) Slowest(n int) []slowUnit {
	if n > len(s.units) {
		n = len(s.units)
	}
	return s.units[:n]
}
