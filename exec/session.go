// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/groupslice/stats"
)

// Session represents a groupslice compute session. A session shares
// a binary and executor, and is valid for the run of the binary. A
// session can perform multiple runs.
//
// A session is started by the Start method. Some executors may launch
// multiple copies of the binary: these additional binaries are called
// workers and Start in these does not return.
//
// All transformer funcs must be registered before Start is called,
// and must be registered identically in every process. This is
// provided by default when funcs are registered as part of package
// initialization:
//
//	var Dedup = groupslice.Func("dedup", func(args ...string) (groupslice.Transformer, error) {
//		...
//	})
//
//	func main() {
//		sess := exec.Start(exec.Output("s3://bucket/out"))
//		report, err := sess.RunDataset(ctx, ds, []string{"part"}, Dedup.Invocation())
//		...
//	}
type Session struct {
	// ctx is the session's lifetime context, under which session-wide
	// resources such as worker machines are started.
	ctx context.Context

	index     int32
	shutdown  func()
	p         int
	strict    bool
	latency   time.Duration
	executor  Executor
	store     Store
	status    *status.Status
	eventer   eventlog.Eventer
	tracePath string
	observer  func(groupslice.Outcome)

	tracer *tracer
	stats  *stats.Map

	mu   sync.Mutex
	runs []*runState // protected by mu
}

func newSession() *Session {
	return &Session{
		ctx:     backgroundcontext.Get(),
		index:   atomic.AddInt32(&nextSessionIndex, 1) - 1,
		eventer: eventlog.Nop{},
		stats:   stats.NewMap(),
	}
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor.
var Local Option = func(s *Session) {
	s.executor = newLocalExecutor()
}

// Bigmachine configures a session using the bigmachine executor
// configured with the provided system. If any params are provided,
// they are applied to each bigmachine allocated by the session.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		s.executor = newBigmachineExecutor(system, params...)
	}
}

// Parallelism configures the session with the provided parallelism:
// the maximum number of units processed at once. Parallelism panics
// if p is not positive.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Strict configures the session to stop dispatching units after the
// first unit failure. Units already dispatched run to completion;
// units not dispatched are reported as skipped.
var Strict Option = func(s *Session) {
	s.strict = true
}

// Latency configures the session to delay each unit by d before it
// is transformed. It is used to simulate slow units.
func Latency(d time.Duration) Option {
	if d < 0 {
		panic("exec.Latency: d < 0")
	}
	return func(s *Session) {
		s.latency = d
	}
}

// Output configures the session to write artifacts to a file store
// at the provided prefix, which may be any path or URL supported by
// grailfile.
func Output(prefix string) Option {
	return func(s *Session) {
		s.store = NewFileStore(prefix)
	}
}

// ArtifactStore configures the session to write artifacts to the
// provided store.
func ArtifactStore(store Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// Observer configures the session with a function that is called
// with each outcome as it becomes available. Calls are serialized.
func Observer(fn func(groupslice.Outcome)) Option {
	return func(s *Session) {
		s.observer = fn
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status

		name := fmt.Sprintf("groupslice-%02d-status", s.index)
		dump.Register(name, func(ctx context.Context, w io.Writer) error {
			return status.Marshal(w)
		})
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// TracePath configures the path to which a trace event file for the session
// will be written on shutdown.
func TracePath(path string) Option {
	return func(s *Session) {
		s.tracePath = path
	}
}

// nextSessionIndex is the index of the next session that will be started by
// Start. In general, there should be only one session per process, but we
// violate this in some tests.
var nextSessionIndex int32

// Start creates and starts a new groupslice session, configuring it
// according to the provided options. If no executor is configured,
// the session uses the local executor. If no parallelism is
// configured, it defaults to the number of usable CPUs.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	if s.p == 0 {
		s.p = runtime.GOMAXPROCS(0)
	}
	if s.executor == nil {
		s.executor = newLocalExecutor()
	}
	s.start()
	return s
}

func (s *Session) start() {
	s.tracer = newTracer()
	s.shutdown = s.executor.Start(s)
	s.eventer.Event("groupslice:sessionStart",
		"command", strings.Join(os.Args, " "),
		"executorType", s.executor.Name(),
		"parallelism", s.p,
		"strict", s.strict)

	name := fmt.Sprintf("groupslice-%02d-trace", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.tracer.Marshal(w)
	})
}

// Run processes each of the provided units with the transformer named
// by inv, writing one artifact per unit. Run returns a report with
// exactly one outcome per unit, in unit order, once every unit has an
// outcome. Unit failures are reported in the report, not as errors;
// Run returns an error only if the run could not be started: the
// invocation does not name a registered func, the units are invalid,
// or the output is not writable. In that case no unit is processed.
//
// It is safe to make concurrent calls to Run; each run is bounded
// separately by the session's parallelism.
func (s *Session) Run(ctx context.Context, units []groupslice.WorkUnit, inv groupslice.Invocation) (*groupslice.Report, error) {
	job := &Job{
		ID:         uuid.New().String(),
		Invocation: inv,
		Store:      s.store,
		Latency:    s.latency,
	}
	if err := s.prepare(ctx, job, units); err != nil {
		s.eventer.Event("groupslice:runError", "run", job.ID, "error", err.Error())
		return nil, err
	}
	s.eventer.Event("groupslice:runStart",
		"run", job.ID,
		"invocation", inv.String(),
		"units", len(units))
	log.Printf("run %s: %s over %d groups, parallelism %d", job.ID, inv, len(units), s.p)
	start := time.Now()

	var group *status.Group
	if s.status != nil {
		group = s.status.Groupf("run %s %s", job.ID[:8], inv)
	}
	tasks := make([]*Task, len(units))
	for i := range units {
		tasks[i] = newTask(units[i])
	}
	untrack := s.trackRun(job, tasks)
	statusCtx, cancelStatus := context.WithCancel(ctx)
	statusDone := make(chan struct{})
	go func() {
		maintainRunStatus(statusCtx, tasks, group)
		close(statusDone)
	}()
	eval(ctx, evaluation{
		Executor: s.executor,
		job:      job,
		p:        s.p,
		strict:   s.strict,
		group:    group,
		stats:    s.stats,
		observer: s.observer,
	}, tasks)
	cancelStatus()
	<-statusDone
	untrack()

	outcomes := make([]groupslice.Outcome, len(tasks))
	for i, task := range tasks {
		outcomes[i] = task.Outcome()
	}
	report, err := groupslice.Aggregate(job.ID, outcomes)
	if err != nil {
		// Keys were checked before dispatch.
		log.Panicf("run %s: %v", job.ID, err)
	}
	s.stats.Int("runs").Add(1)
	s.eventer.Event("groupslice:runDone",
		"run", job.ID,
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"bytes", report.Bytes(),
		"duration", time.Since(start).Seconds())
	log.Printf("run %s: %d succeeded, %d failed in %s", job.ID, report.Succeeded(), report.Failed(), time.Since(start))
	group.Printf("%d succeeded, %d failed", report.Succeeded(), report.Failed())
	return report, nil
}

// prepare validates the run and readies the store and executor.
func (s *Session) prepare(ctx context.Context, job *Job, units []groupslice.WorkUnit) error {
	t, err := job.Invocation.Invoke()
	if err != nil {
		return err
	}
	job.Transformer = t
	seen := make(map[string]bool, len(units))
	for _, unit := range units {
		if len(unit.Key) == 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("unit %d has an empty key", unit.Index))
		}
		enc := unit.Key.Encode()
		if seen[enc] {
			return errors.E(errors.Invalid, fmt.Sprintf("duplicate unit for key %s", unit.Key))
		}
		seen[enc] = true
	}
	if job.Store == nil {
		return errors.E(errors.Invalid, "no output configured")
	}
	if err := job.Store.Init(ctx); err != nil {
		return errors.E("initializing output", err)
	}
	return s.executor.Prepare(ctx, job)
}

// RunDataset partitions ds by the provided key columns and then runs
// the resulting units as in Run. Invalid key columns are reported as
// errors, and no unit is processed. An empty dataset yields an empty
// report.
func (s *Session) RunDataset(ctx context.Context, ds *groupslice.Dataset, keys []string, inv groupslice.Invocation) (*groupslice.Report, error) {
	units, err := groupslice.Partition(ds, keys...)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, units, inv)
}

// Parallelism returns the maximum number of units processed at once.
func (s *Session) Parallelism() int {
	return s.p
}

// Strict tells whether the session stops runs after the first failure.
func (s *Session) Strict() bool {
	return s.strict
}

// Store returns the session's artifact store.
func (s *Session) Store() Store {
	return s.store
}

// Stats returns a snapshot of the session's counters. The "running"
// gauge is the number of units being processed; "running.max" is the
// highest number processed at once.
func (s *Session) Stats() stats.Values {
	return s.stats.Values()
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	if s.shutdown != nil {
		s.shutdown()
	}
	if s.tracePath != "" {
		writeTraceFile(s.tracer, s.tracePath)
	}
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// HandleDebug registers the session's debug handlers with the
// provided mux.
func (s *Session) HandleDebug(handler *http.ServeMux) {
	s.executor.HandleDebug(handler)
	handler.Handle("/debug", http.HandlerFunc(s.handleDebug))
	handler.Handle("/debug/tasks", http.HandlerFunc(s.handleTasks))
	handler.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, s.Stats())
	})
	handler.HandleFunc("/debug/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("content-type", "application/json; charset=utf-8")
		if err := s.tracer.Marshal(w); err != nil {
			log.Error.Printf("exec.Session: /debug/trace: marshal: %v", err)
		}
	})
}

func writeTraceFile(tracer *tracer, path string) {
	w, err := os.Create(path)
	if err != nil {
		log.Error.Printf("error creating trace file at %q: %v", path, err)
		return
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			log.Error.Printf("error closing trace file at %q: %v", path, closeErr)
		}
	}()
	if err := tracer.Marshal(w); err != nil {
		log.Error.Printf("error marshaling to trace file at %q: %v", path, err)
	}
}
