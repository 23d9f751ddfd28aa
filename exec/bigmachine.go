// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/groupslice/stats"
	"golang.org/x/sync/errgroup"
)

const (
	// MaxReplaceTries is the number of times the executor attempts to
	// start a replacement for a lost machine.
	maxReplaceTries = 5

	// StatTimeout is the maximum amount of time allowed to retrieve
	// machine stats.
	statTimeout = 5 * time.Second
)

// RetryPolicy is the retry policy used when replacing machines.
var retryPolicy = retry.Backoff(time.Second, 5*time.Second, 1.5)

// A workerMachine is a bigmachine machine running the worker service.
type workerMachine struct {
	*bigmachine.Machine
	Status *status.Task
}

// BigmachineExecutor is an executor that runs each unit on a
// bigmachine machine, in a separate worker process. The executor
// keeps a pool of as many machines as the session's parallelism,
// each of which processes one unit at a time. A machine that is lost
// while processing a unit fails only that unit, and is replaced.
type bigmachineExecutor struct {
	system bigmachine.System
	params []bigmachine.Param

	sess   *Session
	b      *bigmachine.B
	status *status.Group

	boot onceMap
	idle chan *workerMachine
	// Deadc is closed when every machine has been lost and none can be
	// replaced.
	deadc    chan struct{}
	deadOnce sync.Once

	mu      sync.Mutex
	live    map[*workerMachine]bool
	pending int
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{system: system, params: params}
}

func (b *bigmachineExecutor) Name() string {
	return "bigmachine:" + b.system.Name()
}

// Start starts the bigmachine. In worker processes, Start does not
// return.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	if status := sess.Status(); status != nil {
		b.status = status.Group("bigmachine")
	}
	b.idle = make(chan *workerMachine, sess.Parallelism())
	b.deadc = make(chan struct{})
	b.live = make(map[*workerMachine]bool)
	return b.b.Shutdown
}

// bootKey keys the machine pool boot in bigmachineExecutor.boot.
type bootKey struct{}

// Prepare boots the executor's machines on first use. Artifacts are
// written by the workers themselves, and so the job's store must be a
// file store that workers can reach.
//
// Machines are booted under the session's context, not the run's, so
// that a canceled run does not prevent later runs from booting them. A
// failed boot is retried by the next run. If ctx is done before the
// boot completes, Prepare returns nil and the run's units are skipped.
func (b *bigmachineExecutor) Prepare(ctx context.Context, job *Job) error {
	if _, ok := job.Store.(*FileStore); !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("executor %s requires an output prefix, not %T", b.Name(), job.Store))
	}
	errc := make(chan error, 1)
	go func() {
		_, err := b.boot.Do(bootKey{}, b.startPool)
		if err != nil {
			b.boot.Forget(bootKey{})
		}
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return nil
	}
}

// startPool starts the session's machines and makes them available
// to runs.
func (b *bigmachineExecutor) startPool() (interface{}, error) {
	machines := startMachines(b.sess.ctx, b.b, b.status, b.sess.Parallelism(), b.params...)
	if len(machines) == 0 {
		return nil, errors.E(errors.Net, fmt.Sprintf("executor %s: no machines could be started", b.Name()))
	}
	b.mu.Lock()
	for _, m := range machines {
		b.live[m] = true
	}
	b.mu.Unlock()
	for _, m := range machines {
		b.idle <- m
	}
	log.Printf("executor %s: started %d of %d machines", b.Name(), len(machines), b.sess.Parallelism())
	return nil, nil
}

func (b *bigmachineExecutor) Run(ctx context.Context, job *Job, task *Task) {
	var m *workerMachine
	select {
	case m = <-b.idle:
	case <-b.deadc:
		task.Complete(groupslice.Failed(task.Unit, groupslice.WorkerCrash,
			errors.E(errors.Net, "no worker machines available")))
		return
	case <-ctx.Done():
		task.Complete(groupslice.Failed(task.Unit, groupslice.Skipped,
			errors.E(errors.Canceled, "run canceled", ctx.Err())))
		return
	}
	task.Set(TaskRunning)
	m.Status.Print(task.Name())
	b.sess.tracer.Begin(m.Addr, task)
	req := executeRequest{
		RunID:      job.ID,
		Unit:       task.Unit,
		Invocation: job.Invocation,
		Prefix:     job.Store.(*FileStore).Prefix,
		Latency:    job.Latency,
	}
	var reply groupslice.Outcome
	err := m.Call(ctx, "Worker.Execute", req, &reply)
	b.sess.tracer.End(task, "ok", err == nil && reply.OK())
	switch {
	case err == nil:
		m.Status.Print("idle")
		b.idle <- m
		task.Complete(reply)
	case ctx.Err() != nil:
		m.Status.Print("idle")
		b.idle <- m
		task.Complete(groupslice.Failed(task.Unit, groupslice.Skipped,
			errors.E(errors.Canceled, "run canceled", err)))
	case !machineLost(ctx, m, err):
		// The machine is healthy, so the call failed on account of the
		// unit alone.
		log.Error.Printf("machine %s: group %s: %v", m.Addr, task.Unit.Key, err)
		removeStale(ctx, job.Store, task.Unit.Key)
		m.Status.Print("idle")
		b.idle <- m
		task.Complete(groupslice.Failed(task.Unit, groupslice.TransformError,
			errors.E(fmt.Sprintf("machine %s", m.Addr), err)))
	default:
		log.Error.Printf("machine %s lost while processing group %s: %v", m.Addr, task.Unit.Key, err)
		b.sess.tracer.Instant(m.Addr, "lost", "group", task.Unit.Key.String())
		// The worker may have died after committing the unit's artifact.
		removeStale(ctx, job.Store, task.Unit.Key)
		task.Complete(groupslice.Failed(task.Unit, groupslice.WorkerCrash,
			errors.E(errors.Net, fmt.Sprintf("machine %s", m.Addr), err)))
		b.replace(m)
	}
}

// machineLost tells whether the call error err from m means that the
// machine was lost. Network errors and stopped machines are losses;
// otherwise the machine is lost only if it fails a health check.
func machineLost(ctx context.Context, m *workerMachine, err error) bool {
	if errors.Is(errors.Net, err) || errors.IsTemporary(err) || m.State() != bigmachine.Running {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, statTimeout)
	defer cancel()
	var names []string
	return m.Call(ctx, "Worker.FuncNames", struct{}{}, &names) != nil
}

// replace retires the lost machine m and starts a replacement in the
// background. If no replacement can be started and no other machines
// remain, subsequent units fail immediately.
func (b *bigmachineExecutor) replace(m *workerMachine) {
	b.mu.Lock()
	delete(b.live, m)
	b.pending++
	b.mu.Unlock()
	m.Cancel()
	m.Status.Print("lost")
	m.Status.Done()
	go func() {
		ctx := context.Background()
		var replacement *workerMachine
		for try := 0; try < maxReplaceTries && replacement == nil; try++ {
			if try > 0 {
				if err := retry.Wait(ctx, retryPolicy, try); err != nil {
					break
				}
			}
			if machines := startMachines(ctx, b.b, b.status, 1, b.params...); len(machines) > 0 {
				replacement = machines[0]
			}
		}
		b.mu.Lock()
		b.pending--
		if replacement != nil {
			b.live[replacement] = true
		}
		dead := len(b.live) == 0 && b.pending == 0
		b.mu.Unlock()
		if replacement != nil {
			log.Printf("machine %s replaced by %s", m.Addr, replacement.Addr)
			b.idle <- replacement
			return
		}
		log.Error.Printf("failed to replace machine %s after %d tries", m.Addr, maxReplaceTries)
		if dead {
			b.deadOnce.Do(func() { close(b.deadc) })
		}
	}()
}

// Machines returns the number of live machines.
func (b *bigmachineExecutor) Machines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// WorkerStats retrieves the counters of every live machine, keyed by
// machine address.
func (b *bigmachineExecutor) WorkerStats(ctx context.Context) (map[string]stats.Values, error) {
	b.mu.Lock()
	machines := make([]*workerMachine, 0, len(b.live))
	for m := range b.live {
		machines = append(machines, m)
	}
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, statTimeout)
	defer cancel()
	values := make([]stats.Values, len(machines))
	g, ctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			return m.Call(ctx, "Worker.Stats", struct{}{}, &values[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	all := make(map[string]stats.Values, len(machines))
	for i, m := range machines {
		all[m.Addr] = values[i]
	}
	return all, nil
}

func (b *bigmachineExecutor) HandleDebug(handler *http.ServeMux) {
	b.b.HandleDebug(handler)
	handler.HandleFunc("/debug/workers", func(w http.ResponseWriter, r *http.Request) {
		all, err := b.WorkerStats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		addrs := make([]string, 0, len(all))
		for addr := range all {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		for _, addr := range addrs {
			fmt.Fprintf(w, "%s: %s\n", addr, all[addr])
		}
	})
}

// startMachines starts n machines running the worker service and
// waits for them to become ready. Machines that fail to start, or
// whose func registry differs from the driver's, are discarded.
func startMachines(ctx context.Context, b *bigmachine.B, group *status.Group, n int, params ...bigmachine.Param) []*workerMachine {
	params = append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		log.Error.Printf("error starting machines: %v", err)
		return nil
	}
	var (
		wg      sync.WaitGroup
		started = make([]*workerMachine, len(machines))
		funcs   = groupslice.FuncNames()
	)
	for i := range machines {
		i, m := i, machines[i]
		status := group.Start()
		status.Print("waiting for machine to boot")
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-m.Wait(bigmachine.Running)
			if err := m.Err(); err != nil {
				log.Printf("machine %s failed to start: %v", m.Addr, err)
				status.Printf("failed to start: %v", err)
				status.Done()
				return
			}
			var names []string
			if err := m.RetryCall(ctx, "Worker.FuncNames", struct{}{}, &names); err != nil {
				log.Printf("machine %s: failed to verify funcs: %v", m.Addr, err)
				status.Print("failed to verify funcs")
				status.Done()
				m.Cancel()
				return
			}
			if !equalNames(funcs, names) {
				log.Error.Printf("machine %s has different funcs (%v, want %v); check for non-deterministic Func registration", m.Addr, names, funcs)
				status.Print("different funcs")
				status.Done()
				m.Cancel()
				return
			}
			status.Title(m.Addr)
			status.Print("idle")
			log.Printf("machine %v is ready", m.Addr)
			started[i] = &workerMachine{Machine: m, Status: status}
		}()
	}
	wg.Wait()
	n = 0
	for _, m := range started {
		if m != nil {
			started[n] = m
			n++
		}
	}
	return started[:n]
}

func equalNames(x, y []string) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
