// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"runtime/debug"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/groupslice/stats"
)

func init() {
	gob.Register(&worker{})
}

// execute processes a single unit: it applies the transformer to the
// unit's rows and writes the derived dataset as the unit's artifact.
// Execute never panics; every failure is reported in the returned
// outcome. When a unit fails, any artifact left by an earlier run for
// the same key is removed so that stale output is never mistaken for
// the result of this run.
func execute(ctx context.Context, t groupslice.Transformer, store Store, unit groupslice.WorkUnit, latency time.Duration) groupslice.Outcome {
	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return groupslice.Failed(unit, groupslice.Skipped, errors.E(errors.Canceled, "run canceled", ctx.Err()))
		}
	}
	out, summary, err := transform(ctx, t, unit)
	if err != nil {
		removeStale(ctx, store, unit.Key)
		return groupslice.Failed(unit, groupslice.TransformError, err)
	}
	rows, size, err := writeArtifact(ctx, store, unit.Key, out)
	if err != nil {
		removeStale(ctx, store, unit.Key)
		return groupslice.Failed(unit, groupslice.ArtifactError, err)
	}
	return groupslice.Outcome{
		Index:    unit.Index,
		Key:      unit.Key,
		Summary:  summary,
		Artifact: store.Path(unit.Key),
		Rows:     rows,
		Bytes:    size,
	}
}

// transform invokes t on the unit, converting panics into errors and
// checking that the derived dataset is well formed.
func transform(ctx context.Context, t groupslice.Transformer, unit groupslice.WorkUnit) (out *groupslice.Dataset, summary interface{}, err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while transforming group %s: %v\n%s", unit.Key, e, string(stack))
		}
	}()
	out, summary, err = t.Transform(ctx, unit.Key, unit.Dataset())
	if err != nil {
		return nil, nil, err
	}
	if out == nil {
		return nil, nil, errors.E(errors.Invalid, "transformer returned no dataset")
	}
	if _, err := groupslice.NewDataset(out.Columns, out.Rows...); err != nil {
		return nil, nil, errors.E("transformer returned a malformed dataset", err)
	}
	return out, summary, nil
}

type countingWriter struct {
	io.Writer
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	w.n += int64(n)
	return n, err
}

// writeArtifact writes ds as the artifact for key, returning the
// number of rows and bytes written. The artifact is committed only if
// it was written completely.
func writeArtifact(ctx context.Context, store Store, key groupslice.GroupKey, ds *groupslice.Dataset) (rows, size int64, err error) {
	w, err := store.Create(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	cw := &countingWriter{Writer: w}
	if err := ds.WriteCSV(cw); err != nil {
		w.Discard(ctx)
		return 0, 0, err
	}
	if err := w.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return int64(ds.Len()), cw.n, nil
}

func removeStale(ctx context.Context, store Store, key groupslice.GroupKey) {
	err := store.Remove(ctx, key)
	if err == nil {
		log.Printf("removed stale artifact %s", store.Path(key))
		return
	}
	if !errors.Is(errors.NotExist, err) && !os.IsNotExist(err) {
		log.Error.Printf("removing stale artifact %s: %v", store.Path(key), err)
	}
}

// ExecuteRequest is the request sent to a worker to process a single
// unit.
type executeRequest struct {
	RunID      string
	Unit       groupslice.WorkUnit
	Invocation groupslice.Invocation
	Prefix     string
	Latency    time.Duration
}

// Worker is the bigmachine service that processes units in worker
// processes. Transformers are constructed once per invocation and
// shared by all units that name it.
type worker struct {
	// Exported just satisfies gob's persnickety nature: we need at least
	// one exported field.
	Exported struct{}

	b            *bigmachine.B
	transformers onceMap
	stats        *stats.Map
}

func (w *worker) Init(b *bigmachine.B) error {
	w.b = b
	w.stats = stats.NewMap()
	return nil
}

// Stats returns the worker's counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = w.stats.Values()
	return nil
}

func (w *worker) transformer(inv groupslice.Invocation) (groupslice.Transformer, error) {
	v, err := w.transformers.Do(inv.String(), func() (interface{}, error) {
		return inv.Invoke()
	})
	if err != nil {
		return nil, err
	}
	return v.(groupslice.Transformer), nil
}

// Execute processes the unit in req. Unit failures are returned in
// the reply; an error is returned only if the request itself could
// not be served.
func (w *worker) Execute(ctx context.Context, req executeRequest, reply *groupslice.Outcome) error {
	t, err := w.transformer(req.Invocation)
	if err != nil {
		*reply = groupslice.Failed(req.Unit, groupslice.TransformError, err)
		return nil
	}
	running := w.stats.Gauge("running")
	running.Add(1)
	store := NewFileStore(req.Prefix)
	*reply = execute(ctx, t, store, req.Unit, req.Latency)
	running.Add(-1)
	// The reply must reach the driver: a summary that gob cannot
	// encode fails the unit here rather than the call.
	if err := gob.NewEncoder(ioutil.Discard).Encode(reply); err != nil {
		removeStale(ctx, store, req.Unit.Key)
		*reply = groupslice.Failed(req.Unit, groupslice.TransformError,
			errors.E(errors.Invalid, "summary cannot be sent to the driver; register its type with gob", err))
	}
	w.stats.Int("units").Add(1)
	if reply.OK() {
		w.stats.Int("bytes").Add(reply.Bytes)
		log.Debug.Printf("run %s: group %s: %d rows, %d bytes", req.RunID, req.Unit.Key, reply.Rows, reply.Bytes)
	} else {
		log.Printf("run %s: group %s failed: %v", req.RunID, req.Unit.Key, reply.Err)
	}
	return nil
}

// FuncNames returns the names of the funcs registered in the worker's
// process, so that the driver can verify that both processes agree on
// the registry.
func (w *worker) FuncNames(ctx context.Context, _ struct{}, names *[]string) error {
	*names = groupslice.FuncNames()
	return nil
}
