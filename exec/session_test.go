// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/groupslice/stats"
	"github.com/grailbio/testutil"
)

func init() {
	log.AddFlags()
}

// keyPath renders a key as "1/x", the form used to name keys in the
// arguments of the test funcs below.
func keyPath(key groupslice.GroupKey) string {
	return strings.Join(key, "/")
}

func keySet(args []string) map[string]bool {
	set := make(map[string]bool)
	for _, arg := range args {
		set[arg] = true
	}
	return set
}

// testRunning counts the units being transformed by sleepFunc across
// all sessions and workers in the test process.
var testRunning stats.Gauge

var (
	failFunc = groupslice.Func("exec_test.fail", func(args ...string) (groupslice.Transformer, error) {
		fail := keySet(args)
		return groupslice.TransformFunc(func(ctx context.Context, key groupslice.GroupKey, in *groupslice.Dataset) (*groupslice.Dataset, interface{}, error) {
			if fail[keyPath(key)] {
				return nil, nil, fmt.Errorf("bad group %s", keyPath(key))
			}
			return in, in.Len(), nil
		}), nil
	})

	panicFunc = groupslice.Func("exec_test.panic", func(args ...string) (groupslice.Transformer, error) {
		fail := keySet(args)
		return groupslice.TransformFunc(func(ctx context.Context, key groupslice.GroupKey, in *groupslice.Dataset) (*groupslice.Dataset, interface{}, error) {
			if fail[keyPath(key)] {
				panic("bad group " + keyPath(key))
			}
			return in, in.Len(), nil
		}), nil
	})

	sleepFunc = groupslice.Func("exec_test.sleep", func(args ...string) (groupslice.Transformer, error) {
		if len(args) != 1 {
			return nil, errors.E(errors.Invalid, "sleep takes a duration")
		}
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return nil, err
		}
		return groupslice.TransformFunc(func(ctx context.Context, key groupslice.GroupKey, in *groupslice.Dataset) (*groupslice.Dataset, interface{}, error) {
			testRunning.Add(1)
			defer testRunning.Add(-1)
			time.Sleep(d)
			return in, in.Len(), nil
		}), nil
	})
)

// exampleDataset returns a dataset of six rows that partitions by
// (a, b) into the groups (1, x) with two rows, (2, x) with three rows,
// and (1, y) with one row.
func exampleDataset(t *testing.T) *groupslice.Dataset {
	t.Helper()
	ds, err := groupslice.NewDataset([]string{"a", "b", "v"},
		groupslice.Row{"1", "x", "10"},
		groupslice.Row{"2", "x", "20"},
		groupslice.Row{"1", "y", "30"},
		groupslice.Row{"1", "x", "40"},
		groupslice.Row{"2", "x", "50"},
		groupslice.Row{"2", "x", "60"},
	)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

// numberedDataset returns a dataset with n single-row groups keyed by
// column k.
func numberedDataset(t *testing.T, n int) *groupslice.Dataset {
	t.Helper()
	rows := make([]groupslice.Row, n)
	for i := range rows {
		rows[i] = groupslice.Row{fmt.Sprint(i), fmt.Sprint(i * i)}
	}
	ds, err := groupslice.NewDataset([]string{"k", "v"}, rows...)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

var executors = map[string]func() Option{
	"Local": func() Option { return Local },
	"Bigmachine.Test": func() Option {
		system := testsystem.New()
		system.KeepalivePeriod = time.Second
		system.KeepaliveTimeout = 5 * time.Second
		system.KeepaliveRpcTimeout = time.Second
		return Bigmachine(system)
	},
}

// testSession runs the provided test with a session for each
// executor, writing artifacts to a fresh temporary directory.
func testSession(t *testing.T, run func(t *testing.T, sess *Session, dir string), options ...Option) {
	t.Helper()
	for name, executor := range executors {
		t.Run(name, func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t, "", "")
			defer cleanup()
			opts := append([]Option{executor(), Output(dir)}, options...)
			sess := Start(opts...)
			defer sess.Shutdown()
			run(t, sess, dir)
		})
	}
}

func readArtifact(t *testing.T, path string) string {
	t.Helper()
	p, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(p)
}

func artifactNames(t *testing.T, dir string) []string {
	t.Helper()
	infos, err := ioutil.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names
}

func TestSessionExample(t *testing.T) {
	ctx := context.Background()
	testSession(t, func(t *testing.T, sess *Session, dir string) {
		report, err := sess.RunDataset(ctx, exampleDataset(t), []string{"a", "b"}, groupslice.Identity.Invocation())
		if err != nil {
			t.Fatal(err)
		}
		if err := report.Err(); err != nil {
			t.Fatal(err)
		}
		if got, want := report.Len(), 3; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		var keys []string
		for i, o := range report.Outcomes {
			if got, want := o.Index, i; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			keys = append(keys, o.Key.String())
		}
		if got, want := keys, []string{"(1, x)", "(2, x)", "(1, y)"}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := artifactNames(t, dir), []string{"group_1_x.csv", "group_1_y.csv", "group_2_x.csv"}; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		for _, c := range []struct {
			key      groupslice.GroupKey
			contents string
			rows     int64
		}{
			{groupslice.GroupKey{"1", "x"}, "a,b,v\n1,x,10\n1,x,40\n", 2},
			{groupslice.GroupKey{"1", "y"}, "a,b,v\n1,y,30\n", 1},
			{groupslice.GroupKey{"2", "x"}, "a,b,v\n2,x,20\n2,x,50\n2,x,60\n", 3},
		} {
			o, ok := report.Lookup(c.key)
			if !ok {
				t.Errorf("no outcome for %s", c.key)
				continue
			}
			if got, want := o.Artifact, filepath.Join(dir, c.key.ArtifactName()); got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if got, want := readArtifact(t, o.Artifact), c.contents; got != want {
				t.Errorf("%s: got %q, want %q", c.key, got, want)
			}
			if got, want := o.Rows, c.rows; got != want {
				t.Errorf("%s: got %v, want %v", c.key, got, want)
			}
			if got, want := o.Bytes, int64(len(c.contents)); got != want {
				t.Errorf("%s: got %v, want %v", c.key, got, want)
			}
			if got, want := o.Summary, (groupslice.Stats{RowsIn: int(c.rows), RowsOut: int(c.rows)}); got != want {
				t.Errorf("%s: got %v, want %v", c.key, got, want)
			}
		}
	}, Parallelism(2))
}

func TestSessionEmpty(t *testing.T) {
	ctx := context.Background()
	testSession(t, func(t *testing.T, sess *Session, dir string) {
		ds, err := groupslice.NewDataset([]string{"a", "b"})
		if err != nil {
			t.Fatal(err)
		}
		report, err := sess.RunDataset(ctx, ds, []string{"a"}, groupslice.Identity.Invocation())
		if err != nil {
			t.Fatal(err)
		}
		if got, want := report.Len(), 0; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if err := report.Err(); err != nil {
			t.Error(err)
		}
		if names := artifactNames(t, dir); len(names) != 0 {
			t.Errorf("unexpected artifacts %v", names)
		}
	})
}

func TestSessionFaultIsolation(t *testing.T) {
	ctx := context.Background()
	for _, funcv := range []*groupslice.FuncValue{failFunc, panicFunc} {
		t.Run(funcv.Name(), func(t *testing.T) {
			testSession(t, func(t *testing.T, sess *Session, dir string) {
				// Leave an artifact from an earlier run for the failing key.
				stale := filepath.Join(dir, "group_1_x.csv")
				if err := ioutil.WriteFile(stale, []byte("a,b,v\n"), 0644); err != nil {
					t.Fatal(err)
				}
				report, err := sess.RunDataset(ctx, exampleDataset(t), []string{"a", "b"}, funcv.Invocation("1/x"))
				if err != nil {
					t.Fatal(err)
				}
				if got, want := report.Succeeded(), 2; got != want {
					t.Errorf("got %v, want %v", got, want)
				}
				if got, want := report.Failed(), 1; got != want {
					t.Errorf("got %v, want %v", got, want)
				}
				o, ok := report.Lookup(groupslice.GroupKey{"1", "x"})
				if !ok {
					t.Fatal("no outcome for (1, x)")
				}
				if o.OK() {
					t.Fatal("expected failure")
				}
				if got, want := o.Err.Kind, groupslice.TransformError; got != want {
					t.Errorf("got %v, want %v", got, want)
				}
				if !strings.Contains(o.Err.Message, "bad group 1/x") {
					t.Errorf("unexpected failure message %q", o.Err.Message)
				}
				if _, err := os.Stat(stale); !os.IsNotExist(err) {
					t.Errorf("artifact for failed key exists: %v", err)
				}
				if got, want := artifactNames(t, dir), []string{"group_1_y.csv", "group_2_x.csv"}; !reflect.DeepEqual(got, want) {
					t.Errorf("got %v, want %v", got, want)
				}
				if report.Err() == nil {
					t.Error("expected report error")
				}
			})
		})
	}
}

func TestSessionIdempotent(t *testing.T) {
	ctx := context.Background()
	testSession(t, func(t *testing.T, sess *Session, dir string) {
		ds := exampleDataset(t)
		contents := func() map[string]string {
			m := make(map[string]string)
			for _, name := range artifactNames(t, dir) {
				m[name] = readArtifact(t, filepath.Join(dir, name))
			}
			return m
		}
		var runs []map[string]string
		for i := 0; i < 2; i++ {
			report, err := sess.RunDataset(ctx, ds, []string{"a", "b"}, groupslice.Sort.Invocation("v"))
			if err != nil {
				t.Fatal(err)
			}
			if err := report.Err(); err != nil {
				t.Fatal(err)
			}
			runs = append(runs, contents())
		}
		if got, want := len(runs[1]), 3; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if !reflect.DeepEqual(runs[0], runs[1]) {
			t.Errorf("runs differ: %v, %v", runs[0], runs[1])
		}
	})
}

func TestSessionConcurrencyBound(t *testing.T) {
	const (
		N = 24
		P = 3
	)
	ctx := context.Background()
	testSession(t, func(t *testing.T, sess *Session, dir string) {
		testRunning = stats.Gauge{}
		report, err := sess.RunDataset(ctx, numberedDataset(t, N), []string{"k"}, sleepFunc.Invocation("20ms"))
		if err != nil {
			t.Fatal(err)
		}
		if got, want := report.Succeeded(), N; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if max := testRunning.Max(); max > P || max < 1 {
			t.Errorf("concurrently running units: %d, want between 1 and %d", max, P)
		}
		if max := sess.Stats()["running.max"]; max > P {
			t.Errorf("session reports %d concurrently running units, want at most %d", max, P)
		}
	}, Parallelism(P))
}

func TestSessionConfigErrors(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	notDir := filepath.Join(dir, "file")
	if err := ioutil.WriteFile(notDir, nil, 0644); err != nil {
		t.Fatal(err)
	}
	var observed int
	observe := Observer(func(groupslice.Outcome) { observed++ })
	ds := exampleDataset(t)
	for _, c := range []struct {
		name string
		sess *Session
		keys []string
		inv  groupslice.Invocation
		kind errors.Kind
	}{
		{"unregistered", Start(Local, Output(dir), observe), []string{"a"}, groupslice.Invocation{Func: "exec_test.missing"}, errors.NotExist},
		{"bad args", Start(Local, Output(dir), observe), []string{"a"}, groupslice.Latest.Invocation(), errors.Invalid},
		{"bad key", Start(Local, Output(dir), observe), []string{"a", "z"}, groupslice.Identity.Invocation(), errors.Invalid},
		{"no keys", Start(Local, Output(dir), observe), nil, groupslice.Identity.Invocation(), errors.Invalid},
		{"no output", Start(Local, observe), []string{"a"}, groupslice.Identity.Invocation(), errors.Invalid},
		{"unwritable", Start(Local, Output(filepath.Join(notDir, "out")), observe), []string{"a"}, groupslice.Identity.Invocation(), errors.NotAllowed},
		{"memory store", Start(Bigmachine(testsystem.New()), ArtifactStore(NewMemoryStore()), observe), []string{"a"}, groupslice.Identity.Invocation(), errors.Invalid},
	} {
		t.Run(c.name, func(t *testing.T) {
			defer c.sess.Shutdown()
			report, err := c.sess.RunDataset(ctx, ds, c.keys, c.inv)
			if err == nil {
				t.Fatalf("expected error, got report %v", report)
			}
			if !errors.Is(c.kind, err) {
				t.Errorf("got %v, want kind %v", err, c.kind)
			}
		})
	}
	if got, want := observed, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := artifactNames(t, dir), []string{"file"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionDuplicateUnits(t *testing.T) {
	sess := Start(Local, ArtifactStore(NewMemoryStore()))
	defer sess.Shutdown()
	units, err := groupslice.Partition(exampleDataset(t), "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	units = append(units, units[0])
	_, err = sess.Run(context.Background(), units, groupslice.Identity.Invocation())
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func TestSessionStrict(t *testing.T) {
	const N = 6
	store := NewMemoryStore()
	sess := Start(Local, ArtifactStore(store), Parallelism(1), Strict)
	defer sess.Shutdown()
	report, err := sess.RunDataset(context.Background(), numberedDataset(t, N), []string{"k"}, failFunc.Invocation("2"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := report.Len(), N; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	kinds := make([]string, N)
	for i, o := range report.Outcomes {
		if o.OK() {
			kinds[i] = "ok"
		} else {
			kinds[i] = o.Err.Kind.String()
		}
	}
	if got, want := kinds, []string{"ok", "ok", "transform", "skipped", "skipped", "skipped"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := store.Names(), []string{"group_0.csv", "group_1.csv"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	vals := sess.Stats()
	for name, want := range map[string]int64{"dispatched": 3, "ok": 2, "failed": 4, "skipped": 3, "crashed": 0} {
		if got := vals[name]; got != want {
			t.Errorf("%s: got %v, want %v", name, got, want)
		}
	}
}

func TestSessionFailSoft(t *testing.T) {
	const N = 6
	sess := Start(Local, ArtifactStore(NewMemoryStore()), Parallelism(1))
	defer sess.Shutdown()
	report, err := sess.RunDataset(context.Background(), numberedDataset(t, N), []string{"k"}, failFunc.Invocation("0", "2"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := report.Succeeded(), N-2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	var failed []string
	for _, o := range report.Failures() {
		failed = append(failed, o.Key.String())
	}
	if got, want := failed, []string{"(0)", "(2)"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionCanceled(t *testing.T) {
	const N = 5
	sess := Start(Local, ArtifactStore(NewMemoryStore()), Parallelism(2), Latency(time.Hour))
	defer sess.Shutdown()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := sess.RunDataset(ctx, numberedDataset(t, N), []string{"k"}, groupslice.Identity.Invocation())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := report.Len(), N; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for _, o := range report.Outcomes {
		if o.OK() || o.Err.Kind != groupslice.Skipped {
			t.Errorf("%s: got %v, want skipped", o.Key, o.Err)
		}
	}
}

func TestSessionObserver(t *testing.T) {
	const N = 20
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
	)
	sess := Start(Local, ArtifactStore(NewMemoryStore()), Parallelism(4), Observer(func(o groupslice.Outcome) {
		mu.Lock()
		seen[o.Key.Encode()] = true
		mu.Unlock()
	}))
	defer sess.Shutdown()
	report, err := sess.RunDataset(context.Background(), numberedDataset(t, N), []string{"k"}, groupslice.Count.Invocation())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(seen), report.Len(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	vals := sess.Stats()
	if got, want := vals["ok"], int64(N); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals["runs"], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParallelismPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Parallelism(0)
}
