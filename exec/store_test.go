// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/testutil"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	key := groupslice.GroupKey{"1", "x"}
	if _, err := store.Open(ctx, key); !errors.Is(errors.NotExist, err) && !os.IsNotExist(err) {
		t.Errorf("expected NotExist, got %v", err)
	}

	w, err := store.Create(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("a,b\n1,x\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	readAll := func() string {
		t.Helper()
		rc, err := store.Open(ctx, key)
		if err != nil {
			t.Fatal(err)
		}
		defer rc.Close()
		p, err := ioutil.ReadAll(rc)
		if err != nil {
			t.Fatal(err)
		}
		return string(p)
	}
	if got, want := readAll(), "a,b\n1,x\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// A discarded write leaves the previous artifact in place.
	w, err = store.Create(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	w.Discard(ctx)
	if got, want := readAll(), "a,b\n1,x\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	// A committed write replaces it.
	w, err = store.Create(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("a,b\n")); err != nil {
		t.Fatal(err)
	}
	if err := w.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got, want := readAll(), "a,b\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if err := store.Remove(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open(ctx, key); !errors.Is(errors.NotExist, err) && !os.IsNotExist(err) {
		t.Errorf("expected NotExist, got %v", err)
	}
	if err := store.Remove(ctx, key); err == nil {
		t.Error("expected error removing missing artifact")
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStore(t, store)
	if got, want := store.Path(groupslice.GroupKey{"a b"}), "mem:group_a%20b.csv"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFileStore(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	prefix := filepath.Join(dir, "nested", "out")
	store := NewFileStore(prefix)
	testStore(t, store)
	if got, want := store.Path(groupslice.GroupKey{"1", "x"}), filepath.Join(prefix, "group_1_x.csv"); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// Init must not leave anything behind.
	infos, err := ioutil.ReadDir(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		var names []string
		for _, info := range infos {
			names = append(names, info.Name())
		}
		t.Errorf("unexpected files %v", names)
	}
}

func TestFileStoreInit(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	if err := NewFileStore("").Init(ctx); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	path := filepath.Join(dir, "file")
	if err := ioutil.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := NewFileStore(filepath.Join(path, "out")).Init(ctx); !errors.Is(errors.NotAllowed, err) {
		t.Errorf("got %v, want not allowed", err)
	}
	names, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := names, []string{path}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
