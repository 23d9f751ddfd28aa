// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package grouptest provides utilities for testing groupslice user
// code: running transformers over small datasets, reading back the
// artifacts they produce, and stub transformers that fail on demand.
// The utilities are intended strictly for unit testing.
package grouptest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/grailbio/groupslice"
	"github.com/grailbio/groupslice/exec"
	"github.com/grailbio/testutil"
)

// Run partitions the dataset by the provided keys and processes its
// groups with inv in local execution mode, writing artifacts to a
// fresh temporary directory. Run returns the run's report and the
// directory; the directory is removed when the test completes.
// Configuration errors are reported as fatal to t.
func Run(t testing.TB, ds *groupslice.Dataset, keys []string, inv groupslice.Invocation, options ...exec.Option) (*groupslice.Report, string) {
	t.Helper()
	dir, cleanup := testutil.TempDir(t, "", "grouptest")
	t.Cleanup(cleanup)
	options = append([]exec.Option{exec.Local, exec.Output(dir)}, options...)
	sess := exec.Start(options...)
	defer sess.Shutdown()
	report, err := sess.RunDataset(context.Background(), ds, keys, inv)
	if err != nil {
		t.Fatal(err)
	}
	return report, dir
}

// Dataset returns a dataset with the provided columns and rows,
// reporting construction errors as fatal to t.
func Dataset(t testing.TB, columns []string, rows ...groupslice.Row) *groupslice.Dataset {
	t.Helper()
	ds, err := groupslice.NewDataset(columns, rows...)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

// ReadArtifact reads the CSV artifact at path.
func ReadArtifact(t testing.TB, path string) *groupslice.Dataset {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ds, err := groupslice.ReadCSV(f)
	if err != nil {
		t.Fatalf("%s: %v", path, err)
	}
	return ds
}

// Artifacts returns the sorted names of the artifacts in dir.
func Artifacts(t testing.TB, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "group_*"+groupslice.ArtifactExt))
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(paths))
	for i, path := range paths {
		names[i] = filepath.Base(path)
	}
	sort.Strings(names)
	return names
}

// KeyPath renders a key as slash-separated components, e.g., "1/x".
// It is the form in which the stub transformers name keys.
func KeyPath(key groupslice.GroupKey) string {
	return strings.Join(key, "/")
}
