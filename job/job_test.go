// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package job

import (
	"bytes"
	"context"
	"io/ioutil"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/testutil"
)

const exampleJob = `
input = "records.csv"
keys = ["head", "site"]
output = "/tmp/merged"
transform = "latest"
args = ["part"]
strict = true
parallelism = 4
latency = "10ms"
`

func TestDecode(t *testing.T) {
	j, err := Decode(strings.NewReader(exampleJob))
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Validate(); err != nil {
		t.Fatal(err)
	}
	if got, want := j.Keys, []string{"head", "site"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := j.Invocation(), groupslice.Latest.Invocation("part"); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !j.Strict {
		t.Error("expected strict job")
	}
	if got, want := j.Parallelism, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d, err := j.LatencyDuration()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d, 10*time.Millisecond; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := Decode(strings.NewReader(exampleJob + "workers = 3\n")); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
	if _, err := Decode(strings.NewReader("keys = 3")); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Job{Input: "in.csv", Keys: []string{"k"}, Output: "out", Transform: "identity"}
	if err := valid.Validate(); err != nil {
		t.Fatal(err)
	}
	for _, c := range []struct {
		edit func(*Job)
		kind errors.Kind
	}{
		{func(j *Job) { j.Input = "" }, errors.Invalid},
		{func(j *Job) { j.Keys = nil }, errors.Invalid},
		{func(j *Job) { j.Output = "" }, errors.Invalid},
		{func(j *Job) { j.Transform = "" }, errors.Invalid},
		{func(j *Job) { j.Parallelism = -1 }, errors.Invalid},
		{func(j *Job) { j.Latency = "soon" }, errors.Invalid},
		{func(j *Job) { j.Latency = "-1s" }, errors.Invalid},
		{func(j *Job) { j.Args = []string{"extra"} }, errors.Invalid},
		{func(j *Job) { j.Transform = "nonexistent" }, errors.NotExist},
	} {
		j := valid
		c.edit(&j)
		if err := j.Validate(); !errors.Is(c.kind, err) {
			t.Errorf("%+v: got %v, want %v", j, err, c.kind)
		}
	}
}

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	j, err := Decode(strings.NewReader(exampleJob))
	if err != nil {
		t.Fatal(err)
	}
	var b bytes.Buffer
	if err := j.Encode(&b); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "job.toml")
	if err := ioutil.WriteFile(path, b.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := loaded, j; !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if _, err := Load(context.Background(), filepath.Join(dir, "missing.toml")); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}
