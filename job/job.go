// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package job describes groupslice runs as TOML job files, so that a
// run can be repeated without restating its parameters on the
// command line. A job file looks like this:
//
//	input = "s3://bucket/lot42/records.csv"
//	keys = ["head", "site"]
//	output = "s3://bucket/lot42/merged"
//	transform = "latest"
//	args = ["part"]
//	strict = false
//	parallelism = 8
package job

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/groupslice"
)

// A Job describes a single run.
type Job struct {
	// Input is the path of the CSV input.
	Input string `toml:"input"`
	// Keys names the key columns by which the input is grouped.
	Keys []string `toml:"keys"`
	// Output is the prefix under which artifacts are written.
	Output string `toml:"output"`
	// Transform names the registered transformer, invoked with Args.
	Transform string   `toml:"transform"`
	Args      []string `toml:"args"`
	// Strict stops dispatching groups after the first failure.
	Strict bool `toml:"strict"`
	// Parallelism bounds the number of groups processed at once; zero
	// selects the default.
	Parallelism int `toml:"parallelism"`
	// Latency is a simulated per-group latency, e.g., "100ms".
	Latency string `toml:"latency,omitempty"`
	// Report, if set, is the path to which the run's JSON report is
	// written.
	Report string `toml:"report,omitempty"`
	// Ledger, if set, is the path of the ledger that records the run.
	Ledger string `toml:"ledger,omitempty"`
}

// Decode reads a job from TOML-encoded r. Keys that are not fields
// of Job are rejected.
func Decode(r io.Reader) (*Job, error) {
	var j Job
	md, err := toml.NewDecoder(r).Decode(&j)
	if err != nil {
		return nil, errors.E(errors.Invalid, "job: decode", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("job: unknown keys %v", undecoded))
	}
	return &j, nil
}

// Load reads and validates the job file at path, which may be any
// path supported by package file.
func Load(ctx context.Context, path string) (*Job, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	j, err := Decode(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("job: %s", path), err)
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return j, nil
}

// Encode writes the job to w in TOML format.
func (j *Job) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(j)
}

// Validate checks that the job is complete and that its transform
// can be invoked. Errors are of kind errors.Invalid, or
// errors.NotExist for unregistered transforms.
func (j *Job) Validate() error {
	switch {
	case j.Input == "":
		return errors.E(errors.Invalid, "job: no input")
	case len(j.Keys) == 0:
		return errors.E(errors.Invalid, "job: no keys")
	case j.Output == "":
		return errors.E(errors.Invalid, "job: no output")
	case j.Transform == "":
		return errors.E(errors.Invalid, "job: no transform")
	case j.Parallelism < 0:
		return errors.E(errors.Invalid, fmt.Sprintf("job: invalid parallelism %d", j.Parallelism))
	}
	if _, err := j.LatencyDuration(); err != nil {
		return err
	}
	_, err := j.Invocation().Invoke()
	return err
}

// Invocation returns the invocation of the job's transform.
func (j *Job) Invocation() groupslice.Invocation {
	return groupslice.Invocation{Func: j.Transform, Args: j.Args}
}

// LatencyDuration parses the job's latency. An empty latency is zero.
func (j *Job) LatencyDuration() (time.Duration, error) {
	if j.Latency == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(j.Latency)
	if err != nil {
		return 0, errors.E(errors.Invalid, "job: latency", err)
	}
	if d < 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("job: negative latency %s", d))
	}
	return d, nil
}
