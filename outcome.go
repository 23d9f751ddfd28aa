// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import "fmt"

// FailureKind classifies the failure of a single unit.
type FailureKind int

const (
	// TransformError indicates that the transformer returned an error
	// or panicked.
	TransformError FailureKind = iota + 1
	// ArtifactError indicates that the unit's artifact could not be
	// written. No artifact is left behind for the unit.
	ArtifactError
	// WorkerCrash indicates that the worker running the unit was lost,
	// for example because its process died.
	WorkerCrash
	// Skipped indicates that the unit was never dispatched because the
	// run was stopped, either because strict mode saw an earlier
	// failure or because the run's context was done.
	Skipped
)

var failureKinds = [...]string{
	TransformError: "transform",
	ArtifactError:  "artifact",
	WorkerCrash:    "crash",
	Skipped:        "skipped",
}

// String returns a short lower-case name for the kind.
func (k FailureKind) String() string {
	if k <= 0 || int(k) >= len(failureKinds) {
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
	return failureKinds[k]
}

// A Failure describes why a unit did not succeed.
type Failure struct {
	Kind    FailureKind
	Message string
}

// Error implements error.
func (f *Failure) Error() string {
	return f.Kind.String() + ": " + f.Message
}

// NewFailure returns a failure of the provided kind, described by the
// provided error.
func NewFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Message: err.Error()}
}

// An Outcome is the result of processing a single unit. An outcome
// with a nil Err is a success; otherwise it is a failure and only
// Index, Key, and Err are meaningful.
type Outcome struct {
	// Index is the index of the unit that produced the outcome.
	Index int
	// Key is the unit's group key.
	Key GroupKey

	// Summary is the value returned by the transformer.
	Summary interface{}
	// Artifact is the path of the artifact written for the unit.
	Artifact string
	// Rows is the number of rows written to the artifact.
	Rows int64
	// Bytes is the size of the artifact.
	Bytes int64

	// Err is non-nil if the unit failed.
	Err *Failure
}

// OK tells whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err == nil }

// Failed returns a failed outcome for the provided unit.
func Failed(unit WorkUnit, kind FailureKind, err error) Outcome {
	return Outcome{Index: unit.Index, Key: unit.Key, Err: NewFailure(kind, err)}
}
