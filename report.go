// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
)

// A Report accounts for every unit of a run: it contains exactly one
// outcome per group key, in unit order. Reports are immutable.
type Report struct {
	// RunID uniquely identifies the run that produced the report.
	RunID string
	// Outcomes holds the outcome of each unit, in unit order.
	Outcomes []Outcome

	index  map[string]int
	failed int
}

// Aggregate assembles a report from the outcomes of a run. Outcomes
// are kept in the order given. Aggregate returns an error of kind
// errors.Invalid if two outcomes share a key.
func Aggregate(runID string, outcomes []Outcome) (*Report, error) {
	r := &Report{
		RunID:    runID,
		Outcomes: outcomes,
		index:    make(map[string]int, len(outcomes)),
	}
	for i, o := range outcomes {
		enc := o.Key.Encode()
		if _, ok := r.index[enc]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("aggregate: duplicate outcome for key %s", o.Key))
		}
		r.index[enc] = i
		if !o.OK() {
			r.failed++
		}
	}
	return r, nil
}

// Len returns the number of outcomes in the report.
func (r *Report) Len() int { return len(r.Outcomes) }

// Lookup returns the outcome for the provided key.
func (r *Report) Lookup(key GroupKey) (Outcome, bool) {
	i, ok := r.index[key.Encode()]
	if !ok {
		return Outcome{}, false
	}
	return r.Outcomes[i], true
}

// Succeeded returns the number of units that succeeded.
func (r *Report) Succeeded() int { return len(r.Outcomes) - r.failed }

// Failed returns the number of units that failed.
func (r *Report) Failed() int { return r.failed }

// Failures returns the failed outcomes, in unit order.
func (r *Report) Failures() []Outcome {
	var failures []Outcome
	for _, o := range r.Outcomes {
		if !o.OK() {
			failures = append(failures, o)
		}
	}
	return failures
}

// Bytes returns the total size of the artifacts written in the run.
func (r *Report) Bytes() int64 {
	var n int64
	for _, o := range r.Outcomes {
		n += o.Bytes
	}
	return n
}

// Err returns nil if every unit succeeded. Otherwise it returns an
// error that names the failed keys.
func (r *Report) Err() error {
	if r.failed == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d groups failed:", r.failed, len(r.Outcomes))
	for _, o := range r.Failures() {
		fmt.Fprintf(&b, " %s: %v;", o.Key, o.Err)
	}
	return errors.E(strings.TrimSuffix(b.String(), ";"))
}

// WriteSummary writes a human-readable summary of the report to w:
// success and failure counts followed by a table of failed keys and
// their reasons.
func (r *Report) WriteSummary(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "run %s: %d groups, %d succeeded, %d failed\n",
		r.RunID, len(r.Outcomes), r.Succeeded(), r.Failed()); err != nil {
		return err
	}
	if r.failed == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tkey\tkind\treason")
	for _, o := range r.Failures() {
		fmt.Fprintf(tw, "\t%s\t%s\t%s\n", o.Key, o.Err.Kind, o.Err.Message)
	}
	return tw.Flush()
}

type jsonOutcome struct {
	Key      []string    `json:"key"`
	OK       bool        `json:"ok"`
	Summary  interface{} `json:"summary,omitempty"`
	Artifact string      `json:"artifact,omitempty"`
	Rows     int64       `json:"rows,omitempty"`
	Bytes    int64       `json:"bytes,omitempty"`
	Kind     string      `json:"kind,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

type jsonReport struct {
	RunID     string        `json:"run"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Outcomes  []jsonOutcome `json:"outcomes"`
}

// MarshalJSON implements json.Marshaler.
func (r *Report) MarshalJSON() ([]byte, error) {
	jr := jsonReport{
		RunID:     r.RunID,
		Succeeded: r.Succeeded(),
		Failed:    r.Failed(),
		Outcomes:  make([]jsonOutcome, len(r.Outcomes)),
	}
	for i, o := range r.Outcomes {
		jo := jsonOutcome{
			Key:      o.Key,
			OK:       o.OK(),
			Summary:  o.Summary,
			Artifact: o.Artifact,
			Rows:     o.Rows,
			Bytes:    o.Bytes,
		}
		if o.Err != nil {
			jo.Kind = o.Err.Kind.String()
			jo.Reason = o.Err.Message
		}
		jr.Outcomes[i] = jo
	}
	return json.Marshal(jr)
}

// UnmarshalJSON implements json.Unmarshaler. Summaries are decoded
// as generic JSON values.
func (r *Report) UnmarshalJSON(p []byte) error {
	var jr jsonReport
	if err := json.Unmarshal(p, &jr); err != nil {
		return err
	}
	outcomes := make([]Outcome, len(jr.Outcomes))
	for i, jo := range jr.Outcomes {
		o := Outcome{
			Index:    i,
			Key:      jo.Key,
			Summary:  jo.Summary,
			Artifact: jo.Artifact,
			Rows:     jo.Rows,
			Bytes:    jo.Bytes,
		}
		if !jo.OK {
			o.Err = &Failure{Kind: parseFailureKind(jo.Kind), Message: jo.Reason}
		}
		outcomes[i] = o
	}
	report, err := Aggregate(jr.RunID, outcomes)
	if err != nil {
		return err
	}
	*r = *report
	return nil
}

func parseFailureKind(s string) FailureKind {
	for k, name := range failureKinds {
		if name != "" && name == s {
			return FailureKind(k)
		}
	}
	return 0
}
