// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package grouptest

import (
	"fmt"

	"github.com/grailbio/groupslice"
)

// Print prints one line per outcome of the report to stdout, in unit
// order: the key, then either "ok" with the number of rows written
// and the summary, or the failure. Artifact paths are omitted so that
// the output is stable, which makes Print suitable for examples.
func Print(report *groupslice.Report) {
	for _, o := range report.Outcomes {
		if o.OK() {
			fmt.Printf("%s ok rows:%d %v\n", o.Key, o.Rows, o.Summary)
			continue
		}
		fmt.Printf("%s %v\n", o.Key, o.Err)
	}
}
