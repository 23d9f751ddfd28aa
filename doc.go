// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Package groupslice implements group-parallel processing of tabular
data. A dataset is partitioned into disjoint groups by a composite
key (Partition); each group is handed, as a WorkUnit, to a worker
that applies a user-supplied Transformer, writes the derived rows
to a per-group artifact, and reports a summary back to the driver.
The outcomes of all units are aggregated into a Report.

Execution is provided by package exec. Groups can be processed in
separate goroutines of the driver process, or in separate worker
processes managed by bigmachine. In either case, user code does not
change.

Because Go cannot serialize code to be sent to another process,
transformers are named: they must be registered with Func before
exec.Start is called, and in a deterministic manner. Registering
them as package-level variables is both safe and encouraged:

	var Dedup = groupslice.Func("dedup", func(args ...string) (groupslice.Transformer, error) {
		return groupslice.NewLatest(args...)
	})

	func main() {
		sess := exec.Start(exec.Output("/tmp/out"))
		report, err := sess.RunDataset(ctx, dataset, []string{"lot", "wafer"}, Dedup.Invocation("part"))
		...
	}

Failures of individual groups never abort a run: they are recorded
in the Report next to successes, so that every group is accounted
for exactly once.
*/
package groupslice
