// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

// A WorkUnit is one dispatchable item of work: a group key together
// with the rows of the dataset that carry that key. WorkUnits are
// values; once handed to a worker they are not shared, and neither
// the worker nor the driver modifies them.
type WorkUnit struct {
	// Index is the unit's position in partition order.
	Index int
	// Key identifies the unit's group.
	Key GroupKey
	// Columns names the columns of Rows.
	Columns []string
	// Rows are the group's rows, in dataset order.
	Rows []Row
	// Offsets holds the position in the source dataset of each row
	// in Rows.
	Offsets []int
}

// Dataset returns the unit's rows as a dataset.
func (u WorkUnit) Dataset() *Dataset {
	return &Dataset{Columns: u.Columns, Rows: u.Rows}
}

// Len returns the number of rows in the unit.
func (u WorkUnit) Len() int { return len(u.Rows) }
