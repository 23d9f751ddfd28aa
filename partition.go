// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import (
	"fmt"

	"github.com/grailbio/base/errors"
)

// Partition splits the dataset into work units, one for each
// distinct combination of values in the provided key columns. Every
// row is assigned to exactly one unit. Units are ordered by the first
// appearance of their key when scanning the dataset from top to
// bottom, and rows within a unit retain dataset order; partitioning
// is thus deterministic.
//
// Partition returns an error of kind errors.Invalid if no key columns
// are given, if a key column is repeated, or if a key column is not
// a column of the dataset. A dataset without rows yields an empty
// (non-nil) set of units.
func Partition(ds *Dataset, keys ...string) ([]WorkUnit, error) {
	if len(keys) == 0 {
		return nil, errors.E(errors.Invalid, "partition: no key columns")
	}
	cols := make([]int, len(keys))
	for i, key := range keys {
		for j := 0; j < i; j++ {
			if keys[j] == key {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: key column %q repeated", key))
			}
		}
		cols[i] = ds.Index(key)
		if cols[i] < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("partition: key column %q is not a dataset column (columns: %v)", key, ds.Columns))
		}
	}
	var (
		units = []WorkUnit{}
		// Buckets maps key hashes to the indices of the units whose
		// keys hash to it. Collisions are resolved by comparing keys.
		buckets = make(map[uint32][]int)
		key     = make(GroupKey, len(cols))
	)
	for offset, row := range ds.Rows {
		for i, col := range cols {
			key[i] = row[col]
		}
		h := key.Hash32()
		index := -1
		for _, u := range buckets[h] {
			if units[u].Key.Equal(key) {
				index = u
				break
			}
		}
		if index < 0 {
			index = len(units)
			units = append(units, WorkUnit{
				Index:   index,
				Key:     append(GroupKey(nil), key...),
				Columns: ds.Columns,
			})
			buckets[h] = append(buckets[h], index)
		}
		units[index].Rows = append(units[index].Rows, row)
		units[index].Offsets = append(units[index].Offsets, offset)
	}
	return units, nil
}
