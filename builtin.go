// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import (
	"context"
	"encoding/gob"
	"fmt"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
)

func init() {
	gob.Register(Stats{})
}

// Stats is the summary produced by the built-in transformers.
type Stats struct {
	// RowsIn is the number of rows in the group.
	RowsIn int
	// RowsOut is the number of rows in the derived dataset.
	RowsOut int
}

func (s Stats) String() string {
	return fmt.Sprintf("in:%d out:%d", s.RowsIn, s.RowsOut)
}

// Built-in transformers.
var (
	// Identity writes each group's rows unchanged.
	Identity = Func("identity", func(args ...string) (Transformer, error) {
		if len(args) != 0 {
			return nil, errors.E(errors.Invalid, "identity takes no arguments")
		}
		return TransformFunc(identity), nil
	})

	// Latest keeps, for each distinct combination of values in the
	// argument columns, only the last row in the group. Later rows
	// thus supersede earlier ones, as is the case for retest records.
	Latest = Func("latest", func(args ...string) (Transformer, error) {
		return NewLatest(args...)
	})

	// Sort stably sorts each group's rows by the argument columns.
	Sort = Func("sort", func(args ...string) (Transformer, error) {
		return NewSort(args...)
	})

	// Count writes a single row containing the group's key and its
	// number of rows.
	Count = Func("count", func(args ...string) (Transformer, error) {
		if len(args) != 0 {
			return nil, errors.E(errors.Invalid, "count takes no arguments")
		}
		return TransformFunc(count), nil
	})
)

func identity(_ context.Context, _ GroupKey, in *Dataset) (*Dataset, interface{}, error) {
	return in, Stats{RowsIn: in.Len(), RowsOut: in.Len()}, nil
}

func count(_ context.Context, key GroupKey, in *Dataset) (*Dataset, interface{}, error) {
	row := append(Row{}, key...)
	row = append(row, strconv.Itoa(in.Len()))
	cols := make([]string, 0, len(key)+1)
	for i := range key {
		cols = append(cols, fmt.Sprintf("key%d", i))
	}
	cols = append(cols, "count")
	return &Dataset{Columns: cols, Rows: []Row{row}}, Stats{RowsIn: in.Len(), RowsOut: 1}, nil
}

// columnIndices returns the indices of the named columns in ds.
func columnIndices(ds *Dataset, columns []string) ([]int, error) {
	indices := make([]int, len(columns))
	for i, col := range columns {
		indices[i] = ds.Index(col)
		if indices[i] < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("no column %q", col))
		}
	}
	return indices, nil
}

type latest []string

// NewLatest returns a transformer that keeps the last row for each
// distinct combination of values in the provided columns. Rows are
// emitted in order of the first appearance of their combination.
func NewLatest(columns ...string) (Transformer, error) {
	if len(columns) == 0 {
		return nil, errors.E(errors.Invalid, "latest: no columns")
	}
	return latest(columns), nil
}

func (l latest) Transform(_ context.Context, _ GroupKey, in *Dataset) (*Dataset, interface{}, error) {
	cols, err := columnIndices(in, l)
	if err != nil {
		return nil, nil, err
	}
	var (
		index = make(map[string]int)
		rows  []Row
		id    = make(GroupKey, len(cols))
	)
	for _, row := range in.Rows {
		for i, col := range cols {
			id[i] = row[col]
		}
		enc := id.Encode()
		if i, ok := index[enc]; ok {
			rows[i] = row
			continue
		}
		index[enc] = len(rows)
		rows = append(rows, row)
	}
	out := &Dataset{Columns: in.Columns, Rows: rows}
	return out, Stats{RowsIn: in.Len(), RowsOut: out.Len()}, nil
}

type sorter []string

// NewSort returns a transformer that stably sorts rows by the
// provided columns, compared lexicographically.
func NewSort(columns ...string) (Transformer, error) {
	if len(columns) == 0 {
		return nil, errors.E(errors.Invalid, "sort: no columns")
	}
	return sorter(columns), nil
}

func (s sorter) Transform(_ context.Context, _ GroupKey, in *Dataset) (*Dataset, interface{}, error) {
	cols, err := columnIndices(in, s)
	if err != nil {
		return nil, nil, err
	}
	rows := make([]Row, len(in.Rows))
	copy(rows, in.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		for _, col := range cols {
			if rows[i][col] != rows[j][col] {
				return rows[i][col] < rows[j][col]
			}
		}
		return false
	})
	out := &Dataset{Columns: in.Columns, Rows: rows}
	return out, Stats{RowsIn: in.Len(), RowsOut: out.Len()}, nil
}
