// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
)

// A Row is a single record of a Dataset. Its values are aligned with
// the dataset's columns.
type Row []string

// A Dataset is an ordered collection of rows over a fixed set of
// named columns. Datasets are treated as immutable once constructed:
// operations in this package and in package exec never modify a
// dataset or its rows.
type Dataset struct {
	// Columns names the dataset's columns, in order.
	Columns []string
	// Rows holds the dataset's records; each row has len(Columns)
	// values.
	Rows []Row
}

// NewDataset returns a dataset with the provided columns and rows.
// NewDataset returns an error if column names are empty or repeated,
// or if any row does not have exactly one value per column.
func NewDataset(columns []string, rows ...Row) (*Dataset, error) {
	seen := make(map[string]bool, len(columns))
	for _, col := range columns {
		if col == "" {
			return nil, errors.E(errors.Invalid, "dataset: empty column name")
		}
		if seen[col] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("dataset: duplicate column %q", col))
		}
		seen[col] = true
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("dataset: row %d has %d values, expected %d", i, len(row), len(columns)))
		}
	}
	return &Dataset{Columns: columns, Rows: rows}, nil
}

// Len returns the number of rows in the dataset.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// Index returns the position of the named column, or -1 if the
// dataset has no such column.
func (d *Dataset) Index(column string) int {
	for i, col := range d.Columns {
		if col == column {
			return i
		}
	}
	return -1
}

// Value returns the value of the named column in row i. Value panics
// if the column does not exist.
func (d *Dataset) Value(i int, column string) string {
	j := d.Index(column)
	if j < 0 {
		panic(fmt.Sprintf("dataset: no column %q", column))
	}
	return d.Rows[i][j]
}

// ReadCSV reads a dataset from CSV-encoded data. The first record
// names the columns.
func ReadCSV(r io.Reader) (*Dataset, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.E(errors.Invalid, "dataset: missing CSV header")
	}
	if err != nil {
		return nil, err
	}
	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row(record))
	}
	return NewDataset(header, rows...)
}

// WriteCSV writes the dataset to w in CSV format: a header record
// followed by one record per row.
func (d *Dataset) WriteCSV(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(d.Columns); err != nil {
		return err
	}
	for _, row := range d.Rows {
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
