// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Command stdfmerge merges CSV exports of semiconductor test records,
keeping only the most recent result of each test of each part. Inputs
are given oldest first; records in later inputs supersede those in
earlier ones, so that retests win. Records are grouped by test head
and site, and each group's merged records are written as a separate
artifact.

Stdfmerge is configured by the groupslice profile (see package
groupconfig), which must name an output prefix:

	stdfmerge -set groupslice.output=s3://bucket/lot42 lot42-*.csv
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/groupslice/groupconfig"
)

var (
	keys = flag.String("keys", "HEAD_NUM,SITE_NUM", "comma-separated columns that identify a test site")
	by   = flag.String("by", "PART_ID,TEST_NUM", "comma-separated columns that identify a test of a part")
)

// Retest keeps the latest record for each combination of its argument
// columns. Later records are retests, so they win.
var Retest = groupslice.Func("stdfmerge.retest", func(args ...string) (groupslice.Transformer, error) {
	return groupslice.NewLatest(args...)
})

func main() {
	log.SetFlags(0)
	log.SetPrefix("stdfmerge: ")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: stdfmerge [flags] input.csv...")
		flag.PrintDefaults()
		os.Exit(2)
	}
	sess, shutdown := groupconfig.Parse()
	defer shutdown()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	ctx := context.Background()
	var inputs []*groupslice.Dataset
	for _, path := range flag.Args() {
		ds, err := readCSV(ctx, path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("%s: %d records", path, ds.Len())
		inputs = append(inputs, ds)
	}
	merged, err := concat(inputs...)
	if err != nil {
		log.Fatal(err)
	}
	report, err := sess.RunDataset(ctx, merged, strings.Split(*keys, ","), Retest.Invocation(strings.Split(*by, ",")...))
	if err != nil {
		log.Fatal(err)
	}
	ok, err := summarize(os.Stderr, report)
	must.Nil(err)
	if !ok {
		shutdown()
		os.Exit(1)
	}
}

// summarize logs the merge totals of report and writes its failures,
// if any, to w. It tells whether every site merged.
func summarize(w io.Writer, report *groupslice.Report) (bool, error) {
	var in, out int
	for _, o := range report.Outcomes {
		if stats, ok := o.Summary.(groupslice.Stats); ok {
			in += stats.RowsIn
			out += stats.RowsOut
		}
	}
	log.Printf("merged %d records into %d across %d sites", in, out, report.Len())
	if report.Err() == nil {
		return true, nil
	}
	return false, report.WriteSummary(w)
}

func readCSV(ctx context.Context, path string) (*groupslice.Dataset, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	ds, err := groupslice.ReadCSV(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("read %s", path), err)
	}
	return ds, nil
}

// concat returns the rows of the provided datasets, in order. The
// datasets must have the same columns, though not necessarily in the
// same order; rows are reordered to the columns of the first.
func concat(datasets ...*groupslice.Dataset) (*groupslice.Dataset, error) {
	if len(datasets) == 0 {
		return nil, errors.E(errors.Invalid, "no datasets")
	}
	columns := datasets[0].Columns
	var rows []groupslice.Row
	for i, ds := range datasets {
		if len(ds.Columns) != len(columns) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("input %d has columns %v, expected %v", i, ds.Columns, columns))
		}
		perm := make([]int, len(columns))
		for j, col := range columns {
			if perm[j] = ds.Index(col); perm[j] < 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("input %d has no column %q", i, col))
			}
		}
		for _, row := range ds.Rows {
			out := make(groupslice.Row, len(columns))
			for j := range out {
				out[j] = row[perm[j]]
			}
			rows = append(rows, out)
		}
	}
	return groupslice.NewDataset(columns, rows...)
}
