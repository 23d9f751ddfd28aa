// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Command groupslice partitions a CSV file into groups by one or more
key columns, transforms each group in parallel, and writes one CSV
artifact per group:

	groupslice -keys head,site -transform latest -args part -out merged/ records.csv

Artifacts are named group_<k0>_<k1>...csv after the group's key. Input
and output may be local paths or s3:// URLs. The command exits with
status 0 if every group succeeded; otherwise the failed groups and
their reasons are printed to stderr and the command exits with
status 1.

A run may instead be described by a TOML job file (-job); see package
job. Runs may be recorded in a ledger (-ledger), which can be listed
with -history.
*/
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/dustin/go-humanize"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/groupslice"
	"github.com/grailbio/groupslice/exec"
	"github.com/grailbio/groupslice/groupcmd"
	"github.com/grailbio/groupslice/groupflags"
	"github.com/grailbio/groupslice/job"
	"github.com/grailbio/groupslice/ledger"
	"github.com/schollz/progressbar/v3"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: groupslice [flags] input.csv
       groupslice -job job.toml [flags]
       groupslice -ledger path -history

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		fl         groupflags.Flags
		keys       = flag.String("keys", "", "comma-separated key columns by which rows are grouped")
		transform  = flag.String("transform", "identity", "name of the transform applied to each group; see -transforms")
		args       = flag.String("args", "", "comma-separated arguments to the transform")
		reportPath = flag.String("report", "", "path to which the JSON report of the run is written")
		ledgerPath = flag.String("ledger", "", "path of a ledger in which the run is recorded")
		jobPath    = flag.String("job", "", "path of a TOML job file describing the run")
		progress   = flag.Bool("progress", false, "display a progress bar on stderr")
		history    = flag.Bool("history", false, "list the runs recorded in the ledger, and exit")
		transforms = flag.Bool("transforms", false, "list the registered transforms, and exit")
	)
	groupflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("groupslice: ")
	must.Func = log.Fatal
	flag.Usage = usage
	flag.Parse()

	switch {
	case *transforms:
		for _, name := range groupslice.FuncNames() {
			fmt.Println(name)
		}
		return
	case *history:
		if *ledgerPath == "" {
			log.Fatal("-history requires -ledger")
		}
		must.Nil(printHistory(os.Stdout, *ledgerPath))
		return
	}

	ctx := context.Background()
	cfg := config{
		keys:       splitList(*keys),
		inv:        groupslice.Invocation{Func: *transform, Args: splitList(*args)},
		reportPath: *reportPath,
		ledgerPath: *ledgerPath,
	}
	if *jobPath != "" {
		j, err := job.Load(ctx, *jobPath)
		if err != nil {
			log.Fatal(err)
		}
		cfg.apply(j, &fl)
	} else {
		if flag.NArg() != 1 {
			usage()
		}
		cfg.input = flag.Arg(0)
	}
	if err := cfg.validate(fl); err != nil {
		log.Fatal(err)
	}

	var bar *progressbar.ProgressBar
	observer := func(groupslice.Outcome) {
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	sess, err := groupcmd.Init(fl, exec.Observer(observer))
	if err != nil {
		log.Fatal(err)
	}
	units, err := cfg.partition(ctx)
	if err != nil {
		log.Fatal(err)
	}
	if *progress {
		bar = progressbar.NewOptions(len(units),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("groups"),
			progressbar.OptionShowCount())
	}
	report, err := cfg.run(ctx, sess, units)
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	log.Printf("run %s: %d groups, %s written to %s",
		report.RunID, report.Len(), humanize.Bytes(uint64(report.Bytes())), fl.Output)
	if report.Failed() > 0 {
		must.Nil(report.WriteSummary(os.Stderr))
		os.Exit(1)
	}
}

// config is a fully specified run.
type config struct {
	input      string
	keys       []string
	inv        groupslice.Invocation
	reportPath string
	ledgerPath string
}

// apply sets the run's parameters from the job j. Session
// parameters are applied to fl.
func (c *config) apply(j *job.Job, fl *groupflags.Flags) {
	c.input = j.Input
	c.keys = j.Keys
	c.inv = j.Invocation()
	if j.Report != "" {
		c.reportPath = j.Report
	}
	if j.Ledger != "" {
		c.ledgerPath = j.Ledger
	}
	fl.Output = j.Output
	fl.Strict = fl.Strict || j.Strict
	if j.Parallelism > 0 {
		fl.Parallelism = j.Parallelism
	}
	// Validated by job.Load.
	if d, _ := j.LatencyDuration(); d > 0 {
		fl.Latency = d
	}
}

func (c *config) validate(fl groupflags.Flags) error {
	switch {
	case c.input == "":
		return errors.E(errors.Invalid, "no input")
	case len(c.keys) == 0:
		return errors.E(errors.Invalid, "no key columns given; use -keys")
	case fl.Output == "":
		return errors.E(errors.Invalid, "no output prefix given; use -out")
	}
	_, err := c.inv.Invoke()
	return err
}

// partition reads the run's input and partitions it into units.
func (c *config) partition(ctx context.Context) ([]groupslice.WorkUnit, error) {
	f, err := file.Open(ctx, c.input)
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	ds, err := groupslice.ReadCSV(f.Reader(ctx))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("read %s", c.input), err)
	}
	log.Printf("read %d rows from %s", ds.Len(), c.input)
	return groupslice.Partition(ds, c.keys...)
}

// run processes the units in the session, then writes the report and
// records it in the ledger as configured.
func (c *config) run(ctx context.Context, sess *exec.Session, units []groupslice.WorkUnit) (*groupslice.Report, error) {
	report, err := sess.Run(ctx, units, c.inv)
	if err != nil {
		return nil, err
	}
	if c.reportPath != "" {
		if err := writeReport(ctx, c.reportPath, report); err != nil {
			return nil, err
		}
	}
	if c.ledgerPath != "" {
		l, err := ledger.Open(c.ledgerPath)
		if err != nil {
			return nil, err
		}
		_, err = l.Put(report, c.inv)
		if closeErr := l.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

func writeReport(ctx context.Context, path string, report *groupslice.Report) (err error) {
	p, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err = f.Writer(ctx).Write(p); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func printHistory(w io.Writer, path string) error {
	l, err := ledger.Open(path)
	if err != nil {
		return err
	}
	defer l.Close()
	entries, err := l.Runs()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "seq\trun\ttime\tinvocation\tgroups\tfailed\tbytes")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\n",
			e.Seq, e.RunID, e.Time.Format("2006-01-02 15:04:05"), e.Invocation,
			e.Groups, e.Failed, humanize.Bytes(uint64(e.Bytes)))
	}
	return tw.Flush()
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
