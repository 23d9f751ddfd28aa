// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
Command grouptrace summarizes the trace written by a groupslice
session (see the -trace flag of groupslice commands). For each worker
it prints the number of units processed and failed, the number of
times the worker was lost, and the distribution of unit durations;
it then lists the slowest units.

	grouptrace [-n slowest] trace.json
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/groupslice/internal/trace"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: grouptrace [-n slowest] path\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	log.SetPrefix("grouptrace: ")
	n := flag.Int("n", 10, "number of slowest units to list")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}
	ctx := context.Background()
	path := flag.Arg(0)
	f, err := file.Open(ctx, path)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}
	var t trace.T
	if err := t.Decode(f.Reader(ctx)); err != nil {
		log.Fatalf("decode %s: %v", path, err)
	}
	if err := f.Close(ctx); err != nil {
		log.Fatalf("close %s: %v", path, err)
	}
	if err := writeSession(os.Stdout, newSession(t.Events), *n); err != nil {
		log.Fatal(err)
	}
}

func writeSession(w io.Writer, s *session, n int) error {
	tw := tabwriter.NewWriter(w, 4, 4, 1, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "worker\tunits\tfailed\tlost\tspan\tbusy\tmin\tq1\tq2\tq3\tmax\t")
	for _, ws := range s.workers {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t\n",
			ws.name, ws.units, ws.failed, ws.lost,
			round(ws.end-ws.start), round(ws.busy),
			round(ws.min), round(ws.q1), round(ws.q2), round(ws.q3), round(ws.max))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	slowest := s.Slowest(n)
	if len(slowest) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 4, 4, 1, ' ', 0)
	fmt.Fprintln(tw, "unit\tworker\tduration")
	for _, u := range slowest {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", u.name, u.worker, round(u.duration))
	}
	return tw.Flush()
}

func round(d time.Duration) time.Duration {
	return d.Round(time.Millisecond)
}
