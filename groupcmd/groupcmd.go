// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package groupcmd provides utilities for implementing groupslice
// command line tools. The main entry point, groupcmd.Main, configures
// a session according to the flags in package groupflags and then
// invokes the user's driver code:
//
//	func main() {
//		keys := flag.String("keys", "", "key columns")
//		groupcmd.Main(func(sess *exec.Session, args []string) error {
//			report, err := sess.RunDataset(ctx, ds, strings.Split(*keys, ","), inv)
//			if err != nil {
//				return err
//			}
//			return report.Err()
//		})
//	}
package groupcmd

import (
	"flag"
	"net/http"
	_ "net/http/pprof" // Exposed on the diagnostic web server.
	"os"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/groupslice/exec"
	"github.com/grailbio/groupslice/groupflags"
)

// Main parses the groupslice and logging flags from the command
// line, starts a session, and invokes main with it and the remaining
// arguments. Main does not return: the session is shut down after
// main returns, and the process exits with code 1 if main returned
// an error and 0 otherwise.
//
// Main starts a diagnostic web server (default address :3333) on
// http.DefaultServeMux, which carries pprof handlers as well as
// the session's status and debug handlers.
func Main(main func(sess *exec.Session, args []string) error) {
	var fl groupflags.Flags
	groupflags.RegisterFlags(flag.CommandLine, &fl, "")
	log.AddFlags()
	flag.Parse()
	sess, err := Init(fl)
	if err != nil {
		log.Fatal(err)
	}
	err = main(sess, flag.Args())
	sess.Shutdown()
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(0)
}

// Init starts a session configured by the provided flags and any
// additional options. If the flags request system help, Init prints
// it and exits.
func Init(fl groupflags.Flags, extra ...exec.Option) (*exec.Session, error) {
	if fl.SystemHelp {
		groupflags.WriteSystemHelp(fl.Writer())
		os.Exit(0)
	}
	options, err := fl.ExecOptions()
	if err != nil {
		return nil, err
	}
	sess := exec.Start(append(options, extra...)...)
	DisplayStatus(fl, sess)
	return sess, nil
}

// DisplayStatus arranges for the session's status to be displayed
// on the console, on a web page at /debug/status, or both, depending
// on the flags.
func DisplayStatus(fl groupflags.Flags, sess *exec.Session) {
	if fl.ConsoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if len(fl.HTTPAddress.Address) == 0 {
		return
	}
	sess.HandleDebug(http.DefaultServeMux)
	http.Handle("/debug/status", status.Handler(sess.Status()))
	go func() {
		log.Printf("HTTP status at: %v", fl.HTTPAddress)
		if err := http.ListenAndServe(fl.HTTPAddress.Address, nil); err != nil {
			log.Error.Printf("failed to start HTTP at %v: %v", fl.HTTPAddress, err)
		}
	}()
}
