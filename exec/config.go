// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"runtime"
	"time"

	"github.com/grailbio/base/config"
	"github.com/grailbio/bigmachine"
)

func init() {
	config.Register("groupslice", func(inst *config.Constructor) {
		sess := newSession()
		inst.IntVar(&sess.p, "parallelism", runtime.GOMAXPROCS(0), "maximum number of groups processed at once")
		inst.BoolVar(&sess.strict, "strict", false, "stop dispatching groups after the first failure")
		var (
			system  bigmachine.System
			output  string
			latency string
		)
		inst.InstanceVar(&system, "system", "", "the bigmachine system used to process groups; local goroutines if empty")
		inst.StringVar(&output, "output", "", "prefix under which group artifacts are written")
		inst.StringVar(&latency, "latency", "0s", "simulated latency applied to each group")
		inst.Doc = "groupslice configures the groupslice runtime"
		inst.New = func() (interface{}, error) {
			if sess.p <= 0 {
				sess.p = 1
			}
			d, err := time.ParseDuration(latency)
			if err != nil {
				return nil, err
			}
			sess.latency = d
			if output != "" {
				sess.store = NewFileStore(output)
			}
			if system != nil {
				sess.executor = newBigmachineExecutor(system)
			} else {
				sess.executor = newLocalExecutor()
			}
			sess.start()
			return sess, nil
		}
	})
}
