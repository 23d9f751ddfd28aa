// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package groupconfig creates a groupslice session from a shared
// configuration. It uses the configuration mechanism in package
// github.com/grailbio/base/config and reads a default profile from
// $HOME/.groupslice/config. The "groupslice" instance configures
// parallelism, strict mode, the output prefix, simulated latency,
// and the bigmachine system, if any, on which groups are processed:
//
//	param groupslice (
//		parallelism = 16
//		output = "s3://bucket/merged"
//		system = bigmachine/ec2system
//	)
package groupconfig

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/groupslice/exec"
)

// Path determines the location of the groupslice profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.groupslice/config")

// Parse registers configuration flags and calls flag.Parse. It
// returns the session configured by the profile at Path together
// with any -set flags provided, and a function that shuts the
// session down. Parse panics if the session cannot be created.
func Parse() (sess *exec.Session, shutdown func()) {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	config.Must("groupslice", &sess)
	return sess, sess.Shutdown
}

// Load returns the session configured by the profile at path. Params
// given as "instance.param=value" override those of the profile.
func Load(path string, params ...string) (*exec.Session, error) {
	profile := config.New()
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("groupconfig: open %s", path), err)
	}
	err = profile.Parse(f)
	f.Close()
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("groupconfig: parse %s", path), err)
	}
	for _, param := range params {
		if err := setParam(profile, param); err != nil {
			return nil, err
		}
	}
	var sess *exec.Session
	if err := profile.Instance("groupslice", &sess); err != nil {
		return nil, errors.E(errors.Invalid, "groupconfig: groupslice instance", err)
	}
	return sess, nil
}

func setParam(profile *config.Profile, param string) error {
	for i := 0; i < len(param); i++ {
		if param[i] == '=' {
			if err := profile.Set(param[:i], param[i+1:]); err != nil {
				return errors.E(errors.Invalid, fmt.Sprintf("groupconfig: set %s", param), err)
			}
			return nil
		}
	}
	return errors.E(errors.Invalid, fmt.Sprintf("groupconfig: param %q not in path=value form", param))
}
