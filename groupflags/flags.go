// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package groupflags provides flag support for groupslice command
// line applications: the system on which groups are processed, and
// the parameters of the session that processes them.
package groupflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/user"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/groupslice/exec"
)

var (
	mu        sync.Mutex
	providers = map[string]Provider{} // protected by mu
	profiles  = map[string]string{}   // protected by mu
)

// Provider represents a system on which groups are processed, as
// configured by a set of options.
type Provider interface {
	// Name returns the name of the provider.
	Name() string
	// Set sets a single option, given as key=val.
	Set(string) error
	// ExecOption returns the exec.Option that selects the provider's
	// system with its current options.
	ExecOption() exec.Option
	// DefaultParallelism returns the parallelism used when none is
	// given.
	DefaultParallelism() int
}

// RegisterSystemProvider registers a provider under the provided name.
func RegisterSystemProvider(name string, provider Provider) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := providers[name]; ok {
		log.Panicf("system %s is already registered", name)
	}
	providers[name] = provider
}

// RegisterSystemProfile registers a named shorthand for a system and
// its options. For example, after
//
//	groupflags.RegisterSystemProfile("stdf-ec2", "ec2:instance=m5.xlarge")
//
// the flag -system=stdf-ec2 is a synonym for -system=ec2:instance=m5.xlarge.
func RegisterSystemProfile(name, profile string) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := providers[name]; ok {
		log.Panicf("profile %s is already used as a provider name", name)
	}
	if _, ok := profiles[name]; ok {
		log.Panicf("profile %s is already registered", name)
	}
	profiles[name] = profile
}

// WriteSystemHelp writes a description of the registered providers
// and profiles to w.
func WriteSystemHelp(w io.Writer) {
	mu.Lock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	lines := make([]string, 0, len(profiles))
	for name, profile := range profiles {
		lines = append(lines, fmt.Sprintf("%s is shorthand for: %s", name, profile))
	}
	mu.Unlock()
	sort.Strings(names)
	sort.Strings(lines)
	fmt.Fprintf(w, "%s\n\nThe available providers are: %s\n", SystemHelpLong, strings.Join(names, ", "))
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

type internal struct{}

func (internal) Name() string { return "internal" }
func (internal) ExecOption() exec.Option { return exec.Local }
func (internal) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }
func (internal) Set(string) error { return fmt.Errorf("the internal system takes no options") }

type local struct{}

func (local) Name() string { return "local" }
func (local) ExecOption() exec.Option { return exec.Bigmachine(bigmachine.Local) }
func (local) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }
func (local) Set(string) error { return fmt.Errorf("the local system takes no options") }

// EC2 provides bigmachine EC2 systems.
type EC2 struct {
	InstanceType    string
	Dataspace       uint
	Diskspace       uint
	InstanceProfile string
	OnDemand        bool
}

// Name implements Provider.
func (*EC2) Name() string { return "ec2" }

// Set implements Provider.
func (e *EC2) Set(v string) error {
	parts := strings.SplitN(v, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("not in key=val format %q", v)
	}
	key, val := parts[0], parts[1]
	switch key {
	case "instance":
		e.InstanceType = val
	case "profile":
		e.InstanceProfile = val
	case "dataspace", "rootsize":
		n, err := strconv.ParseUint(val, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: not an integer: %v", key, val)
		}
		if key == "dataspace" {
			e.Dataspace = uint(n)
		} else {
			e.Diskspace = uint(n)
		}
	case "ondemand":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("ondemand: not a bool: %v", val)
		}
		e.OnDemand = b
	default:
		return fmt.Errorf("unsupported ec2 option: %v", key)
	}
	return nil
}

// DefaultParallelism implements Provider.
func (*EC2) DefaultParallelism() int { return runtime.GOMAXPROCS(0) }

// ExecOption implements Provider.
func (e *EC2) ExecOption() exec.Option {
	system := &ec2system.System{
		Username:        "unknown",
		InstanceType:    e.InstanceType,
		Dataspace:       e.Dataspace,
		Diskspace:       e.Diskspace,
		InstanceProfile: e.InstanceProfile,
		OnDemand:        e.OnDemand,
	}
	if u, err := user.Current(); err == nil {
		system.Username = u.Username
	} else {
		log.Printf("ec2: get current user: %v", err)
	}
	return exec.Bigmachine(system)
}

func init() {
	RegisterSystemProvider("internal", internal{})
	RegisterSystemProvider("local", local{})
	RegisterSystemProvider("ec2", &EC2{})
}

// SystemHelpLong explains the allowed values of SystemFlag.
const SystemHelpLong = `A groupslice system is specified as follows:

<system-type>:<options> where options is [key=value,]+

The currently supported system types and their options are:

internal: in-process goroutines, the default.
local: worker processes on this machine.
ec2: AWS EC2 worker machines. The supported options are:
	instance=<AWS instance type> - the AWS instance type, e.g. m5.xlarge
	dataspace=<number> - size of the data volume in GiB
	rootsize=<number> - size of the root volume in GiB
	ondemand=<bool> - use on-demand rather than spot instances
	profile=<name> - the AWS instance profile to use`

// SystemFlag is a flag.Value that selects a Provider.
type SystemFlag struct {
	Provider  Provider
	Options   []string
	Specified bool
}

// String implements flag.Value.
func (s *SystemFlag) String() string {
	if s.Provider == nil {
		return ""
	}
	if len(s.Options) == 0 {
		return s.Provider.Name()
	}
	return s.Provider.Name() + ":" + strings.Join(s.Options, ",")
}

func parseSystem(v string) (name string, options []string) {
	parts := strings.SplitN(v, ":", 2)
	name = parts[0]
	if len(parts) > 1 && parts[1] != "" {
		options = strings.Split(parts[1], ",")
	}
	return
}

// Set implements flag.Value. Profiles are expanded before their
// options are applied.
func (s *SystemFlag) Set(v string) error {
	name, options := parseSystem(v)
	mu.Lock()
	if profile, ok := profiles[name]; ok {
		var profileOptions []string
		name, profileOptions = parseSystem(profile)
		options = append(profileOptions, options...)
	}
	provider, ok := providers[name]
	mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported system or profile: %v", name)
	}
	for _, opt := range options {
		if err := provider.Set(opt); err != nil {
			return err
		}
	}
	s.Provider = provider
	s.Options = options
	s.Specified = true
	return nil
}

// Get implements flag.Getter.
func (s *SystemFlag) Get() interface{} {
	return s.String()
}

// Flags holds the values of the groupslice command line flags.
type Flags struct {
	System        SystemFlag
	SystemHelp    bool
	HTTPAddress   cmdutil.NetworkAddressFlag
	ConsoleStatus bool
	Parallelism   int
	Strict        bool
	Latency       time.Duration
	Output        string
	TracePath     string

	fs *flag.FlagSet
}

// Defaults holds the default values of Flags.
type Defaults struct {
	System        string
	HTTPAddress   string
	ConsoleStatus bool
	Parallelism   int
}

// RegisterFlags registers the groupslice flags with fs, prefixing
// each flag name with prefix.
func RegisterFlags(fs *flag.FlagSet, f *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, f, prefix, Defaults{
		System:      "internal",
		HTTPAddress: ":3333",
	})
}

// RegisterFlagsWithDefaults is RegisterFlags with the provided
// defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, f *Flags, prefix string, defaults Defaults) {
	fs.Var(&f.System, prefix+"system", fmt.Sprintf("system on which groups are processed: {internal,local,ec2:[key=val,],profile}; see -%ssystem-help", prefix))
	if err := f.System.Set(defaults.System); err != nil {
		log.Panicf("groupflags: default system %q: %v", defaults.System, err)
	}
	f.System.Specified = false
	fs.Var(&f.HTTPAddress, prefix+"http", "address of http status server")
	f.HTTPAddress.Set(defaults.HTTPAddress)
	f.HTTPAddress.Specified = false
	fs.BoolVar(&f.ConsoleStatus, prefix+"console-status", defaults.ConsoleStatus, "print status to stdout")
	fs.IntVar(&f.Parallelism, prefix+"parallelism", defaults.Parallelism, "maximum number of groups processed at once; 0 requests the system's default")
	fs.BoolVar(&f.Strict, prefix+"strict", false, "stop dispatching groups after the first failure")
	fs.DurationVar(&f.Latency, prefix+"latency", 0, "simulated latency applied to each group")
	fs.StringVar(&f.Output, prefix+"out", "", "directory or URL prefix under which group artifacts are written")
	fs.StringVar(&f.TracePath, prefix+"trace", "", "path to which a Chrome trace of the session is written on shutdown")
	fs.BoolVar(&f.SystemHelp, prefix+"system-help", false, "provide help on system providers and profiles")
	f.fs = fs
}

// Writer returns the writer used for help and usage messages.
func (f *Flags) Writer() io.Writer {
	if f.fs != nil && f.fs.Output() != nil {
		return f.fs.Output()
	}
	return os.Stderr
}

// ExecOptions returns the session options selected by the flags.
func (f *Flags) ExecOptions() ([]exec.Option, error) {
	if f.System.Provider == nil {
		return nil, fmt.Errorf("no system specified")
	}
	if f.Parallelism < 0 {
		return nil, fmt.Errorf("invalid parallelism %d", f.Parallelism)
	}
	if f.Latency < 0 {
		return nil, fmt.Errorf("invalid latency %s", f.Latency)
	}
	var sessStatus status.Status
	// Ensure the bigmachine group is displayed first.
	_ = sessStatus.Group("bigmachine")
	options := []exec.Option{exec.Status(&sessStatus), f.System.Provider.ExecOption()}
	p := f.Parallelism
	if p == 0 {
		p = f.System.Provider.DefaultParallelism()
	}
	options = append(options, exec.Parallelism(p))
	if f.Strict {
		options = append(options, exec.Strict)
	}
	if f.Latency > 0 {
		options = append(options, exec.Latency(f.Latency))
	}
	if f.Output != "" {
		options = append(options, exec.Output(f.Output))
	}
	if f.TracePath != "" {
		options = append(options, exec.TracePath(f.TracePath))
	}
	return options, nil
}
