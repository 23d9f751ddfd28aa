// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
)

// A Transformer processes the rows of a single group. Transform is
// given the group's key and rows, and returns a derived dataset,
// which is written as the group's artifact, together with an opaque
// summary value, which is returned to the driver. Transform must not
// modify its input. Transformers may be invoked concurrently for
// different groups.
//
// Summaries that cross process boundaries (i.e., when groups are
// processed by worker processes) are gob-encoded; their concrete
// types must be registered with gob.Register.
type Transformer interface {
	Transform(ctx context.Context, key GroupKey, in *Dataset) (out *Dataset, summary interface{}, err error)
}

// TransformFunc adapts an ordinary function to a Transformer.
type TransformFunc func(ctx context.Context, key GroupKey, in *Dataset) (*Dataset, interface{}, error)

// Transform implements Transformer.
func (f TransformFunc) Transform(ctx context.Context, key GroupKey, in *Dataset) (*Dataset, interface{}, error) {
	return f(ctx, key, in)
}

var (
	funcsMu sync.Mutex
	// Funcs is the global registry of transformer funcs, keyed by
	// name. Worker processes resolve invocations against their own
	// copy of the registry, and so funcs must be registered during
	// program initialization.
	funcs = make(map[string]*FuncValue)
)

// A FuncValue is a named transformer constructor, as returned by
// Func.
type FuncValue struct {
	name string
	fn   func(args ...string) (Transformer, error)
}

// Name returns the name under which f is registered.
func (f *FuncValue) Name() string { return f.name }

// Invocation returns an invocation of f with the provided arguments.
func (f *FuncValue) Invocation(args ...string) Invocation {
	return Invocation{Func: f.name, Args: args}
}

// Func registers a transformer constructor under the provided name.
// Func panics if the name is already in use. Funcs must be registered
// before exec.Start is called and in the same manner in every process
// of a program; package-level variables satisfy both requirements.
func Func(name string, fn func(args ...string) (Transformer, error)) *FuncValue {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, ok := funcs[name]; ok {
		panic(fmt.Sprintf("groupslice.Func: func %q already registered", name))
	}
	v := &FuncValue{name: name, fn: fn}
	funcs[name] = v
	return v
}

// Lookup returns the func registered under the provided name.
func Lookup(name string) (*FuncValue, bool) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	f, ok := funcs[name]
	return f, ok
}

// FuncNames returns the names of all registered funcs, sorted.
func FuncNames() []string {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// An Invocation names a registered func together with its arguments.
// Invocations are plain values and may be sent to worker processes,
// where they are resolved to a Transformer by Invoke.
type Invocation struct {
	Func string
	Args []string
}

// String returns a string such as "latest(part, test)".
func (inv Invocation) String() string {
	return inv.Func + "(" + strings.Join(inv.Args, ", ") + ")"
}

// Invoke constructs the transformer named by the invocation. Invoke
// returns an error of kind errors.NotExist if no func with the name
// has been registered, or else any error returned by the func's
// constructor.
func (inv Invocation) Invoke() (Transformer, error) {
	f, ok := Lookup(inv.Func)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("transform %q is not registered", inv.Func))
	}
	t, err := f.fn(inv.Args...)
	if err != nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("transform %s", inv), err)
	}
	return t, nil
}
