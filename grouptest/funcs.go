// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package grouptest

import (
	"context"
	"fmt"

	"github.com/grailbio/groupslice"
)

func keySet(args []string) map[string]bool {
	set := make(map[string]bool, len(args))
	for _, arg := range args {
		set[arg] = true
	}
	return set
}

// Stub transformers. Each passes groups through unchanged except for
// the groups named (by KeyPath) in its arguments.
var (
	// Fail returns an error for the named groups.
	Fail = groupslice.Func("grouptest.fail", func(args ...string) (groupslice.Transformer, error) {
		fail := keySet(args)
		return groupslice.TransformFunc(func(_ context.Context, key groupslice.GroupKey, in *groupslice.Dataset) (*groupslice.Dataset, interface{}, error) {
			if fail[KeyPath(key)] {
				return nil, nil, fmt.Errorf("grouptest: failing group %s", KeyPath(key))
			}
			return in, groupslice.Stats{RowsIn: in.Len(), RowsOut: in.Len()}, nil
		}), nil
	})

	// Panic panics on the named groups.
	Panic = groupslice.Func("grouptest.panic", func(args ...string) (groupslice.Transformer, error) {
		fail := keySet(args)
		return groupslice.TransformFunc(func(_ context.Context, key groupslice.GroupKey, in *groupslice.Dataset) (*groupslice.Dataset, interface{}, error) {
			if fail[KeyPath(key)] {
				panic("grouptest: panicking group " + KeyPath(key))
			}
			return in, groupslice.Stats{RowsIn: in.Len(), RowsOut: in.Len()}, nil
		}), nil
	})
)
