// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import (
	"context"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
)

var upper = Func("groupslice_test.upper", func(args ...string) (Transformer, error) {
	return TransformFunc(func(_ context.Context, _ GroupKey, in *Dataset) (*Dataset, interface{}, error) {
		return in, len(args), nil
	}), nil
})

func TestFuncRegistry(t *testing.T) {
	f, ok := Lookup("groupslice_test.upper")
	if !ok || f != upper {
		t.Fatal("func not registered")
	}
	names := FuncNames()
	if !sort.StringsAreSorted(names) {
		t.Errorf("names not sorted: %v", names)
	}
	for _, name := range []string{"count", "identity", "latest", "sort", "groupslice_test.upper"} {
		i := sort.SearchStrings(names, name)
		if i == len(names) || names[i] != name {
			t.Errorf("missing func %s", name)
		}
	}
	inv := upper.Invocation("a", "b")
	if got, want := inv.String(), "groupslice_test.upper(a, b)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	transformer, err := inv.Invoke()
	if err != nil {
		t.Fatal(err)
	}
	_, summary, err := transformer.Transform(context.Background(), nil, &Dataset{})
	if err != nil {
		t.Fatal(err)
	}
	if got, want := summary, 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := (Invocation{Func: "groupslice_test.missing"}).Invoke(); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestFuncDuplicate(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	Func("identity", nil)
}
