// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import (
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func exampleDataset(t *testing.T) *Dataset {
	t.Helper()
	ds, err := NewDataset([]string{"a", "b", "v"},
		Row{"1", "x", "10"},
		Row{"2", "x", "20"},
		Row{"1", "y", "30"},
		Row{"1", "x", "40"},
		Row{"2", "x", "50"},
		Row{"2", "x", "60"},
	)
	if err != nil {
		t.Fatal(err)
	}
	return ds
}

func TestPartition(t *testing.T) {
	units, err := Partition(exampleDataset(t), "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(units), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, c := range []struct {
		key     GroupKey
		values  []string
		offsets []int
	}{
		{GroupKey{"1", "x"}, []string{"10", "40"}, []int{0, 3}},
		{GroupKey{"2", "x"}, []string{"20", "50", "60"}, []int{1, 4, 5}},
		{GroupKey{"1", "y"}, []string{"30"}, []int{2}},
	} {
		u := units[i]
		if got, want := u.Index, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if got, want := u.Key, c.key; !reflect.DeepEqual(got, want) {
			t.Errorf("got %v, want %v", got, want)
		}
		var values []string
		for j := range u.Rows {
			values = append(values, u.Dataset().Value(j, "v"))
		}
		if got, want := values, c.values; !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %v, want %v", u.Key, got, want)
		}
		if got, want := u.Offsets, c.offsets; !reflect.DeepEqual(got, want) {
			t.Errorf("%s: got %v, want %v", u.Key, got, want)
		}
	}
}

func TestPartitionEmpty(t *testing.T) {
	ds, err := NewDataset([]string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	units, err := Partition(ds, "a")
	if err != nil {
		t.Fatal(err)
	}
	if units == nil || len(units) != 0 {
		t.Errorf("got %#v, want empty units", units)
	}
	if _, err := Partition(ds, "c"); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestPartitionInvalidKeys(t *testing.T) {
	ds := exampleDataset(t)
	for _, keys := range [][]string{
		nil,
		{"a", "a"},
		{"a", "c"},
	} {
		if _, err := Partition(ds, keys...); !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: got %v, want Invalid", keys, err)
		}
	}
}

// TestPartitionProperty verifies, over fuzzed datasets, that every row
// lands in exactly one unit whose key matches the row, that rows keep
// dataset order, and that each key has exactly one unit.
func TestPartitionProperty(t *testing.T) {
	const N = 200
	var (
		f = fuzz.New().NilChance(0)
		r = rand.New(rand.NewSource(0))
	)
	for i := 0; i < N; i++ {
		var (
			nrow = r.Intn(100)
			rows = make([]Row, nrow)
			// A small alphabet forces repeated keys.
			alphabet = make([]string, 1+r.Intn(4))
		)
		for j := range alphabet {
			f.Fuzz(&alphabet[j])
		}
		for j := range rows {
			rows[j] = Row{alphabet[r.Intn(len(alphabet))], alphabet[r.Intn(len(alphabet))], fmt.Sprint(j)}
		}
		ds, err := NewDataset([]string{"k0", "k1", "row"}, rows...)
		if err != nil {
			t.Fatal(err)
		}
		units, err := Partition(ds, "k1", "k0")
		if err != nil {
			t.Fatal(err)
		}
		var (
			seen = make([]int, nrow)
			keys = make(map[string]bool)
		)
		for index, u := range units {
			if u.Index != index {
				t.Errorf("unit %d has index %d", index, u.Index)
			}
			if keys[u.Key.Encode()] {
				t.Errorf("key %s has multiple units", u.Key)
			}
			keys[u.Key.Encode()] = true
			if len(u.Rows) == 0 || len(u.Rows) != len(u.Offsets) {
				t.Fatalf("unit %s: %d rows, %d offsets", u.Key, len(u.Rows), len(u.Offsets))
			}
			for j, offset := range u.Offsets {
				if j > 0 && offset <= u.Offsets[j-1] {
					t.Errorf("unit %s: offsets out of order: %v", u.Key, u.Offsets)
				}
				seen[offset]++
				if !reflect.DeepEqual(u.Rows[j], ds.Rows[offset]) {
					t.Errorf("unit %s: row %d: got %v, want %v", u.Key, j, u.Rows[j], ds.Rows[offset])
				}
				if got, want := (GroupKey{ds.Rows[offset][1], ds.Rows[offset][0]}), u.Key; !got.Equal(want) {
					t.Errorf("got %v, want %v", got, want)
				}
			}
		}
		for offset, n := range seen {
			if n != 1 {
				t.Errorf("row %d appears in %d units", offset, n)
			}
		}
	}
}
