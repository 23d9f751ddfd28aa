// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package groupslice

import (
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// ArtifactExt is the file extension of group artifacts.
const ArtifactExt = ".csv"

// keySeed seeds key hashes used for bucketing during partitioning.
const keySeed = 0x9e3779b9

// A GroupKey is the ordered tuple of key-column values that
// identifies a group.
type GroupKey []string

// String renders the key as a parenthesized tuple, e.g., "(1, x)".
func (k GroupKey) String() string {
	return "(" + strings.Join(k, ", ") + ")"
}

// Equal tells whether keys k and l are the same tuple.
func (k GroupKey) Equal(l GroupKey) bool {
	if len(k) != len(l) {
		return false
	}
	for i := range k {
		if k[i] != l[i] {
			return false
		}
	}
	return true
}

// Encode returns a canonical string encoding of the key. Distinct
// keys have distinct encodings, so the encoding may be used as a map
// key.
func (k GroupKey) Encode() string {
	var b strings.Builder
	for _, v := range k {
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String()
}

// Hash32 returns a 32-bit hash of the key.
func (k GroupKey) Hash32() uint32 {
	return murmur3.Sum32WithSeed([]byte(k.Encode()), keySeed)
}

// ArtifactName returns the file name of the artifact for key k:
// "group_" followed by the key's components joined by underscores,
// followed by ArtifactExt. Components are escaped so that the
// separator never appears inside a component; thus distinct keys
// always have distinct names, and the name of a key never changes.
func (k GroupKey) ArtifactName() string {
	var b strings.Builder
	b.WriteString("group")
	for _, v := range k {
		b.WriteByte('_')
		escapeComponent(&b, v)
	}
	b.WriteString(ArtifactExt)
	return b.String()
}

const hexDigits = "0123456789ABCDEF"

// escapeComponent percent-encodes every byte of v that is not an
// ASCII letter, digit, '.', or '-'.
func escapeComponent(b *strings.Builder, v string) {
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-', c == '.':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		}
	}
}
