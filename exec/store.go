// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/groupslice"
)

// A WriteCommitter represents a committable write stream into a store.
// Data written to a WriteCommitter become visible only once Commit
// returns successfully.
type WriteCommitter interface {
	io.Writer
	// Commit commits the written data to storage.
	Commit(ctx context.Context) error
	// Discard discards the writer; it will not be committed.
	Discard(ctx context.Context)
}

// Store is an abstraction that stores the artifacts produced by units,
// one per group key.
type Store interface {
	// Init prepares the store for writing. It returns an error if
	// artifacts cannot be written to the store.
	Init(ctx context.Context) error

	// Create returns a writer that populates the artifact for the
	// given key. The artifact replaces any existing artifact for the
	// key once the writer has been committed.
	Create(ctx context.Context, key groupslice.GroupKey) (WriteCommitter, error)

	// Open returns a ReadCloser from which the stored artifact for the
	// given key can be read. If no artifact is stored, an error with
	// kind errors.NotExist is returned.
	Open(ctx context.Context, key groupslice.GroupKey) (io.ReadCloser, error)

	// Remove removes the artifact for the given key. It returns an error
	// with kind errors.NotExist if no artifact is stored.
	Remove(ctx context.Context, key groupslice.GroupKey) error

	// Path returns the location of the artifact for the given key.
	Path(key groupslice.GroupKey) string
}

// MemoryStore is a store implementation that maintains in-memory
// artifacts. It is useful for testing and for programs that inspect
// artifacts directly.
type MemoryStore struct {
	mu        sync.Mutex
	artifacts map[string][]byte
}

// NewMemoryStore returns a new, empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string][]byte)}
}

// Init implements Store.
func (*MemoryStore) Init(context.Context) error { return nil }

// Path implements Store.
func (*MemoryStore) Path(key groupslice.GroupKey) string {
	return "mem:" + key.ArtifactName()
}

// Names returns the names of the stored artifacts, sorted.
func (m *MemoryStore) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.artifacts))
	for name := range m.artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type memoryWriter struct {
	bytes.Buffer
	name  string
	store *MemoryStore
}

func (*memoryWriter) Discard(context.Context) {}

func (w *memoryWriter) Commit(ctx context.Context) error {
	p := w.Buffer.Bytes()
	if p == nil {
		p = []byte{}
	}
	w.store.mu.Lock()
	w.store.artifacts[w.name] = p
	w.store.mu.Unlock()
	return nil
}

// Create implements Store.
func (m *MemoryStore) Create(ctx context.Context, key groupslice.GroupKey) (WriteCommitter, error) {
	return &memoryWriter{name: key.ArtifactName(), store: m}, nil
}

// Open implements Store.
func (m *MemoryStore) Open(ctx context.Context, key groupslice.GroupKey) (io.ReadCloser, error) {
	m.mu.Lock()
	p, ok := m.artifacts[key.ArtifactName()]
	m.mu.Unlock()
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("open %s", key.ArtifactName()))
	}
	return ioutil.NopCloser(bytes.NewReader(p)), nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(ctx context.Context, key groupslice.GroupKey) error {
	name := key.ArtifactName()
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[name]; !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("remove %s", name))
	}
	delete(m.artifacts, name)
	return nil
}

// FileStore is a store implementation that uses grailfiles; thus
// artifacts can be stored at any URL supported by grailfile (e.g.,
// S3). Artifacts are stored directly under the prefix, named by
// GroupKey.ArtifactName.
type FileStore struct {
	// Prefix is the grailfile prefix under which artifacts are stored.
	Prefix string
}

// NewFileStore returns a file store rooted at the provided prefix.
func NewFileStore(prefix string) *FileStore {
	return &FileStore{Prefix: prefix}
}

// Init implements Store. It checks that the prefix is writable by
// creating and then removing a probe file.
func (s *FileStore) Init(ctx context.Context) error {
	if s.Prefix == "" {
		return errors.E(errors.Invalid, "file store: empty prefix")
	}
	scheme, _, err := file.ParsePath(s.Prefix)
	if err != nil {
		return errors.E(errors.Invalid, "file store", err)
	}
	if scheme == "" {
		if err := os.MkdirAll(s.Prefix, 0777); err != nil {
			return errors.E(errors.NotAllowed, fmt.Sprintf("output %s could not be created", s.Prefix), err)
		}
	}
	probe := file.Join(s.Prefix, ".groupslice-"+uuid.New().String())
	f, err := file.Create(ctx, probe)
	if err != nil {
		return errors.E(errors.NotAllowed, fmt.Sprintf("output %s is not writable", s.Prefix), err)
	}
	if err := f.Close(ctx); err != nil {
		return errors.E(errors.NotAllowed, fmt.Sprintf("output %s is not writable", s.Prefix), err)
	}
	return file.Remove(ctx, probe)
}

// Path implements Store.
func (s *FileStore) Path(key groupslice.GroupKey) string {
	return file.Join(s.Prefix, key.ArtifactName())
}

type fileWriter struct {
	file.File
	io.Writer
}

func (w *fileWriter) Commit(ctx context.Context) error {
	return w.File.Close(ctx)
}

func (w *fileWriter) Discard(ctx context.Context) {
	w.File.Discard(ctx)
}

// Create implements Store. Grailfiles are not visible at their path
// until closed, so a discarded writer leaves any previous artifact in
// place.
func (s *FileStore) Create(ctx context.Context, key groupslice.GroupKey) (WriteCommitter, error) {
	f, err := file.Create(ctx, s.Path(key))
	if err != nil {
		return nil, err
	}
	return &fileWriter{File: f, Writer: f.Writer(ctx)}, nil
}

// Open implements Store.
func (s *FileStore) Open(ctx context.Context, key groupslice.GroupKey) (io.ReadCloser, error) {
	f, err := file.Open(ctx, s.Path(key))
	if err != nil {
		return nil, err
	}
	return &fileReadCloser{Reader: f.Reader(ctx), ctx: ctx, file: f}, nil
}

// Remove implements Store.
func (s *FileStore) Remove(ctx context.Context, key groupslice.GroupKey) error {
	return file.Remove(ctx, s.Path(key))
}

type fileReadCloser struct {
	io.Reader
	ctx  context.Context
	file file.File
}

func (f *fileReadCloser) Close() error {
	return f.file.Close(f.ctx)
}
