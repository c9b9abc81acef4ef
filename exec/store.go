// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Direction distinguishes blobs sent to the node from blobs
// retrieved from it.
type Direction int

const (
	// In blobs are staged for upload.
	In Direction = iota
	// Out blobs were fetched from the node.
	Out
)

func (d Direction) String() string {
	if d == Out {
		return "out"
	}
	return "in"
}

// binaryGroup is the group name under which a task's binary blobs
// are staged and uploaded.
const binaryGroup = "binary"

// A BlobKey names a staged blob.
type BlobKey struct {
	Workspace string
	Direction Direction
	// Group is the subtask name (see gwasm.SubtaskName), or "binary"
	// for the task's binary.
	Group string
	Name  string
}

// String returns the key's path relative to the datadir:
//
//	{Workspace}/{in|out}/{Group}/{Name}
func (k BlobKey) String() string {
	return strings.Join([]string{k.Workspace, k.Direction.String(), k.Group, k.Name}, "/")
}

// Store is an abstraction for the local staging area of sessions.
// Blobs are written once; workspaces are discarded as a whole.
type Store interface {
	// Put stores p under the provided key. It is an error (of kind
	// errors.Exists) to put the same key twice.
	Put(ctx context.Context, key BlobKey, p []byte) error

	// Get returns the blob stored under the provided key. If the key
	// is not stored, an error with kind errors.NotExist is returned.
	Get(ctx context.Context, key BlobKey) ([]byte, error)

	// Discard removes every blob of the provided workspace.
	Discard(ctx context.Context, workspace string) error
}

// MemoryStore is a store implementation that keeps blobs in memory.
type memoryStore struct {
	mu    sync.Mutex
	blobs map[BlobKey][]byte
}

// NewMemoryStore returns a Store that keeps blobs in memory.
func NewMemoryStore() Store {
	return &memoryStore{blobs: make(map[BlobKey][]byte)}
}

func (m *memoryStore) Put(ctx context.Context, key BlobKey, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("put %s", key))
	}
	m.blobs[key] = append([]byte{}, p...)
	return nil
}

func (m *memoryStore) Get(ctx context.Context, key BlobKey) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.blobs[key]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("get %s", key))
	}
	return append([]byte{}, p...), nil
}

func (m *memoryStore) Discard(ctx context.Context, workspace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.blobs {
		if key.Workspace == workspace {
			delete(m.blobs, key)
		}
	}
	return nil
}

// FileStore is a store implementation that uses grailfiles; thus the
// datadir may be a local directory or any URL supported by grailfile
// (e.g., S3).
type fileStore struct {
	// Prefix is the datadir. A blob is stored at "{Prefix}/{key}".
	Prefix string

	mu sync.Mutex
	// paths records the blobs written by this store, by workspace, so
	// that they can be discarded without listing the prefix. Files
	// left behind by other processes are overwritten.
	paths   map[string][]string
	written map[string]bool
}

// NewFileStore returns a Store rooted at the provided datadir.
func NewFileStore(datadir string) Store {
	return &fileStore{
		Prefix:  datadir,
		paths:   make(map[string][]string),
		written: make(map[string]bool),
	}
}

func (s *fileStore) path(key BlobKey) string {
	return file.Join(s.Prefix, key.Workspace, key.Direction.String(), key.Group, key.Name)
}

func (s *fileStore) Put(ctx context.Context, key BlobKey, p []byte) error {
	path := s.path(key)
	s.mu.Lock()
	if s.written[path] {
		s.mu.Unlock()
		return errors.E(errors.Exists, fmt.Sprintf("put %s", key))
	}
	s.written[path] = true
	s.mu.Unlock()
	f, err := file.Create(ctx, path)
	if err != nil {
		s.forget(path)
		return err
	}
	if _, err := f.Writer(ctx).Write(p); err != nil {
		_ = f.Close(ctx)
		_ = file.Remove(ctx, path)
		s.forget(path)
		return errors.E(fmt.Sprintf("put %s", key), err)
	}
	if err := f.Close(ctx); err != nil {
		s.forget(path)
		return errors.E(fmt.Sprintf("put %s", key), err)
	}
	s.mu.Lock()
	s.paths[key.Workspace] = append(s.paths[key.Workspace], path)
	s.mu.Unlock()
	return nil
}

func (s *fileStore) forget(path string) {
	s.mu.Lock()
	delete(s.written, path)
	s.mu.Unlock()
}

func (s *fileStore) Get(ctx context.Context, key BlobKey) ([]byte, error) {
	f, err := file.Open(ctx, s.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close(ctx) // nolint: errcheck
	return ioutil.ReadAll(f.Reader(ctx))
}

func (s *fileStore) Discard(ctx context.Context, workspace string) error {
	s.mu.Lock()
	paths := s.paths[workspace]
	delete(s.paths, workspace)
	for _, path := range paths {
		delete(s.written, path)
	}
	s.mu.Unlock()
	var first error
	for _, path := range paths {
		if err := file.Remove(ctx, path); err != nil && !errors.Is(errors.NotExist, err) && first == nil {
			first = err
		}
	}
	return first
}
