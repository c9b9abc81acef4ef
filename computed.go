// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gwasm

import (
	"bytes"
	"sort"
)

// ComputedTask is the result of a successfully computed Task. It
// holds no reference to the node that computed it.
type ComputedTask struct {
	// Name and Workspace are those of the originating task.
	Name, Workspace string
	// TaskID is the identifier assigned to the task by the node.
	TaskID string
	// Bid, Timeout and SubtaskTimeout are the parameters with
	// which the task was submitted.
	Bid            float64
	Timeout        Timeout
	SubtaskTimeout Timeout
	// Subtasks holds one entry per subtask, ordered as the subtasks
	// were pushed to the TaskBuilder.
	Subtasks []ComputedSubtask
}

// ComputedSubtask holds the outputs of a single computed subtask.
type ComputedSubtask struct {
	// Index is the index of the subtask in its task.
	Index int
	// Outputs maps each declared output name to its data.
	Outputs map[string]*BlobReader
}

// OutputNames returns the sorted names of the subtask's outputs.
func (s ComputedSubtask) OutputNames() []string {
	names := make([]string, 0, len(s.Outputs))
	for name := range s.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// A BlobReader is a read-only, buffered view of a fetched blob. It
// implements io.Reader, io.Seeker, io.ReaderAt, and io.WriterTo
// over the blob's bytes. A BlobReader never performs network I/O;
// it may be rewound with Reset and read again any number of times.
type BlobReader struct {
	*bytes.Reader
	name string
	data []byte
}

// NewBlobReader returns a BlobReader over p. The caller must not
// modify p afterwards.
func NewBlobReader(name string, p []byte) *BlobReader {
	if p == nil {
		p = []byte{}
	}
	return &BlobReader{Reader: bytes.NewReader(p), name: name, data: p}
}

// Name returns the blob's output name.
func (b *BlobReader) Name() string { return b.name }

// Size returns the total length of the blob, independent of the
// current read position.
func (b *BlobReader) Size() int64 { return int64(len(b.data)) }

// Bytes returns a copy of the blob's contents.
func (b *BlobReader) Bytes() []byte {
	return append([]byte(nil), b.data...)
}

// Reset rewinds the reader to the start of the blob.
func (b *BlobReader) Reset() {
	b.Reader.Reset(b.data)
}
