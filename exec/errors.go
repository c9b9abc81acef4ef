// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"errors"
	"fmt"
	"strings"
)

// Session errors. Errors returned by Session.Run wrap one of these
// together with the underlying cause; test with errors.Is.
var (
	// ErrInvalidConnection indicates a malformed Connection.
	ErrInvalidConnection = errors.New("invalid connection")
	// ErrConnection indicates that the node was unreachable or that it
	// rejected the requested network.
	ErrConnection = errors.New("connection failed")
	// ErrUpload indicates that staging or uploading a blob failed.
	ErrUpload = errors.New("upload failed")
	// ErrSubmission indicates that the node rejected the task.
	ErrSubmission = errors.New("submission failed")
	// ErrPoll indicates that a status poll failed.
	ErrPoll = errors.New("status poll failed")
	// ErrFetch indicates that retrieving a result blob failed.
	ErrFetch = errors.New("fetch failed")
	// ErrSubtaskFailure indicates that the node reported one or more
	// subtasks as permanently failed. The concrete error is a
	// *SubtaskFailureError.
	ErrSubtaskFailure = errors.New("subtask failure")
	// ErrTimeout indicates that the session's deadline elapsed while
	// the task was computing. The task is left running on the node.
	ErrTimeout = errors.New("timed out waiting for task")
	// ErrWorkspaceBusy indicates that another session in this process
	// is using the same workspace in the same datadir.
	ErrWorkspaceBusy = errors.New("workspace in use")
)

// SubtaskFailure describes a subtask that the node gave up on.
type SubtaskFailure struct {
	Index  int
	Reason string
}

// SubtaskFailureError is returned when the node reports permanently
// failed subtasks. No results are returned alongside it.
type SubtaskFailureError struct {
	TaskID string
	// Failures are ordered by subtask index.
	Failures []SubtaskFailure
}

// Indices returns the indices of the failed subtasks.
func (e *SubtaskFailureError) Indices() []int {
	indices := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		indices[i] = f.Index
	}
	return indices
}

// Error implements error.
func (e *SubtaskFailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s: %d subtask(s) failed:", e.TaskID, len(e.Failures))
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " [%d]", f.Index)
		if f.Reason != "" {
			fmt.Fprintf(&b, " %s;", f.Reason)
		}
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Is makes SubtaskFailureError match ErrSubtaskFailure.
func (e *SubtaskFailureError) Is(target error) bool {
	return target == ErrSubtaskFailure
}

// phaseError wraps a session sentinel and the cause of the failure.
func phaseError(sentinel, cause error) error {
	return fmt.Errorf("%w: %w", sentinel, cause)
}
