// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gwasm

import "errors"

// Validation errors returned by TaskBuilder.Build. Returned errors wrap
// one of these and carry details; test with errors.Is.
var (
	// ErrEmptyTask indicates that no subtasks were pushed.
	ErrEmptyTask = errors.New("task has no subtasks")
	// ErrInvalidWorkspace indicates that the workspace name is empty or
	// cannot be used as a path or protocol segment.
	ErrInvalidWorkspace = errors.New("invalid workspace name")
	// ErrEmptyBinary indicates that the loader or payload blob is empty.
	ErrEmptyBinary = errors.New("empty binary")
	// ErrInvalidTask indicates any other malformed task parameter.
	ErrInvalidTask = errors.New("invalid task")
)
