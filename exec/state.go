// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "fmt"

// State represents the runtime state of a Session. State values are
// defined so that their magnitudes correspond with session
// progression.
type State int

const (
	// StateCreated is the initial state of a session.
	StateCreated State = iota
	// StateConnecting indicates that the session is establishing a
	// channel to the node.
	StateConnecting
	// StateUploading indicates that the binary and subtask inputs are
	// being staged and uploaded to the node.
	StateUploading
	// StateSubmitted indicates that the task submission is in flight.
	StateSubmitted
	// StateComputing indicates that the task was accepted by the node
	// and the session is polling for its completion.
	StateComputing

	// StateCompleted indicates that every subtask succeeded and that
	// results were assembled.
	//
	// All states greater than or equal to StateCompleted are terminal.
	StateCompleted
	// StateFailed indicates that the session failed, either while
	// setting up the task or because the node reported permanently
	// failed subtasks.
	StateFailed
	// StateTimedOut indicates that the session's deadline elapsed
	// while computing. The task may still complete on the node.
	StateTimedOut

	maxState
)

var states = [...]string{
	StateCreated:    "CREATED",
	StateConnecting: "CONNECTING",
	StateUploading:  "UPLOADING",
	StateSubmitted:  "SUBMITTED",
	StateComputing:  "COMPUTING",
	StateCompleted:  "COMPLETED",
	StateFailed:     "FAILED",
	StateTimedOut:   "TIMEDOUT",
}

// String returns the session's state as an upper-case string.
func (s State) String() string {
	if s < 0 || s >= maxState {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return states[s]
}

// Terminal tells whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateCompleted
}
