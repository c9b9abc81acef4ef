// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package nodeapi defines the protocol spoken between a compute
// session and the broker node. The node exposes a single service,
// named by ServiceName, whose methods follow the bigmachine rpc
// convention:
//
//	func (n *Node) Method(ctx context.Context, req Request, reply *Reply) error
//
// Requests and replies are gob-encoded.
package nodeapi

import (
	"context"
	"fmt"

	"github.com/grailbio/gwasm"
)

// ServiceName is the name under which the node service is registered.
const ServiceName = "Node"

// Prefix is the HTTP path prefix under which the node serves rpc
// requests.
const Prefix = "/"

// Version is the protocol version reported by Hello.
const Version = 1

// Service is the node's RPC surface.
type Service interface {
	// Hello verifies that the node serves the requested network.
	Hello(ctx context.Context, req HelloRequest, reply *HelloReply) error
	// Upload stores a blob in the node's addressable storage.
	Upload(ctx context.Context, req UploadRequest, reply *UploadReply) error
	// Submit creates a task from previously uploaded blobs.
	Submit(ctx context.Context, req SubmitRequest, reply *SubmitReply) error
	// Poll returns the current status of a task.
	Poll(ctx context.Context, req PollRequest, reply *TaskStatus) error
	// Fetch returns an output blob of a finished subtask.
	Fetch(ctx context.Context, req FetchRequest, reply *FetchReply) error
	// Cancel aborts a task.
	Cancel(ctx context.Context, req CancelRequest, reply *CancelReply) error
}

// Method names, qualified by ServiceName, for use with rpc clients.
const (
	Hello  = ServiceName + ".Hello"
	Upload = ServiceName + ".Upload"
	Submit = ServiceName + ".Submit"
	Poll   = ServiceName + ".Poll"
	Fetch  = ServiceName + ".Fetch"
	Cancel = ServiceName + ".Cancel"
)

// HelloRequest opens a session with the node.
type HelloRequest struct {
	Net gwasm.Net
}

// HelloReply is the node's answer to a HelloRequest.
type HelloReply struct {
	Version int
	Net     gwasm.Net
}

// UploadRequest stores Data under Key in the workspace's storage.
type UploadRequest struct {
	Workspace string
	Key       string
	Data      []byte
	// Checksum is the murmur3 64-bit hash of Data, verified by the
	// node before the blob is stored.
	Checksum uint64
}

// UploadReply acknowledges an upload.
type UploadReply struct {
	Size int64
}

// SubtaskDescriptor references a subtask's uploaded inputs.
type SubtaskDescriptor struct {
	Index int
	// Inputs maps input names to the keys under which they were
	// uploaded.
	Inputs  map[string]string
	Outputs []string
}

// SubmitRequest creates a task.
type SubmitRequest struct {
	Workspace string
	// Manifest is the JSON-encoded gwasm.Manifest.
	Manifest []byte
	// LoaderKey and PayloadKey reference the uploaded binary.
	LoaderKey, PayloadKey string
	// Subtasks are ordered by index.
	Subtasks []SubtaskDescriptor
}

// SubmitReply returns the identifier of a created task.
type SubmitReply struct {
	TaskID string
}

// PollRequest asks for the status of a task.
type PollRequest struct {
	TaskID string
}

// TaskState is the node's view of a task or subtask.
type TaskState int

const (
	// Waiting tasks have not yet started computing.
	Waiting TaskState = iota
	// Computing tasks are being computed.
	Computing
	// Finished tasks completed successfully.
	Finished
	// Failed subtasks exhausted the node's retries.
	Failed
	// Aborted tasks were cancelled or abandoned by the node.
	Aborted
	// Timeout tasks exceeded their node-enforced timeout.
	Timeout
)

var states = [...]string{
	Waiting:   "waiting",
	Computing: "computing",
	Finished:  "finished",
	Failed:    "failed",
	Aborted:   "aborted",
	Timeout:   "timeout",
}

// String returns the state's name.
func (s TaskState) String() string {
	if s < 0 || int(s) >= len(states) {
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
	return states[s]
}

// SubtaskStatus reports the state of one subtask.
type SubtaskStatus struct {
	Index  int
	State  TaskState
	Reason string
}

// TaskStatus is the reply to Poll.
type TaskStatus struct {
	State TaskState
	// Completed and Failed count the subtasks in state Finished and
	// Failed respectively.
	Completed, Failed int
	// Terminal is set when the task will not change state again.
	Terminal bool
	// Reason describes a node-side abort or timeout.
	Reason   string
	Subtasks []SubtaskStatus
}

// FetchRequest asks for an output of a finished subtask.
type FetchRequest struct {
	TaskID  string
	Subtask int
	Output  string
}

// FetchReply carries a fetched blob.
type FetchReply struct {
	Data []byte
}

// CancelRequest asks the node to abort a task.
type CancelRequest struct {
	TaskID string
}

// CancelReply reports the state of a task after a cancellation.
// Cancelling a task that already ended leaves its state unchanged.
type CancelReply struct {
	State TaskState
}

// Key returns the storage key of a blob in a workspace. Subtask
// blobs are keyed by subtask name; binary blobs use the subtask name
// "binary".
func Key(workspace, subtask, name string) string {
	return workspace + "/" + subtask + "/" + name
}
