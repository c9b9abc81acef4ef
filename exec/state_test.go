// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/grailbio/gwasm/nodeapi"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestStateOrder(t *testing.T) {
	for s := StateCreated; s < maxState; s++ {
		expect.EQ(t, s.Terminal(), s >= StateCompleted)
		if s.String() == "" {
			t.Errorf("state %d has no name", s)
		}
	}
	expect.EQ(t, StateTimedOut.String(), "TIMEDOUT")
	expect.EQ(t, State(-1).String(), "State(-1)")
	expect.EQ(t, maxState.String(), fmt.Sprintf("State(%d)", int(maxState)))
}

func TestUnfinishedSubtasks(t *testing.T) {
	all := []nodeapi.SubtaskStatus{
		{Index: 0, State: nodeapi.Finished},
		{Index: 1, State: nodeapi.Finished},
	}
	ok := nodeapi.TaskStatus{State: nodeapi.Finished, Completed: 2, Terminal: true, Subtasks: all}
	expect.EQ(t, len(unfinishedSubtasks(ok, 2)), 0)

	// The task-level verdict wins over finished subtasks.
	for _, state := range []nodeapi.TaskState{nodeapi.Failed, nodeapi.Aborted} {
		reply := nodeapi.TaskStatus{State: state, Completed: 2, Terminal: true, Subtasks: all}
		want := []SubtaskFailure{{0, "task " + state.String()}, {1, "task " + state.String()}}
		expect.EQ(t, unfinishedSubtasks(reply, 2), want)
		reply.Subtasks = nil
		reply.Reason = "lost"
		expect.EQ(t, unfinishedSubtasks(reply, 2), []SubtaskFailure{{0, "lost"}, {1, "lost"}})
	}

	partial := nodeapi.TaskStatus{
		State: nodeapi.Timeout, Completed: 1, Terminal: true, Reason: "slow",
		Subtasks: all[:1],
	}
	expect.EQ(t, unfinishedSubtasks(partial, 2), []SubtaskFailure{{1, "slow"}})
}

func TestSubtaskFailureError(t *testing.T) {
	err := &SubtaskFailureError{
		TaskID:   "t1",
		Failures: []SubtaskFailure{{Index: 0, Reason: "trap"}, {Index: 3}},
	}
	assert.EQ(t, err.Indices(), []int{0, 3})
	expect.EQ(t, err.Error(), "task t1: 2 subtask(s) failed: [0] trap; [3]")
	if !errors.Is(err, ErrSubtaskFailure) {
		t.Error("SubtaskFailureError does not match ErrSubtaskFailure")
	}
	wrapped := phaseError(ErrFetch, errors.New("connection reset"))
	if !errors.Is(wrapped, ErrFetch) {
		t.Errorf("got %v, want %v", wrapped, ErrFetch)
	}
	if !strings.Contains(wrapped.Error(), "connection reset") {
		t.Errorf("cause missing from %v", wrapped)
	}
}

func TestValuesString(t *testing.T) {
	var s sessionStats
	s.upload(10)
	s.upload(5)
	s.poll()
	s.fetch(7)
	expect.EQ(t, s.values().String(), "fetch-bytes:7 fetches:1 polls:1 upload-bytes:15 uploads:2")
}

func TestCountSubtasks(t *testing.T) {
	c := countSubtasks(nodeapi.TaskStatus{Completed: 3, Failed: 1}, 10)
	expect.EQ(t, c, subtaskCounts{waiting: 6, done: 3, failed: 1})
	c = countSubtasks(nodeapi.TaskStatus{Completed: 12}, 10)
	expect.EQ(t, c.waiting, 0)
}

func TestConnectionValidate(t *testing.T) {
	conn := Connection{Datadir: "/tmp", Host: "localhost", Port: 61000}
	assert.NoError(t, conn.validate())
	expect.EQ(t, conn.Addr(), "http://localhost:61000")
	for _, bad := range []Connection{
		{Host: "localhost", Port: 61000},
		{Datadir: "/tmp", Port: 61000},
		{Datadir: "/tmp", Host: "localhost", Port: 70000},
		{Datadir: "/tmp", Host: "localhost", Port: 61000, Net: 5},
	} {
		if err := bad.validate(); !errors.Is(err, ErrInvalidConnection) {
			t.Errorf("%v: got %v, want %v", bad, err, ErrInvalidConnection)
		}
	}
}

func TestWorkspaceRegistry(t *testing.T) {
	release, err := acquireWorkspace("s3://bucket/data/", "ws")
	assert.NoError(t, err)
	if _, err := acquireWorkspace("s3://bucket/data", "ws"); !errors.Is(err, ErrWorkspaceBusy) {
		t.Errorf("got %v, want %v", err, ErrWorkspaceBusy)
	}
	other, err := acquireWorkspace("s3://bucket/other", "ws")
	assert.NoError(t, err)
	other()
	release()
	release, err = acquireWorkspace("s3://bucket/data", "ws")
	assert.NoError(t, err)
	release()
}
