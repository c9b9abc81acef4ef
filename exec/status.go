// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"github.com/grailbio/base/status"
	"github.com/grailbio/gwasm"
	"github.com/grailbio/gwasm/nodeapi"
)

// subtaskCounts is a snapshot of the counts of subtasks in the states
// that we display in status.
type subtaskCounts struct {
	waiting, done, failed int
}

// countSubtasks tallies a poll reply for display. Subtasks that the
// node does not report individually count as waiting.
func countSubtasks(reply nodeapi.TaskStatus, total int) subtaskCounts {
	c := subtaskCounts{done: reply.Completed, failed: reply.Failed}
	c.waiting = total - c.done - c.failed
	if c.waiting < 0 {
		c.waiting = 0
	}
	return c
}

// printTo prints the counts of c to t.
func (c subtaskCounts) printTo(t *status.Task) {
	if c.failed > 0 {
		t.Printf("subtasks waiting/done/failed: %d/%d/%d", c.waiting, c.done, c.failed)
		return
	}
	t.Printf("subtasks waiting/done: %d/%d", c.waiting, c.done)
}

// sessionStatus reports the phase and progress of a session to a
// status task. The zero sessionStatus discards everything.
type sessionStatus struct {
	task *status.Task
}

func startStatus(s *status.Status, task *gwasm.Task) sessionStatus {
	if s == nil {
		return sessionStatus{}
	}
	group := s.Group("gwasm")
	return sessionStatus{group.Startf("%s/%s", task.Workspace(), task.Name())}
}

func (s sessionStatus) state(state State, taskID string) {
	if s.task == nil {
		return
	}
	if taskID != "" {
		s.task.Printf("%s (task %s)", state, taskID)
		return
	}
	s.task.Print(state)
}

func (s sessionStatus) counts(c subtaskCounts) {
	if s.task == nil {
		return
	}
	c.printTo(s.task)
}

func (s sessionStatus) done() {
	if s.task != nil {
		s.task.Done()
	}
}
