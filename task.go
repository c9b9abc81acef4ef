// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gwasm

import (
	"fmt"
	"regexp"
	"sort"
)

const (
	// DefaultName is the task name used when none is set.
	DefaultName = "unknown"
	// DefaultBid is the bid used when none is set.
	DefaultBid = 1.0
	// DefaultInputName names the input blob created by
	// PushSubtaskData.
	DefaultInputName = "in.txt"
	// DefaultOutputName is the single output declared by default.
	DefaultOutputName = "out"

	maxSegmentLen = 255
)

var segmentRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName tells whether s may be used as a workspace, task, or blob
// name: it must be usable unmodified as a single path segment and as
// a protocol key component.
func ValidName(s string) bool {
	return len(s) <= maxSegmentLen && segmentRE.MatchString(s) && s != "." && s != ".."
}

// A Subtask is one independently executable unit of a Task.
type Subtask struct {
	// Index is the position of the subtask in the order in which
	// it was pushed to the TaskBuilder.
	Index int
	// Inputs holds the subtask's named input blobs.
	Inputs map[string][]byte
	// ExecArgs are the arguments with which the binary is invoked:
	// the input names, in sorted order, followed by the output names.
	ExecArgs []string
	// Outputs names the blobs produced by the subtask.
	Outputs []string
}

// Name returns the subtask's name within its task's workspace.
func (s Subtask) Name() string {
	return SubtaskName(s.Index)
}

// InputNames returns the sorted names of the subtask's inputs.
func (s Subtask) InputNames() []string {
	names := make([]string, 0, len(s.Inputs))
	for name := range s.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s Subtask) copy() Subtask {
	c := Subtask{
		Index:    s.Index,
		Inputs:   make(map[string][]byte, len(s.Inputs)),
		ExecArgs: append([]string(nil), s.ExecArgs...),
		Outputs:  append([]string(nil), s.Outputs...),
	}
	for name, p := range s.Inputs {
		c.Inputs[name] = append([]byte(nil), p...)
	}
	return c
}

// SubtaskName returns the name of the i'th subtask of a task.
func SubtaskName(i int) string {
	return fmt.Sprintf("subtask_%d", i)
}

// TaskBuilder accumulates the description of a Task. Building is
// purely local: no I/O is performed until the task is run.
//
// TaskBuilder methods return the builder so that calls may be
// chained; validation is deferred to Build.
type TaskBuilder struct {
	workspace      string
	binary         Binary
	name           string
	bid            float64
	timeout        Timeout
	subtaskTimeout Timeout
	inputName      string
	outputs        []string
	subtasks       []map[string][]byte
}

// NewTaskBuilder returns a builder for a task in the provided
// workspace that runs the provided binary.
func NewTaskBuilder(workspace string, binary Binary) *TaskBuilder {
	return &TaskBuilder{
		workspace:      workspace,
		binary:         binary,
		name:           DefaultName,
		bid:            DefaultBid,
		timeout:        DefaultTimeout,
		subtaskTimeout: DefaultTimeout,
		inputName:      DefaultInputName,
		outputs:        []string{DefaultOutputName},
	}
}

// Name sets the task's name. The name also determines the blob names
// of the binary: {name}.js and {name}.wasm.
func (b *TaskBuilder) Name(name string) *TaskBuilder {
	b.name = name
	return b
}

// Bid sets the task's bid.
func (b *TaskBuilder) Bid(bid float64) *TaskBuilder {
	b.bid = bid
	return b
}

// Timeout sets the timeout for the whole task, enforced by the node.
func (b *TaskBuilder) Timeout(timeout Timeout) *TaskBuilder {
	b.timeout = timeout
	return b
}

// SubtaskTimeout sets the per-subtask timeout, enforced by the node.
func (b *TaskBuilder) SubtaskTimeout(timeout Timeout) *TaskBuilder {
	b.subtaskTimeout = timeout
	return b
}

// InputName sets the name of the input blob created by
// PushSubtaskData. It applies to every subtask pushed with
// PushSubtaskData, including those pushed earlier.
func (b *TaskBuilder) InputName(name string) *TaskBuilder {
	b.inputName = name
	return b
}

// Outputs sets the names of the output blobs that every subtask
// produces.
func (b *TaskBuilder) Outputs(names ...string) *TaskBuilder {
	b.outputs = append([]string(nil), names...)
	return b
}

// PushSubtaskData appends a subtask with a single input blob. Each
// call corresponds to one subtask executed on the network.
func (b *TaskBuilder) PushSubtaskData(data []byte) *TaskBuilder {
	b.subtasks = append(b.subtasks, map[string][]byte{"": append([]byte(nil), data...)})
	return b
}

// PushSubtaskInputs appends a subtask with the provided set of named
// input blobs.
func (b *TaskBuilder) PushSubtaskInputs(inputs map[string][]byte) *TaskBuilder {
	m := make(map[string][]byte, len(inputs))
	for name, p := range inputs {
		m[name] = append([]byte(nil), p...)
	}
	b.subtasks = append(b.subtasks, m)
	return b
}

// Build validates the builder's contents and freezes them into a
// Task. Subtasks are numbered from 0 in push order.
func (b *TaskBuilder) Build() (*Task, error) {
	if len(b.subtasks) == 0 {
		return nil, ErrEmptyTask
	}
	if !ValidName(b.workspace) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkspace, b.workspace)
	}
	if len(b.binary.Loader) == 0 {
		return nil, fmt.Errorf("%w: loader blob is empty", ErrEmptyBinary)
	}
	if len(b.binary.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload blob is empty", ErrEmptyBinary)
	}
	if !ValidName(b.name) {
		return nil, fmt.Errorf("%w: task name %q", ErrInvalidTask, b.name)
	}
	if !(b.bid > 0) {
		return nil, fmt.Errorf("%w: bid %v must be positive", ErrInvalidTask, b.bid)
	}
	if !b.timeout.Valid() {
		return nil, fmt.Errorf("%w: timeout %v", ErrInvalidTask, b.timeout)
	}
	if !b.subtaskTimeout.Valid() {
		return nil, fmt.Errorf("%w: subtask timeout %v", ErrInvalidTask, b.subtaskTimeout)
	}
	if len(b.outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs declared", ErrInvalidTask)
	}
	outputs := make(map[string]bool)
	for _, name := range b.outputs {
		if !ValidName(name) {
			return nil, fmt.Errorf("%w: output name %q", ErrInvalidTask, name)
		}
		if outputs[name] {
			return nil, fmt.Errorf("%w: duplicate output %q", ErrInvalidTask, name)
		}
		outputs[name] = true
	}
	task := &Task{
		name:           b.name,
		workspace:      b.workspace,
		bid:            b.bid,
		timeout:        b.timeout,
		subtaskTimeout: b.subtaskTimeout,
		binary:         b.binary.copy(),
		subtasks:       make([]Subtask, len(b.subtasks)),
	}
	for i, pushed := range b.subtasks {
		st := Subtask{
			Index:   i,
			Inputs:  make(map[string][]byte, len(pushed)),
			Outputs: append([]string(nil), b.outputs...),
		}
		for name, p := range pushed {
			if name == "" {
				name = b.inputName
			}
			st.Inputs[name] = p
		}
		if len(st.Inputs) == 0 {
			return nil, fmt.Errorf("%w: subtask %d has no inputs", ErrInvalidTask, i)
		}
		for name := range st.Inputs {
			if !ValidName(name) {
				return nil, fmt.Errorf("%w: subtask %d: input name %q", ErrInvalidTask, i, name)
			}
			if outputs[name] {
				return nil, fmt.Errorf("%w: subtask %d: input %q collides with an output", ErrInvalidTask, i, name)
			}
		}
		st.ExecArgs = append(st.InputNames(), st.Outputs...)
		task.subtasks[i] = st
	}
	return task, nil
}

// Task is an immutable, submittable description of a batch of
// subtasks. Tasks are created by TaskBuilder.Build.
type Task struct {
	name           string
	workspace      string
	bid            float64
	timeout        Timeout
	subtaskTimeout Timeout
	binary         Binary
	subtasks       []Subtask
}

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Workspace returns the workspace that scopes the task's blobs.
func (t *Task) Workspace() string { return t.workspace }

// Bid returns the task's bid.
func (t *Task) Bid() float64 { return t.bid }

// Timeout returns the task's timeout.
func (t *Task) Timeout() Timeout { return t.timeout }

// SubtaskTimeout returns the per-subtask timeout.
func (t *Task) SubtaskTimeout() Timeout { return t.subtaskTimeout }

// Binary returns a copy of the task's binary.
func (t *Task) Binary() Binary { return t.binary.copy() }

// LoaderName returns the blob name of the binary's loader.
func (t *Task) LoaderName() string { return t.name + ".js" }

// PayloadName returns the blob name of the binary's payload.
func (t *Task) PayloadName() string { return t.name + ".wasm" }

// NumSubtask returns the number of subtasks in the task. It is
// always at least 1.
func (t *Task) NumSubtask() int { return len(t.subtasks) }

// Subtask returns a copy of the i'th subtask.
func (t *Task) Subtask(i int) Subtask { return t.subtasks[i].copy() }

// Subtasks returns copies of the task's subtasks in index order.
func (t *Task) Subtasks() []Subtask {
	subtasks := make([]Subtask, len(t.subtasks))
	for i := range t.subtasks {
		subtasks[i] = t.subtasks[i].copy()
	}
	return subtasks
}

// String returns a short description of the task.
func (t *Task) String() string {
	return fmt.Sprintf("task %s [%s] %d subtasks", t.name, t.workspace, len(t.subtasks))
}
