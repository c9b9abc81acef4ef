// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/gwasm"
	"github.com/grailbio/gwasm/nodeapi"
	"github.com/spaolacci/murmur3"
)

// DefaultPollInterval is the default interval between status polls.
const DefaultPollInterval = 2 * time.Second

// Session represents the computation of a single task on a broker
// node. A session uploads the task's binary and inputs, submits the
// task, polls the node until the task completes, and then fetches
// the subtask outputs. Sessions are run once:
//
//	task, err := gwasm.NewTaskBuilder("demo", binary).
//		PushSubtaskData([]byte("a")).
//		Build()
//	if err != nil {
//		log.Fatal(err)
//	}
//	sess := exec.New(conn, task, progress)
//	computed, err := sess.Run(ctx)
//
// A session's state may be observed concurrently with State and
// WaitState.
type Session struct {
	conn     Connection
	task     *gwasm.Task
	progress gwasm.Progress

	pollInterval time.Duration
	deadline     time.Duration
	dialer       Dialer
	store        Store
	keepStaging  bool
	status       *status.Status
	eventer      eventlog.Eventer

	stats  sessionStats
	report sessionStatus

	// reported and last track the progress reported so far, so that
	// reported values never decrease.
	reported bool
	last     float64

	mu     sync.Mutex
	cond   *ctxsync.Cond
	state  State
	ran    bool
	taskID string
	err    error
}

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// PollInterval configures the interval between status polls.
func PollInterval(d time.Duration) Option {
	if d <= 0 {
		panic("exec.PollInterval: d <= 0")
	}
	return func(s *Session) {
		s.pollInterval = d
	}
}

// Deadline bounds the time a session spends waiting for the task to
// compute. When the deadline elapses the session fails with
// ErrTimeout; the task is not cancelled on the node. Connecting,
// uploading and fetching are not subject to the deadline.
func Deadline(d time.Duration) Option {
	if d <= 0 {
		panic("exec.Deadline: d <= 0")
	}
	return func(s *Session) {
		s.deadline = d
	}
}

// WithDialer configures the dialer used to reach the node. By
// default, sessions use RPC(nil).
func WithDialer(d Dialer) Option {
	return func(s *Session) {
		s.dialer = d
	}
}

// WithStore configures the staging store. By default, sessions stage
// blobs in a file store rooted at the connection's datadir.
func WithStore(store Store) Option {
	return func(s *Session) {
		s.store = store
	}
}

// KeepStaging is a session option that leaves the staged blobs in
// the store after the run. By default, a session discards its
// workspace's staged blobs when it ends.
var KeepStaging Option = func(s *Session) {
	s.keepStaging = true
}

// Status configures the session with a status object to which
// the session's phase and progress are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer that will be used to log
// session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// New returns a session that computes task on the node described by
// conn, reporting progress to the provided Progress (which may be
// nil). The session does nothing until Run is called.
func New(conn Connection, task *gwasm.Task, progress gwasm.Progress, options ...Option) *Session {
	s := &Session{
		conn:         conn,
		task:         task,
		progress:     progress,
		pollInterval: DefaultPollInterval,
		eventer:      eventlog.Nop{},
	}
	s.cond = ctxsync.NewCond(&s.mu)
	for _, opt := range options {
		opt(s)
	}
	if s.progress == nil {
		s.progress = gwasm.NopProgress
	}
	if s.dialer == nil {
		s.dialer = RPC(nil)
	}
	if s.store == nil {
		s.store = NewFileStore(conn.Datadir)
	}
	return s
}

// Compute computes task on the node described by conn. It is
// shorthand for New(conn, task, progress, options...).Run(ctx).
func Compute(ctx context.Context, conn Connection, task *gwasm.Task, progress gwasm.Progress, options ...Option) (*gwasm.ComputedTask, error) {
	return New(conn, task, progress, options...).Run(ctx)
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitState blocks until the session reaches a state at least as
// large as the one provided, or until the context is done. The state
// reached is returned.
func (s *Session) WaitState(ctx context.Context, state State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.state < state {
		if err := s.cond.Wait(ctx); err != nil {
			return s.state, err
		}
	}
	return s.state, nil
}

// TaskID returns the identifier assigned to the task by the node, or
// an empty string if the task has not been submitted.
func (s *Session) TaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// Err returns the error with which the session failed, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Values {
	return s.stats.values()
}

func (s *Session) set(state State) {
	s.mu.Lock()
	s.state = state
	taskID := s.taskID
	s.cond.Broadcast()
	s.mu.Unlock()
	log.Debug.Printf("session %s: %s", s.task.Workspace(), state)
	s.report.state(state, taskID)
}

func (s *Session) setTaskID(taskID string) {
	s.mu.Lock()
	s.taskID = taskID
	s.mu.Unlock()
}

// Run computes the session's task. Run returns the task's results
// ordered by subtask index once every subtask has finished and its
// outputs have been fetched. On failure, Run returns no results and
// an error wrapping one of the session errors (ErrConnection,
// ErrUpload, and so on), or the context's error if the context was
// done. Run may be called only once.
func (s *Session) Run(ctx context.Context) (*gwasm.ComputedTask, error) {
	s.mu.Lock()
	if s.ran {
		s.mu.Unlock()
		return nil, errors.New("exec: session already run")
	}
	s.ran = true
	s.mu.Unlock()

	if s.task == nil {
		return nil, fmt.Errorf("%w: nil task", gwasm.ErrInvalidTask)
	}
	computed, err := s.run(ctx)
	if err != nil {
		state := StateFailed
		if errors.Is(err, ErrTimeout) {
			state = StateTimedOut
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		s.set(state)
		log.Error.Printf("session %s: %v", s.task.Workspace(), err)
	} else {
		s.set(StateCompleted)
	}
	s.eventer.Event("gwasm:sessionEnd",
		"workspace", s.task.Workspace(),
		"taskID", s.TaskID(),
		"state", s.State().String())
	return computed, err
}

func (s *Session) run(ctx context.Context) (*gwasm.ComputedTask, error) {
	if err := s.conn.validate(); err != nil {
		return nil, err
	}
	release, err := acquireWorkspace(s.conn.Datadir, s.task.Workspace())
	if err != nil {
		return nil, err
	}
	defer release()

	s.report = startStatus(s.status, s.task)
	defer s.report.done()
	s.eventer.Event("gwasm:sessionStart",
		"workspace", s.task.Workspace(),
		"name", s.task.Name(),
		"numSubtask", s.task.NumSubtask(),
		"net", s.conn.Net.String(),
		"node", s.conn.Addr())
	if !s.keepStaging {
		defer func() {
			if err := s.store.Discard(context.Background(), s.task.Workspace()); err != nil {
				log.Error.Printf("session %s: discard staging: %v", s.task.Workspace(), err)
			}
		}()
	}

	s.set(StateConnecting)
	node, err := s.dialer.Dial(ctx, s.conn)
	if err != nil {
		return nil, s.fail(ctx, ErrConnection, err)
	}
	defer node.Close() // nolint: errcheck

	s.set(StateUploading)
	req, err := s.upload(ctx, node)
	if err != nil {
		return nil, s.fail(ctx, ErrUpload, err)
	}

	s.set(StateSubmitted)
	taskID, err := node.Submit(ctx, req)
	if err != nil {
		return nil, s.fail(ctx, ErrSubmission, err)
	}
	s.setTaskID(taskID)
	log.Printf("session %s: submitted task %s with %d subtasks to %s",
		s.task.Workspace(), taskID, s.task.NumSubtask(), s.conn)

	s.set(StateComputing)
	if p, ok := s.progress.(interface{ Start() }); ok {
		p.Start()
	}
	if p, ok := s.progress.(interface{ Stop() }); ok {
		defer p.Stop()
	}
	if err := s.compute(ctx, node, taskID); err != nil {
		return nil, err
	}
	computed, err := s.fetch(ctx, node, taskID)
	if err != nil {
		return nil, s.fail(ctx, ErrFetch, err)
	}
	s.update(1)
	return computed, nil
}

// fail returns the error that a session fails with when a phase
// fails with the provided cause.
func (s *Session) fail(ctx context.Context, sentinel, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return phaseError(sentinel, cause)
}

// upload stages and uploads the task's binary and subtask inputs,
// and returns the submission that references them.
func (s *Session) upload(ctx context.Context, node Node) (nodeapi.SubmitRequest, error) {
	var (
		workspace = s.task.Workspace()
		binary    = s.task.Binary()
		subtasks  = s.task.Subtasks()
		req       = nodeapi.SubmitRequest{Workspace: workspace}
		err       error
	)
	req.Manifest, err = s.task.MarshalManifest()
	if err != nil {
		return req, err
	}
	// Stage everything before the first upload, so that local I/O
	// problems surface before the node is involved.
	loader := BlobKey{workspace, In, binaryGroup, s.task.LoaderName()}
	payload := BlobKey{workspace, In, binaryGroup, s.task.PayloadName()}
	if err := s.store.Put(ctx, loader, binary.Loader); err != nil {
		return req, err
	}
	if err := s.store.Put(ctx, payload, binary.Payload); err != nil {
		return req, err
	}
	for _, sub := range subtasks {
		for _, name := range sub.InputNames() {
			key := BlobKey{workspace, In, sub.Name(), name}
			if err := s.store.Put(ctx, key, sub.Inputs[name]); err != nil {
				return req, err
			}
		}
	}

	if req.LoaderKey, err = s.put(ctx, node, loader); err != nil {
		return req, err
	}
	if req.PayloadKey, err = s.put(ctx, node, payload); err != nil {
		return req, err
	}
	req.Subtasks = make([]nodeapi.SubtaskDescriptor, len(subtasks))
	for i, sub := range subtasks {
		desc := nodeapi.SubtaskDescriptor{
			Index:   sub.Index,
			Inputs:  make(map[string]string),
			Outputs: sub.Outputs,
		}
		for _, name := range sub.InputNames() {
			desc.Inputs[name], err = s.put(ctx, node, BlobKey{workspace, In, sub.Name(), name})
			if err != nil {
				return req, err
			}
		}
		req.Subtasks[i] = desc
	}
	return req, nil
}

// put uploads a staged blob and returns the key under which the node
// stored it.
func (s *Session) put(ctx context.Context, node Node, key BlobKey) (string, error) {
	p, err := s.store.Get(ctx, key)
	if err != nil {
		return "", err
	}
	nodeKey := nodeapi.Key(key.Workspace, key.Group, key.Name)
	err = node.Upload(ctx, nodeapi.UploadRequest{
		Workspace: key.Workspace,
		Key:       nodeKey,
		Data:      p,
		Checksum:  murmur3.Sum64(p),
	})
	if err != nil {
		return "", err
	}
	s.stats.upload(len(p))
	log.Debug.Printf("session %s: uploaded %s (%s)", key.Workspace, nodeKey, data.Size(len(p)))
	return nodeKey, nil
}

// compute polls the node until the task is terminal, a subtask has
// failed, the deadline has elapsed, or the context is done.
func (s *Session) compute(ctx context.Context, node Node, taskID string) error {
	// The deadline covers poll round trips as well as the waits
	// between them.
	var (
		pollCtx  = ctx
		deadline <-chan struct{}
	)
	if s.deadline > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
		deadline = pollCtx.Done()
	}
	timedOut := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%w: task %s still computing after %s", ErrTimeout, taskID, s.deadline)
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	total := s.task.NumSubtask()
	for {
		reply, err := node.Poll(pollCtx, taskID)
		if err != nil {
			if pollCtx.Err() != nil && ctx.Err() == nil {
				return timedOut()
			}
			return s.fail(ctx, ErrPoll, err)
		}
		s.stats.poll()
		s.report.counts(countSubtasks(reply, total))
		s.update(float64(reply.Completed) / float64(total))
		if failures := failedSubtasks(reply, total); len(failures) > 0 {
			return &SubtaskFailureError{TaskID: taskID, Failures: failures}
		}
		if reply.Terminal {
			if failures := unfinishedSubtasks(reply, total); len(failures) > 0 {
				return &SubtaskFailureError{TaskID: taskID, Failures: failures}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return timedOut()
		case <-ticker.C:
		}
	}
}

// update reports the completion fraction f, clamped to [0, 1], unless
// a larger value was reported before.
func (s *Session) update(f float64) {
	switch {
	case f < 0:
		f = 0
	case f > 1:
		f = 1
	}
	if s.reported && f < s.last {
		log.Debug.Printf("session %s: ignoring progress %.3f < %.3f", s.task.Workspace(), f, s.last)
		return
	}
	s.reported, s.last = true, f
	log.Debug.Printf("session %s: progress %.3f", s.task.Workspace(), f)
	s.progress.Update(f)
}

// failedSubtasks returns the subtasks that the node reports as
// permanently failed, ordered by index. If the node counts failures
// without identifying them, every subtask not reported as finished is
// considered failed.
func failedSubtasks(reply nodeapi.TaskStatus, total int) []SubtaskFailure {
	var failures []SubtaskFailure
	for _, sub := range reply.Subtasks {
		if sub.State == nodeapi.Failed && sub.Index >= 0 && sub.Index < total {
			failures = append(failures, SubtaskFailure{sub.Index, sub.Reason})
		}
	}
	if len(failures) == 0 && reply.Failed > 0 {
		return unfinished(reply, total, fmt.Sprintf("node reported %d failed subtasks", reply.Failed))
	}
	sortFailures(failures)
	return failures
}

// unfinishedSubtasks returns the subtasks of a terminal task that did
// not finish. When the node aborted or timed out the task, the node's
// reason is attached to each of them. A task that ended in any state
// other than Finished has failed even if each of its subtasks
// finished; every subtask is then reported failed.
func unfinishedSubtasks(reply nodeapi.TaskStatus, total int) []SubtaskFailure {
	if reply.State == nodeapi.Finished && reply.Completed >= total {
		return nil
	}
	reason := reply.Reason
	if reason == "" {
		reason = fmt.Sprintf("task %s", reply.State)
	}
	failures := unfinished(reply, total, reason)
	if len(failures) == 0 && reply.State != nodeapi.Finished {
		for i := 0; i < total; i++ {
			failures = append(failures, SubtaskFailure{i, reason})
		}
	}
	return failures
}

func unfinished(reply nodeapi.TaskStatus, total int, reason string) []SubtaskFailure {
	finished := make([]bool, total)
	for _, sub := range reply.Subtasks {
		if sub.State == nodeapi.Finished && sub.Index >= 0 && sub.Index < total {
			finished[sub.Index] = true
		}
	}
	// If the node finished every subtask without reporting them
	// individually, trust its count.
	if len(reply.Subtasks) == 0 && reply.Completed >= total {
		return nil
	}
	var failures []SubtaskFailure
	for i, ok := range finished {
		if !ok {
			failures = append(failures, SubtaskFailure{i, reason})
		}
	}
	return failures
}

func sortFailures(failures []SubtaskFailure) {
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].Index < failures[j].Index
	})
}

// fetch retrieves and stages every output of every subtask, in index
// order, and assembles the computed task.
func (s *Session) fetch(ctx context.Context, node Node, taskID string) (*gwasm.ComputedTask, error) {
	var (
		workspace = s.task.Workspace()
		subtasks  = s.task.Subtasks()
		size      int
	)
	computed := &gwasm.ComputedTask{
		Name:           s.task.Name(),
		Workspace:      workspace,
		TaskID:         taskID,
		Bid:            s.task.Bid(),
		Timeout:        s.task.Timeout(),
		SubtaskTimeout: s.task.SubtaskTimeout(),
		Subtasks:       make([]gwasm.ComputedSubtask, len(subtasks)),
	}
	for i, sub := range subtasks {
		outputs := make(map[string]*gwasm.BlobReader, len(sub.Outputs))
		for _, name := range sub.Outputs {
			p, err := node.Fetch(ctx, taskID, sub.Index, name)
			if err != nil {
				return nil, err
			}
			s.stats.fetch(len(p))
			if err := s.store.Put(ctx, BlobKey{workspace, Out, sub.Name(), name}, p); err != nil {
				return nil, err
			}
			outputs[name] = gwasm.NewBlobReader(name, p)
			size += len(p)
		}
		computed.Subtasks[i] = gwasm.ComputedSubtask{Index: sub.Index, Outputs: outputs}
	}
	log.Printf("session %s: task %s: fetched %d subtasks (%s)",
		workspace, taskID, len(subtasks), data.Size(size))
	return computed, nil
}

// Cancel asks the node described by conn to abort the task with the
// provided identifier. Only the WithDialer option is used.
func Cancel(ctx context.Context, conn Connection, taskID string, options ...Option) error {
	s := New(conn, nil, nil, options...)
	node, err := s.dialer.Dial(ctx, conn)
	if err != nil {
		return phaseError(ErrConnection, err)
	}
	defer node.Close() // nolint: errcheck
	if err := node.Cancel(ctx, taskID); err != nil {
		return fmt.Errorf("cancel task %s: %w", taskID, err)
	}
	log.Printf("cancelled task %s on %s", taskID, conn)
	return nil
}
