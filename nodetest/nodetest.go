// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package nodetest provides an in-memory broker node for testing
// compute sessions. A Node executes subtasks locally and reveals
// their completion one poll at a time, in a scriptable order, so that
// tests can exercise progress reporting, failures, node-side aborts
// and stalls deterministically.
package nodetest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/rpc"
	"github.com/grailbio/gwasm"
	"github.com/grailbio/gwasm/nodeapi"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"
)

// ExecFunc computes one subtask: it is given the subtask's named
// inputs and returns a blob for each requested output.
type ExecFunc func(ctx context.Context, index int, inputs map[string][]byte, outputs []string) (map[string][]byte, error)

// Echo is the default ExecFunc: every output is the concatenation of
// the subtask's inputs, in input name order.
func Echo(ctx context.Context, index int, inputs map[string][]byte, outputs []string) (map[string][]byte, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	var b bytes.Buffer
	for _, name := range names {
		b.Write(inputs[name])
	}
	result := make(map[string][]byte, len(outputs))
	for _, name := range outputs {
		result[name] = append([]byte{}, b.Bytes()...)
	}
	return result, nil
}

// Options configures a Node.
type Options struct {
	// Net is the network served by the node.
	Net gwasm.Net
	// Exec computes subtasks. Echo is used if nil.
	Exec ExecFunc
	// Parallelism bounds the number of subtasks executed
	// concurrently. It defaults to 1.
	Parallelism int
	// Order is the order in which subtasks are reported finished. It
	// defaults to index order. Subtasks missing from Order are
	// reported after the listed ones, in index order.
	Order []int
	// Step is the number of subtasks revealed by each poll. It
	// defaults to 1.
	Step int
	// Failures maps subtask indices to the reason with which the
	// node reports them permanently failed.
	Failures map[int]string
	// Verdict, if Aborted or Timeout, ends the task in that state
	// after VerdictAfter subtasks have been revealed. Reason is
	// reported alongside it.
	Verdict      nodeapi.TaskState
	VerdictAfter int
	Reason       string
	// Stall keeps every task computing forever.
	Stall bool
	// Noisy makes every other poll under-report completed subtasks
	// by two, so that the reported count decreases between polls.
	Noisy bool
	// RejectUpload and RejectSubmit make the respective requests
	// fail.
	RejectUpload, RejectSubmit bool
}

// Node is an in-memory implementation of nodeapi.Service.
type Node struct {
	opts Options

	mu     sync.Mutex
	blobs  map[string][]byte
	tasks  map[string]*task
	nextID int
	polls  int
	// submissions records every accepted submission, in order.
	submissions []nodeapi.SubmitRequest
}

var _ nodeapi.Service = (*Node)(nil)

// New returns a new node configured by opts.
func New(opts Options) *Node {
	if opts.Exec == nil {
		opts.Exec = Echo
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Step <= 0 {
		opts.Step = 1
	}
	return &Node{
		opts:  opts,
		blobs: make(map[string][]byte),
		tasks: make(map[string]*task),
	}
}

type result struct {
	outputs map[string][]byte
	err     error
	done    bool
}

type task struct {
	id       string
	subtasks []nodeapi.SubtaskDescriptor
	results  []result
	// order is the reveal order; revealed is the number of subtasks
	// in order that have been reported.
	order    []int
	revealed int
	polls    int
	// state is set once the task ends by verdict or cancellation.
	state  nodeapi.TaskState
	reason string
	cancel func()
}

// Hello implements nodeapi.Service.
func (n *Node) Hello(ctx context.Context, req nodeapi.HelloRequest, reply *nodeapi.HelloReply) error {
	reply.Version = nodeapi.Version
	reply.Net = n.opts.Net
	return nil
}

// Upload implements nodeapi.Service.
func (n *Node) Upload(ctx context.Context, req nodeapi.UploadRequest, reply *nodeapi.UploadReply) error {
	if n.opts.RejectUpload {
		return errors.E(errors.Unavailable, fmt.Sprintf("upload %s: rejected", req.Key))
	}
	if !strings.HasPrefix(req.Key, req.Workspace+"/") {
		return errors.E(errors.Invalid, fmt.Sprintf("upload %s: key outside workspace %s", req.Key, req.Workspace))
	}
	if sum := murmur3.Sum64(req.Data); sum != req.Checksum {
		return errors.E(errors.Integrity,
			fmt.Sprintf("upload %s: checksum %x, expected %x", req.Key, sum, req.Checksum))
	}
	n.mu.Lock()
	n.blobs[req.Key] = append([]byte{}, req.Data...)
	n.mu.Unlock()
	reply.Size = int64(len(req.Data))
	return nil
}

// Submit implements nodeapi.Service. The task's subtasks start
// executing immediately.
func (n *Node) Submit(ctx context.Context, req nodeapi.SubmitRequest, reply *nodeapi.SubmitReply) error {
	if n.opts.RejectSubmit {
		return errors.E(errors.Unavailable, "submit: rejected")
	}
	var manifest gwasm.Manifest
	if err := json.Unmarshal(req.Manifest, &manifest); err != nil {
		return errors.E(errors.Invalid, "submit: manifest", err)
	}
	if manifest.Type != "wasm" {
		return errors.E(errors.Invalid, fmt.Sprintf("submit: unsupported task type %q", manifest.Type))
	}
	if len(req.Subtasks) == 0 || len(req.Subtasks) != len(manifest.Options.Subtasks) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("submit: %d subtask descriptors for %d manifest subtasks",
				len(req.Subtasks), len(manifest.Options.Subtasks)))
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, key := range []string{req.LoaderKey, req.PayloadKey} {
		if _, ok := n.blobs[key]; !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("submit: binary %s was not uploaded", key))
		}
	}
	inputs := make([]map[string][]byte, len(req.Subtasks))
	for i, desc := range req.Subtasks {
		if desc.Index != i {
			return errors.E(errors.Invalid, fmt.Sprintf("submit: subtask %d has index %d", i, desc.Index))
		}
		if _, ok := manifest.Options.Subtasks[gwasm.SubtaskName(i)]; !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("submit: subtask %d missing from manifest", i))
		}
		inputs[i] = make(map[string][]byte)
		for name, key := range desc.Inputs {
			p, ok := n.blobs[key]
			if !ok {
				return errors.E(errors.NotExist, fmt.Sprintf("submit: input %s was not uploaded", key))
			}
			inputs[i][name] = p
		}
	}
	n.nextID++
	t := &task{
		id:       fmt.Sprintf("%s-%d", req.Workspace, n.nextID),
		subtasks: req.Subtasks,
		results:  make([]result, len(req.Subtasks)),
		order:    n.order(len(req.Subtasks)),
		state:    nodeapi.Waiting,
	}
	n.tasks[t.id] = t
	n.submissions = append(n.submissions, req)
	reply.TaskID = t.id
	if !n.opts.Stall {
		n.start(t, inputs)
	}
	return nil
}

// order returns the reveal order for a task with n subtasks.
func (n *Node) order(num int) []int {
	var (
		order = make([]int, 0, num)
		seen  = make([]bool, num)
	)
	for _, i := range n.opts.Order {
		if i >= 0 && i < num && !seen[i] {
			order = append(order, i)
			seen[i] = true
		}
	}
	for i := range seen {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order
}

// start executes a task's subtasks in the background. n.mu must be
// held.
func (n *Node) start(t *task, inputs []map[string][]byte) {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	lim := limiter.New()
	lim.Release(n.opts.Parallelism)
	g, ctx := errgroup.WithContext(ctx)
	for i := range t.subtasks {
		i := i
		g.Go(func() error {
			if err := lim.Acquire(ctx, 1); err != nil {
				return err
			}
			defer lim.Release(1)
			var (
				outputs map[string][]byte
				err     error
			)
			if reason, ok := n.opts.Failures[i]; ok {
				err = fmt.Errorf("%s", reason)
			} else {
				outputs, err = n.opts.Exec(ctx, i, inputs[i], t.subtasks[i].Outputs)
			}
			n.mu.Lock()
			t.results[i] = result{outputs: outputs, err: err, done: true}
			n.mu.Unlock()
			return nil
		})
	}
	go func() {
		if err := g.Wait(); err != nil && err != context.Canceled {
			log.Error.Printf("nodetest: task %s: %v", t.id, err)
		}
	}()
}

// Poll implements nodeapi.Service. Each poll reveals up to
// Options.Step further subtasks whose execution has finished.
func (n *Node) Poll(ctx context.Context, req nodeapi.PollRequest, reply *nodeapi.TaskStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tasks[req.TaskID]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("poll: task %s", req.TaskID))
	}
	n.polls++
	t.polls++
	if t.state == nodeapi.Waiting && !n.opts.Stall {
		t.state = nodeapi.Computing
	}
	if t.state == nodeapi.Computing {
		for step := 0; step < n.opts.Step && t.revealed < len(t.order); step++ {
			if !t.results[t.order[t.revealed]].done {
				break
			}
			t.revealed++
		}
		if v := n.opts.Verdict; (v == nodeapi.Aborted || v == nodeapi.Timeout) && t.revealed >= n.opts.VerdictAfter {
			t.state, t.reason = v, n.opts.Reason
			t.cancel()
		}
	}
	*reply = n.status(t)
	return nil
}

// status computes the status of t. n.mu must be held.
func (n *Node) status(t *task) nodeapi.TaskStatus {
	status := nodeapi.TaskStatus{
		State:    t.state,
		Reason:   t.reason,
		Subtasks: make([]nodeapi.SubtaskStatus, len(t.subtasks)),
	}
	for i := range status.Subtasks {
		status.Subtasks[i] = nodeapi.SubtaskStatus{Index: i, State: t.state}
		if t.state == nodeapi.Computing {
			status.Subtasks[i].State = nodeapi.Waiting
		}
	}
	for _, i := range t.order[:t.revealed] {
		if err := t.results[i].err; err != nil {
			status.Subtasks[i] = nodeapi.SubtaskStatus{Index: i, State: nodeapi.Failed, Reason: err.Error()}
			status.Failed++
		} else {
			status.Subtasks[i] = nodeapi.SubtaskStatus{Index: i, State: nodeapi.Finished}
			status.Completed++
		}
	}
	switch {
	case t.state == nodeapi.Aborted || t.state == nodeapi.Timeout:
		status.Terminal = true
	case t.state == nodeapi.Computing && t.revealed == len(t.order):
		t.state = nodeapi.Finished
		if status.Failed > 0 {
			t.state = nodeapi.Failed
		}
		status.State = t.state
		status.Terminal = true
	case t.state == nodeapi.Finished || t.state == nodeapi.Failed:
		status.Terminal = true
	}
	if n.opts.Noisy && t.polls%2 == 0 && !status.Terminal {
		status.Completed -= 2
		if status.Completed < 0 {
			status.Completed = 0
		}
	}
	return status
}

// Fetch implements nodeapi.Service. Only outputs of revealed,
// successful subtasks may be fetched.
func (n *Node) Fetch(ctx context.Context, req nodeapi.FetchRequest, reply *nodeapi.FetchReply) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tasks[req.TaskID]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("fetch: task %s", req.TaskID))
	}
	if req.Subtask < 0 || req.Subtask >= len(t.results) || !t.isRevealed(req.Subtask) {
		return errors.E(errors.Precondition, fmt.Sprintf("fetch: task %s: subtask %d not finished", req.TaskID, req.Subtask))
	}
	r := t.results[req.Subtask]
	if r.err != nil {
		return errors.E(errors.Precondition, fmt.Sprintf("fetch: task %s: subtask %d failed", req.TaskID, req.Subtask))
	}
	p, ok := r.outputs[req.Output]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("fetch: task %s: subtask %d: output %s", req.TaskID, req.Subtask, req.Output))
	}
	reply.Data = append([]byte{}, p...)
	return nil
}

func (t *task) isRevealed(index int) bool {
	for _, i := range t.order[:t.revealed] {
		if i == index {
			return true
		}
	}
	return false
}

// Cancel implements nodeapi.Service.
func (n *Node) Cancel(ctx context.Context, req nodeapi.CancelRequest, reply *nodeapi.CancelReply) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tasks[req.TaskID]
	if !ok {
		return errors.E(errors.NotExist, fmt.Sprintf("cancel: task %s", req.TaskID))
	}
	if t.state == nodeapi.Waiting || t.state == nodeapi.Computing {
		t.state, t.reason = nodeapi.Aborted, "cancelled"
		if t.cancel != nil {
			t.cancel()
		}
	}
	reply.State = t.state
	return nil
}

// Blob returns the blob uploaded under the provided key.
func (n *Node) Blob(key string) ([]byte, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.blobs[key]
	return p, ok
}

// Submissions returns the submissions accepted by the node.
func (n *Node) Submissions() []nodeapi.SubmitRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]nodeapi.SubmitRequest(nil), n.submissions...)
}

// Polls returns the number of polls served by the node.
func (n *Node) Polls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.polls
}

// State returns the node's state for the provided task.
func (n *Node) State(taskID string) (nodeapi.TaskState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.tasks[taskID]
	if !ok {
		return 0, false
	}
	return t.state, true
}

// service exposes only the nodeapi.Service methods of a Node to the
// rpc server.
type service struct {
	node *Node
}

func (s service) Hello(ctx context.Context, req nodeapi.HelloRequest, reply *nodeapi.HelloReply) error {
	return s.node.Hello(ctx, req, reply)
}

func (s service) Upload(ctx context.Context, req nodeapi.UploadRequest, reply *nodeapi.UploadReply) error {
	return s.node.Upload(ctx, req, reply)
}

func (s service) Submit(ctx context.Context, req nodeapi.SubmitRequest, reply *nodeapi.SubmitReply) error {
	return s.node.Submit(ctx, req, reply)
}

func (s service) Poll(ctx context.Context, req nodeapi.PollRequest, reply *nodeapi.TaskStatus) error {
	return s.node.Poll(ctx, req, reply)
}

func (s service) Fetch(ctx context.Context, req nodeapi.FetchRequest, reply *nodeapi.FetchReply) error {
	return s.node.Fetch(ctx, req, reply)
}

func (s service) Cancel(ctx context.Context, req nodeapi.CancelRequest, reply *nodeapi.CancelReply) error {
	return s.node.Cancel(ctx, req, reply)
}

// NewServer serves the node over the bigmachine rpc protocol. The
// caller should close the returned server.
func NewServer(node *Node) *httptest.Server {
	srv := rpc.NewServer()
	if err := srv.Register(nodeapi.ServiceName, service{node}); err != nil {
		log.Panicf("nodetest: register: %v", err)
	}
	return httptest.NewServer(srv)
}

// HostPort returns the host and port on which srv listens.
func HostPort(srv *httptest.Server) (host string, port int) {
	u, err := url.Parse(srv.URL)
	if err != nil {
		log.Panicf("nodetest: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		log.Panicf("nodetest: %v", err)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		log.Panicf("nodetest: %v", err)
	}
	return host, port
}
