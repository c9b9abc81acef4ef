// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/gwasm"
	"github.com/grailbio/gwasm/nodeapi"
	"github.com/grailbio/gwasm/nodetest"
	"github.com/grailbio/testutil"
)

var testBinary = gwasm.Binary{Loader: []byte("loader"), Payload: []byte("\x00asm")}

func testTask(t *testing.T, workspace string, inputs ...string) *gwasm.Task {
	t.Helper()
	b := gwasm.NewTaskBuilder(workspace, testBinary)
	for _, in := range inputs {
		b.PushSubtaskData([]byte(in))
	}
	task, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func testConn(t *testing.T) Connection {
	return Connection{
		Datadir: "/datadir/" + t.Name(),
		Host:    "localhost",
		Port:    DefaultPort,
		Net:     gwasm.TestNet,
	}
}

// testOptions configures a session to compute on node with an
// in-memory store and a short poll interval.
func testOptions(node *nodetest.Node, opts ...Option) []Option {
	return append([]Option{
		WithDialer(Local(node)),
		WithStore(NewMemoryStore()),
		PollInterval(time.Millisecond),
	}, opts...)
}

type progressRecorder struct {
	mu               sync.Mutex
	updates          []float64
	started, stopped int
}

func (p *progressRecorder) Update(f float64) {
	p.mu.Lock()
	p.updates = append(p.updates, f)
	p.mu.Unlock()
}

func (p *progressRecorder) Start() {
	p.mu.Lock()
	p.started++
	p.mu.Unlock()
}

func (p *progressRecorder) Stop() {
	p.mu.Lock()
	p.stopped++
	p.mu.Unlock()
}

func (p *progressRecorder) check(t *testing.T, complete bool) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, f := range p.updates {
		if f < 0 || f > 1 {
			t.Errorf("update %d: %v out of range", i, f)
		}
		if i > 0 && f < p.updates[i-1] {
			t.Errorf("update %d: %v < %v", i, f, p.updates[i-1])
		}
	}
	if !complete {
		return
	}
	if len(p.updates) == 0 {
		t.Fatal("no progress reported")
	}
	if got, want := p.updates[len(p.updates)-1], 1.0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func outputs(t *testing.T, computed *gwasm.ComputedTask) []string {
	t.Helper()
	var outs []string
	for i, sub := range computed.Subtasks {
		if got, want := sub.Index, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		outs = append(outs, string(sub.Outputs[gwasm.DefaultOutputName].Bytes()))
	}
	return outs
}

func TestSessionOrder(t *testing.T) {
	node := nodetest.New(nodetest.Options{Order: []int{2, 0, 1}, Parallelism: 3})
	var progress progressRecorder
	sess := New(testConn(t), testTask(t, "demo", "a", "b", "c"), &progress, testOptions(node)...)
	computed, err := sess.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := outputs(t, computed), []string{"a", "b", "c"}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := computed.Workspace, "demo"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := computed.TaskID, sess.TaskID(); got != want || got == "" {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.State(), StateCompleted; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	progress.check(t, true)
	if got, want := progress.started, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := progress.stopped, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	stats := sess.Stats()
	// Loader, payload, and one input per subtask.
	if got, want := stats[statUploads], int64(5); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := stats[statFetches], int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := stats[statPolls], int64(node.Polls()); got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	subs := node.Submissions()
	if got, want := len(subs), 1; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := subs[0].Subtasks[1].Inputs[gwasm.DefaultInputName], "demo/subtask_1/in.txt"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if p, ok := node.Blob(subs[0].PayloadKey); !ok || string(p) != string(testBinary.Payload) {
		t.Errorf("payload not uploaded: %q", p)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	fz := fuzz.New().NilChance(0)
	fz.NumElements(1, 64)
	var blobs [][]byte
	fz.Fuzz(&blobs)
	b := gwasm.NewTaskBuilder("roundtrip", testBinary).Outputs("x", "y")
	for _, p := range blobs {
		b.PushSubtaskInputs(map[string][]byte{"p": p, "q": []byte("q")})
	}
	task, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	node := nodetest.New(nodetest.Options{Parallelism: 8, Step: 16})
	computed, err := Compute(context.Background(), testConn(t), task, nil, testOptions(node)...)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := len(computed.Subtasks), len(blobs); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, sub := range computed.Subtasks {
		want := string(blobs[i]) + "q"
		for _, name := range []string{"x", "y"} {
			if got := string(sub.Outputs[name].Bytes()); got != want {
				t.Errorf("subtask %d: output %s: data do not match", i, name)
			}
		}
	}
}

func TestSessionNoisyProgress(t *testing.T) {
	node := nodetest.New(nodetest.Options{Noisy: true})
	var progress progressRecorder
	_, err := Compute(context.Background(), testConn(t),
		testTask(t, "noisy", "a", "b", "c", "d", "e", "f"), &progress, testOptions(node)...)
	if err != nil {
		t.Fatal(err)
	}
	progress.check(t, true)
}

func TestUpdateMonotonic(t *testing.T) {
	var progress progressRecorder
	sess := New(testConn(t), testTask(t, "update", "a"), &progress)
	for _, f := range []float64{-1, 0.5, 0.25, 0.5, 2, 0.9} {
		sess.update(f)
	}
	if got, want := progress.updates, []float64{0, 0.5, 0.5, 1}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionSubtaskFailure(t *testing.T) {
	node := nodetest.New(nodetest.Options{Failures: map[int]string{1: "out of memory"}})
	var progress progressRecorder
	sess := New(testConn(t), testTask(t, "fail", "a", "b", "c"), &progress, testOptions(node)...)
	computed, err := sess.Run(context.Background())
	if computed != nil {
		t.Errorf("got %v, want nil", computed)
	}
	if !errors.Is(err, ErrSubtaskFailure) {
		t.Fatalf("got %v, want %v", err, ErrSubtaskFailure)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("subtask failure is a timeout: %v", err)
	}
	var failure *SubtaskFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("got %T, want *SubtaskFailureError", err)
	}
	want := []SubtaskFailure{{Index: 1, Reason: "out of memory"}}
	if diff := cmp.Diff(want, failure.Failures); diff != "" {
		t.Errorf("failures (-want +got):\n%s", diff)
	}
	if got, want := failure.TaskID, sess.TaskID(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.State(), StateFailed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.Err(), err; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	progress.check(t, false)
	if got, want := progress.stopped, 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionNodeVerdict(t *testing.T) {
	for _, verdict := range []nodeapi.TaskState{nodeapi.Aborted, nodeapi.Timeout} {
		t.Run(verdict.String(), func(t *testing.T) {
			node := nodetest.New(nodetest.Options{
				Verdict:      verdict,
				VerdictAfter: 1,
				Reason:       "budget exhausted",
			})
			_, err := Compute(context.Background(), testConn(t),
				testTask(t, "verdict", "a", "b", "c"), nil, testOptions(node)...)
			var failure *SubtaskFailureError
			if !errors.As(err, &failure) {
				t.Fatalf("got %v, want *SubtaskFailureError", err)
			}
			want := []SubtaskFailure{
				{Index: 1, Reason: "budget exhausted"},
				{Index: 2, Reason: "budget exhausted"},
			}
			if diff := cmp.Diff(want, failure.Failures); diff != "" {
				t.Errorf("failures (-want +got):\n%s", diff)
			}
			if got, want := failure.Indices(), []int{1, 2}; !cmp.Equal(got, want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestSessionDeadline(t *testing.T) {
	node := nodetest.New(nodetest.Options{Stall: true})
	sess := New(testConn(t), testTask(t, "stall", "a"), nil,
		testOptions(node, Deadline(50*time.Millisecond))...)
	_, err := sess.Run(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want %v", err, ErrTimeout)
	}
	if errors.Is(err, ErrSubtaskFailure) {
		t.Errorf("timeout is a subtask failure: %v", err)
	}
	if got, want := sess.State(), StateTimedOut; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The task is left running on the node.
	if state, _ := node.State(sess.TaskID()); state == nodeapi.Aborted {
		t.Errorf("task was aborted on timeout")
	}
}

// hangingDialer dials nodes whose polls never return before their
// context is done.
type hangingDialer struct {
	Dialer
}

func (d hangingDialer) Dial(ctx context.Context, conn Connection) (Node, error) {
	node, err := d.Dialer.Dial(ctx, conn)
	if err != nil {
		return nil, err
	}
	return hangingNode{node}, nil
}

type hangingNode struct {
	Node
}

func (hangingNode) Poll(ctx context.Context, taskID string) (nodeapi.TaskStatus, error) {
	<-ctx.Done()
	return nodeapi.TaskStatus{}, ctx.Err()
}

func TestSessionDeadlineHungPoll(t *testing.T) {
	node := nodetest.New(nodetest.Options{})
	sess := New(testConn(t), testTask(t, "hang", "a"), nil,
		testOptions(node, WithDialer(hangingDialer{Local(node)}), Deadline(50*time.Millisecond))...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	_, err := sess.Run(ctx)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want %v", err, ErrTimeout)
	}
	if errors.Is(err, ErrPoll) {
		t.Errorf("timeout reported as a poll failure: %v", err)
	}
	if got, want := sess.State(), StateTimedOut; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("session took %s to time out", elapsed)
	}
}

func TestSessionContextCancel(t *testing.T) {
	node := nodetest.New(nodetest.Options{Stall: true})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	sess := New(testConn(t), testTask(t, "cancel", "a"), nil, testOptions(node)...)
	_, err := sess.Run(ctx)
	if got, want := err, context.DeadlineExceeded; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got, want := sess.State(), StateFailed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSessionConnectionErrors(t *testing.T) {
	ctx := context.Background()
	conn := testConn(t)

	node := nodetest.New(nodetest.Options{Net: gwasm.MainNet})
	_, err := Compute(ctx, conn, testTask(t, "net", "a"), nil, testOptions(node)...)
	if !errors.Is(err, ErrConnection) {
		t.Errorf("got %v, want %v", err, ErrConnection)
	}
	if got := len(node.Submissions()); got != 0 {
		t.Errorf("got %v submissions, want 0", got)
	}

	bad := conn
	bad.Port = 0
	_, err = Compute(ctx, bad, testTask(t, "net", "a"), nil, testOptions(nodetest.New(nodetest.Options{}))...)
	if !errors.Is(err, ErrInvalidConnection) {
		t.Errorf("got %v, want %v", err, ErrInvalidConnection)
	}
}

func TestSessionRejections(t *testing.T) {
	for _, c := range []struct {
		name string
		opts nodetest.Options
		want error
	}{
		{"upload", nodetest.Options{RejectUpload: true}, ErrUpload},
		{"submit", nodetest.Options{RejectSubmit: true}, ErrSubmission},
	} {
		t.Run(c.name, func(t *testing.T) {
			node := nodetest.New(c.opts)
			sess := New(testConn(t), testTask(t, c.name, "a"), nil, testOptions(node)...)
			computed, err := sess.Run(context.Background())
			if !errors.Is(err, c.want) {
				t.Fatalf("got %v, want %v", err, c.want)
			}
			if computed != nil {
				t.Errorf("got %v, want nil", computed)
			}
			if got, want := sess.State(), StateFailed; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

// corruptDialer flips a bit in every uploaded blob without updating
// its checksum.
type corruptDialer struct {
	Dialer
}

func (d corruptDialer) Dial(ctx context.Context, conn Connection) (Node, error) {
	node, err := d.Dialer.Dial(ctx, conn)
	if err != nil {
		return nil, err
	}
	return corruptNode{node}, nil
}

type corruptNode struct {
	Node
}

func (n corruptNode) Upload(ctx context.Context, req nodeapi.UploadRequest) error {
	req.Data = append([]byte{}, req.Data...)
	req.Data[0] ^= 1
	return n.Node.Upload(ctx, req)
}

func TestSessionChecksumMismatch(t *testing.T) {
	node := nodetest.New(nodetest.Options{})
	_, err := Compute(context.Background(), testConn(t), testTask(t, "corrupt", "a"), nil,
		testOptions(node, WithDialer(corruptDialer{Local(node)}))...)
	if !errors.Is(err, ErrUpload) {
		t.Fatalf("got %v, want %v", err, ErrUpload)
	}
	if !strings.Contains(err.Error(), "checksum") {
		t.Errorf("error %v does not mention the checksum", err)
	}
}

func TestSessionWorkspaceBusy(t *testing.T) {
	node := nodetest.New(nodetest.Options{Stall: true})
	conn := testConn(t)
	ctx, cancel := context.WithCancel(context.Background())
	first := New(conn, testTask(t, "busy", "a"), nil, testOptions(node)...)
	done := make(chan error)
	go func() {
		_, err := first.Run(ctx)
		done <- err
	}()
	if _, err := first.WaitState(context.Background(), StateComputing); err != nil {
		t.Fatal(err)
	}
	_, err := Compute(context.Background(), conn, testTask(t, "busy", "b"), nil, testOptions(node)...)
	if !errors.Is(err, ErrWorkspaceBusy) {
		t.Errorf("got %v, want %v", err, ErrWorkspaceBusy)
	}
	// A different workspace may run concurrently.
	other := nodetest.New(nodetest.Options{})
	if _, err := Compute(context.Background(), conn, testTask(t, "idle", "b"), nil, testOptions(other)...); err != nil {
		t.Error(err)
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
	// The workspace is released when the session ends.
	if _, err := Compute(context.Background(), conn, testTask(t, "busy", "c"), nil, testOptions(other)...); err != nil {
		t.Error(err)
	}
}

func TestSessionRunOnce(t *testing.T) {
	node := nodetest.New(nodetest.Options{})
	sess := New(testConn(t), testTask(t, "once", "a"), nil, testOptions(node)...)
	if _, err := sess.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.Run(context.Background()); err == nil {
		t.Error("expected error running a session twice")
	}
}

func TestSessionStaging(t *testing.T) {
	for _, keep := range []bool{false, true} {
		dir, cleanup := testutil.TempDir(t, "", "")
		defer cleanup()
		conn := testConn(t)
		conn.Datadir = dir
		node := nodetest.New(nodetest.Options{})
		opts := []Option{WithDialer(Local(node)), PollInterval(time.Millisecond)}
		if keep {
			opts = append(opts, KeepStaging)
		}
		if _, err := Compute(context.Background(), conn, testTask(t, "staged", "data"), nil, opts...); err != nil {
			t.Fatal(err)
		}
		for _, path := range []string{
			filepath.Join(dir, "staged", "in", "binary", "unknown.wasm"),
			filepath.Join(dir, "staged", "in", "subtask_0", "in.txt"),
			filepath.Join(dir, "staged", "out", "subtask_0", "out"),
		} {
			_, err := os.Stat(path)
			if keep && err != nil {
				t.Errorf("%s: %v", path, err)
			}
			if !keep && !os.IsNotExist(err) {
				t.Errorf("%s: got %v, want not exist", path, err)
			}
		}
	}
}

func TestSessionRPC(t *testing.T) {
	node := nodetest.New(nodetest.Options{Order: []int{1, 0}})
	srv := nodetest.NewServer(node)
	defer srv.Close()
	conn := testConn(t)
	conn.Host, conn.Port = nodetest.HostPort(srv)
	var progress progressRecorder
	computed, err := Compute(context.Background(), conn, testTask(t, "rpc", "x", "y"), &progress,
		WithDialer(RPC(srv.Client())),
		WithStore(NewMemoryStore()),
		PollInterval(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := outputs(t, computed), []string{"x", "y"}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	progress.check(t, true)

	// Mismatched networks are rejected over the wire as well.
	conn.Net = gwasm.MainNet
	_, err = Compute(context.Background(), conn, testTask(t, "rpc", "x"), nil,
		WithDialer(RPC(srv.Client())), WithStore(NewMemoryStore()))
	if !errors.Is(err, ErrConnection) {
		t.Errorf("got %v, want %v", err, ErrConnection)
	}
}

func TestCancel(t *testing.T) {
	node := nodetest.New(nodetest.Options{Stall: true})
	conn := testConn(t)
	sess := New(conn, testTask(t, "abort", "a", "b"), nil, testOptions(node)...)
	done := make(chan error)
	go func() {
		_, err := sess.Run(context.Background())
		done <- err
	}()
	if _, err := sess.WaitState(context.Background(), StateComputing); err != nil {
		t.Fatal(err)
	}
	if err := Cancel(context.Background(), conn, sess.TaskID(), WithDialer(Local(node))); err != nil {
		t.Fatal(err)
	}
	err := <-done
	var failure *SubtaskFailureError
	if !errors.As(err, &failure) {
		t.Fatalf("got %v, want *SubtaskFailureError", err)
	}
	if got, want := failure.Indices(), []int{0, 1}; !cmp.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if state, _ := node.State(sess.TaskID()); state != nodeapi.Aborted {
		t.Errorf("got %v, want %v", state, nodeapi.Aborted)
	}
	if err := Cancel(context.Background(), conn, "nonexistent", WithDialer(Local(node))); err == nil {
		t.Error("expected error cancelling an unknown task")
	}
}
