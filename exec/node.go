// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine/rpc"
	"github.com/grailbio/gwasm"
	"github.com/grailbio/gwasm/nodeapi"
)

// Connection describes the broker node used by a session and the
// local directory in which the session stages its data.
type Connection struct {
	// Datadir is the root of the local staging area. It may be any
	// path supported by github.com/grailbio/base/file.
	Datadir string
	// Host and Port locate the node's RPC endpoint.
	Host string
	Port int
	// Net is the network on which tasks are computed.
	Net gwasm.Net
}

// Addr returns the base URL of the node's RPC endpoint.
func (c Connection) Addr() string {
	return "http://" + net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// String returns a short description of the connection.
func (c Connection) String() string {
	return fmt.Sprintf("%s:%d (%s)", c.Host, c.Port, c.Net)
}

func (c Connection) validate() error {
	switch {
	case c.Datadir == "":
		return fmt.Errorf("%w: empty datadir", ErrInvalidConnection)
	case c.Host == "":
		return fmt.Errorf("%w: empty host", ErrInvalidConnection)
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConnection, c.Port)
	case !c.Net.Valid():
		return fmt.Errorf("%w: unknown network %v", ErrInvalidConnection, c.Net)
	}
	return nil
}

// Node is a session's channel to a broker node. Each method is a
// single blocking round trip; implementations do not retry.
type Node interface {
	// Upload stores a blob in the node's addressable storage.
	Upload(ctx context.Context, req nodeapi.UploadRequest) error
	// Submit creates a task and returns its identifier.
	Submit(ctx context.Context, req nodeapi.SubmitRequest) (taskID string, err error)
	// Poll returns the status of a task.
	Poll(ctx context.Context, taskID string) (nodeapi.TaskStatus, error)
	// Fetch retrieves an output blob of a finished subtask.
	Fetch(ctx context.Context, taskID string, subtask int, output string) ([]byte, error)
	// Cancel aborts a task on the node.
	Cancel(ctx context.Context, taskID string) error
	// Close releases the channel.
	Close() error
}

// Dialer opens channels to broker nodes.
type Dialer interface {
	// Dial connects to the node described by conn and verifies that
	// it serves conn.Net.
	Dial(ctx context.Context, conn Connection) (Node, error)
}

// RPC returns a Dialer that speaks to nodes over HTTP using the
// bigmachine rpc protocol. If client is nil, http.DefaultClient is
// used.
func RPC(client *http.Client) Dialer {
	if client == nil {
		client = http.DefaultClient
	}
	return rpcDialer{client}
}

type rpcDialer struct {
	client *http.Client
}

func (d rpcDialer) Dial(ctx context.Context, conn Connection) (Node, error) {
	client, err := rpc.NewClient(func() *http.Client { return d.client }, nodeapi.Prefix)
	if err != nil {
		return nil, err
	}
	addr := conn.Addr()
	n := &nodeClient{
		addr: addr,
		call: func(ctx context.Context, method string, arg, reply interface{}) error {
			return client.Call(ctx, addr, method, arg, reply)
		},
	}
	if err := n.hello(ctx, conn.Net); err != nil {
		return nil, err
	}
	return n, nil
}

// Local returns a Dialer whose nodes call the provided service
// directly, in process.
func Local(svc nodeapi.Service) Dialer {
	return localDialer{svc}
}

type localDialer struct {
	svc nodeapi.Service
}

func (d localDialer) Dial(ctx context.Context, conn Connection) (Node, error) {
	n := &nodeClient{addr: "local", call: d.call}
	if err := n.hello(ctx, conn.Net); err != nil {
		return nil, err
	}
	return n, nil
}

func (d localDialer) call(ctx context.Context, method string, arg, reply interface{}) error {
	switch method {
	case nodeapi.Hello:
		return d.svc.Hello(ctx, arg.(nodeapi.HelloRequest), reply.(*nodeapi.HelloReply))
	case nodeapi.Upload:
		return d.svc.Upload(ctx, arg.(nodeapi.UploadRequest), reply.(*nodeapi.UploadReply))
	case nodeapi.Submit:
		return d.svc.Submit(ctx, arg.(nodeapi.SubmitRequest), reply.(*nodeapi.SubmitReply))
	case nodeapi.Poll:
		return d.svc.Poll(ctx, arg.(nodeapi.PollRequest), reply.(*nodeapi.TaskStatus))
	case nodeapi.Fetch:
		return d.svc.Fetch(ctx, arg.(nodeapi.FetchRequest), reply.(*nodeapi.FetchReply))
	case nodeapi.Cancel:
		return d.svc.Cancel(ctx, arg.(nodeapi.CancelRequest), reply.(*nodeapi.CancelReply))
	}
	return errors.E(errors.NotSupported, fmt.Sprintf("method %s", method))
}

// nodeClient implements Node on top of a method-call function, so
// that the remote and in-process transports share request handling.
type nodeClient struct {
	addr string
	call func(ctx context.Context, method string, arg, reply interface{}) error
}

func (n *nodeClient) do(ctx context.Context, method string, arg, reply interface{}) error {
	if err := n.call(ctx, method, arg, reply); err != nil {
		if errors.Is(errors.Net, err) {
			log.Debug.Printf("node %s: %s: network error: %v", n.addr, method, err)
		}
		return errors.E(fmt.Sprintf("%s %s", method, n.addr), err)
	}
	return nil
}

func (n *nodeClient) hello(ctx context.Context, network gwasm.Net) error {
	var reply nodeapi.HelloReply
	if err := n.do(ctx, nodeapi.Hello, nodeapi.HelloRequest{Net: network}, &reply); err != nil {
		return err
	}
	if reply.Net != network {
		return errors.E(errors.Precondition,
			fmt.Sprintf("node %s serves %s, not %s", n.addr, reply.Net, network))
	}
	if reply.Version != nodeapi.Version {
		return errors.E(errors.NotSupported,
			fmt.Sprintf("node %s speaks protocol version %d, want %d", n.addr, reply.Version, nodeapi.Version))
	}
	return nil
}

func (n *nodeClient) Upload(ctx context.Context, req nodeapi.UploadRequest) error {
	var reply nodeapi.UploadReply
	if err := n.do(ctx, nodeapi.Upload, req, &reply); err != nil {
		return err
	}
	if reply.Size != int64(len(req.Data)) {
		return errors.E(errors.Integrity,
			fmt.Sprintf("upload %s: node stored %d bytes, sent %d", req.Key, reply.Size, len(req.Data)))
	}
	return nil
}

func (n *nodeClient) Submit(ctx context.Context, req nodeapi.SubmitRequest) (string, error) {
	var reply nodeapi.SubmitReply
	if err := n.do(ctx, nodeapi.Submit, req, &reply); err != nil {
		return "", err
	}
	if reply.TaskID == "" {
		return "", errors.E(errors.Invalid, "node returned an empty task ID")
	}
	return reply.TaskID, nil
}

func (n *nodeClient) Poll(ctx context.Context, taskID string) (nodeapi.TaskStatus, error) {
	var status nodeapi.TaskStatus
	err := n.do(ctx, nodeapi.Poll, nodeapi.PollRequest{TaskID: taskID}, &status)
	return status, err
}

func (n *nodeClient) Fetch(ctx context.Context, taskID string, subtask int, output string) ([]byte, error) {
	var reply nodeapi.FetchReply
	req := nodeapi.FetchRequest{TaskID: taskID, Subtask: subtask, Output: output}
	if err := n.do(ctx, nodeapi.Fetch, req, &reply); err != nil {
		return nil, err
	}
	return reply.Data, nil
}

func (n *nodeClient) Cancel(ctx context.Context, taskID string) error {
	var reply nodeapi.CancelReply
	if err := n.do(ctx, nodeapi.Cancel, nodeapi.CancelRequest{TaskID: taskID}, &reply); err != nil {
		return err
	}
	log.Debug.Printf("node %s: task %s is %s", n.addr, taskID, reply.State)
	return nil
}

func (n *nodeClient) Close() error {
	return nil
}
