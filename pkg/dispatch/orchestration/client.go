/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package orchestration

import (
	"context"
	"sync"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/collective"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
)

// Client is the orchestrator endpoint of the link: it submits requests and
// control signals to a model leader and receives answers and progress
// acknowledgements back. Sends are safe for concurrent use; Recv is for a
// single reader.
type Client struct {
	peer   collective.Peer
	sendMu sync.Mutex
}

// NewClient wraps the orchestrator side of an established peer channel.
func NewClient(peer collective.Peer) *Client {
	return &Client{peer: peer}
}

func (c *Client) send(ctx context.Context, msg Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return writeMessage(ctx, c.peer, msg)
}

// Submit sends one inference request to the leader.
func (c *Client) Submit(ctx context.Context, req *inference.Request) error {
	return c.send(ctx, PendingRequest{Request: req})
}

// Stop tells the leader the submitter stopped the identified requests.
func (c *Client) Stop(ctx context.Context, ids ...uint64) error {
	return c.send(ctx, StopRequest{IDs: ids})
}

// Cancel tells the leader the submitters of the identified requests went
// away.
func (c *Client) Cancel(ctx context.Context, ids ...uint64) error {
	return c.send(ctx, CancelRequest{IDs: ids})
}

// Terminate asks the leader to drain and exit. The leader echoes a
// Termination message once its send loop has drained.
func (c *Client) Terminate(ctx context.Context) error {
	return c.send(ctx, Termination{})
}

// Recv blocks for the next message from the leader: RequestAnswer,
// RequestInProgress, or the final Termination echo.
func (c *Client) Recv(ctx context.Context) (Message, error) {
	return readMessage(ctx, c.peer)
}

// Close tears down the underlying channel.
func (c *Client) Close() error {
	return c.peer.Close()
}
