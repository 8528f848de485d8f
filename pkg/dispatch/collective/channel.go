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

// Package collective provides the communication channels of the dispatch
// layer: a Group for lockstep broadcast across the model-parallel process
// group, and a Peer for tagged point-to-point messaging between a leader and
// its orchestrator. Both carry flat 8-byte words; all structure above that is
// the caller's serialization.
package collective

import (
	"context"

	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
)

// Tag discriminates frames on a Peer channel.
type Tag uint64

const (
	// TagID frames carry a message-kind discriminator or request identifier.
	TagID Tag = 127
	// TagData frames carry a serialized payload.
	TagData Tag = 1023
)

// ErrClosed is returned once the remote endpoint has shut the channel down
// cleanly. Any other error from a channel operation is a hard transport
// failure; a group that has lost a member cannot be re-synchronized, so
// callers are expected to treat those as fatal.
var ErrClosed = errutil.Error{Code: errutil.Transport, Msg: "channel closed"}

// Group is a fixed-size process group with rank-addressed broadcast. Every
// rank must call the same sequence of operations with the same root; the
// operations block until the whole group participates. There are no timeouts
// on group operations: a slow rank stalls the group rather than desyncing it.
type Group interface {
	// Rank is this member's position in the group; rank 0 is the leader.
	Rank() int
	// Size is the fixed number of members.
	Size() int
	// BroadcastValue replicates a single value from root to every rank and
	// returns it on all of them.
	BroadcastValue(ctx context.Context, value uint64, root int) (uint64, error)
	// Broadcast replicates words from root to every rank and returns the
	// replicated slice on all of them. Non-root callers pass nil.
	Broadcast(ctx context.Context, words []int64, root int) ([]int64, error)
}

// Peer is one endpoint of an ordered, tagged, bidirectional message channel.
// Send and Recv are each safe for one goroutine at a time.
type Peer interface {
	Send(ctx context.Context, tag Tag, words []int64) error
	// Recv blocks for the next frame and returns its tag and payload. It
	// returns ErrClosed after the remote endpoint closes.
	Recv(ctx context.Context) (Tag, []int64, error)
	Close() error
}
