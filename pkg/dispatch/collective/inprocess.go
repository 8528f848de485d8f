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

package collective

import (
	"context"
	"fmt"
	"sync"

	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
)

// inProcessGroup is a channel-backed Group for tests and single-process
// multi-rank deployments. All members share the per-rank inboxes.
type inProcessGroup struct {
	rank  int
	size  int
	inbox []chan []int64
}

// NewInProcessGroup creates all members of a size-member in-process group.
// The returned slice is indexed by rank.
func NewInProcessGroup(size int) []Group {
	inbox := make([]chan []int64, size)
	for i := range inbox {
		inbox[i] = make(chan []int64, 4)
	}
	members := make([]Group, size)
	for r := 0; r < size; r++ {
		members[r] = &inProcessGroup{rank: r, size: size, inbox: inbox}
	}
	return members
}

func (g *inProcessGroup) Rank() int { return g.rank }
func (g *inProcessGroup) Size() int { return g.size }

func (g *inProcessGroup) BroadcastValue(ctx context.Context, value uint64, root int) (uint64, error) {
	words, err := g.Broadcast(ctx, []int64{int64(value)}, root)
	if err != nil {
		return 0, err
	}
	if len(words) != 1 {
		return 0, errutil.Error{Code: errutil.Transport,
			Msg: fmt.Sprintf("rank %d expected a single broadcast word, got %d", g.rank, len(words))}
	}
	return uint64(words[0]), nil
}

func (g *inProcessGroup) Broadcast(ctx context.Context, words []int64, root int) ([]int64, error) {
	if root < 0 || root >= g.size {
		return nil, errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("broadcast root %d out of range for group of %d", root, g.size)}
	}
	if err := ctx.Err(); err != nil {
		return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("broadcast on rank %d interrupted: %v", g.rank, err)}
	}
	if g.rank == root {
		for r := 0; r < g.size; r++ {
			if r == root {
				continue
			}
			payload := make([]int64, len(words))
			copy(payload, words)
			select {
			case g.inbox[r] <- payload:
			case <-ctx.Done():
				return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("broadcast to rank %d interrupted: %v", r, ctx.Err())}
			}
		}
		return words, nil
	}

	select {
	case payload := <-g.inbox[g.rank]:
		return payload, nil
	case <-ctx.Done():
		return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("broadcast receive on rank %d interrupted: %v", g.rank, ctx.Err())}
	}
}

type peerFrame struct {
	tag   Tag
	words []int64
}

// inProcessPeer is one endpoint of a channel-backed Peer pair.
type inProcessPeer struct {
	out        chan peerFrame
	in         chan peerFrame
	done       chan struct{}
	remoteDone chan struct{}
	closeOnce  sync.Once
}

// NewInProcessPeerPair creates two connected in-process Peer endpoints.
func NewInProcessPeerPair() (Peer, Peer) {
	ab := make(chan peerFrame, 16)
	ba := make(chan peerFrame, 16)
	aDone := make(chan struct{})
	bDone := make(chan struct{})
	a := &inProcessPeer{out: ab, in: ba, done: aDone, remoteDone: bDone}
	b := &inProcessPeer{out: ba, in: ab, done: bDone, remoteDone: aDone}
	return a, b
}

func (p *inProcessPeer) Send(ctx context.Context, tag Tag, words []int64) error {
	payload := make([]int64, len(words))
	copy(payload, words)
	select {
	case <-p.done:
		return ErrClosed
	case <-p.remoteDone:
		return ErrClosed
	default:
	}
	select {
	case p.out <- peerFrame{tag: tag, words: payload}:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.remoteDone:
		return ErrClosed
	case <-ctx.Done():
		return errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("peer send interrupted: %v", ctx.Err())}
	}
}

func (p *inProcessPeer) Recv(ctx context.Context) (Tag, []int64, error) {
	// Drain frames the remote sent before closing.
	select {
	case f := <-p.in:
		return f.tag, f.words, nil
	default:
	}
	select {
	case f := <-p.in:
		return f.tag, f.words, nil
	case <-p.done:
		return 0, nil, ErrClosed
	case <-p.remoteDone:
		return 0, nil, ErrClosed
	case <-ctx.Done():
		return 0, nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("peer receive interrupted: %v", ctx.Err())}
	}
}

func (p *inProcessPeer) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
