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
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/collective"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
	logutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/logging"
)

// LeaderLink is the model-leader endpoint of the orchestrator link. A
// receive loop ingests pending requests and stop signals; a send loop drains
// outbound answers. Both loops run until a Termination message arrives, which
// the leader echoes back as its final frame.
type LeaderLink struct {
	peer collective.Peer

	mu       sync.Mutex
	inbound  []*inference.Request
	stopped  map[uint64]struct{}
	outbound []Message

	// sendSignal wakes the send loop after an enqueue; capacity one so
	// producers never block on it. The outbound slice is unbounded: the
	// engine's answer rate must never be throttled by a slow orchestrator.
	sendSignal chan struct{}
	terminated chan struct{}
	termOnce   sync.Once
}

// NewLeaderLink wraps peer; call Run to start the loops.
func NewLeaderLink(peer collective.Peer) *LeaderLink {
	return &LeaderLink{
		peer:       peer,
		stopped:    make(map[uint64]struct{}),
		sendSignal: make(chan struct{}, 1),
		terminated: make(chan struct{}),
	}
}

// Terminated is closed once a Termination message has been received.
func (l *LeaderLink) Terminated() <-chan struct{} {
	return l.terminated
}

func (l *LeaderLink) markTerminated() {
	l.termOnce.Do(func() { close(l.terminated) })
}

// Run drives the receive and send loops until termination or a transport
// failure. It blocks; run it under an errgroup alongside the engine.
func (l *LeaderLink) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return l.recvLoop(ctx) })
	eg.Go(func() error { return l.sendLoop(ctx) })
	return eg.Wait()
}

func (l *LeaderLink) recvLoop(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("leader-link")
	for {
		msg, err := readMessage(ctx, l.peer)
		if err != nil {
			if errors.Is(err, collective.ErrClosed) {
				l.markTerminated()
				logger.V(logutil.DEFAULT).Info("Orchestrator closed the link, receive loop exiting")
				return nil
			}
			if ctx.Err() != nil {
				l.markTerminated()
				return ctx.Err()
			}
			return err
		}

		switch m := msg.(type) {
		case Termination:
			// The echo must be queued before the terminated channel closes so
			// the send loop's drain pass finds it.
			l.enqueue(Termination{})
			l.markTerminated()
			logger.V(logutil.DEFAULT).Info("Termination received, receive loop exiting")
			return nil
		case PendingRequest:
			l.mu.Lock()
			l.inbound = append(l.inbound, m.Request)
			l.mu.Unlock()
			logger.V(logutil.TRACE).Info("Pending request received", "requestID", m.Request.ID)
		case StopRequest:
			l.mergeStopped(m.IDs)
			logger.V(logutil.DEBUG).Info("Stop signal received", "requestIDs", m.IDs)
		case CancelRequest:
			l.mergeStopped(m.IDs)
			logger.V(logutil.DEBUG).Info("Cancel signal received", "requestIDs", m.IDs)
		case RequestAnswer, RequestInProgress:
			return errutil.Error{Code: errutil.Transport,
				Msg: fmt.Sprintf("message kind %s is not valid on the leader inbound direction", msg.Kind())}
		}
	}
}

func (l *LeaderLink) sendLoop(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("leader-link")
	for {
		msg, ok := l.popOutbound()
		if !ok {
			select {
			case <-l.sendSignal:
				continue
			case <-l.terminated:
				return l.drain(ctx)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := writeMessage(ctx, l.peer, msg); err != nil {
			return err
		}
		if _, ok := msg.(Termination); ok {
			logger.V(logutil.DEFAULT).Info("Termination echoed, send loop exiting")
			return nil
		}
	}
}

// drain flushes messages queued before termination, ending with the echo when
// one is present. A remote that already closed the channel ends the drain
// quietly.
func (l *LeaderLink) drain(ctx context.Context) error {
	for {
		msg, ok := l.popOutbound()
		if !ok {
			return nil
		}
		if err := writeMessage(ctx, l.peer, msg); err != nil {
			if errors.Is(err, collective.ErrClosed) {
				return nil
			}
			return err
		}
		if _, ok := msg.(Termination); ok {
			return nil
		}
	}
}

func (l *LeaderLink) mergeStopped(ids []uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		l.stopped[id] = struct{}{}
	}
}

func (l *LeaderLink) enqueue(msg Message) {
	l.mu.Lock()
	l.outbound = append(l.outbound, msg)
	l.mu.Unlock()
	select {
	case l.sendSignal <- struct{}{}:
	default:
	}
}

func (l *LeaderLink) popOutbound() (Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.outbound) == 0 {
		return nil, false
	}
	msg := l.outbound[0]
	l.outbound = l.outbound[1:]
	return msg, true
}

// PullRequests removes up to max pending requests and acknowledges them to
// the orchestrator with a RequestInProgress message.
func (l *LeaderLink) PullRequests(ctx context.Context, max int) []*inference.Request {
	if max <= 0 {
		return nil
	}
	l.mu.Lock()
	n := min(max, len(l.inbound))
	pulled := make([]*inference.Request, n)
	copy(pulled, l.inbound[:n])
	l.inbound = l.inbound[n:]
	l.mu.Unlock()

	if n == 0 {
		return nil
	}
	ids := make([]uint64, n)
	for i, r := range pulled {
		ids[i] = r.ID
	}
	l.enqueue(RequestInProgress{IDs: ids})
	return pulled
}

// PushAnswer queues one answer for delivery to the orchestrator. A final
// answer also drops any stop intent recorded for the identifier, since the
// engine has let go of the request.
func (l *LeaderLink) PushAnswer(ctx context.Context, answer *inference.Answer) {
	if answer.Final {
		l.mu.Lock()
		delete(l.stopped, answer.ID)
		l.mu.Unlock()
	}
	l.enqueue(RequestAnswer{Answer: answer})
}

// StoppedReqIDs returns a snapshot copy of the identifiers with stop or
// cancel intent.
func (l *LeaderLink) StoppedReqIDs() map[uint64]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uint64]struct{}, len(l.stopped))
	for id := range l.stopped {
		out[id] = struct{}{}
	}
	return out
}

// NumPending returns the number of received, not yet pulled requests.
func (l *LeaderLink) NumPending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbound)
}
