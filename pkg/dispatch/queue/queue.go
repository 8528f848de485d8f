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

// Package queue tracks the lifecycle of every accepted inference request on
// the leader process, from intake to a terminal state, and hands items off to
// the batch engine's pull loop.
package queue

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/metrics"
	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
	logutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/logging"
	requtil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/request"
)

// ErrEmpty is the sentinel returned by Pop when no pending work exists.
var ErrEmpty = errutil.Error{Code: errutil.NotFound, Msg: "no pending work items"}

// Item is one intake entry for PushBatch. A Stop item carries no request
// payload; it asks the queue to record stop intent for an already accepted
// identifier.
type Item struct {
	ID          uint64
	Request     *inference.Request
	Stop        bool
	Sink        ResponseSink
	OutputNames []string
}

// WorkItemsQueue is the single source of truth for request lifecycle on the
// leader process. All methods are safe for concurrent use; an identifier is in
// at most one of {pending, in progress} at any instant.
type WorkItemsQueue struct {
	resolver *requtil.Resolver

	mu          sync.Mutex
	pending     *list.List // of *WorkItem, FIFO
	pendingByID map[uint64]*list.Element
	inProgress  map[uint64]*WorkItem
	// stopped accumulates stop intent. The engine is the single authority that
	// evicts a sequence from the batch, so entries survive until the item is
	// finished or, for never-started items, until PruneInactiveStops.
	stopped             map[uint64]struct{}
	cancelledInProgress map[uint64]struct{}
}

// NewWorkItemsQueue creates an empty queue with its own identifier resolver.
func NewWorkItemsQueue() *WorkItemsQueue {
	return &WorkItemsQueue{
		resolver:            requtil.NewResolver(),
		pending:             list.New(),
		pendingByID:         make(map[uint64]*list.Element),
		inProgress:          make(map[uint64]*WorkItem),
		stopped:             make(map[uint64]struct{}),
		cancelledInProgress: make(map[uint64]struct{}),
	}
}

// Resolver exposes the identifier resolver so the intake layer can derive
// numeric identifiers from client-supplied strings.
func (q *WorkItemsQueue) Resolver() *requtil.Resolver {
	return q.resolver
}

// PushBatch enqueues a batch of intake items and returns one error slot per
// input item (nil on acceptance). Stop items are applied against existing
// work; unknown identifiers on stop report a NotFound error for that item.
// Errors never abort the rest of the batch.
func (q *WorkItemsQueue) PushBatch(ctx context.Context, items []Item) []error {
	logger := log.FromContext(ctx)
	now := time.Now()

	errs := make([]error, len(items))
	var stopAcks []Item

	q.mu.Lock()
	for i, item := range items {
		if item.Stop {
			errs[i] = q.stopLocked(item.ID)
			if errs[i] == nil {
				metrics.RecordStopRequest()
				logger.V(logutil.DEBUG).Info("Stop recorded", "requestID", item.ID)
				if item.Sink != nil {
					stopAcks = append(stopAcks, item)
				}
			}
			continue
		}
		if _, ok := q.pendingByID[item.ID]; ok {
			errs[i] = errutil.Error{Code: errutil.BadRequest,
				Msg: fmt.Sprintf("request ID %d is already pending", item.ID)}
			continue
		}
		if _, ok := q.inProgress[item.ID]; ok {
			errs[i] = errutil.Error{Code: errutil.BadRequest,
				Msg: fmt.Sprintf("request ID %d is already in progress", item.ID)}
			continue
		}
		w := newWorkItem(item.ID, item.Request, item.Sink, item.OutputNames)
		w.timestamps.Enqueued = now
		q.pendingByID[item.ID] = q.pending.PushBack(w)
		metrics.RecordRequest()
	}
	pendingLen := q.pending.Len()
	q.mu.Unlock()

	metrics.SetPendingWorkItems(pendingLen)
	for i := range errs {
		if errs[i] != nil {
			metrics.RecordRequestErr(errutil.CanonicalCode(errs[i]))
		}
	}
	// A stop request gets its own final answer on its own sink; the stopped
	// request's sink is finalized separately once the engine lets go of it.
	for _, item := range stopAcks {
		if err := item.Sink.Send(&inference.Answer{ID: item.ID, Final: true}); err != nil {
			logger.V(logutil.DEFAULT).Error(err, "Failed to acknowledge stop", "requestID", item.ID)
		}
	}
	return errs
}

// stopLocked records stop intent for an active identifier. Stopping an
// identifier that already carries stop intent is a no-op, not an error;
// stopping an identifier the queue has never seen (or has already finished)
// reports NotFound.
func (q *WorkItemsQueue) stopLocked(id uint64) error {
	if id == 0 {
		return errutil.Error{Code: errutil.BadRequest, Msg: "cannot send stop request without specifying a request_id"}
	}
	_, pending := q.pendingByID[id]
	_, running := q.inProgress[id]
	if !pending && !running {
		return errutil.Error{Code: errutil.NotFound, Msg: fmt.Sprintf("unknown request id %d for stop", id)}
	}
	q.stopped[id] = struct{}{}
	return nil
}

// Stop records stop intent for the identifier if it is pending or in
// progress, and is silently ignored otherwise. The item is not evicted here;
// eviction happens when the engine next polls cancellation signals.
func (q *WorkItemsQueue) Stop(ctx context.Context, id uint64) {
	q.mu.Lock()
	err := q.stopLocked(id)
	q.mu.Unlock()
	if err != nil {
		log.FromContext(ctx).V(logutil.TRACE).Info("Ignoring stop for unknown request", "requestID", id)
		return
	}
	metrics.RecordStopRequest()
}

// NotifyCancelled records a transport-observed cancellation (for example a
// dropped client connection) for an in-progress identifier. Unknown
// identifiers are ignored.
func (q *WorkItemsQueue) NotifyCancelled(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inProgress[id]; ok {
		q.cancelledInProgress[id] = struct{}{}
	}
}

// NumPendingWorkItems returns a snapshot of the queue depth. It is only
// suitable for bounding a pull loop; the count may change immediately after.
func (q *WorkItemsQueue) NumPendingWorkItems() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Pop removes and returns the oldest pending item, transitioning it to
// IN_PROGRESS. Pending items with recorded stop intent are never returned:
// they are finalized in place with a final stopped answer and skipped. Pop
// returns ErrEmpty when no runnable pending items remain.
func (q *WorkItemsQueue) Pop(ctx context.Context) (*WorkItem, error) {
	logger := log.FromContext(ctx)

	var stoppedItems []*WorkItem
	var item *WorkItem

	q.mu.Lock()
	for e := q.pending.Front(); e != nil; e = q.pending.Front() {
		w := e.Value.(*WorkItem)
		q.pending.Remove(e)
		delete(q.pendingByID, w.id)
		if _, stop := q.stopped[w.id]; stop {
			w.setState(StateStopped)
			stoppedItems = append(stoppedItems, w)
			continue
		}
		w.setState(StateInProgress)
		q.inProgress[w.id] = w
		item = w
		break
	}
	pendingLen := q.pending.Len()
	inProgressLen := len(q.inProgress)
	q.mu.Unlock()

	metrics.SetPendingWorkItems(pendingLen)
	metrics.SetInProgressWorkItems(inProgressLen)

	for _, w := range stoppedItems {
		msg := fmt.Sprintf("request %d has been stopped; request is ignored", w.id)
		logger.V(logutil.DEFAULT).Info("Dropping stopped pending request", "requestID", w.id)
		if err := w.SendResponse(&inference.Answer{ID: w.id, Final: true, ErrMsg: msg}); err != nil {
			logger.V(logutil.DEBUG).Error(err, "Failed to send stopped answer", "requestID", w.id)
		}
	}

	if item == nil {
		return nil, ErrEmpty
	}
	return item, nil
}

// GetInProgressWorkItem returns the in-progress item for the identifier, or
// NotFound when the item has already finished or was never registered.
func (q *WorkItemsQueue) GetInProgressWorkItem(id uint64) (*WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	w, ok := q.inProgress[id]
	if !ok {
		return nil, errutil.Error{Code: errutil.NotFound, Msg: fmt.Sprintf("request %d is not in progress", id)}
	}
	return w, nil
}

// MarkFinished moves the item out of the in-progress map and clears any stop
// or cancel intent recorded for it. Terminal; repeated calls are no-ops.
func (q *WorkItemsQueue) MarkFinished(id uint64) {
	q.mu.Lock()
	w, ok := q.inProgress[id]
	if ok {
		delete(q.inProgress, id)
		delete(q.stopped, id)
		delete(q.cancelledInProgress, id)
		w.setState(StateFinished)
	}
	inProgressLen := len(q.inProgress)
	q.mu.Unlock()

	if ok {
		metrics.SetInProgressWorkItems(inProgressLen)
		ts := w.Timestamps()
		metrics.RecordRequestLatency(ts.Enqueued, ts.ComputeEnd)
		q.resolver.Forget(id)
	}
}

// GetStoppedReqIds returns a snapshot copy of the identifiers with recorded
// stop intent.
func (q *WorkItemsQueue) GetStoppedReqIds() map[uint64]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[uint64]struct{}, len(q.stopped))
	for id := range q.stopped {
		out[id] = struct{}{}
	}
	return out
}

// GetCancelledInProgressReqIds returns a snapshot copy of the identifiers the
// transport reported cancelled while in progress.
func (q *WorkItemsQueue) GetCancelledInProgressReqIds() map[uint64]struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[uint64]struct{}, len(q.cancelledInProgress))
	for id := range q.cancelledInProgress {
		out[id] = struct{}{}
	}
	return out
}

// PruneInactiveStops drops stop and cancel intent for identifiers that are no
// longer pending or in progress. The coordinator calls this after the intent
// has been broadcast to the process group, so stop entries for items that
// never reached the engine do not accumulate.
func (q *WorkItemsQueue) PruneInactiveStops() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id := range q.stopped {
		_, pending := q.pendingByID[id]
		_, running := q.inProgress[id]
		if !pending && !running {
			delete(q.stopped, id)
			q.resolver.Forget(id)
		}
	}
	for id := range q.cancelledInProgress {
		if _, running := q.inProgress[id]; !running {
			delete(q.cancelledInProgress, id)
		}
	}
}
