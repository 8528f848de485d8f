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

package queue

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
	logutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/logging"
)

// captureSink records every answer delivered to it.
type captureSink struct {
	mu      sync.Mutex
	answers []*inference.Answer
}

func (s *captureSink) Send(answer *inference.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, answer)
	return nil
}

func (s *captureSink) all() []*inference.Answer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*inference.Answer, len(s.answers))
	copy(out, s.answers)
	return out
}

func newRequest(id uint64) *inference.Request {
	return &inference.Request{
		ID: id,
		Tensors: []inference.Tensor{
			{Name: "input_ids", Values: []int64{1, 2, 3}},
		},
	}
}

func TestPushBatchAndPopOrder(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	errs := q.PushBatch(ctx, []Item{
		{ID: 1, Request: newRequest(1), Sink: &captureSink{}},
		{ID: 2, Request: newRequest(2), Sink: &captureSink{}},
		{ID: 3, Request: newRequest(3), Sink: &captureSink{}},
	})
	require.Len(t, errs, 3)
	for i, err := range errs {
		assert.NoError(t, err, "item %d", i)
	}
	assert.Equal(t, 3, q.NumPendingWorkItems())

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.ID())
	assert.Equal(t, uint64(2), second.ID())
	assert.Equal(t, StateInProgress, first.State())
	assert.Equal(t, StateInProgress, second.State())
	assert.Equal(t, 1, q.NumPendingWorkItems())

	third, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.ID())

	_, err = q.Pop(ctx)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPushBatchRejectsDuplicates(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	errs := q.PushBatch(ctx, []Item{{ID: 7, Request: newRequest(7), Sink: &captureSink{}}})
	require.NoError(t, errs[0])

	// Still pending.
	errs = q.PushBatch(ctx, []Item{{ID: 7, Request: newRequest(7), Sink: &captureSink{}}})
	require.Error(t, errs[0])
	assert.Equal(t, errutil.BadRequest, errutil.CanonicalCode(errs[0]))

	_, err := q.Pop(ctx)
	require.NoError(t, err)

	// Now in progress.
	errs = q.PushBatch(ctx, []Item{{ID: 7, Request: newRequest(7), Sink: &captureSink{}}})
	require.Error(t, errs[0])
	assert.Equal(t, errutil.BadRequest, errutil.CanonicalCode(errs[0]))

	// Finished items free the identifier for reuse.
	q.MarkFinished(7)
	errs = q.PushBatch(ctx, []Item{{ID: 7, Request: newRequest(7), Sink: &captureSink{}}})
	assert.NoError(t, errs[0])
}

func TestPushBatchPartialErrors(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	// One bad item must not abort the rest of the batch.
	errs := q.PushBatch(ctx, []Item{
		{ID: 1, Request: newRequest(1), Sink: &captureSink{}},
		{ID: 0, Stop: true},
		{ID: 2, Request: newRequest(2), Sink: &captureSink{}},
	})
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	require.Error(t, errs[1])
	assert.Equal(t, errutil.BadRequest, errutil.CanonicalCode(errs[1]))
	assert.Contains(t, errs[1].Error(), "without specifying a request_id")
	assert.NoError(t, errs[2])
	assert.Equal(t, 2, q.NumPendingWorkItems())
}

func TestStopUnknownRequest(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	errs := q.PushBatch(ctx, []Item{{ID: 42, Stop: true}})
	require.Error(t, errs[0])
	assert.True(t, errutil.IsNotFound(errs[0]))

	// The standalone signal path swallows unknown identifiers.
	q.Stop(ctx, 42)
	assert.Empty(t, q.GetStoppedReqIds())
}

func TestStopBeforePop(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	sink := &captureSink{}
	ackSink := &captureSink{}
	errs := q.PushBatch(ctx, []Item{
		{ID: 5, Request: newRequest(5), Sink: sink},
		{ID: 6, Request: newRequest(6), Sink: &captureSink{}},
	})
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	errs = q.PushBatch(ctx, []Item{{ID: 5, Stop: true, Sink: ackSink}})
	require.NoError(t, errs[0])

	// The stop request itself is acknowledged with a final answer.
	acks := ackSink.all()
	require.Len(t, acks, 1)
	assert.True(t, acks[0].Final)
	assert.Empty(t, acks[0].ErrMsg)

	// Pop skips the stopped item, finalizes it in place, and returns the next
	// runnable item.
	w, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), w.ID())

	answers := sink.all()
	require.Len(t, answers, 1)
	assert.True(t, answers[0].Final)
	assert.Contains(t, answers[0].ErrMsg, "has been stopped")

	// Stop intent stays visible until pruned so the next cancellation
	// broadcast still carries the identifier.
	assert.Contains(t, q.GetStoppedReqIds(), uint64(5))
	q.PruneInactiveStops()
	assert.NotContains(t, q.GetStoppedReqIds(), uint64(5))
}

func TestStopInProgress(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	errs := q.PushBatch(ctx, []Item{{ID: 9, Request: newRequest(9), Sink: &captureSink{}}})
	require.NoError(t, errs[0])
	_, err := q.Pop(ctx)
	require.NoError(t, err)

	q.Stop(ctx, 9)
	assert.Contains(t, q.GetStoppedReqIds(), uint64(9))

	// Stop intent on a running item survives pruning; only the engine finishes
	// a running item.
	q.PruneInactiveStops()
	assert.Contains(t, q.GetStoppedReqIds(), uint64(9))

	// Stopping again is a no-op, not an error.
	q.Stop(ctx, 9)
	assert.Len(t, q.GetStoppedReqIds(), 1)

	q.MarkFinished(9)
	assert.Empty(t, q.GetStoppedReqIds())
}

func TestNotifyCancelled(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	errs := q.PushBatch(ctx, []Item{
		{ID: 1, Request: newRequest(1), Sink: &captureSink{}},
		{ID: 2, Request: newRequest(2), Sink: &captureSink{}},
	})
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Cancellation only applies to items the engine already owns.
	q.NotifyCancelled(1)
	assert.Empty(t, q.GetCancelledInProgressReqIds())

	_, err := q.Pop(ctx)
	require.NoError(t, err)
	q.NotifyCancelled(1)
	assert.Contains(t, q.GetCancelledInProgressReqIds(), uint64(1))

	q.MarkFinished(1)
	assert.Empty(t, q.GetCancelledInProgressReqIds())
}

func TestMarkFinishedIdempotent(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	errs := q.PushBatch(ctx, []Item{{ID: 3, Request: newRequest(3), Sink: &captureSink{}}})
	require.NoError(t, errs[0])
	w, err := q.Pop(ctx)
	require.NoError(t, err)

	q.MarkFinished(3)
	assert.Equal(t, StateFinished, w.State())
	q.MarkFinished(3)
	q.MarkFinished(3)

	_, err = q.GetInProgressWorkItem(3)
	assert.True(t, errutil.IsNotFound(err))
}

func TestGetInProgressWorkItem(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	errs := q.PushBatch(ctx, []Item{{ID: 11, Request: newRequest(11), Sink: &captureSink{}}})
	require.NoError(t, errs[0])

	// Pending is not in progress.
	_, err := q.GetInProgressWorkItem(11)
	assert.True(t, errutil.IsNotFound(err))

	popped, err := q.Pop(ctx)
	require.NoError(t, err)
	got, err := q.GetInProgressWorkItem(11)
	require.NoError(t, err)
	assert.Same(t, popped, got)
}

func TestSendResponseSinkContract(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	sink := &captureSink{}
	errs := q.PushBatch(ctx, []Item{{
		ID:          4,
		Request:     newRequest(4),
		Sink:        sink,
		OutputNames: []string{"output_ids"},
	}})
	require.NoError(t, errs[0])
	w, err := q.Pop(ctx)
	require.NoError(t, err)

	partial := &inference.Answer{ID: 4, Tensors: []inference.Tensor{
		{Name: "output_ids", Values: []int64{10}},
		{Name: "cum_log_probs", Values: []int64{0}},
	}}
	require.NoError(t, w.SendResponse(partial))

	final := &inference.Answer{ID: 4, Final: true, Tensors: []inference.Tensor{
		{Name: "output_ids", Values: []int64{10, 11}},
	}}
	require.NoError(t, w.SendResponse(final))

	// Unrequested outputs are dropped, the requested one survives.
	answers := sink.all()
	require.Len(t, answers, 2)
	require.Len(t, answers[0].Tensors, 1)
	assert.Equal(t, "output_ids", answers[0].Tensors[0].Name)
	assert.True(t, answers[1].Final)

	// The final answer released the sink.
	err = w.SendResponse(&inference.Answer{ID: 4, Final: true})
	require.Error(t, err)
	assert.True(t, errutil.IsNotFound(err))
	assert.Len(t, sink.all(), 2)
}

func TestConcurrentPushAndPop(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	q := NewWorkItemsQueue()

	const producers = 8
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				id := uint64(p*perProducer + i + 1)
				errs := q.PushBatch(ctx, []Item{{ID: id, Request: newRequest(id), Sink: &captureSink{}}})
				assert.NoError(t, errs[0])
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[uint64]struct{})
	for {
		w, err := q.Pop(ctx)
		if err != nil {
			assert.ErrorIs(t, err, ErrEmpty)
			break
		}
		_, dup := seen[w.ID()]
		require.False(t, dup, "identifier %d popped twice", w.ID())
		seen[w.ID()] = struct{}{}
		q.MarkFinished(w.ID())
	}
	assert.Len(t, seen, producers*perProducer)
}
