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

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
)

// InputTensorName is the tensor a fake sequence echoes.
const InputTensorName = "input_ids"

// OutputTensorName carries the echoed tokens.
const OutputTensorName = "output_ids"

type fakeSequence struct {
	input   []int64
	emitted int
}

// Fake is a deterministic token-echo engine for tests and the traffic
// harness. Each tick it emits one output token per active sequence (the input
// token plus one) as a partial answer, finishing a sequence once its whole
// input has been echoed. It drives the callbacks in the contract order: pull,
// execute, answer, poll cancellations, report stats.
type Fake struct {
	maxBatchSize int

	mu         sync.Mutex
	cb         Callbacks
	registered bool
	active     map[uint64]*fakeSequence
	order      []uint64
}

// NewFake creates a fake engine holding at most maxBatchSize sequences.
func NewFake(maxBatchSize int) *Fake {
	return &Fake{
		maxBatchSize: maxBatchSize,
		active:       make(map[uint64]*fakeSequence),
	}
}

func (e *Fake) Register(cb Callbacks) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.registered {
		return errutil.Error{Code: errutil.Internal, Msg: "engine callbacks already registered"}
	}
	e.cb = cb
	e.registered = true
	return nil
}

func (e *Fake) NumActiveRequests() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Step runs one scheduling tick.
func (e *Fake) Step(ctx context.Context) error {
	e.mu.Lock()
	if !e.registered {
		e.mu.Unlock()
		return errutil.Error{Code: errutil.Internal, Msg: "engine callbacks not registered"}
	}
	cb := e.cb
	room := e.maxBatchSize - len(e.active)
	e.mu.Unlock()

	for _, req := range cb.PullRequests(ctx, room) {
		e.admit(req)
	}

	e.mu.Lock()
	type emission struct {
		id      uint64
		tensors []inference.Tensor
		final   bool
	}
	var emissions []emission
	for _, id := range e.order {
		seq, ok := e.active[id]
		if !ok {
			continue
		}
		seq.emitted++
		final := seq.emitted >= len(seq.input)
		out := make([]int64, seq.emitted)
		for i := 0; i < seq.emitted; i++ {
			out[i] = seq.input[i] + 1
		}
		tensors := []inference.Tensor{{Name: OutputTensorName, Values: out}}
		if final {
			tensors = append(tensors, inference.Tensor{Name: "sequence_length", Values: []int64{int64(seq.emitted)}})
		}
		emissions = append(emissions, emission{id: id, tensors: tensors, final: final})
	}
	e.mu.Unlock()

	// Answers go out without the engine lock held.
	for _, em := range emissions {
		cb.PushAnswer(ctx, em.id, em.tensors, em.final, "")
		if em.final {
			e.evict(em.id)
		}
	}

	for id := range cb.PollCancellations(ctx) {
		e.mu.Lock()
		seq, ok := e.active[id]
		var out []int64
		if ok {
			out = make([]int64, seq.emitted)
			for i := 0; i < seq.emitted; i++ {
				out[i] = seq.input[i] + 1
			}
		}
		e.mu.Unlock()
		if !ok {
			continue
		}
		cb.PushAnswer(ctx, id, []inference.Tensor{{Name: OutputTensorName, Values: out}}, true, "")
		e.evict(id)
	}

	if cb.ReportStats != nil {
		cb.ReportStats(ctx, fmt.Sprintf(`{"Active Request Count":%d,"Iteration Counter":1}`, e.NumActiveRequests()))
	}
	return nil
}

func (e *Fake) admit(req *inference.Request) {
	input := []int64{0}
	for _, t := range req.Tensors {
		if t.Name == InputTensorName && len(t.Values) > 0 {
			input = t.Values
			break
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[req.ID]; ok {
		return
	}
	e.active[req.ID] = &fakeSequence{input: input}
	e.order = append(e.order, req.ID)
}

func (e *Fake) evict(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, id)
	for i, other := range e.order {
		if other == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// Run steps the engine on the given interval until ctx is done.
func (e *Fake) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.Step(ctx); err != nil {
				return err
			}
		}
	}
}
