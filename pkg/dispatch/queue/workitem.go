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
	"sync"
	"time"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
)

// State is the lifecycle state of a work item.
type State int

const (
	StateQueued State = iota
	StateInProgress
	StateStopped
	StateCancelled
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateStopped:
		return "STOPPED"
	case StateCancelled:
		return "CANCELLED"
	case StateFinished:
		return "FINISHED"
	}
	return "UNKNOWN"
}

// ResponseSink delivers answers back to the submitter of one request. A sink
// accepts zero or more partial answers followed by exactly one final answer,
// then becomes inert. Implementations are provided by the transport layer.
type ResponseSink interface {
	Send(answer *inference.Answer) error
}

// Timestamps carries the per-item timing used for latency metrics.
type Timestamps struct {
	Enqueued     time.Time
	ComputeStart time.Time
	ComputeEnd   time.Time
}

// WorkItem is the authoritative lifecycle record for one accepted request on
// the leader process. Once a work item reaches a terminal state no further
// response emission is permitted.
type WorkItem struct {
	id          uint64
	request     *inference.Request
	outputNames map[string]struct{}

	mu         sync.Mutex
	state      State
	sink       ResponseSink
	timestamps Timestamps
}

func newWorkItem(id uint64, req *inference.Request, sink ResponseSink, outputNames []string) *WorkItem {
	w := &WorkItem{
		id:      id,
		request: req,
		state:   StateQueued,
		sink:    sink,
	}
	if len(outputNames) > 0 {
		w.outputNames = make(map[string]struct{}, len(outputNames))
		for _, name := range outputNames {
			w.outputNames[name] = struct{}{}
		}
	}
	return w
}

func (w *WorkItem) ID() uint64 {
	return w.id
}

func (w *WorkItem) Request() *inference.Request {
	return w.request
}

// HasOutputName reports whether the submitter asked for the named output
// tensor. An item with no requested names accepts every output.
func (w *WorkItem) HasOutputName(name string) bool {
	if w.outputNames == nil {
		return true
	}
	_, ok := w.outputNames[name]
	return ok
}

func (w *WorkItem) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *WorkItem) Timestamps() Timestamps {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timestamps
}

// SendResponse delivers one answer through the item's response sink, dropping
// output tensors the submitter did not ask for. A final answer releases the
// sink; any later send fails with NotFound.
func (w *WorkItem) SendResponse(answer *inference.Answer) error {
	w.mu.Lock()
	sink := w.sink
	if answer.Final {
		w.sink = nil
		if w.timestamps.ComputeEnd.IsZero() {
			w.timestamps.ComputeEnd = time.Now()
		}
	}
	w.mu.Unlock()

	if sink == nil {
		return errutil.Error{Code: errutil.NotFound, Msg: "response sink already released"}
	}

	if w.outputNames != nil && answer.ErrMsg == "" {
		filtered := make([]inference.Tensor, 0, len(answer.Tensors))
		for _, t := range answer.Tensors {
			if w.HasOutputName(t.Name) {
				filtered = append(filtered, t)
			}
		}
		answer = &inference.Answer{ID: answer.ID, Tensors: filtered, Final: answer.Final, ErrMsg: answer.ErrMsg}
	}

	return sink.Send(answer)
}

func (w *WorkItem) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch s {
	case StateInProgress:
		if w.timestamps.ComputeStart.IsZero() {
			w.timestamps.ComputeStart = time.Now()
		}
	case StateFinished, StateStopped, StateCancelled:
		if w.timestamps.ComputeEnd.IsZero() {
			w.timestamps.ComputeEnd = time.Now()
		}
	}
	w.state = s
}
