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

// Package engine defines the contract between the dispatch layer and the
// batch-execution engine. The engine owns the scheduling loop; the dispatch
// layer only reacts through the registered callbacks.
package engine

import (
	"context"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
)

// Callbacks is the surface the dispatch layer hands to the engine once at
// startup. The engine invokes them from its scheduling loop for its whole
// lifetime, in tick order: PullRequests, then execution, then PushAnswer for
// completed or partial results, then PollCancellations at a point where
// eviction is safe.
type Callbacks struct {
	// PullRequests returns up to maxCount new requests for this tick. Every
	// group participant returns the identical list.
	PullRequests func(ctx context.Context, maxCount int) []*inference.Request
	// PushAnswer reports one result. The engine only reports identifiers it
	// previously received from PullRequests. A non-empty errMsg forces a
	// final, error-flagged response.
	PushAnswer func(ctx context.Context, id uint64, tensors []inference.Tensor, final bool, errMsg string)
	// PollCancellations returns the identifiers to evict this tick; every
	// participant receives the same set.
	PollCancellations func(ctx context.Context) map[uint64]struct{}
	// ReportStats forwards an opaque engine statistics blob.
	ReportStats func(ctx context.Context, stats string)
}

// BatchEngine is the execution collaborator. Register must be called exactly
// once before the engine starts scheduling.
type BatchEngine interface {
	Register(cb Callbacks) error
	// NumActiveRequests reports the sequences currently held in the rotating
	// batch. The dispatch layer uses it to gate group broadcasts while idle.
	NumActiveRequests() int
}
