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

// Package inference defines the request and answer records exchanged between
// the intake layer, the work-items queue and the batch engine, together with
// the flat int64 wire codec used for collective broadcasts.
package inference

import (
	"time"
)

// Tensor is a named, ordered sequence of int64 values. Token IDs, sampling
// parameters and engine outputs all travel as tensors.
type Tensor struct {
	Name   string
	Values []int64
}

// Request is an inference request. It is immutable once enqueued; the queue,
// the collective channel and the engine share it read-only.
type Request struct {
	// ID is unique within the lifetime of the owning queue.
	ID      uint64
	Tensors []Tensor
	// ArrivalTime is recorded at intake and is not serialized; every
	// participant stamps its own copy on deserialization.
	ArrivalTime time.Time
}

// Answer is one engine callback result for a request. A request may produce
// multiple non-final answers followed by exactly one final answer. A non-empty
// ErrMsg forces Final regardless of what the engine passed.
type Answer struct {
	ID      uint64
	Tensors []Tensor
	Final   bool
	ErrMsg  string
}

// Tensor returns the named output tensor, or nil if the answer does not carry
// it.
func (a *Answer) Tensor(name string) *Tensor {
	for i := range a.Tensors {
		if a.Tensors[i].Name == name {
			return &a.Tensors[i]
		}
	}
	return nil
}
