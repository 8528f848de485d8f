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

// Package request derives the numeric request identifiers used throughout the
// dispatch layer from client-supplied request ID strings.
package request

import (
	"hash/fnv"
	"strconv"
	"sync"
)

// Resolver maps client-supplied request ID strings to numeric identifiers.
// Numeric strings are used as-is. Non-numeric strings are hashed, and hash
// collisions are resolved by linear probing against previously seen strings,
// so the same string always maps to the same identifier within the resolver's
// lifetime.
type Resolver struct {
	mu    sync.Mutex
	byID  map[uint64]string
	known map[string]uint64
}

func NewResolver() *Resolver {
	return &Resolver{
		byID:  make(map[uint64]string),
		known: make(map[string]uint64),
	}
}

// DeriveID returns the numeric identifier for the given request ID string.
// An empty string maps to 0, which the queue treats as "no identifier".
func (r *Resolver) DeriveID(requestID string) uint64 {
	if requestID == "" {
		return 0
	}
	if id, err := strconv.ParseUint(requestID, 10, 64); err == nil {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.known[requestID]; ok {
		return id
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(requestID))
	id := h.Sum64()
	// Probe past identifiers already claimed by a different string.
	for {
		existing, taken := r.byID[id]
		if !taken || existing == requestID {
			break
		}
		id++
	}
	r.byID[id] = requestID
	r.known[requestID] = id
	return id
}

// DisplayString returns the original request ID string for the identifier,
// falling back to its decimal form when the identifier was never remapped.
func (r *Resolver) DisplayString(id uint64) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		return s
	}
	return strconv.FormatUint(id, 10)
}

// Forget drops the mapping for a finished request so the resolver does not
// grow without bound over the process lifetime.
func (r *Resolver) Forget(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		delete(r.known, s)
		delete(r.byID, id)
	}
}
