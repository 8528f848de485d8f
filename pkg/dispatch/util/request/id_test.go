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

package request

import (
	"hash/fnv"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveIDNumeric(t *testing.T) {
	r := NewResolver()
	assert.Equal(t, uint64(42), r.DeriveID("42"))
	assert.Equal(t, uint64(0), r.DeriveID(""))
	// Numeric identifiers are used verbatim and never recorded in the map.
	assert.Equal(t, "42", r.DisplayString(42))
}

func TestDeriveIDStable(t *testing.T) {
	r := NewResolver()
	id := r.DeriveID("chat-completion-abc")
	assert.Equal(t, id, r.DeriveID("chat-completion-abc"))
	assert.Equal(t, "chat-completion-abc", r.DisplayString(id))
}

func TestDeriveIDCollisionProbing(t *testing.T) {
	r := NewResolver()

	h := fnv.New64a()
	_, _ = h.Write([]byte("first"))
	base := h.Sum64()

	// Occupy the hash slot of "first" with a different string, forcing the
	// resolver to probe to the next free identifier.
	r.mu.Lock()
	r.byID[base] = "occupied"
	r.known["occupied"] = base
	r.mu.Unlock()

	id := r.DeriveID("first")
	require.Equal(t, base+1, id)
	assert.Equal(t, "first", r.DisplayString(id))
	assert.Equal(t, "occupied", r.DisplayString(base))
	// Repeated derivation must return the probed slot, not re-probe.
	assert.Equal(t, id, r.DeriveID("first"))
}

func TestForget(t *testing.T) {
	r := NewResolver()
	s := uuid.NewString()
	id := r.DeriveID(s)
	r.Forget(id)
	assert.Equal(t, id, r.DeriveID(s))
}
