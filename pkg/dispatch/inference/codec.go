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

package inference

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Wire layout. Everything is a flat array of 8-byte integers so that a whole
// batch can travel as a single collective broadcast payload. The layout must
// stay stable within a deployment; every process of a model-parallel group
// decodes the exact same words.
//
//	string:  [byteLen][ceil(byteLen/8) words, bytes packed little-endian]
//	tensor:  [name string][valueCount][values...]
//	request: [requestID][tensorCount][tensors...]
//	answer:  [requestID][finalFlag][errMsg string][tensorCount][tensors...]
//
// Batches of requests are packed as [wordLen, request words...] repeated, the
// same shape the coordinator broadcasts after the count word.

func appendString(buf []int64, s string) []int64 {
	b := []byte(s)
	buf = append(buf, int64(len(b)))
	for len(b) > 0 {
		var word [8]byte
		n := copy(word[:], b)
		buf = append(buf, int64(binary.LittleEndian.Uint64(word[:])))
		b = b[n:]
	}
	return buf
}

func readString(buf []int64) (string, []int64, error) {
	if len(buf) < 1 {
		return "", nil, fmt.Errorf("truncated string header")
	}
	byteLen := buf[0]
	if byteLen < 0 {
		return "", nil, fmt.Errorf("negative string length %d", byteLen)
	}
	words := int((byteLen + 7) / 8)
	if len(buf) < 1+words {
		return "", nil, fmt.Errorf("truncated string body: want %d words, have %d", words, len(buf)-1)
	}
	b := make([]byte, 0, words*8)
	for _, w := range buf[1 : 1+words] {
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], uint64(w))
		b = append(b, word[:]...)
	}
	return string(b[:byteLen]), buf[1+words:], nil
}

func appendTensor(buf []int64, t Tensor) []int64 {
	buf = appendString(buf, t.Name)
	buf = append(buf, int64(len(t.Values)))
	return append(buf, t.Values...)
}

func readTensor(buf []int64) (Tensor, []int64, error) {
	name, rest, err := readString(buf)
	if err != nil {
		return Tensor{}, nil, err
	}
	if len(rest) < 1 {
		return Tensor{}, nil, fmt.Errorf("truncated tensor %q: missing value count", name)
	}
	count := rest[0]
	rest = rest[1:]
	if count < 0 || int64(len(rest)) < count {
		return Tensor{}, nil, fmt.Errorf("truncated tensor %q: want %d values, have %d", name, count, len(rest))
	}
	values := make([]int64, count)
	copy(values, rest[:count])
	return Tensor{Name: name, Values: values}, rest[count:], nil
}

// SerializeRequest packs the request into its wire form.
func SerializeRequest(r *Request) []int64 {
	buf := make([]int64, 0, 4+len(r.Tensors)*4)
	buf = append(buf, int64(r.ID), int64(len(r.Tensors)))
	for _, t := range r.Tensors {
		buf = appendTensor(buf, t)
	}
	return buf
}

// DeserializeRequest decodes one request and returns any trailing words.
func DeserializeRequest(buf []int64) (*Request, []int64, error) {
	if len(buf) < 2 {
		return nil, nil, fmt.Errorf("truncated request header")
	}
	r := &Request{ID: uint64(buf[0]), ArrivalTime: time.Now()}
	tensorCount := buf[1]
	rest := buf[2:]
	// A tensor takes at least two words, so the count is bounded by the
	// remaining payload. Checking before the allocation keeps a corrupt
	// count from turning into a huge make.
	if tensorCount < 0 || tensorCount > int64(len(rest)) {
		return nil, nil, fmt.Errorf("request %d: tensor count %d exceeds %d remaining words", r.ID, tensorCount, len(rest))
	}
	r.Tensors = make([]Tensor, 0, tensorCount)
	for i := int64(0); i < tensorCount; i++ {
		var t Tensor
		var err error
		t, rest, err = readTensor(rest)
		if err != nil {
			return nil, nil, fmt.Errorf("request %d: %w", r.ID, err)
		}
		r.Tensors = append(r.Tensors, t)
	}
	return r, rest, nil
}

// SerializeAnswer packs the answer into its wire form.
func SerializeAnswer(a *Answer) []int64 {
	buf := make([]int64, 0, 6+len(a.Tensors)*4)
	final := int64(0)
	if a.Final {
		final = 1
	}
	buf = append(buf, int64(a.ID), final)
	buf = appendString(buf, a.ErrMsg)
	buf = append(buf, int64(len(a.Tensors)))
	for _, t := range a.Tensors {
		buf = appendTensor(buf, t)
	}
	return buf
}

// DeserializeAnswer decodes one answer from its wire form.
func DeserializeAnswer(buf []int64) (*Answer, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("truncated answer header")
	}
	a := &Answer{ID: uint64(buf[0]), Final: buf[1] != 0}
	errMsg, rest, err := readString(buf[2:])
	if err != nil {
		return nil, fmt.Errorf("answer %d: %w", a.ID, err)
	}
	a.ErrMsg = errMsg
	if len(rest) < 1 {
		return nil, fmt.Errorf("answer %d: missing tensor count", a.ID)
	}
	tensorCount := rest[0]
	rest = rest[1:]
	if tensorCount < 0 || tensorCount > int64(len(rest)) {
		return nil, fmt.Errorf("answer %d: tensor count %d exceeds %d remaining words", a.ID, tensorCount, len(rest))
	}
	a.Tensors = make([]Tensor, 0, tensorCount)
	for i := int64(0); i < tensorCount; i++ {
		var t Tensor
		t, rest, err = readTensor(rest)
		if err != nil {
			return nil, fmt.Errorf("answer %d: %w", a.ID, err)
		}
		a.Tensors = append(a.Tensors, t)
	}
	return a, nil
}

// PackRequests concatenates serialized requests, each prefixed with its word
// length. This is the payload shape of the per-tick batch broadcast.
func PackRequests(requests []*Request) []int64 {
	var packed []int64
	for _, r := range requests {
		words := SerializeRequest(r)
		packed = append(packed, int64(len(words)))
		packed = append(packed, words...)
	}
	return packed
}

// UnpackRequests reverses PackRequests. The count is carried separately (it is
// broadcast first), so it is passed in rather than encoded in the payload.
func UnpackRequests(packed []int64, count int) ([]*Request, error) {
	// Every request carries a length prefix, so count can never exceed the
	// payload length; a broadcast count that does is corrupt.
	if count < 0 || count > len(packed) {
		return nil, fmt.Errorf("batch count %d exceeds %d payload words", count, len(packed))
	}
	requests := make([]*Request, 0, count)
	for i := 0; i < count; i++ {
		if len(packed) < 1 {
			return nil, fmt.Errorf("truncated batch: %d of %d requests decoded", i, count)
		}
		n := packed[0]
		packed = packed[1:]
		if n < 0 || int64(len(packed)) < n {
			return nil, fmt.Errorf("truncated batch entry %d: want %d words, have %d", i, n, len(packed))
		}
		r, rest, err := DeserializeRequest(packed[:n])
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("batch entry %d: %d trailing words", i, len(rest))
		}
		requests = append(requests, r)
		packed = packed[n:]
	}
	if len(packed) != 0 {
		return nil, fmt.Errorf("batch: %d trailing words after %d requests", len(packed), count)
	}
	return requests, nil
}
