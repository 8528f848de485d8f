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

// Package orchestration implements the message link between a model leader
// and its orchestrator process. The link speaks a closed set of message
// kinds; both endpoints switch exhaustively over that set, so an unknown kind
// is a protocol error, never a silent drop.
package orchestration

import (
	"context"
	"fmt"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/collective"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
)

// Kind identifies a message on the leader<->orchestrator link.
type Kind uint64

const (
	KindTermination Kind = iota + 1
	KindPendingRequest
	KindStopRequest
	KindCancelRequest
	KindRequestAnswer
	KindRequestInProgress
)

func (k Kind) String() string {
	switch k {
	case KindTermination:
		return "TERMINATION"
	case KindPendingRequest:
		return "PENDING_REQUEST"
	case KindStopRequest:
		return "STOP_REQUEST"
	case KindCancelRequest:
		return "CANCEL_REQUEST"
	case KindRequestAnswer:
		return "REQUEST_ANSWER"
	case KindRequestInProgress:
		return "REQUEST_IN_PROGRESS"
	}
	return fmt.Sprintf("Kind(%d)", uint64(k))
}

// Message is the closed set of frames on the link. The sealed marker keeps
// the set closed at compile time so every switch can be exhaustive.
type Message interface {
	Kind() Kind
	sealed()
}

// Termination tells the leader to drain and exit; the leader echoes it back
// as its final message.
type Termination struct{}

// PendingRequest carries one inference request from the orchestrator.
type PendingRequest struct {
	Request *inference.Request
}

// StopRequest carries identifiers whose requests the submitter stopped.
type StopRequest struct {
	IDs []uint64
}

// CancelRequest carries identifiers whose submitters went away.
type CancelRequest struct {
	IDs []uint64
}

// RequestAnswer carries one engine answer back to the orchestrator.
type RequestAnswer struct {
	Answer *inference.Answer
}

// RequestInProgress acknowledges that the leader pulled the identified
// requests into the running batch.
type RequestInProgress struct {
	IDs []uint64
}

func (Termination) Kind() Kind       { return KindTermination }
func (PendingRequest) Kind() Kind    { return KindPendingRequest }
func (StopRequest) Kind() Kind       { return KindStopRequest }
func (CancelRequest) Kind() Kind     { return KindCancelRequest }
func (RequestAnswer) Kind() Kind     { return KindRequestAnswer }
func (RequestInProgress) Kind() Kind { return KindRequestInProgress }

func (Termination) sealed()       {}
func (PendingRequest) sealed()    {}
func (StopRequest) sealed()       {}
func (CancelRequest) sealed()     {}
func (RequestAnswer) sealed()     {}
func (RequestInProgress) sealed() {}

func idsToWords(ids []uint64) []int64 {
	words := make([]int64, len(ids))
	for i, id := range ids {
		words[i] = int64(id)
	}
	return words
}

func wordsToIDs(words []int64) []uint64 {
	ids := make([]uint64, len(words))
	for i, w := range words {
		ids[i] = uint64(w)
	}
	return ids
}

// writeMessage emits a message as a kind frame followed, for payload-carrying
// kinds, by one data frame. The caller must serialize concurrent writers; the
// two frames have to stay adjacent on the wire.
func writeMessage(ctx context.Context, peer collective.Peer, msg Message) error {
	if err := peer.Send(ctx, collective.TagID, []int64{int64(msg.Kind())}); err != nil {
		return err
	}
	switch m := msg.(type) {
	case Termination:
		return nil
	case PendingRequest:
		return peer.Send(ctx, collective.TagData, inference.SerializeRequest(m.Request))
	case StopRequest:
		return peer.Send(ctx, collective.TagData, idsToWords(m.IDs))
	case CancelRequest:
		return peer.Send(ctx, collective.TagData, idsToWords(m.IDs))
	case RequestAnswer:
		return peer.Send(ctx, collective.TagData, inference.SerializeAnswer(m.Answer))
	case RequestInProgress:
		return peer.Send(ctx, collective.TagData, idsToWords(m.IDs))
	}
	return errutil.Error{Code: errutil.Internal, Msg: fmt.Sprintf("unhandled message kind %s", msg.Kind())}
}

// readMessage reads one message, consuming the data frame the kind implies.
func readMessage(ctx context.Context, peer collective.Peer) (Message, error) {
	tag, words, err := peer.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if tag != collective.TagID || len(words) != 1 {
		return nil, errutil.Error{Code: errutil.Transport,
			Msg: fmt.Sprintf("expected kind frame, got tag %d with %d words", tag, len(words))}
	}
	kind := Kind(words[0])
	if kind == KindTermination {
		return Termination{}, nil
	}

	tag, payload, err := peer.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if tag != collective.TagData {
		return nil, errutil.Error{Code: errutil.Transport,
			Msg: fmt.Sprintf("expected data frame for %s, got tag %d", kind, tag)}
	}

	switch kind {
	case KindPendingRequest:
		req, rest, err := inference.DeserializeRequest(payload)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, errutil.Error{Code: errutil.Transport,
				Msg: fmt.Sprintf("%d trailing words after request payload", len(rest))}
		}
		return PendingRequest{Request: req}, nil
	case KindStopRequest:
		return StopRequest{IDs: wordsToIDs(payload)}, nil
	case KindCancelRequest:
		return CancelRequest{IDs: wordsToIDs(payload)}, nil
	case KindRequestAnswer:
		ans, err := inference.DeserializeAnswer(payload)
		if err != nil {
			return nil, err
		}
		return RequestAnswer{Answer: ans}, nil
	case KindRequestInProgress:
		return RequestInProgress{IDs: wordsToIDs(payload)}, nil
	}
	return nil, errutil.Error{Code: errutil.Transport, Msg: fmt.Sprintf("unknown message kind %d", uint64(kind))}
}
