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

package runner

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/engine"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/queue"
	logutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/logging"
)

// harnessSink logs every answer the engine produces for a synthetic request.
type harnessSink struct {
	logger    logr.Logger
	requestID string
}

func (s *harnessSink) Send(answer *inference.Answer) error {
	if answer.ErrMsg != "" {
		s.logger.V(logutil.DEFAULT).Info("Synthetic request failed", "requestID", s.requestID, "error", answer.ErrMsg)
		return nil
	}
	tokens := 0
	if out := answer.Tensor(engine.OutputTensorName); out != nil {
		tokens = len(out.Values)
	}
	s.logger.V(logutil.VERBOSE).Info("Synthetic request answer",
		"requestID", s.requestID, "final", answer.Final, "tokens", tokens)
	return nil
}

// runHarness feeds count synthetic requests into the queue, one per interval.
// It is only wired in direct mode, where no orchestrator supplies traffic.
func runHarness(ctx context.Context, q *queue.WorkItemsQueue, count, promptLen int, interval time.Duration) error {
	logger := log.FromContext(ctx).WithName("harness")
	logger.Info("Synthetic traffic harness starting", "requests", count, "promptLength", promptLen, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; i < count; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		requestID := uuid.NewString()
		id := q.Resolver().DeriveID(requestID)
		tokens := make([]int64, promptLen)
		for j := range tokens {
			tokens[j] = int64(i + j + 1)
		}
		items := []queue.Item{{
			ID: id,
			Request: &inference.Request{
				ID:          id,
				Tensors:     []inference.Tensor{{Name: engine.InputTensorName, Values: tokens}},
				ArrivalTime: time.Now(),
			},
			Sink:        &harnessSink{logger: logger, requestID: requestID},
			OutputNames: []string{engine.OutputTensorName},
		}}
		for _, err := range q.PushBatch(ctx, items) {
			if err != nil {
				logger.Error(err, "Failed to enqueue synthetic request", "requestID", requestID)
			}
		}
	}

	logger.Info("Synthetic traffic harness finished", "requests", count)
	return nil
}
