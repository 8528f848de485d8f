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

// Package dispatch wires request intake, the process-group broadcast, and the
// orchestration link into the callback surface the batch engine schedules
// against. One Coordinator instance serves one engine for the process
// lifetime.
package dispatch

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/collective"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/engine"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/inference"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/metrics"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/orchestration"
	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/queue"
	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
	logutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/logging"
)

// StatsRecorder receives the engine's opaque statistics blobs. The dispatch
// layer never parses them.
type StatsRecorder interface {
	Record(ctx context.Context, stats string)
}

type logStatsRecorder struct{}

func (logStatsRecorder) Record(ctx context.Context, stats string) {
	log.FromContext(ctx).V(logutil.VERBOSE).Info("Engine statistics", "stats", stats)
}

// Options configures a Coordinator. Exactly one of Queue or Link must be set
// on the coordinating process; participants (group rank > 0) set neither.
type Options struct {
	// Queue is the local work-items queue; set it when this process accepts
	// client requests directly.
	Queue *queue.WorkItemsQueue
	// Link is the orchestrator link; set it when an orchestrator process
	// feeds this leader.
	Link *orchestration.LeaderLink
	// Group is the model-parallel process group, nil for single-process
	// deployments.
	Group collective.Group
	// Engine is the batch-execution collaborator.
	Engine engine.BatchEngine
	// Stats receives ReportStats blobs; defaults to a verbose-log recorder.
	Stats StatsRecorder
	// Fatal is invoked on collective transport failures, which are not
	// recoverable in place. Defaults to logging and exiting the process.
	Fatal func(logger logr.Logger, err error, msg string, keysAndValues ...interface{})
}

// Coordinator exposes the four engine callbacks and routes them by deployment
// mode: local queue, orchestration link, or broadcast-receiving participant.
type Coordinator struct {
	queue  *queue.WorkItemsQueue
	link   *orchestration.LeaderLink
	group  collective.Group
	engine engine.BatchEngine
	stats  StatsRecorder
	fatal  func(logger logr.Logger, err error, msg string, keysAndValues ...interface{})

	// hasActiveRequests gates the cancellation broadcast; it is only read and
	// written by the engine's scheduling goroutine.
	hasActiveRequests bool
}

// NewCoordinator validates the collaborator wiring for the deployment mode.
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Engine == nil {
		return nil, errutil.Error{Code: errutil.Internal, Msg: "coordinator requires a batch engine"}
	}
	if opts.Queue != nil && opts.Link != nil {
		return nil, errutil.Error{Code: errutil.Internal, Msg: "queue and orchestration link are mutually exclusive"}
	}
	coordinating := opts.Group == nil || opts.Group.Rank() == 0
	if coordinating && opts.Queue == nil && opts.Link == nil {
		return nil, errutil.Error{Code: errutil.Internal, Msg: "coordinating process needs a queue or an orchestration link"}
	}
	if !coordinating && (opts.Queue != nil || opts.Link != nil) {
		return nil, errutil.Error{Code: errutil.Internal, Msg: "participant ranks receive work by broadcast only"}
	}
	c := &Coordinator{
		queue:  opts.Queue,
		link:   opts.Link,
		group:  opts.Group,
		engine: opts.Engine,
		stats:  opts.Stats,
		fatal:  opts.Fatal,
	}
	if c.stats == nil {
		c.stats = logStatsRecorder{}
	}
	if c.fatal == nil {
		c.fatal = logutil.Fatal
	}
	return c, nil
}

// Register hands the callback surface to the engine. Call once at startup.
func (c *Coordinator) Register() error {
	return c.engine.Register(c.Callbacks())
}

// Callbacks returns the four engine callbacks bound to this coordinator.
func (c *Coordinator) Callbacks() engine.Callbacks {
	return engine.Callbacks{
		PullRequests:      c.PullRequests,
		PushAnswer:        c.PushAnswer,
		PollCancellations: c.PollCancellations,
		ReportStats:       c.ReportStats,
	}
}

func (c *Coordinator) coordinating() bool {
	return c.group == nil || c.group.Rank() == 0
}

func (c *Coordinator) grouped() bool {
	return c.group != nil && c.group.Size() > 1
}

// PullRequests returns up to maxCount requests for this tick. The
// coordinating process drains its intake source and scatters the batch; every
// other participant blocks on the scatter and reconstructs the identical
// batch.
func (c *Coordinator) PullRequests(ctx context.Context, maxCount int) []*inference.Request {
	if maxCount <= 0 {
		return nil
	}
	if !c.coordinating() {
		return c.receiveRequests(ctx)
	}

	var pulled []*inference.Request
	if c.link != nil {
		pulled = c.link.PullRequests(ctx, maxCount)
	} else {
		for len(pulled) < maxCount {
			w, err := c.queue.Pop(ctx)
			if err != nil {
				break
			}
			pulled = append(pulled, w.Request())
		}
	}
	return c.scatterRequests(ctx, pulled)
}

func (c *Coordinator) scatterRequests(ctx context.Context, pulled []*inference.Request) []*inference.Request {
	if !c.grouped() {
		return pulled
	}
	logger := log.FromContext(ctx)
	c.hasActiveRequests = len(pulled) > 0 || c.engine.NumActiveRequests() > 0
	if !c.hasActiveRequests {
		// Idle group: skip the broadcast entirely so blocked participants
		// stay parked until work arrives.
		return pulled
	}
	if _, err := c.group.BroadcastValue(ctx, uint64(len(pulled)), 0); err != nil {
		c.fatal(logger, err, "Broadcasting batch size failed")
		return nil
	}
	if len(pulled) == 0 {
		return pulled
	}
	packed := inference.PackRequests(pulled)
	if _, err := c.group.Broadcast(ctx, packed, 0); err != nil {
		c.fatal(logger, err, "Broadcasting request batch failed")
		return nil
	}
	metrics.RecordBroadcast("requests", len(packed))
	logger.V(logutil.TRACE).Info("Scattered request batch", "count", len(pulled), "words", len(packed))
	return pulled
}

func (c *Coordinator) receiveRequests(ctx context.Context) []*inference.Request {
	logger := log.FromContext(ctx)
	count, err := c.group.BroadcastValue(ctx, 0, 0)
	if err != nil {
		c.fatal(logger, err, "Receiving batch size failed", "rank", c.group.Rank())
		return nil
	}
	c.hasActiveRequests = count > 0 || c.engine.NumActiveRequests() > 0
	if count == 0 {
		return nil
	}
	packed, err := c.group.Broadcast(ctx, nil, 0)
	if err != nil {
		c.fatal(logger, err, "Receiving request batch failed", "rank", c.group.Rank())
		return nil
	}
	requests, err := inference.UnpackRequests(packed, int(count))
	if err != nil {
		// A batch that cannot be decoded means the group is desynced.
		c.fatal(logger, err, "Decoding request batch failed", "rank", c.group.Rank())
		return nil
	}
	return requests
}

// PushAnswer routes one engine result to the submitter. A non-empty errMsg
// forces a final, error-flagged response. Unknown identifiers are logged and
// dropped; the engine may legitimately report an item that was already
// evicted.
func (c *Coordinator) PushAnswer(ctx context.Context, id uint64, tensors []inference.Tensor, final bool, errMsg string) {
	if !c.coordinating() {
		return
	}
	logger := log.FromContext(ctx)
	if errMsg != "" {
		final = true
		logger.V(logutil.DEFAULT).Error(
			errutil.Error{Code: errutil.Engine, Msg: errMsg},
			"Engine reported request failure", "requestID", id)
	}
	answer := &inference.Answer{ID: id, Tensors: tensors, Final: final, ErrMsg: errMsg}

	if c.link != nil {
		c.link.PushAnswer(ctx, answer)
		metrics.RecordAnswer(final)
		return
	}

	w, err := c.queue.GetInProgressWorkItem(id)
	if err != nil {
		logger.V(logutil.DEFAULT).Info("Dropping answer for unknown request", "requestID", id,
			"error", err.Error())
		return
	}
	// MarkFinished releases the identifier mapping, so resolve the display
	// string while it is still known.
	display := c.queue.Resolver().DisplayString(id)
	if final {
		c.queue.MarkFinished(id)
	}
	if err := w.SendResponse(answer); err != nil {
		logger.V(logutil.DEFAULT).Error(err, fmt.Sprintf("Failed to send response for requestId %s", display))
	}
	metrics.RecordAnswer(final)
}

// PollCancellations merges local stop and cancel intent and replicates the
// set so every participant evicts the same identifiers this tick.
func (c *Coordinator) PollCancellations(ctx context.Context) map[uint64]struct{} {
	logger := log.FromContext(ctx)

	var stopped map[uint64]struct{}
	if c.coordinating() {
		if c.link != nil {
			stopped = c.link.StoppedReqIDs()
		} else {
			stopped = c.queue.GetStoppedReqIds()
			for id := range c.queue.GetCancelledInProgressReqIds() {
				stopped[id] = struct{}{}
			}
		}
	}

	if c.grouped() && c.hasActiveRequests {
		if c.coordinating() {
			c.broadcastStopSet(ctx, stopped)
		} else {
			stopped = c.receiveStopSet(ctx)
		}
	}

	if c.queue != nil {
		// Intent for items that never reached the engine has now been
		// replicated; drop it so the set cannot grow without bound.
		c.queue.PruneInactiveStops()
	}
	if len(stopped) > 0 {
		logger.V(logutil.DEBUG).Info("Cancellations polled", "count", len(stopped))
	}
	return stopped
}

func (c *Coordinator) broadcastStopSet(ctx context.Context, stopped map[uint64]struct{}) {
	logger := log.FromContext(ctx)
	if _, err := c.group.BroadcastValue(ctx, uint64(len(stopped)), 0); err != nil {
		c.fatal(logger, err, "Broadcasting stop-set size failed")
		return
	}
	if len(stopped) == 0 {
		return
	}
	ids := make([]int64, 0, len(stopped))
	for id := range stopped {
		ids = append(ids, int64(id))
	}
	// Map order is random; participants must see identical payloads.
	slices.Sort(ids)
	if _, err := c.group.Broadcast(ctx, ids, 0); err != nil {
		c.fatal(logger, err, "Broadcasting stop set failed")
		return
	}
	metrics.RecordBroadcast("cancellations", len(ids))
}

func (c *Coordinator) receiveStopSet(ctx context.Context) map[uint64]struct{} {
	logger := log.FromContext(ctx)
	count, err := c.group.BroadcastValue(ctx, 0, 0)
	if err != nil {
		c.fatal(logger, err, "Receiving stop-set size failed", "rank", c.group.Rank())
		return nil
	}
	if count == 0 {
		return nil
	}
	ids, err := c.group.Broadcast(ctx, nil, 0)
	if err != nil {
		c.fatal(logger, err, "Receiving stop set failed", "rank", c.group.Rank())
		return nil
	}
	stopped := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		stopped[uint64(id)] = struct{}{}
	}
	return stopped
}

// ReportStats forwards the engine's statistics blob to the recorder.
func (c *Coordinator) ReportStats(ctx context.Context, stats string) {
	c.stats.Record(ctx, stats)
}
