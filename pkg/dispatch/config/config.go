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

// Package config declares the engine and deployment configuration. Optional
// fields are pointers so an absent value is distinguishable from an explicit
// zero; ApplyDefaults fills every absent field exactly once and Validate
// rejects what defaulting cannot repair.
package config

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"sigs.k8s.io/yaml"

	errutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/error"
)

// BatchingMode selects how the engine forms batches.
type BatchingMode string

const (
	BatchingModeV1            BatchingMode = "v1"
	BatchingModeInflight      BatchingMode = "inflight_batching"
	BatchingModeInflightFused BatchingMode = "inflight_fused_batching"
)

// SchedulerPolicy selects how the engine schedules sequences under memory
// pressure.
type SchedulerPolicy string

const (
	SchedulerPolicyMaxUtilization    SchedulerPolicy = "max_utilization"
	SchedulerPolicyGuaranteedNoEvict SchedulerPolicy = "guaranteed_no_evict"
)

// DecodingMode selects the token sampling strategy.
type DecodingMode string

const (
	DecodingModeTopK       DecodingMode = "top_k"
	DecodingModeTopP       DecodingMode = "top_p"
	DecodingModeTopKTopP   DecodingMode = "top_k_top_p"
	DecodingModeBeamSearch DecodingMode = "beam_search"
)

// LoraCache sizes the LoRA adapter caches.
type LoraCache struct {
	MaxAdapterSize     *int32   `json:"maxAdapterSize,omitempty"`
	OptimalAdapterSize *int32   `json:"optimalAdapterSize,omitempty"`
	GPUMemoryFraction  *float32 `json:"gpuMemoryFraction,omitempty"`
	HostMemoryBytes    *uint64  `json:"hostMemoryBytes,omitempty"`
}

// Engine holds the batch-engine parameters.
type Engine struct {
	ModelPath               string          `json:"modelPath,omitempty"`
	BatchingMode            BatchingMode    `json:"batchingMode,omitempty"`
	MaxBatchSize            *int32          `json:"maxBatchSize,omitempty"`
	MaxBeamWidth            *int32          `json:"maxBeamWidth,omitempty"`
	MaxTokensInPagedKVCache *int32          `json:"maxTokensInPagedKVCache,omitempty"`
	SchedulerPolicy         SchedulerPolicy `json:"schedulerPolicy,omitempty"`
	EnableChunkedContext    *bool           `json:"enableChunkedContext,omitempty"`
	KVCacheFreeGPUFraction  *float32        `json:"kvCacheFreeGPUFraction,omitempty"`
	EnableTRTOverlap        *bool           `json:"enableTRTOverlap,omitempty"`
	NormalizeLogProbs       *bool           `json:"normalizeLogProbs,omitempty"`
	ExcludeInputInOutput    *bool           `json:"excludeInputInOutput,omitempty"`
	MaxAttentionWindowSize  *int32          `json:"maxAttentionWindowSize,omitempty"`
	EnableKVCacheReuse      *bool           `json:"enableKVCacheReuse,omitempty"`
	DecodingMode            DecodingMode    `json:"decodingMode,omitempty"`
	LoraCache               LoraCache       `json:"loraCache,omitempty"`
	GPUDeviceIDs            []int32         `json:"gpuDeviceIDs,omitempty"`
}

// Deployment holds the process-topology parameters.
type Deployment struct {
	// Decoupled streaming delivers partial answers as they are produced.
	Decoupled *bool `json:"decoupled,omitempty"`
	// GroupSize is the number of model-parallel processes.
	GroupSize *int32 `json:"groupSize,omitempty"`
	// GroupRank is this process's rank; rank 0 leads.
	GroupRank *int32 `json:"groupRank,omitempty"`
	// GroupAddr is the rank-0 listen address for group formation. Required
	// when GroupSize > 1.
	GroupAddr string `json:"groupAddr,omitempty"`
	// OrchestratorAddr, when set, makes the leader serve an orchestrator link
	// on this address instead of taking requests directly.
	OrchestratorAddr string `json:"orchestratorAddr,omitempty"`
}

// Config is the root document.
type Config struct {
	Engine     Engine     `json:"engine,omitempty"`
	Deployment Deployment `json:"deployment,omitempty"`
}

// Load reads and parses the YAML config at path. Unknown fields are
// rejected.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("reading config %s: %v", path, err)}
	}
	return LoadBytes(raw)
}

// LoadBytes parses a YAML config document.
func LoadBytes(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("the configuration is invalid: %v", err)}
	}
	return cfg, nil
}

func defaultInt32(field **int32, value int32, logger logr.Logger, name string) {
	if *field == nil {
		logger.Info(fmt.Sprintf("%s is not specified, will use default value", name), "default", value)
		*field = &value
	}
}

func defaultBool(field **bool, value bool, logger logr.Logger, name string) {
	if *field == nil {
		logger.Info(fmt.Sprintf("%s is not specified, will use default value", name), "default", value)
		*field = &value
	}
}

// ApplyDefaults fills every absent optional field. Call once, before
// Validate.
func (c *Config) ApplyDefaults(logger logr.Logger) {
	e := &c.Engine
	if e.BatchingMode == "" {
		e.BatchingMode = BatchingModeInflightFused
	}
	defaultInt32(&e.MaxBatchSize, 8, logger, "maxBatchSize")
	defaultInt32(&e.MaxBeamWidth, 1, logger, "maxBeamWidth")
	if e.SchedulerPolicy == "" {
		e.SchedulerPolicy = SchedulerPolicyGuaranteedNoEvict
	}
	defaultBool(&e.EnableChunkedContext, false, logger, "enableChunkedContext")
	if e.KVCacheFreeGPUFraction == nil {
		logger.Info("kvCacheFreeGPUFraction is not specified, will use default value of 0.9 or maxTokensInPagedKVCache")
		v := float32(0.9)
		e.KVCacheFreeGPUFraction = &v
	}
	defaultBool(&e.EnableTRTOverlap, false, logger, "enableTRTOverlap")
	defaultBool(&e.NormalizeLogProbs, true, logger, "normalizeLogProbs")
	defaultBool(&e.ExcludeInputInOutput, false, logger, "excludeInputInOutput")
	defaultBool(&e.EnableKVCacheReuse, false, logger, "enableKVCacheReuse")
	if e.DecodingMode == "" {
		if *e.MaxBeamWidth == 1 {
			e.DecodingMode = DecodingModeTopKTopP
		} else {
			e.DecodingMode = DecodingModeBeamSearch
		}
		logger.Info("decodingMode is not specified", "default", e.DecodingMode)
	}
	defaultInt32(&e.LoraCache.MaxAdapterSize, 64, logger, "loraCache.maxAdapterSize")
	defaultInt32(&e.LoraCache.OptimalAdapterSize, 8, logger, "loraCache.optimalAdapterSize")
	if e.LoraCache.GPUMemoryFraction == nil {
		v := float32(0.05)
		e.LoraCache.GPUMemoryFraction = &v
	}
	if e.LoraCache.HostMemoryBytes == nil {
		v := uint64(1 << 30)
		e.LoraCache.HostMemoryBytes = &v
	}
	if len(e.GPUDeviceIDs) == 0 {
		logger.Info("gpuDeviceIDs is not specified, will be automatically set")
	}

	d := &c.Deployment
	defaultBool(&d.Decoupled, false, logger, "decoupled")
	defaultInt32(&d.GroupSize, 1, logger, "groupSize")
	defaultInt32(&d.GroupRank, 0, logger, "groupRank")

	// Decoupled streaming cannot wait for evicted sequences to resume unless
	// context chunking is on; fall back to the policy that never evicts.
	if *d.Decoupled && e.SchedulerPolicy != SchedulerPolicyGuaranteedNoEvict && !*e.EnableChunkedContext {
		logger.Info("Decoupled mode with a batch scheduler policy other than guaranteed_no_evict " +
			"requires enableChunkedContext to be true. " +
			"The batch scheduler policy will be set to guaranteed_no_evict " +
			"since enableChunkedContext is false.")
		e.SchedulerPolicy = SchedulerPolicyGuaranteedNoEvict
	}
}

// Validate checks the defaulted config.
func (c *Config) Validate() error {
	e := &c.Engine
	switch e.BatchingMode {
	case BatchingModeV1, BatchingModeInflight, BatchingModeInflightFused:
	default:
		return errutil.Error{Code: errutil.BadRequest,
			Msg: fmt.Sprintf("batchingMode %q is invalid (must be v1, inflight_batching or inflight_fused_batching)", e.BatchingMode)}
	}
	switch e.SchedulerPolicy {
	case SchedulerPolicyMaxUtilization, SchedulerPolicyGuaranteedNoEvict:
	default:
		return errutil.Error{Code: errutil.BadRequest,
			Msg: fmt.Sprintf("schedulerPolicy %q is invalid (must be max_utilization or guaranteed_no_evict)", e.SchedulerPolicy)}
	}
	switch e.DecodingMode {
	case DecodingModeTopK, DecodingModeTopP, DecodingModeTopKTopP, DecodingModeBeamSearch:
	default:
		return errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("decodingMode %q is invalid", e.DecodingMode)}
	}
	if *e.MaxBatchSize < 1 {
		return errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("maxBatchSize %d must be at least 1", *e.MaxBatchSize)}
	}
	if *e.MaxBeamWidth < 1 {
		return errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("maxBeamWidth %d must be at least 1", *e.MaxBeamWidth)}
	}
	if f := *e.KVCacheFreeGPUFraction; f <= 0 || f > 1 {
		return errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("kvCacheFreeGPUFraction %v must be in (0, 1]", f)}
	}
	if f := *e.LoraCache.GPUMemoryFraction; f <= 0 || f > 1 {
		return errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("loraCache.gpuMemoryFraction %v must be in (0, 1]", f)}
	}

	d := &c.Deployment
	if *d.GroupSize < 1 {
		return errutil.Error{Code: errutil.BadRequest, Msg: fmt.Sprintf("groupSize %d must be at least 1", *d.GroupSize)}
	}
	if *d.GroupRank < 0 || *d.GroupRank >= *d.GroupSize {
		return errutil.Error{Code: errutil.BadRequest,
			Msg: fmt.Sprintf("groupRank %d must be in [0, %d)", *d.GroupRank, *d.GroupSize)}
	}
	if *d.GroupSize > 1 && d.GroupAddr == "" {
		return errutil.Error{Code: errutil.BadRequest, Msg: "groupAddr is required when groupSize > 1"}
	}
	if d.OrchestratorAddr != "" && *d.GroupRank != 0 {
		return errutil.Error{Code: errutil.BadRequest, Msg: "only rank 0 can serve an orchestrator link"}
	}
	return nil
}
