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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/logging"
)

func TestLoadBytesAndDefaults(t *testing.T) {
	raw := []byte(`
engine:
  modelPath: /models/llama
  maxBatchSize: 16
deployment:
  decoupled: true
`)
	cfg, err := LoadBytes(raw)
	require.NoError(t, err)

	cfg.ApplyDefaults(logutil.NewTestLogger())
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/models/llama", cfg.Engine.ModelPath)
	assert.Equal(t, BatchingModeInflightFused, cfg.Engine.BatchingMode)
	assert.Equal(t, int32(16), *cfg.Engine.MaxBatchSize)
	assert.Equal(t, int32(1), *cfg.Engine.MaxBeamWidth)
	assert.Equal(t, SchedulerPolicyGuaranteedNoEvict, cfg.Engine.SchedulerPolicy)
	assert.False(t, *cfg.Engine.EnableChunkedContext)
	assert.InDelta(t, 0.9, float64(*cfg.Engine.KVCacheFreeGPUFraction), 1e-6)
	assert.True(t, *cfg.Engine.NormalizeLogProbs)
	assert.False(t, *cfg.Engine.ExcludeInputInOutput)
	assert.Equal(t, DecodingModeTopKTopP, cfg.Engine.DecodingMode)
	assert.Equal(t, int32(64), *cfg.Engine.LoraCache.MaxAdapterSize)
	assert.Equal(t, int32(8), *cfg.Engine.LoraCache.OptimalAdapterSize)
	assert.InDelta(t, 0.05, float64(*cfg.Engine.LoraCache.GPUMemoryFraction), 1e-6)
	assert.Equal(t, uint64(1<<30), *cfg.Engine.LoraCache.HostMemoryBytes)
	assert.True(t, *cfg.Deployment.Decoupled)
	assert.Equal(t, int32(1), *cfg.Deployment.GroupSize)
	assert.Equal(t, int32(0), *cfg.Deployment.GroupRank)
}

func TestLoadBytesRejectsUnknownFields(t *testing.T) {
	_, err := LoadBytes([]byte("engine:\n  noSuchKnob: 1\n"))
	assert.Error(t, err)
}

func TestDefaultDecodingModeFollowsBeamWidth(t *testing.T) {
	cfg, err := LoadBytes([]byte("engine:\n  maxBeamWidth: 4\n"))
	require.NoError(t, err)
	cfg.ApplyDefaults(logutil.NewTestLogger())
	assert.Equal(t, DecodingModeBeamSearch, cfg.Engine.DecodingMode)
}

func TestDecoupledDowngradesSchedulerPolicy(t *testing.T) {
	raw := []byte(`
engine:
  schedulerPolicy: max_utilization
deployment:
  decoupled: true
`)
	cfg, err := LoadBytes(raw)
	require.NoError(t, err)
	cfg.ApplyDefaults(logutil.NewTestLogger())
	assert.Equal(t, SchedulerPolicyGuaranteedNoEvict, cfg.Engine.SchedulerPolicy)
}

func TestDecoupledKeepsPolicyWithChunkedContext(t *testing.T) {
	raw := []byte(`
engine:
  schedulerPolicy: max_utilization
  enableChunkedContext: true
deployment:
  decoupled: true
`)
	cfg, err := LoadBytes(raw)
	require.NoError(t, err)
	cfg.ApplyDefaults(logutil.NewTestLogger())
	assert.Equal(t, SchedulerPolicyMaxUtilization, cfg.Engine.SchedulerPolicy)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadBytes([]byte("{}"))
		require.NoError(t, err)
		cfg.ApplyDefaults(logutil.NewTestLogger())
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "bad batching mode",
			mutate:  func(c *Config) { c.Engine.BatchingMode = "continuous" },
			wantErr: "batchingMode",
		},
		{
			name:    "bad scheduler policy",
			mutate:  func(c *Config) { c.Engine.SchedulerPolicy = "fifo" },
			wantErr: "schedulerPolicy",
		},
		{
			name:    "bad decoding mode",
			mutate:  func(c *Config) { c.Engine.DecodingMode = "greedy" },
			wantErr: "decodingMode",
		},
		{
			name:    "zero batch size",
			mutate:  func(c *Config) { *c.Engine.MaxBatchSize = 0 },
			wantErr: "maxBatchSize",
		},
		{
			name:    "kv fraction out of range",
			mutate:  func(c *Config) { *c.Engine.KVCacheFreeGPUFraction = 1.5 },
			wantErr: "kvCacheFreeGPUFraction",
		},
		{
			name:    "rank outside group",
			mutate:  func(c *Config) { *c.Deployment.GroupRank = 1 },
			wantErr: "groupRank",
		},
		{
			name: "group without address",
			mutate: func(c *Config) {
				*c.Deployment.GroupSize = 2
			},
			wantErr: "groupAddr",
		},
		{
			name: "orchestrator link on worker rank",
			mutate: func(c *Config) {
				*c.Deployment.GroupSize = 2
				*c.Deployment.GroupRank = 1
				c.Deployment.GroupAddr = "127.0.0.1:9100"
				c.Deployment.OrchestratorAddr = "127.0.0.1:9200"
			},
			wantErr: "rank 0",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := base()
			test.mutate(cfg)
			err := cfg.Validate()
			if test.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.wantErr)
		})
	}
}
