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
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janhq/tensorrtllm-backend/pkg/dispatch/config"
)

func TestApplyEnvOverridesPlacesRank(t *testing.T) {
	logger := testr.New(t)

	t.Setenv("GROUP_RANK", "2")
	t.Setenv("GROUP_SIZE", "4")
	t.Setenv("GROUP_ADDR", "leader:9100")

	cfg := &config.Config{}
	cfg.ApplyDefaults(logger)
	applyEnvOverrides(cfg, logger)

	assert.Equal(t, int32(2), *cfg.Deployment.GroupRank)
	assert.Equal(t, int32(4), *cfg.Deployment.GroupSize)
	assert.Equal(t, "leader:9100", cfg.Deployment.GroupAddr)
	assert.Empty(t, cfg.Deployment.OrchestratorAddr)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvOverridesKeepsConfigWhenUnset(t *testing.T) {
	logger := testr.New(t)

	cfg, err := config.LoadBytes([]byte(`
deployment:
  groupSize: 2
  groupRank: 1
  groupAddr: "leader:9100"
`))
	require.NoError(t, err)
	cfg.ApplyDefaults(logger)
	applyEnvOverrides(cfg, logger)

	assert.Equal(t, int32(1), *cfg.Deployment.GroupRank)
	assert.Equal(t, int32(2), *cfg.Deployment.GroupSize)
	assert.Equal(t, "leader:9100", cfg.Deployment.GroupAddr)
}
