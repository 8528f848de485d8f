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

package env

import (
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	logutil "github.com/janhq/tensorrtllm-backend/pkg/dispatch/util/logging"
)

func TestGetEnvInt(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name       string
		key        string
		value      *string
		defaultVal int
		expected   int
	}{
		{
			name:       "env variable exists and is valid",
			key:        "TEST_INT",
			value:      ptr("123"),
			defaultVal: 0,
			expected:   123,
		},
		{
			name:       "env variable exists but is invalid",
			key:        "TEST_INT",
			value:      ptr("invalid"),
			defaultVal: 99,
			expected:   99,
		},
		{
			name:       "env variable does not exist",
			key:        "TEST_INT_MISSING",
			defaultVal: 42,
			expected:   42,
		},
		{
			name:       "env variable is empty string",
			key:        "TEST_INT_EMPTY",
			value:      ptr(""),
			defaultVal: 77,
			expected:   77,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != nil {
				t.Setenv(tc.key, *tc.value)
			}
			result := GetEnvInt(tc.key, tc.defaultVal, logger.V(logutil.VERBOSE))
			if result != tc.expected {
				t.Errorf("GetEnvInt(%s, %d) = %d, expected %d", tc.key, tc.defaultVal, result, tc.expected)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name       string
		key        string
		value      *string
		defaultVal bool
		expected   bool
	}{
		{
			name:       "env variable exists and is valid",
			key:        "TEST_BOOL",
			value:      ptr("true"),
			defaultVal: false,
			expected:   true,
		},
		{
			name:       "env variable exists but is invalid",
			key:        "TEST_BOOL",
			value:      ptr("not-a-bool"),
			defaultVal: true,
			expected:   true,
		},
		{
			name:       "env variable does not exist",
			key:        "TEST_BOOL_MISSING",
			defaultVal: true,
			expected:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != nil {
				t.Setenv(tc.key, *tc.value)
			}
			result := GetEnvBool(tc.key, tc.defaultVal, logger.V(logutil.VERBOSE))
			if result != tc.expected {
				t.Errorf("GetEnvBool(%s, %t) = %t, expected %t", tc.key, tc.defaultVal, result, tc.expected)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name       string
		key        string
		value      *string
		defaultVal time.Duration
		expected   time.Duration
	}{
		{
			name:       "env variable exists and is valid",
			key:        "TEST_DURATION",
			value:      ptr("250ms"),
			defaultVal: time.Second,
			expected:   250 * time.Millisecond,
		},
		{
			name:       "env variable exists but is invalid",
			key:        "TEST_DURATION",
			value:      ptr("forever"),
			defaultVal: 5 * time.Second,
			expected:   5 * time.Second,
		},
		{
			name:       "env variable does not exist",
			key:        "TEST_DURATION_MISSING",
			defaultVal: 10 * time.Millisecond,
			expected:   10 * time.Millisecond,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != nil {
				t.Setenv(tc.key, *tc.value)
			}
			result := GetEnvDuration(tc.key, tc.defaultVal, logger.V(logutil.VERBOSE))
			if result != tc.expected {
				t.Errorf("GetEnvDuration(%s, %v) = %v, expected %v", tc.key, tc.defaultVal, result, tc.expected)
			}
		})
	}
}

func TestGetEnvString(t *testing.T) {
	logger := testr.New(t)

	tests := []struct {
		name       string
		key        string
		value      *string
		defaultVal string
		expected   string
	}{
		{
			name:       "env variable exists and is valid",
			key:        "TEST_STR",
			value:      ptr("addr:9000"),
			defaultVal: "default",
			expected:   "addr:9000",
		},
		{
			name:       "env variable does not exist",
			key:        "TEST_STR_MISSING",
			defaultVal: "default",
			expected:   "default",
		},
		{
			name:       "env variable is empty string",
			key:        "TEST_STR_EMPTY",
			value:      ptr(""),
			defaultVal: "default",
			expected:   "",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.value != nil {
				t.Setenv(tc.key, *tc.value)
			}
			result := GetEnvString(tc.key, tc.defaultVal, logger.V(logutil.VERBOSE))
			if result != tc.expected {
				t.Errorf("GetEnvString(%s, %s) = %s, expected %s", tc.key, tc.defaultVal, result, tc.expected)
			}
		})
	}
}

func ptr(s string) *string { return &s }
