// Copyright 2025 Probemesh Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwconfig "github.com/probemesh/gateway/gateway/config"
	"github.com/probemesh/gateway/private/config"
)

const sample = `
[log.console]
level = "debug"

[db]
connection = "/var/lib/gateway/gateway.db"

[broker]
address = "redis:6379"
marker_ttl = "12h"

[api]
addr = ":8080"
agent_key = "secret"

[quota]
default_probe_limit = 5000

[janitor]
interval = "5m"
age = "2h"
`

func TestLoadSample(t *testing.T) {
	var cfg gwconfig.Config
	require.NoError(t, config.Decode([]byte(sample), &cfg))
	cfg.InitDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Logging.Console.Level)
	assert.Equal(t, "/var/lib/gateway/gateway.db", cfg.DB.Connection)
	assert.Equal(t, "redis:6379", cfg.Broker.Address)
	assert.Equal(t, 12*time.Hour, cfg.Broker.MarkerTTL.Duration)
	assert.Equal(t, "secret", cfg.API.AgentKey)
	assert.EqualValues(t, 5000, cfg.Quota.DefaultProbeLimit)
	assert.Equal(t, 5*time.Minute, cfg.Janitor.Interval.Duration)
	assert.Equal(t, 2*time.Hour, cfg.Janitor.Age.Duration)
}

func TestDefaults(t *testing.T) {
	var cfg gwconfig.Config
	cfg.InitDefaults()

	assert.Equal(t, "info", cfg.Logging.Console.Level)
	assert.Equal(t, "localhost:6379", cfg.Broker.Address)
	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.EqualValues(t, 10000, cfg.Quota.DefaultProbeLimit)
	assert.Equal(t, 10*time.Minute, cfg.Janitor.Interval.Duration)

	// An unconfigured service is rejected: the store path and the agent
	// key have no safe defaults.
	assert.Error(t, cfg.Validate())
}

func TestUnknownFieldRejected(t *testing.T) {
	var cfg gwconfig.Config
	err := config.Decode([]byte("[db]\nconection = \"typo.db\"\n"), &cfg)
	assert.Error(t, err)
}
