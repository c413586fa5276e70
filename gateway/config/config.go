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

// Package config contains the gateway service configuration.
package config

import (
	"time"

	"github.com/probemesh/gateway/gateway/quota"
	"github.com/probemesh/gateway/pkg/log"
	"github.com/probemesh/gateway/pkg/private/serrors"
	"github.com/probemesh/gateway/pkg/private/util"
	"github.com/probemesh/gateway/private/config"
)

// Config is the gateway service configuration.
type Config struct {
	Logging log.Config    `toml:"log,omitempty"`
	DB      DBConfig      `toml:"db,omitempty"`
	Broker  BrokerConfig  `toml:"broker,omitempty"`
	API     APIConfig     `toml:"api,omitempty"`
	Quota   QuotaConfig   `toml:"quota,omitempty"`
	Janitor JanitorConfig `toml:"janitor,omitempty"`
}

// InitDefaults initializes the default values for all parts of the config.
func (cfg *Config) InitDefaults() {
	config.InitAll(
		&cfg.Logging,
		&cfg.DB,
		&cfg.Broker,
		&cfg.API,
		&cfg.Quota,
		&cfg.Janitor,
	)
}

// Validate validates all parts of the config.
func (cfg *Config) Validate() error {
	return config.ValidateAll(
		&cfg.Logging,
		&cfg.DB,
		&cfg.Broker,
		&cfg.API,
		&cfg.Quota,
		&cfg.Janitor,
	)
}

// DBConfig configures the sqlite store.
type DBConfig struct {
	config.NoDefaulter
	// Connection is the sqlite database path.
	Connection string `toml:"connection,omitempty"`
	// MaxOpenReadConns bounds the read-only connection pool.
	MaxOpenReadConns int `toml:"max_open_read_conns,omitempty"`
}

// Validate validates the config.
func (cfg *DBConfig) Validate() error {
	if cfg.Connection == "" {
		return serrors.New("db connection must be set")
	}
	if cfg.MaxOpenReadConns < 0 {
		return serrors.New("max_open_read_conns must not be negative")
	}
	return nil
}

// BrokerConfig configures the redis connection.
type BrokerConfig struct {
	// Address of the redis instance.
	Address string `toml:"address,omitempty"`
	// Password for the redis instance, if any.
	Password string `toml:"password,omitempty"`
	// MarkerTTL is how long publish idempotency markers are kept.
	MarkerTTL util.DurWrap `toml:"marker_ttl,omitempty"`
}

// InitDefaults populates unset fields to their default values.
func (cfg *BrokerConfig) InitDefaults() {
	if cfg.Address == "" {
		cfg.Address = "localhost:6379"
	}
}

// Validate validates the config.
func (cfg *BrokerConfig) Validate() error {
	if cfg.Address == "" {
		return serrors.New("broker address must be set")
	}
	return nil
}

// APIConfig configures the HTTP listeners.
type APIConfig struct {
	// Addr is the listen address of the client and agent API.
	Addr string `toml:"addr,omitempty"`
	// MetricsAddr is the listen address of the prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `toml:"metrics_addr,omitempty"`
	// AgentKey is the pre-shared key agents present on the agent API.
	AgentKey string `toml:"agent_key,omitempty"`
}

// InitDefaults populates unset fields to their default values.
func (cfg *APIConfig) InitDefaults() {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
}

// Validate validates the config.
func (cfg *APIConfig) Validate() error {
	if cfg.AgentKey == "" {
		return serrors.New("api agent_key must be set")
	}
	return nil
}

// QuotaConfig configures quota enforcement.
type QuotaConfig struct {
	config.NoValidator
	// DefaultProbeLimit applies to identities without an explicit limit.
	DefaultProbeLimit int64 `toml:"default_probe_limit,omitempty"`
}

// InitDefaults populates unset fields to their default values.
func (cfg *QuotaConfig) InitDefaults() {
	if cfg.DefaultProbeLimit == 0 {
		cfg.DefaultProbeLimit = quota.DefaultProbeLimit
	}
}

// JanitorConfig configures the incomplete-measurement watch.
type JanitorConfig struct {
	config.NoValidator
	// Interval between audit sweeps. Zero disables the janitor.
	Interval util.DurWrap `toml:"interval,omitempty"`
	// Age a measurement must reach before it is flagged as stuck.
	Age util.DurWrap `toml:"age,omitempty"`
}

// InitDefaults populates unset fields to their default values.
func (cfg *JanitorConfig) InitDefaults() {
	if cfg.Interval.Duration == 0 {
		cfg.Interval.Duration = 10 * time.Minute
	}
	if cfg.Age.Duration == 0 {
		cfg.Age.Duration = time.Hour
	}
}
