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

// Package broker connects the gateway to the shared redis instance that
// carries probe batches to the agents. Each agent consumes one stream
// (probes:<agent id>); agents advertise themselves under agent:<id> keys.
// The gateway only reads the registry, registration is the agents' job.
package broker

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/probemesh/gateway/pkg/private/serrors"
)

// ErrUnavailable classifies broker failures as retriable infrastructure
// errors, as opposed to client-visible rejections.
var ErrUnavailable = serrors.New("broker unavailable")

// ErrAgentNotFound indicates the agent id has no registry record.
var ErrAgentNotFound = serrors.New("agent not registered")

const (
	agentKeyPrefix  = "agent:"
	streamKeyPrefix = "probes:"
	markerKeyPrefix = "published:"

	// DefaultMarkerTTL bounds how long a publish marker suppresses
	// republishing. Long enough to cover any retry schedule, short enough
	// that markers do not accumulate forever.
	DefaultMarkerTTL = 24 * time.Hour
)

// Agent is the registry record an agent maintains under its agent:<id> key.
type Agent struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname,omitempty"`
	// LastSeen is the unix time of the agent's last registry refresh.
	LastSeen int64 `json:"last_seen,omitempty"`
}

// Config configures the broker connection.
type Config struct {
	Addr     string
	Password string
	// MarkerTTL overrides DefaultMarkerTTL when positive.
	MarkerTTL time.Duration
}

// Broker is a thin client over the shared redis instance. Safe for
// concurrent use.
type Broker struct {
	client    *redis.Client
	markerTTL time.Duration
}

// New creates a broker client. The connection is established lazily; use
// Ping to verify reachability at startup.
func New(cfg Config) *Broker {
	ttl := cfg.MarkerTTL
	if ttl <= 0 {
		ttl = DefaultMarkerTTL
	}
	return &Broker{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
		}),
		markerTTL: ttl,
	}
}

// Ping checks the connection.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return serrors.Join(ErrUnavailable, err, "op", "ping")
	}
	return nil
}

// Close closes the underlying connection.
func (b *Broker) Close() error {
	return b.client.Close()
}

// ResolveAgent looks up the registry record for an agent id.
func (b *Broker) ResolveAgent(ctx context.Context, agentID string) (Agent, error) {
	data, err := b.client.Get(ctx, agentKeyPrefix+agentID).Bytes()
	if err == redis.Nil {
		return Agent{}, serrors.Join(ErrAgentNotFound, nil, "agent", agentID)
	}
	if err != nil {
		return Agent{}, serrors.Join(ErrUnavailable, err, "op", "resolve agent",
			"agent", agentID)
	}
	var agent Agent
	if err := json.Unmarshal(data, &agent); err != nil {
		return Agent{}, serrors.Wrap("decoding agent record", err, "agent", agentID)
	}
	if agent.ID == "" {
		agent.ID = agentID
	}
	return agent, nil
}

// Agents lists all registered agents, sorted by id. Records that disappear
// or fail to decode mid-scan are skipped; the registry is advisory.
func (b *Broker) Agents(ctx context.Context) ([]Agent, error) {
	keys, err := b.client.Keys(ctx, agentKeyPrefix+"*").Result()
	if err != nil {
		return nil, serrors.Join(ErrUnavailable, err, "op", "list agents")
	}
	agents := make([]Agent, 0, len(keys))
	for _, key := range keys {
		data, err := b.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var agent Agent
		if err := json.Unmarshal(data, &agent); err != nil {
			continue
		}
		if agent.ID == "" {
			agent.ID = key[len(agentKeyPrefix):]
		}
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// Publish appends an encoded probe batch to the agent's stream, keyed for
// idempotency by (measurement, agent): once the publish marker exists, a
// replayed call acknowledges without appending again, so a retry after an
// ambiguous failure cannot double-send.
func (b *Broker) Publish(ctx context.Context, agentID, measurementID string,
	payload []byte) error {

	marker := markerKeyPrefix + measurementID + ":" + agentID
	exists, err := b.client.Exists(ctx, marker).Result()
	if err != nil {
		return serrors.Join(ErrUnavailable, err, "op", "check publish marker",
			"measurement", measurementID, "agent", agentID)
	}
	if exists > 0 {
		return nil
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyPrefix + agentID,
		Values: map[string]interface{}{
			"measurement_id": measurementID,
			"payload":        payload,
		},
	}).Err()
	if err != nil {
		return serrors.Join(ErrUnavailable, err, "op", "append to stream",
			"measurement", measurementID, "agent", agentID)
	}

	if err := b.client.Set(ctx, marker, "1", b.markerTTL).Err(); err != nil {
		// The batch is on the stream but a retry would re-append it.
		// Surface the failure so the caller retries; consumers dedupe on
		// measurement_id.
		return serrors.Join(ErrUnavailable, err, "op", "set publish marker",
			"measurement", measurementID, "agent", agentID)
	}
	return nil
}
