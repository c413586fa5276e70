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

// Package dispatch turns a validated submission into a tracked measurement:
// it reserves quota, records the expected per-agent counts and publishes the
// encoded batches to the agents' streams.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/probemesh/gateway/gateway/identity"
	"github.com/probemesh/gateway/gateway/tracker"
	"github.com/probemesh/gateway/pkg/log"
	"github.com/probemesh/gateway/pkg/private/serrors"
	"github.com/probemesh/gateway/pkg/probe"
	"github.com/probemesh/gateway/private/broker"
)

// ErrUnknownAgent is returned when a submission targets an agent without a
// registry record. The whole submission fails before any state is written.
var ErrUnknownAgent = serrors.New("unknown agent")

const (
	defaultAttempts = 3
	defaultBackoff  = 200 * time.Millisecond
)

// Registry resolves agent ids to their registry records.
type Registry interface {
	ResolveAgent(ctx context.Context, agentID string) (broker.Agent, error)
}

// Publisher delivers an encoded batch to an agent's stream. Implementations
// must be idempotent per (measurement, agent).
type Publisher interface {
	Publish(ctx context.Context, agentID, measurementID string, payload []byte) error
}

// Dispatcher coordinates registry lookup, quota-checked tracking and
// publishing for one submission.
type Dispatcher struct {
	DB        tracker.DB
	Registry  Registry
	Publisher Publisher
	// Attempts is the number of publish tries per agent, Backoff the pause
	// between them (doubled each retry). Zero values select defaults.
	Attempts int
	Backoff  time.Duration
}

// Dispatch runs the submission pipeline for probe groups keyed by agent id
// and returns the new measurement id.
//
// The tracking rows (and with them the quota charge) are written before the
// batches are published: the charge must cover what may reach the network,
// and publishing is idempotent so retrying an ambiguous failure is safe. If
// publishing ultimately fails for any agent the rows are deleted again, so a
// failed dispatch neither holds quota nor leaves rows that no agent will
// ever report against.
func (d *Dispatcher) Dispatch(ctx context.Context, handle identity.Handle,
	groups map[string][]probe.Probe) (string, error) {

	logger := log.FromCtx(ctx)

	agents := make([]string, 0, len(groups))
	for agentID, group := range groups {
		if len(group) == 0 {
			continue
		}
		agents = append(agents, agentID)
	}
	sort.Strings(agents)

	for _, agentID := range agents {
		if _, err := d.Registry.ResolveAgent(ctx, agentID); err != nil {
			if errors.Is(err, broker.ErrAgentNotFound) {
				return "", serrors.Join(ErrUnknownAgent, err, "agent", agentID)
			}
			return "", serrors.Wrap("resolving agent", err, "agent", agentID)
		}
	}

	payloads := make(map[string][]byte, len(agents))
	assignments := make(map[string]int64, len(agents))
	for _, agentID := range agents {
		payload, err := probe.EncodeBatch(groups[agentID])
		if err != nil {
			return "", serrors.Wrap("encoding batch", err, "agent", agentID)
		}
		payloads[agentID] = payload
		assignments[agentID] = int64(len(groups[agentID]))
	}

	measurementID := tracker.NewMeasurementID()
	if err := d.DB.CreateMeasurement(ctx, handle, measurementID, assignments); err != nil {
		return "", err
	}

	for _, agentID := range agents {
		if err := d.publish(ctx, agentID, measurementID, payloads[agentID]); err != nil {
			logger.Info("Publish failed, rolling back measurement",
				"measurement", measurementID, "agent", agentID, "err", err)
			if _, derr := d.DB.DeleteMeasurement(ctx, measurementID, handle); derr != nil {
				logger.Error("Rollback of failed dispatch did not complete",
					"measurement", measurementID, "err", derr)
			}
			return "", serrors.Wrap("publishing batch", err,
				"measurement", measurementID, "agent", agentID)
		}
	}
	logger.Debug("Dispatched measurement",
		"measurement", measurementID, "agents", len(agents))
	return measurementID, nil
}

func (d *Dispatcher) publish(ctx context.Context, agentID, measurementID string,
	payload []byte) error {

	attempts := d.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := d.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = d.Publisher.Publish(ctx, agentID, measurementID, payload); err == nil {
			return nil
		}
	}
	return err
}
