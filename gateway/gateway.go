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

// Package gateway implements the submission orchestrator: it ties identity
// hashing, validation, quota-checked tracking and dispatch together behind
// one API surface that the transport layer calls into.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/probemesh/gateway/gateway/dispatch"
	"github.com/probemesh/gateway/gateway/identity"
	"github.com/probemesh/gateway/gateway/quota"
	"github.com/probemesh/gateway/gateway/tracker"
	"github.com/probemesh/gateway/pkg/log"
	"github.com/probemesh/gateway/pkg/private/serrors"
	"github.com/probemesh/gateway/pkg/probe"
	"github.com/probemesh/gateway/private/broker"
)

// AgentMeta names an agent a submission targets.
type AgentMeta struct {
	ID string `json:"id"`
}

// SubmitResult is the acknowledgment for an accepted submission.
type SubmitResult struct {
	MeasurementID string `json:"id"`
	Probes        int    `json:"probes"`
	Agents        int    `json:"agents"`
}

// Registry is the agent registry view the gateway needs.
type Registry interface {
	ResolveAgent(ctx context.Context, agentID string) (broker.Agent, error)
	Agents(ctx context.Context) ([]broker.Agent, error)
}

// Gateway is the submission orchestrator. All methods are safe for
// concurrent use; the store and broker are the only shared state.
type Gateway struct {
	Dispatcher *dispatch.Dispatcher
	Quota      quota.DB
	Tracker    tracker.DB
	Registry   Registry
	Metrics    *Metrics
}

// SubmitProbes validates a submission and dispatches it. The same batch is
// fanned out to every listed agent; quota is charged for the total across
// agents. Any failure before dispatch leaves no persisted trace.
func (g *Gateway) SubmitProbes(ctx context.Context, rawIdentity string,
	agents []AgentMeta, tuples []probe.Tuple) (SubmitResult, error) {

	logger := log.FromCtx(ctx)

	if len(tuples) == 0 {
		g.Metrics.rejected(RejectValidation)
		return SubmitResult{}, serrors.Join(probe.ErrMalformed, nil,
			"reason", "no probes in submission")
	}
	if len(tuples) > probe.MaxBatchLen {
		g.Metrics.rejected(RejectValidation)
		return SubmitResult{}, serrors.Join(probe.ErrMalformed, nil,
			"reason", "too many probes", "max", probe.MaxBatchLen, "got", len(tuples))
	}
	if len(agents) == 0 {
		g.Metrics.rejected(RejectValidation)
		return SubmitResult{}, serrors.Join(probe.ErrMalformed, nil,
			"reason", "no agents in submission")
	}
	if err := probe.ValidateTuples(tuples); err != nil {
		g.Metrics.rejected(RejectValidation)
		return SubmitResult{}, err
	}

	probes := probe.Probes(tuples)
	groups := make(map[string][]probe.Probe, len(agents))
	for _, agent := range agents {
		if agent.ID == "" {
			g.Metrics.rejected(RejectValidation)
			return SubmitResult{}, serrors.Join(probe.ErrMalformed, nil,
				"reason", "empty agent id")
		}
		groups[agent.ID] = probes
	}

	handle := identity.Hash(rawIdentity)
	measurementID, err := g.Dispatcher.Dispatch(ctx, handle, groups)
	if err != nil {
		g.Metrics.rejected(rejectReason(err))
		return SubmitResult{}, err
	}

	g.Metrics.accepted()
	g.Metrics.dispatched(len(probes) * len(groups))
	logger.Info("Accepted submission", "measurement", measurementID,
		"identity", handle, "probes", len(probes), "agents", len(groups))
	return SubmitResult{
		MeasurementID: measurementID,
		Probes:        len(probes),
		Agents:        len(groups),
	}, nil
}

// MeasurementStatus returns the live aggregate for a measurement.
func (g *Gateway) MeasurementStatus(ctx context.Context,
	measurementID string) (tracker.Status, error) {

	return g.Tracker.Status(ctx, measurementID)
}

// UsageStats reports quota and usage for the caller.
func (g *Gateway) UsageStats(ctx context.Context,
	rawIdentity string) (quota.UsageStats, error) {

	return g.Quota.UsageStats(ctx, identity.Hash(rawIdentity), time.Now())
}

// ReportAgentProgress applies an agent's progress callback. The callback
// carries no identity, so the owning handle is resolved from the
// measurement first. Reports for unknown measurement/agent pairs are
// consistency violations: logged, counted and rejected, never absorbed by
// creating a row.
func (g *Gateway) ReportAgentProgress(ctx context.Context, measurementID,
	agentID string, sentDelta int64) (tracker.Row, error) {

	logger := log.FromCtx(ctx)

	handle, err := g.Tracker.MeasurementOwner(ctx, measurementID)
	if errors.Is(err, tracker.ErrMeasurementNotFound) {
		g.Metrics.violation()
		logger.Info("Progress report for unknown measurement",
			"measurement", measurementID, "agent", agentID)
		return tracker.Row{}, serrors.Join(tracker.ErrUnknownAgent, err,
			"measurement", measurementID, "agent", agentID)
	}
	if err != nil {
		return tracker.Row{}, err
	}

	row, err := g.Tracker.ReportProgress(ctx, measurementID, handle, agentID, sentDelta)
	if errors.Is(err, tracker.ErrUnknownAgent) {
		g.Metrics.violation()
		logger.Info("Progress report for unknown measurement/agent pair",
			"measurement", measurementID, "agent", agentID)
		return tracker.Row{}, err
	}
	if err != nil {
		return tracker.Row{}, err
	}
	g.Metrics.progress()
	logger.Debug("Applied progress report", "measurement", measurementID,
		"agent", agentID, "delta", sentDelta, "sent", row.SentProbes,
		"complete", row.IsComplete)
	return row, nil
}

// Agents lists the registered agents.
func (g *Gateway) Agents(ctx context.Context) ([]broker.Agent, error) {
	return g.Registry.Agents(ctx)
}

// Agent resolves a single agent's registry record.
func (g *Gateway) Agent(ctx context.Context, agentID string) (broker.Agent, error) {
	return g.Registry.ResolveAgent(ctx, agentID)
}

func rejectReason(err error) string {
	var exceeded *quota.ExceededError
	switch {
	case errors.As(err, &exceeded):
		return RejectQuota
	case errors.Is(err, dispatch.ErrUnknownAgent):
		return RejectRouting
	case errors.Is(err, probe.ErrMalformed):
		return RejectValidation
	default:
		return RejectInfra
	}
}
