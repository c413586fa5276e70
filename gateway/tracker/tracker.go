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

// Package tracker defines per-(measurement, identity, agent) progress
// accounting. Progress reports from independent agents may arrive concurrent,
// duplicated per delta boundary or out of order; the accounting is therefore
// commutative (monotone increments) with a latched completion flag.
package tracker

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/probemesh/gateway/gateway/identity"
	"github.com/probemesh/gateway/pkg/private/serrors"
)

var (
	// ErrMeasurementNotFound indicates a status query for a measurement id
	// with no tracking rows.
	ErrMeasurementNotFound = serrors.New("measurement not found")
	// ErrUnknownAgent indicates a progress report for a (measurement, agent)
	// pair that was never created. This is a consistency violation, not a
	// signal to create the row.
	ErrUnknownAgent = serrors.New("unknown measurement/agent pair")
)

// Row is one tracking record. Exactly one row exists per
// (measurement id, identity handle, agent id) triple. SentProbes is
// monotonically non-decreasing and IsComplete never reverts to false.
// Rows are retained indefinitely for audit and usage statistics.
type Row struct {
	MeasurementID  string
	Handle         identity.Handle
	AgentID        string
	ExpectedProbes int64
	SentProbes     int64
	IsComplete     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Status is the measurement-level aggregate, computed live from the rows and
// never persisted separately.
type Status struct {
	MeasurementID  string `json:"id"`
	AgentsTotal    int    `json:"agents_total"`
	AgentsComplete int    `json:"agents_complete"`
	ExpectedProbes int64  `json:"expected_probes"`
	SentProbes     int64  `json:"sent_probes"`
	Complete       bool   `json:"measurement_complete"`
}

// NewMeasurementID generates a fresh measurement identifier.
func NewMeasurementID() string {
	return uuid.NewString()
}

// Aggregate derives the Status over a measurement's rows. A measurement with
// zero agent rows is trivially complete.
func Aggregate(measurementID string, rows []Row) Status {
	s := Status{MeasurementID: measurementID}
	for _, r := range rows {
		s.AgentsTotal++
		s.ExpectedProbes += r.ExpectedProbes
		s.SentProbes += r.SentProbes
		if r.IsComplete {
			s.AgentsComplete++
		}
	}
	s.Complete = s.AgentsComplete == s.AgentsTotal
	return s
}

// DB is the measurement tracker storage interface.
type DB interface {
	// CreateMeasurement checks the identity's quota for the total expected
	// count and upserts one row per agent, all in a single transaction. A
	// replayed call for the same measurement id changes nothing (conflict on
	// the unique triple is ignored), so expected counts are never double
	// charged. Returns *quota.ExceededError when over the limit.
	CreateMeasurement(ctx context.Context, handle identity.Handle,
		measurementID string, assignments map[string]int64) error
	// ReportProgress atomically adds sentDelta to the row's sent count and
	// latches the completion flag once sent >= expected. Deltas commute.
	// Returns ErrUnknownAgent if the row does not exist.
	ReportProgress(ctx context.Context, measurementID string, handle identity.Handle,
		agentID string, sentDelta int64) (Row, error)
	// Status aggregates live over all rows of the measurement. Returns
	// ErrMeasurementNotFound when no rows exist.
	Status(ctx context.Context, measurementID string) (Status, error)
	// MeasurementOwner resolves the identity a measurement is accounted
	// under. Agent progress callbacks carry no identity, only the
	// measurement and agent ids, so the owner is looked up here. Returns
	// ErrMeasurementNotFound when no rows exist.
	MeasurementOwner(ctx context.Context, measurementID string) (identity.Handle, error)
	// IncompleteMeasurements lists measurements with at least one incomplete
	// agent row created before the given time.
	IncompleteMeasurements(ctx context.Context, olderThan time.Time) ([]string, error)
	// DeleteMeasurement removes the measurement's rows, releasing the quota
	// they reserved. Used as compensating cleanup when dispatch ultimately
	// fails; reports the number of rows removed.
	DeleteMeasurement(ctx context.Context, measurementID string,
		handle identity.Handle) (int, error)
}
