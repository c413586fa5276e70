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

// Package quota defines the per-identity probe quota ledger.
//
// Usage is not a counter of its own: it is derived as the sum of expected
// probes over the identity's measurement tracking rows. Reserving quota and
// creating tracking rows are therefore the same write, which is what makes
// the check-and-consume step atomic (see the tracker DB contract).
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/probemesh/gateway/gateway/identity"
)

// DefaultProbeLimit is the platform default limit applied when an identity
// submits for the first time.
const DefaultProbeLimit = 10000

// Limits is the stored per-identity quota record. One row per identity,
// created lazily on first submission, never deleted in normal operation.
type Limits struct {
	Handle     identity.Handle
	ProbeLimit int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WindowStats are submission counts over a trailing interval. They are
// read-side reporting only and never gate acceptance.
type WindowStats struct {
	Submissions int64 `json:"submissions"`
	Probes      int64 `json:"probes"`
}

// UsageStats is the usage report for one identity.
type UsageStats struct {
	Handle identity.Handle `json:"identity"`
	Limit  int64           `json:"limit"`
	// Used is the all-time probe total, the same aggregate the
	// accept/reject decision is based on.
	Used  int64       `json:"used"`
	Day   WindowStats `json:"last_24h"`
	Week  WindowStats `json:"last_7d"`
	Month WindowStats `json:"last_30d"`
}

// ExceededError is returned when a submission would push an identity over its
// limit. It is a terminal, client-visible rejection, distinct from retriable
// infrastructure errors.
type ExceededError struct {
	Used      int64
	Limit     int64
	Requested int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("probe quota exceeded: used %d of %d, requested %d",
		e.Used, e.Limit, e.Requested)
}

// DB is the quota ledger storage interface.
type DB interface {
	// Limit returns the identity's configured limit, creating a
	// default-limit record if none exists. Safe under creation races.
	Limit(ctx context.Context, handle identity.Handle) (int64, error)
	// SetLimit overrides the identity's limit (administrative operation).
	SetLimit(ctx context.Context, handle identity.Handle, limit int64) error
	// UsageStats reports limit, all-time usage and rolling window counts.
	UsageStats(ctx context.Context, handle identity.Handle, now time.Time) (UsageStats, error)
}
