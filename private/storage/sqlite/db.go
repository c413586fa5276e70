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

// Package sqlite implements the quota ledger and measurement tracker on a
// single sqlite database.
package sqlite

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/probemesh/gateway/gateway/identity"
	"github.com/probemesh/gateway/gateway/quota"
	"github.com/probemesh/gateway/gateway/tracker"
	"github.com/probemesh/gateway/private/storage/db"
)

var (
	_ quota.DB   = (*Backend)(nil)
	_ tracker.DB = (*Backend)(nil)
)

// Backend is the sqlite storage backend. The write pool holds a single
// connection and transactions start immediate, so concurrent
// check-then-write sequences serialize on the database rather than on
// process-local locks (the store is shared by all gateway instances).
type Backend struct {
	db           *db.Sqlite
	defaultLimit int64
}

// New opens (or creates) the database at the given path. If the schema
// version of an existing database does not match SchemaVersion an error is
// returned. Identities without a limits row are treated as having
// defaultLimit.
func New(path string, defaultLimit int64, cfg *db.SqliteConfig) (*Backend, error) {
	if defaultLimit <= 0 {
		defaultLimit = quota.DefaultProbeLimit
	}
	sdb, err := db.NewSqlite(path, cfg)
	if err != nil {
		return nil, err
	}
	if err := sdb.Setup(Schema, SchemaVersion); err != nil {
		sdb.Close()
		return nil, err
	}
	return &Backend{db: sdb, defaultLimit: defaultLimit}, nil
}

// DB returns the underlying write handle.
func (b *Backend) DB() *sql.DB {
	return b.db.Full
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Limit implements quota.DB. The limits row is created lazily with the
// default limit; a duplicate-key race resolves by re-reading the winner's
// row.
func (b *Backend) Limit(ctx context.Context, handle identity.Handle) (int64, error) {
	var limit int64
	err := db.DoInTx(ctx, b.db.Full, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		limit, err = ensureLimits(ctx, tx, handle, b.defaultLimit, time.Now())
		return err
	})
	return limit, err
}

// SetLimit implements quota.DB.
func (b *Backend) SetLimit(ctx context.Context, handle identity.Handle, limit int64) error {
	if limit <= 0 {
		return db.NewInputDataError("limit must be positive", nil, "limit", limit)
	}
	now := time.Now().Unix()
	query := `
	INSERT INTO user_limits (user_hash, probe_limit, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (user_hash) DO UPDATE SET probe_limit = excluded.probe_limit
	`
	if _, err := b.db.Full.ExecContext(ctx, query, handle, limit, now, now); err != nil {
		return db.NewWriteError("set limit", err)
	}
	return nil
}

func ensureLimits(ctx context.Context, tx *sql.Tx, handle identity.Handle,
	defaultLimit int64, now time.Time) (int64, error) {

	insert := `
	INSERT INTO user_limits (user_hash, probe_limit, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (user_hash) DO NOTHING
	`
	if _, err := tx.ExecContext(ctx, insert, handle, defaultLimit,
		now.Unix(), now.Unix()); err != nil {

		return 0, db.NewWriteError("create limits row", err)
	}
	var limit int64
	query := `SELECT probe_limit FROM user_limits WHERE user_hash = ?`
	if err := tx.QueryRowContext(ctx, query, handle).Scan(&limit); err != nil {
		return 0, db.NewReadError("read limit", err)
	}
	return limit, nil
}

// CreateMeasurement implements tracker.DB. The quota check and the row
// upserts run in one immediate transaction; two concurrent submissions near
// the limit serialize on the write connection, so only the first one that
// fits is accepted. The usage sum excludes rows of the measurement itself,
// which makes a replayed call a strict no-op.
func (b *Backend) CreateMeasurement(ctx context.Context, handle identity.Handle,
	measurementID string, assignments map[string]int64) error {

	if measurementID == "" {
		return db.NewInputDataError("empty measurement id", nil)
	}
	var total int64
	agents := make([]string, 0, len(assignments))
	for agent, expected := range assignments {
		if expected <= 0 {
			return db.NewInputDataError("expected count must be positive", nil,
				"agent", agent, "expected", expected)
		}
		agents = append(agents, agent)
		total += expected
	}
	sort.Strings(agents)

	now := time.Now()
	return db.DoInTx(ctx, b.db.Full, func(ctx context.Context, tx *sql.Tx) error {
		limit, err := ensureLimits(ctx, tx, handle, b.defaultLimit, now)
		if err != nil {
			return err
		}
		var used int64
		usedQuery := `
		SELECT COALESCE(SUM(expected_probes), 0) FROM measurement_agents
		WHERE user_hash = ? AND measurement_id != ?
		`
		err = tx.QueryRowContext(ctx, usedQuery, handle, measurementID).Scan(&used)
		if err != nil {
			return db.NewReadError("read usage", err)
		}
		if used+total > limit {
			return &quota.ExceededError{Used: used, Limit: limit, Requested: total}
		}

		insert := `
		INSERT INTO measurement_agents
			(measurement_id, user_hash, agent_id, expected_probes, sent_probes,
			 is_complete, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT (measurement_id, user_hash, agent_id) DO NOTHING
		`
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return db.NewWriteError("prepare insert tracking row", err)
		}
		defer stmt.Close()
		for _, agent := range agents {
			_, err := stmt.ExecContext(ctx, measurementID, handle, agent,
				assignments[agent], now.Unix(), now.Unix())
			if err != nil {
				return db.NewWriteError("insert tracking row", err,
					"measurement", measurementID, "agent", agent)
			}
		}
		return nil
	})
}

// ReportProgress implements tracker.DB. The increment and the completion
// latch are one UPDATE, so deltas commute and completion never unlatches
// regardless of arrival order.
func (b *Backend) ReportProgress(ctx context.Context, measurementID string,
	handle identity.Handle, agentID string, sentDelta int64) (tracker.Row, error) {

	if sentDelta < 0 {
		return tracker.Row{}, db.NewInputDataError("negative progress delta", nil,
			"delta", sentDelta)
	}
	query := `
	UPDATE measurement_agents
	SET sent_probes = sent_probes + ?1,
		is_complete = MAX(is_complete, sent_probes + ?1 >= expected_probes),
		updated_at = ?2
	WHERE measurement_id = ?3 AND user_hash = ?4 AND agent_id = ?5
	RETURNING expected_probes, sent_probes, is_complete, created_at, updated_at
	`
	row := tracker.Row{
		MeasurementID: measurementID,
		Handle:        handle,
		AgentID:       agentID,
	}
	var isComplete int
	var createdAt, updatedAt int64
	err := b.db.Full.QueryRowContext(ctx, query, sentDelta, time.Now().Unix(),
		measurementID, handle, agentID).
		Scan(&row.ExpectedProbes, &row.SentProbes, &isComplete, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return tracker.Row{}, tracker.ErrUnknownAgent
	}
	if err != nil {
		return tracker.Row{}, db.NewWriteError("apply progress", err,
			"measurement", measurementID, "agent", agentID)
	}
	row.IsComplete = isComplete != 0
	row.CreatedAt = time.Unix(createdAt, 0)
	row.UpdatedAt = time.Unix(updatedAt, 0)
	return row, nil
}

// Status implements tracker.DB. The aggregate runs directly on the store so
// it reflects every committed progress report.
func (b *Backend) Status(ctx context.Context, measurementID string) (tracker.Status, error) {
	query := `
	SELECT COUNT(*), COALESCE(SUM(expected_probes), 0), COALESCE(SUM(sent_probes), 0),
		COALESCE(SUM(is_complete), 0)
	FROM measurement_agents
	WHERE measurement_id = ?
	`
	s := tracker.Status{MeasurementID: measurementID}
	err := b.db.ReadOnly.QueryRowContext(ctx, query, measurementID).
		Scan(&s.AgentsTotal, &s.ExpectedProbes, &s.SentProbes, &s.AgentsComplete)
	if err != nil {
		return tracker.Status{}, db.NewReadError("read status", err,
			"measurement", measurementID)
	}
	if s.AgentsTotal == 0 {
		return tracker.Status{}, tracker.ErrMeasurementNotFound
	}
	s.Complete = s.AgentsComplete == s.AgentsTotal
	return s, nil
}

// MeasurementOwner implements tracker.DB. The unique triple guarantees one
// owner per measurement id.
func (b *Backend) MeasurementOwner(ctx context.Context,
	measurementID string) (identity.Handle, error) {

	query := `
	SELECT user_hash FROM measurement_agents WHERE measurement_id = ? LIMIT 1
	`
	var handle identity.Handle
	err := b.db.ReadOnly.QueryRowContext(ctx, query, measurementID).Scan(&handle)
	if err == sql.ErrNoRows {
		return "", tracker.ErrMeasurementNotFound
	}
	if err != nil {
		return "", db.NewReadError("read measurement owner", err,
			"measurement", measurementID)
	}
	return handle, nil
}

// IncompleteMeasurements implements tracker.DB.
func (b *Backend) IncompleteMeasurements(ctx context.Context,
	olderThan time.Time) ([]string, error) {

	query := `
	SELECT DISTINCT measurement_id FROM measurement_agents
	WHERE is_complete = 0 AND created_at < ?
	ORDER BY measurement_id
	`
	rows, err := b.db.ReadOnly.QueryContext(ctx, query, olderThan.Unix())
	if err != nil {
		return nil, db.NewReadError("list incomplete measurements", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, db.NewReadError("scan measurement id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, db.NewReadError("iterate incomplete measurements", err)
	}
	return ids, nil
}

// DeleteMeasurement implements tracker.DB.
func (b *Backend) DeleteMeasurement(ctx context.Context, measurementID string,
	handle identity.Handle) (int, error) {

	query := `DELETE FROM measurement_agents WHERE measurement_id = ? AND user_hash = ?`
	res, err := b.db.Full.ExecContext(ctx, query, measurementID, handle)
	if err != nil {
		return 0, db.NewWriteError("delete tracking rows", err,
			"measurement", measurementID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, db.NewWriteError("count deleted rows", err)
	}
	return int(n), nil
}

// UsageStats implements quota.DB. Rolling windows are computed from the
// tracking rows' creation times; they are eventually consistent reporting
// and never part of the accept/reject decision.
func (b *Backend) UsageStats(ctx context.Context, handle identity.Handle,
	now time.Time) (quota.UsageStats, error) {

	stats := quota.UsageStats{Handle: handle, Limit: b.defaultLimit}

	limitQuery := `SELECT probe_limit FROM user_limits WHERE user_hash = ?`
	err := b.db.ReadOnly.QueryRowContext(ctx, limitQuery, handle).Scan(&stats.Limit)
	if err != nil && err != sql.ErrNoRows {
		return quota.UsageStats{}, db.NewReadError("read limit", err)
	}

	usedQuery := `
	SELECT COALESCE(SUM(expected_probes), 0) FROM measurement_agents
	WHERE user_hash = ?
	`
	err = b.db.ReadOnly.QueryRowContext(ctx, usedQuery, handle).Scan(&stats.Used)
	if err != nil {
		return quota.UsageStats{}, db.NewReadError("read usage", err)
	}

	windows := []struct {
		out   *quota.WindowStats
		since time.Time
	}{
		{&stats.Day, now.Add(-24 * time.Hour)},
		{&stats.Week, now.Add(-7 * 24 * time.Hour)},
		{&stats.Month, now.Add(-30 * 24 * time.Hour)},
	}
	windowQuery := `
	SELECT COUNT(DISTINCT measurement_id), COALESCE(SUM(expected_probes), 0)
	FROM measurement_agents
	WHERE user_hash = ? AND created_at >= ?
	`
	for _, w := range windows {
		err := b.db.ReadOnly.QueryRowContext(ctx, windowQuery, handle, w.since.Unix()).
			Scan(&w.out.Submissions, &w.out.Probes)
		if err != nil {
			return quota.UsageStats{}, db.NewReadError("read usage window", err)
		}
	}
	return stats, nil
}
