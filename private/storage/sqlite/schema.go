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

package sqlite

const (
	// SchemaVersion is the version of the SQLite schema understood by this
	// backend. Whenever changing the schema the version MUST be bumped.
	SchemaVersion = 1

	// Schema is the SQLite database layout. Both tables live in one database
	// so that quota reservation (a sum over tracking rows) and row creation
	// commit in the same transaction.
	Schema = `
	CREATE TABLE user_limits (
		user_hash TEXT NOT NULL PRIMARY KEY,
		probe_limit INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TRIGGER user_limits_touch_updated_at
	AFTER UPDATE OF probe_limit ON user_limits
	BEGIN
		UPDATE user_limits SET updated_at = unixepoch()
		WHERE user_hash = NEW.user_hash;
	END;

	CREATE TABLE measurement_agents (
		measurement_id TEXT NOT NULL,
		user_hash TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		expected_probes INTEGER NOT NULL,
		sent_probes INTEGER NOT NULL DEFAULT 0,
		is_complete INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (measurement_id, user_hash, agent_id)
	);

	CREATE INDEX idx_measurement_agents_usage
	ON measurement_agents (user_hash, created_at);

	CREATE INDEX idx_measurement_agents_incomplete
	ON measurement_agents (is_complete, created_at);
	`
)
