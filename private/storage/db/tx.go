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

package db

import (
	"context"
	"database/sql"
)

// DoInTx runs the given action inside a transaction on db and commits it. If
// the action returns an error the transaction is rolled back and the action's
// error is returned. The action must not commit or roll back itself.
func DoInTx(ctx context.Context, db *sql.DB, action func(context.Context, *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewTxError("create tx", err)
	}
	if err := action(ctx, tx); err != nil {
		if errRollback := tx.Rollback(); errRollback != nil {
			return NewTxError("rollback", errRollback, "actionErr", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return NewTxError("commit", err)
	}
	return nil
}
