// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Record is the persisted form of a session.
type Record struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	LastSequence uint64
}

// Store persists session records so that sessions and their sequence
// numbering survive restarts. Lock state is never persisted.
type Store interface {
	Load(ctx context.Context) ([]Record, error)
	Save(ctx context.Context, rec Record) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// SQLStore implements Store on a SQL database.
// Concurrency is handled by the database; the registry never calls it for
// the same session from two goroutines at once.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS kaiak_sessions (
    id VARCHAR(255) NOT NULL PRIMARY KEY,
    created_at TIMESTAMP NOT NULL,
    last_activity TIMESTAMP NOT NULL,
    last_sequence BIGINT NOT NULL DEFAULT 0
)`

// NewSQLStore creates the session table if needed and returns a store.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createSessionsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Load returns every persisted session.
func (s *SQLStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, last_activity, last_sequence FROM kaiak_sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec Record
			seq int64
		)
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.LastActivity, &seq); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.LastSequence = uint64(seq)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	return records, nil
}

// Save inserts or updates a session record.
func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, s.upsertQuery(),
		rec.ID, rec.CreatedAt.UTC(), rec.LastActivity.UTC(), int64(rec.LastSequence))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a session record. Deleting a missing record is not an error.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.deleteQuery(), id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) upsertQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO kaiak_sessions (id, created_at, last_activity, last_sequence)
                VALUES ($1, $2, $3, $4)
                ON CONFLICT (id) DO UPDATE SET last_activity = $3, last_sequence = $4`
	case "mysql":
		return `INSERT INTO kaiak_sessions (id, created_at, last_activity, last_sequence)
                VALUES (?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE last_activity = VALUES(last_activity), last_sequence = VALUES(last_sequence)`
	default: // sqlite
		return `INSERT INTO kaiak_sessions (id, created_at, last_activity, last_sequence)
                VALUES (?, ?, ?, ?)
                ON CONFLICT (id) DO UPDATE SET last_activity = excluded.last_activity, last_sequence = excluded.last_sequence`
	}
}

func (s *SQLStore) deleteQuery() string {
	switch s.dialect {
	case "postgres":
		return `DELETE FROM kaiak_sessions WHERE id = $1`
	default:
		return `DELETE FROM kaiak_sessions WHERE id = ?`
	}
}
