// Package ledger is the reception ledger: one append-only row per received
// notice, grouped by trigger id. Rows are never updated in place except for
// the Slack coordinates (thread_ts, message_ts), the storage folder URL and
// the in-progress flag; rows are never deleted.
package ledger

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// Open opens a Postgres connection and verifies it with a ping.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS gw_alerts (
		id BIGSERIAL PRIMARY KEY,
		trigger_id TEXT NOT NULL,
		reception_count INT NOT NULL,
		thread_ts TEXT,
		message_ts TEXT UNIQUE,
		owncloud_url TEXT UNIQUE,
		is_process_running BOOLEAN NOT NULL DEFAULT FALSE,
		payload_json JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS gw_alerts_trigger_id_idx ON gw_alerts (trigger_id)`,
	`CREATE TABLE IF NOT EXISTS grb_alerts (
		id BIGSERIAL PRIMARY KEY,
		trigger_id TEXT NOT NULL,
		mission TEXT NOT NULL,
		packet_type INT NOT NULL,
		ra DOUBLE PRECISION NOT NULL,
		dec DOUBLE PRECISION NOT NULL,
		error_deg DOUBLE PRECISION NOT NULL,
		trigger_time TIMESTAMPTZ,
		reception_count INT NOT NULL,
		thread_ts TEXT,
		payload_xml TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS grb_alerts_trigger_id_idx ON grb_alerts (trigger_id)`,
	`CREATE TABLE IF NOT EXISTS plan_batches (
		id TEXT PRIMARY KEY,
		trigger_id TEXT NOT NULL,
		total INT NOT NULL,
		completed INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		cleanup_enqueued BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// InitSchema creates the ledger tables when they do not exist yet.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply ledger schema: %w", err)
		}
	}
	return nil
}
