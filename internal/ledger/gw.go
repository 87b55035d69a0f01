package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// GWRow is one gravitational-wave reception row. ThreadTS, MessageTS and
// FolderURL are empty until the corresponding Set call succeeds.
type GWRow struct {
	ID             int64
	TriggerID      string
	ReceptionCount int
	ThreadTS       string
	MessageTS      string
	FolderURL      string
	ProcessRunning bool
	Payload        []byte
	CreatedAt      time.Time
}

// GWStore persists gravitational-wave receptions.
type GWStore struct {
	db *sql.DB
}

// NewGWStore wraps db in a GW reception store.
func NewGWStore(db *sql.DB) *GWStore {
	return &GWStore{db: db}
}

const gwColumns = `id, trigger_id, reception_count,
	COALESCE(thread_ts, ''), COALESCE(message_ts, ''), COALESCE(owncloud_url, ''),
	is_process_running, payload_json, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGWRow(s rowScanner) (*GWRow, error) {
	var r GWRow
	if err := s.Scan(
		&r.ID,
		&r.TriggerID,
		&r.ReceptionCount,
		&r.ThreadTS,
		&r.MessageTS,
		&r.FolderURL,
		&r.ProcessRunning,
		&r.Payload,
		&r.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// Append inserts a new reception row for triggerID, carrying forward the
// latest row's thread_ts and incrementing its reception count. The first
// reception of a trigger gets count 1 and no thread.
func (s *GWStore) Append(ctx context.Context, triggerID string, payload []byte) (*GWRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var threadTS sql.NullString
	count := 0
	err = tx.QueryRowContext(ctx,
		`SELECT thread_ts, reception_count FROM gw_alerts
		 WHERE trigger_id = $1 ORDER BY id DESC LIMIT 1`,
		triggerID).Scan(&threadTS, &count)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read latest reception of %s: %w", triggerID, err)
	}

	row := &GWRow{
		TriggerID:      triggerID,
		ReceptionCount: count + 1,
		ThreadTS:       threadTS.String,
		Payload:        payload,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO gw_alerts (trigger_id, reception_count, thread_ts, payload_json)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		triggerID, row.ReceptionCount, threadTS, payload).Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append reception of %s: %w", triggerID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append of %s: %w", triggerID, err)
	}
	return row, nil
}

// Latest returns the newest reception row for triggerID, nil when the trigger
// has never been received.
func (s *GWStore) Latest(ctx context.Context, triggerID string) (*GWRow, error) {
	row, err := scanGWRow(s.db.QueryRowContext(ctx,
		`SELECT `+gwColumns+` FROM gw_alerts
		 WHERE trigger_id = $1 ORDER BY id DESC LIMIT 1`,
		triggerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reception of %s: %w", triggerID, err)
	}
	return row, nil
}

// All returns every reception row for triggerID in arrival order.
func (s *GWStore) All(ctx context.Context, triggerID string) ([]*GWRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+gwColumns+` FROM gw_alerts
		 WHERE trigger_id = $1 ORDER BY id ASC`,
		triggerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receptions of %s: %w", triggerID, err)
	}
	defer rows.Close()

	var out []*GWRow
	for rows.Next() {
		r, err := scanGWRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reception of %s: %w", triggerID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ByMessageTS resolves the reception row whose Slack message carries ts,
// nil when no row owns it.
func (s *GWStore) ByMessageTS(ctx context.Context, ts string) (*GWRow, error) {
	row, err := scanGWRow(s.db.QueryRowContext(ctx,
		`SELECT `+gwColumns+` FROM gw_alerts WHERE message_ts = $1`, ts))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve message ts %s: %w", ts, err)
	}
	return row, nil
}

// SetThreadTS records the thread timestamp on the row, first writer wins.
// Returns false when the row already carries a thread.
func (s *GWStore) SetThreadTS(ctx context.Context, id int64, ts string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gw_alerts SET thread_ts = $2 WHERE id = $1 AND thread_ts IS NULL`,
		id, ts)
	if err != nil {
		return false, fmt.Errorf("failed to set thread ts on row %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// SetMessageTS records the per-reception message timestamp. The column is
// unique, so a timestamp already owned by another row fails the call.
func (s *GWStore) SetMessageTS(ctx context.Context, id int64, ts string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gw_alerts SET message_ts = $2 WHERE id = $1`, id, ts)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("message ts %s already owned by another row: %w", ts, err)
		}
		return fmt.Errorf("failed to set message ts on row %d: %w", id, err)
	}
	return nil
}

// SetFolderURL records the storage folder URL. Unique, fail closed.
func (s *GWStore) SetFolderURL(ctx context.Context, id int64, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE gw_alerts SET owncloud_url = $2 WHERE id = $1`, id, url)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("folder url %s already owned by another row: %w", url, err)
		}
		return fmt.Errorf("failed to set folder url on row %d: %w", id, err)
	}
	return nil
}

// SetProcessRunning flips the in-progress flag from expected to next.
// The compare-and-set narrows the race between the automatic path and the
// webhook path; it does not fully close it, since the check and the launch
// are separate steps.
func (s *GWStore) SetProcessRunning(ctx context.Context, id int64, expected, next bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE gw_alerts SET is_process_running = $3
		 WHERE id = $1 AND is_process_running = $2`,
		id, expected, next)
	if err != nil {
		return false, fmt.Errorf("failed to flip process flag on row %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
