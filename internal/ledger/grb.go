package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GRBRow is one gamma-ray-burst reception row.
type GRBRow struct {
	ID             int64
	TriggerID      string
	Mission        string
	PacketType     int
	RA             float64
	Dec            float64
	ErrorDeg       float64
	TriggerTime    time.Time
	ReceptionCount int
	ThreadTS       string
	Payload        []byte
	CreatedAt      time.Time
}

// GRBStore persists gamma-ray-burst receptions.
type GRBStore struct {
	db *sql.DB
}

// NewGRBStore wraps db in a GRB reception store.
func NewGRBStore(db *sql.DB) *GRBStore {
	return &GRBStore{db: db}
}

const grbColumns = `id, trigger_id, mission, packet_type, ra, dec, error_deg,
	COALESCE(trigger_time, 'epoch'::timestamptz), reception_count,
	COALESCE(thread_ts, ''), payload_xml, created_at`

func scanGRBRow(s rowScanner) (*GRBRow, error) {
	var r GRBRow
	if err := s.Scan(
		&r.ID,
		&r.TriggerID,
		&r.Mission,
		&r.PacketType,
		&r.RA,
		&r.Dec,
		&r.ErrorDeg,
		&r.TriggerTime,
		&r.ReceptionCount,
		&r.ThreadTS,
		&r.Payload,
		&r.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

// GRBReception carries the parsed fields recorded alongside the raw notice.
type GRBReception struct {
	TriggerID   string
	Mission     string
	PacketType  int
	RA          float64
	Dec         float64
	ErrorDeg    float64
	TriggerTime time.Time
	Payload     []byte
}

// Append inserts a new reception row, carrying forward the latest row's
// thread_ts and incrementing its reception count.
func (s *GRBStore) Append(ctx context.Context, rec GRBReception) (*GRBRow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback()

	var threadTS sql.NullString
	count := 0
	err = tx.QueryRowContext(ctx,
		`SELECT thread_ts, reception_count FROM grb_alerts
		 WHERE trigger_id = $1 ORDER BY id DESC LIMIT 1`,
		rec.TriggerID).Scan(&threadTS, &count)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read latest reception of %s: %w", rec.TriggerID, err)
	}

	var triggerTime interface{}
	if !rec.TriggerTime.IsZero() {
		triggerTime = rec.TriggerTime
	}

	row := &GRBRow{
		TriggerID:      rec.TriggerID,
		Mission:        rec.Mission,
		PacketType:     rec.PacketType,
		RA:             rec.RA,
		Dec:            rec.Dec,
		ErrorDeg:       rec.ErrorDeg,
		TriggerTime:    rec.TriggerTime,
		ReceptionCount: count + 1,
		ThreadTS:       threadTS.String,
		Payload:        rec.Payload,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO grb_alerts (trigger_id, mission, packet_type, ra, dec, error_deg,
			trigger_time, reception_count, thread_ts, payload_xml)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at`,
		rec.TriggerID, rec.Mission, rec.PacketType, rec.RA, rec.Dec, rec.ErrorDeg,
		triggerTime, row.ReceptionCount, threadTS, rec.Payload).
		Scan(&row.ID, &row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append reception of %s: %w", rec.TriggerID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append of %s: %w", rec.TriggerID, err)
	}
	return row, nil
}

// Latest returns the newest reception row for triggerID, nil when the trigger
// has never been received.
func (s *GRBStore) Latest(ctx context.Context, triggerID string) (*GRBRow, error) {
	row, err := scanGRBRow(s.db.QueryRowContext(ctx,
		`SELECT `+grbColumns+` FROM grb_alerts
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
func (s *GRBStore) All(ctx context.Context, triggerID string) ([]*GRBRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+grbColumns+` FROM grb_alerts
		 WHERE trigger_id = $1 ORDER BY id ASC`,
		triggerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list receptions of %s: %w", triggerID, err)
	}
	defer rows.Close()

	var out []*GRBRow
	for rows.Next() {
		r, err := scanGRBRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reception of %s: %w", triggerID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FirstByPacketType returns the earliest reception of the given packet type
// for triggerID, nil when none arrived yet.
func (s *GRBStore) FirstByPacketType(ctx context.Context, triggerID string, packetType int) (*GRBRow, error) {
	row, err := scanGRBRow(s.db.QueryRowContext(ctx,
		`SELECT `+grbColumns+` FROM grb_alerts
		 WHERE trigger_id = $1 AND packet_type = $2 ORDER BY id ASC LIMIT 1`,
		triggerID, packetType))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get packet %d reception of %s: %w", packetType, triggerID, err)
	}
	return row, nil
}

// SetThreadTS records the thread timestamp on the row, first writer wins.
func (s *GRBStore) SetThreadTS(ctx context.Context, id int64, ts string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE grb_alerts SET thread_ts = $2 WHERE id = $1 AND thread_ts IS NULL`,
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
