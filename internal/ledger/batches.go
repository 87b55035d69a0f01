package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// BatchStore is the fan-in barrier for observation-plan batches. A batch row
// counts how many per-group plan jobs finished; the single worker that wins
// ClaimCleanup enqueues the cleanup job.
type BatchStore struct {
	db *sql.DB
}

// NewBatchStore wraps db in a plan-batch barrier store.
func NewBatchStore(db *sql.DB) *BatchStore {
	return &BatchStore{db: db}
}

// Create registers a new batch of total plan jobs for triggerID.
func (s *BatchStore) Create(ctx context.Context, batchID, triggerID string, total int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_batches (id, trigger_id, total) VALUES ($1, $2, $3)`,
		batchID, triggerID, total)
	if err != nil {
		return fmt.Errorf("failed to create plan batch %s: %w", batchID, err)
	}
	return nil
}

// MarkDone records one finished plan job on the batch, failed or not, and
// reports whether the batch is now complete.
func (s *BatchStore) MarkDone(ctx context.Context, batchID string, failed bool) (complete bool, err error) {
	var completed, total int
	err = s.db.QueryRowContext(ctx,
		`UPDATE plan_batches
		 SET completed = completed + 1,
		     failed = failed + CASE WHEN $2 THEN 1 ELSE 0 END
		 WHERE id = $1
		 RETURNING completed, total`,
		batchID, failed).Scan(&completed, &total)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("plan batch not found: %s", batchID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark plan batch %s: %w", batchID, err)
	}
	return completed >= total, nil
}

// ClaimCleanup flips the cleanup flag on a complete batch. Exactly one caller
// gets true; later callers and callers on incomplete batches get false.
func (s *BatchStore) ClaimCleanup(ctx context.Context, batchID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plan_batches SET cleanup_enqueued = TRUE
		 WHERE id = $1 AND completed >= total AND NOT cleanup_enqueued`,
		batchID)
	if err != nil {
		return false, fmt.Errorf("failed to claim cleanup of batch %s: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// FailedCount returns how many plan jobs of the batch reported failure.
func (s *BatchStore) FailedCount(ctx context.Context, batchID string) (int, error) {
	var failed int
	err := s.db.QueryRowContext(ctx,
		`SELECT failed FROM plan_batches WHERE id = $1`, batchID).Scan(&failed)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("plan batch not found: %s", batchID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read plan batch %s: %w", batchID, err)
	}
	return failed, nil
}
