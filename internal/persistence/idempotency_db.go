package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker is the cold tier of the two-tier dedup scheme.
// The engine consults it only on an LRU miss, so the query path has a tight
// timeout and an index on idempotency_key.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db: db,
	}
}

// IsDuplicate checks if the instruction already produced an event. The
// lookup keys on idempotency_key alone: instruction type names and stored
// event type names differ (OpenDeal produces DealOpened), and the key is
// globally unique regardless.
func (pic *PostgresIdempotencyChecker) IsDuplicate(instructionType string, idempotencyKey string) (bool, error) {
	_ = instructionType

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE idempotency_key = $1
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
