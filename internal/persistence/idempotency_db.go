package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// dedupQueryTimeout bounds the cold-tier lookup so a slow database cannot
// stall the single-threaded core. The core treats a timeout as "not a
// duplicate"; the event log's conflict handling absorbs any replay.
const dedupQueryTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker is the cold tier of command deduplication,
// answering for keys that aged out of the core's LRU. It satisfies
// core.DBIdempotencyChecker.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether a command already landed in the event log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupQueryTimeout)
	defer cancel()

	var one int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM venue.events
		WHERE command_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, commandType, idempotencyKey).Scan(&one)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
