package storage

import (
	"errors"
	"fmt"
)

// Storage failures fall into three classes. Unreachable means the
// cluster could not be dialed or pinged and a retry may succeed.
// Query failures cover reads, insert failures cover batches that
// already consumed their events.
var (
	ErrUnreachable  = errors.New("storage: clickhouse unreachable")
	ErrQueryFailed  = errors.New("storage: query failed")
	ErrInsertFailed = errors.New("storage: insert failed")
)

// Unreachablef wraps a dial or ping failure with the operation that hit it.
func Unreachablef(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnreachable, err)
}

// QueryFailedf wraps a read failure with the operation and table it targeted.
func QueryFailedf(op, table string, err error) error {
	return fmt.Errorf("%s(%s): %w: %v", op, table, ErrQueryFailed, err)
}

// InsertFailedf wraps a write failure with the table and the number of
// attempts made before giving up.
func InsertFailedf(table string, attempts int, err error) error {
	return fmt.Errorf("insert into %s after %d attempts: %w: %v", table, attempts, ErrInsertFailed, err)
}

// IsUnreachable reports whether err is or wraps ErrUnreachable.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsQueryFailed reports whether err is or wraps ErrQueryFailed.
func IsQueryFailed(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

// IsInsertFailed reports whether err is or wraps ErrInsertFailed.
func IsInsertFailed(err error) bool {
	return errors.Is(err, ErrInsertFailed)
}
