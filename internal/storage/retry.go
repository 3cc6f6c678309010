package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
	sqlstateReadOnly            = "25006"
	sqlstateSerialization       = "40001"
	sqlstateDeadlock            = "40P01"
)

// retryable reports whether err is transient contention worth another attempt.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlstateSerialization || pgErr.Code == sqlstateDeadlock
}

// mapErr translates driver errors into the storage sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUniqueViolation:
			return ErrAlreadyExists
		case sqlstateForeignKeyViolation:
			return ErrNotFound
		case sqlstateReadOnly:
			return ErrReadOnly
		}
	}
	return err
}

// withRetry runs op until it succeeds, fails with a non-retryable error, or
// exhausts maxRetries additional attempts.
func withRetry(ctx context.Context, maxRetries uint64, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil || retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
