package storage

import (
	"errors"

	"github.com/org/medgate/internal/errs"
)

// Classify maps a storage failure onto the caller-facing taxonomy. Errors that
// are already classified pass through.
func Classify(err error) error {
	var e *errs.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &e):
		return err
	case errors.Is(err, ErrAlreadyExists):
		return errs.Wrap(errs.Duplicate, err, "already exists")
	case errors.Is(err, ErrNotFound):
		return errs.Wrap(errs.NotFound, err, "not found")
	case errs.KindOf(err) == errs.InternalTimeout:
		return errs.Wrap(errs.InternalTimeout, err, "operation timed out")
	}
	return errs.Wrap(errs.Internal, err, "internal error")
}
