package errors

import (
	"context"
	"errors"

	"github.com/terraprisma/api/internal/core"
)

// MapStoreError maps document store errors to AppError instances:
//   - core.ErrDocNotFound → NotFound
//   - core.ErrTxConflict → Conflict
//   - context deadline/cancellation → Timeout/Canceled
//
// Unrecognized errors pass through unchanged.
func MapStoreError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{
			Code:    ErrCodeTimeout,
			Message: "Request timed out. Please try again.",
			Cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{
			Code:    ErrCodeCanceled,
			Message: "Request was canceled.",
			Cause:   err,
		}
	}

	if errors.Is(err, core.ErrDocNotFound) {
		return &AppError{
			Code:    ErrCodeNotFound,
			Message: "Resource not found",
			Cause:   err,
		}
	}
	if errors.Is(err, core.ErrTxConflict) {
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "Concurrent update conflict. Please retry.",
			Cause:   err,
		}
	}

	return err
}
