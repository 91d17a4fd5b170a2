package exchange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("exchange not found")
	ErrConflict        = errors.New("exchange no longer claimed by caller")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidRole     = errors.New("invalid role")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrStorage         = errors.New("storage failure")
	ErrTooManyPolls    = errors.New("too many concurrent answer polls")
)

// ConflictError lists the submissions of an answer batch that could not be
// applied. The whole batch was rolled back.
type ConflictError struct {
	ExchangeIDs []uuid.UUID
}

func (e *ConflictError) Error() string {
	ids := make([]string, len(e.ExchangeIDs))
	for i, id := range e.ExchangeIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("%v: %s", ErrConflict, strings.Join(ids, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }
