// Package store persists exchange records. Every mutation that decides who
// may touch a record is a single conditional UPDATE, so two callers racing
// for the same offer can never both win.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"

	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

// Record is one offer/answer exchange. Offer and Answer are sealed blobs.
type Record struct {
	ID               uuid.UUID
	Owner            models.OwnerID
	OffererClientID  uuid.UUID
	Role             models.Role
	AnswererClientID *uuid.UUID
	Offer            []byte
	Answer           []byte
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        *time.Time
	DeletedAt        *time.Time
}

// Store runs transactions against the exchange table.
type Store interface {
	// InTx runs fn inside an IMMEDIATE transaction. A non-nil error from
	// fn rolls everything back and is returned unchanged.
	InTx(ctx context.Context, fn func(Tx) error) error

	// View runs fn inside a deferred read transaction.
	View(ctx context.Context, fn func(Tx) error) error

	// AgeOut soft-deletes every live record created before olderThan and
	// marks it expired. It returns the number of records touched.
	AgeOut(ctx context.Context, olderThan time.Time) (int, error)

	Close() error
}

// Tx is the set of operations available inside a transaction. All of them
// are scoped to one owner.
type Tx interface {
	// InsertOffer soft-deletes the caller's previous unclaimed, unanswered
	// offer and stores a new one.
	InsertOffer(owner models.OwnerID, offererClientID uuid.UUID, role models.Role, offer []byte) (uuid.UUID, error)

	// ClaimPending marks every matchable offer of targetRole as claimed by
	// claimant and returns how many it took. Offers from the claimant
	// itself, from excluded clients, or older than validity are skipped.
	ClaimPending(owner models.OwnerID, targetRole models.Role, claimant uuid.UUID, exclude []uuid.UUID, validity time.Duration) (int, error)

	// GetClaimedUnanswered lists offers claimed by claimant that still
	// await an answer, oldest first.
	GetClaimedUnanswered(owner models.OwnerID, claimant uuid.UUID) ([]Record, error)

	// ReleaseClaim returns the claimant's unanswered claims to the pool.
	ReleaseClaim(owner models.OwnerID, claimant uuid.UUID) (int, error)

	// SetAnswer stores an answer. It reports false when the record is no
	// longer claimed by claimant or was already answered.
	SetAnswer(owner models.OwnerID, id uuid.UUID, claimant uuid.UUID, answer []byte) (bool, error)

	// GetAnswer returns the live record id offered by offererClientID, or
	// nil when it is absent, foreign or deleted. Answer is nil until set.
	GetAnswer(owner models.OwnerID, offererClientID uuid.UUID, id uuid.UUID) (*Record, error)

	// Get returns the record regardless of deletion, or nil.
	Get(owner models.OwnerID, offererClientID uuid.UUID, id uuid.UUID) (*Record, error)

	SoftDelete(owner models.OwnerID, offererClientID uuid.UUID, id uuid.UUID) (bool, error)
	SoftDeleteUnclaimed(owner models.OwnerID, offererClientID uuid.UUID) (int, error)
}

// Error wraps a storage failure with the operation that hit it.
type Error struct {
	Op   string
	Code sqlite.ResultCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether retrying the whole transaction may succeed.
func (e *Error) Transient() bool {
	switch e.Code.ToPrimary() {
	case sqlite.ResultBusy, sqlite.ResultLocked:
		return true
	}
	return false
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return err
	}
	return &Error{Op: op, Code: sqlite.ErrCode(err), Err: err}
}

// IsTransient reports whether err is a storage error worth one retry.
func IsTransient(err error) bool {
	var storeErr *Error
	return errors.As(err, &storeErr) && storeErr.Transient()
}
