// Package exchange implements the rendezvous protocol on top of the store:
// registering offers, pairing complementary roles, storing answers and
// serving them to the original offerer through bounded polling.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mossy-p/sdp-rendezvous/internal/clock"
	"github.com/mossy-p/sdp-rendezvous/internal/metrics"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
	"github.com/mossy-p/sdp-rendezvous/internal/payload"
	"github.com/mossy-p/sdp-rendezvous/internal/store"
)

// Config tunes the service. Zero fields take the defaults below.
type Config struct {
	// OfferValidity is how long a pending offer stays matchable.
	OfferValidity time.Duration
	// PollTimeout bounds a single GetAnswer call.
	PollTimeout time.Duration
	// PollInterval is the longest sleep between two store reads.
	PollInterval time.Duration
	// MaxConcurrentPolls caps the GetAnswer calls and answer streams
	// waiting at once.
	MaxConcurrentPolls int64
}

const (
	DefaultOfferValidity      = 60 * time.Minute
	DefaultPollTimeout        = 15 * time.Second
	DefaultPollInterval       = time.Second
	DefaultMaxConcurrentPolls = 256
)

// Offer is a decrypted offer as returned to clients.
type Offer struct {
	ID              uuid.UUID
	OffererClientID uuid.UUID
	Role            models.Role
	CreatedAt       time.Time
	SDP             []byte
}

// RegisterResult is the outcome of RegisterOffer. Registered is nil for a
// claim-only registration.
type RegisterResult struct {
	Registered *Offer
	Received   []Offer
}

// AnswerSubmission is one answer in a RegisterAnswer batch.
type AnswerSubmission struct {
	ExchangeID uuid.UUID
	SDP        []byte
}

// Answer is what the offerer receives once its exchange is answered.
type Answer struct {
	ExchangeID       uuid.UUID
	AnswererClientID uuid.UUID
	SDP              []byte
}

// Service is safe for concurrent use.
type Service struct {
	store    store.Store
	cipher   *payload.Cipher
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger
	cfg      Config
	polls    *semaphore.Weighted
}

// NewService wires a service. notifier may be nil, in which case an
// in-process notifier is used.
func NewService(st store.Store, cipher *payload.Cipher, notifier Notifier, clk clock.Clock, logger *slog.Logger, cfg Config) *Service {
	if cfg.OfferValidity <= 0 {
		cfg.OfferValidity = DefaultOfferValidity
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConcurrentPolls <= 0 {
		cfg.MaxConcurrentPolls = DefaultMaxConcurrentPolls
	}
	if notifier == nil {
		notifier = NewLocalNotifier()
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:    st,
		cipher:   cipher,
		notifier: notifier,
		clock:    clk,
		logger:   logger,
		cfg:      cfg,
		polls:    semaphore.NewWeighted(cfg.MaxConcurrentPolls),
	}
}

func checkCaller(caller models.Caller) error {
	if caller.UserID == "" || caller.ClientID == uuid.Nil {
		return ErrUnauthorized
	}
	if caller.Owner != models.OwnerFor(caller.UserID) {
		return fmt.Errorf("%w: owner does not match user", ErrUnauthorized)
	}
	return nil
}

// RegisterOffer stores the caller's offer (unless rawOffer is empty) and, in
// the same transaction, claims every matchable offer of the opposite role
// not made by knownPeers. Claims the caller still held from an earlier
// registration are released first.
func (s *Service) RegisterOffer(ctx context.Context, caller models.Caller, role models.Role, rawOffer []byte, knownPeers []uuid.UUID) (*RegisterResult, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if _, err := models.ParseRole(string(role)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRole, err)
	}
	if len(knownPeers) > models.MaxEstablishedClients {
		return nil, fmt.Errorf("%w: %d established clients", ErrPayloadTooLarge, len(knownPeers))
	}

	var sealed []byte
	if len(rawOffer) > 0 {
		var err error
		if sealed, err = s.cipher.Encrypt(caller.UserID, rawOffer); err != nil {
			return nil, fmt.Errorf("sealing offer: %w", err)
		}
	}

	var result *RegisterResult
	err := s.inTx(ctx, "register offer", func(tx store.Tx) error {
		result = &RegisterResult{}
		if _, err := tx.ReleaseClaim(caller.Owner, caller.ClientID); err != nil {
			return err
		}

		if sealed != nil {
			id, err := tx.InsertOffer(caller.Owner, caller.ClientID, role, sealed)
			if err != nil {
				return err
			}
			record, err := tx.Get(caller.Owner, caller.ClientID, id)
			if err != nil {
				return err
			}
			if record == nil {
				return fmt.Errorf("%w: exchange %s missing after insert", ErrStorage, id)
			}
			result.Registered = &Offer{
				ID:              record.ID,
				OffererClientID: record.OffererClientID,
				Role:            record.Role,
				CreatedAt:       record.CreatedAt,
				SDP:             rawOffer,
			}
		}

		claimed, err := tx.ClaimPending(caller.Owner, role.Opposite(), caller.ClientID, knownPeers, s.cfg.OfferValidity)
		if err != nil {
			return err
		}
		if claimed == 0 {
			return nil
		}
		records, err := tx.GetClaimedUnanswered(caller.Owner, caller.ClientID)
		if err != nil {
			return err
		}
		if len(records) != claimed {
			return fmt.Errorf("%w: claimed %d offers but read back %d", ErrStorage, claimed, len(records))
		}
		for _, record := range records {
			sdp, err := s.cipher.Decrypt(caller.UserID, record.Offer)
			if err != nil {
				return fmt.Errorf("opening offer %s: %w", record.ID, err)
			}
			result.Received = append(result.Received, Offer{
				ID:              record.ID,
				OffererClientID: record.OffererClientID,
				Role:            record.Role,
				CreatedAt:       record.CreatedAt,
				SDP:             sdp,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Registered != nil {
		metrics.OffersRegistered.Inc()
	}
	metrics.OffersClaimed.Add(float64(len(result.Received)))
	s.logger.Debug("offer registered",
		"client_id", caller.ClientID,
		"role", role,
		"claim_only", result.Registered == nil,
		"received", len(result.Received),
	)
	return result, nil
}

// RegisterAnswer stores a batch of answers atomically. If any exchange is no
// longer claimed by the caller the whole batch is rolled back and a
// *ConflictError names the offending exchanges. Whatever the outcome, the
// caller's remaining unanswered claims are released afterwards.
func (s *Service) RegisterAnswer(ctx context.Context, caller models.Caller, answers []AnswerSubmission) error {
	if err := checkCaller(caller); err != nil {
		return err
	}
	if len(answers) == 0 {
		return fmt.Errorf("%w: empty answer batch", ErrInvalidRequest)
	}
	if len(answers) > models.MaxAnswerBatch {
		return fmt.Errorf("%w: %d answers in one batch", ErrPayloadTooLarge, len(answers))
	}

	sealed := make([][]byte, len(answers))
	for i, answer := range answers {
		if len(answer.SDP) == 0 {
			return fmt.Errorf("%w: empty answer for exchange %s", ErrInvalidRequest, answer.ExchangeID)
		}
		var err error
		if sealed[i], err = s.cipher.Encrypt(caller.UserID, answer.SDP); err != nil {
			return fmt.Errorf("sealing answer: %w", err)
		}
	}

	err := s.inTx(ctx, "register answer", func(tx store.Tx) error {
		var lost []uuid.UUID
		for i, answer := range answers {
			ok, err := tx.SetAnswer(caller.Owner, answer.ExchangeID, caller.ClientID, sealed[i])
			if err != nil {
				return err
			}
			if !ok {
				lost = append(lost, answer.ExchangeID)
			}
		}
		if len(lost) > 0 {
			return &ConflictError{ExchangeIDs: lost}
		}
		return nil
	})

	releaseErr := s.inTx(context.WithoutCancel(ctx), "release claims", func(tx store.Tx) error {
		_, err := tx.ReleaseClaim(caller.Owner, caller.ClientID)
		return err
	})
	if releaseErr != nil {
		s.logger.Warn("releasing claims after answer batch failed",
			"client_id", caller.ClientID,
			"error", releaseErr,
		)
	}

	if err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.AnswerConflicts.Inc()
		}
		return err
	}

	metrics.AnswersStored.Add(float64(len(answers)))
	for _, answer := range answers {
		s.publish(ctx, answer.ExchangeID)
	}
	return nil
}

// AcquirePoll takes one of the per-instance answer wait slots shared by
// GetAnswer and the websocket stream. It returns ErrTooManyPolls when all
// slots are held; otherwise release must be called once the wait ends.
func (s *Service) AcquirePoll() (release func(), err error) {
	if !s.polls.TryAcquire(1) {
		metrics.AnswerPolls.WithLabelValues("rejected").Inc()
		return nil, ErrTooManyPolls
	}
	metrics.ActivePolls.Inc()
	var once sync.Once
	return func() {
		once.Do(func() {
			metrics.ActivePolls.Dec()
			s.polls.Release(1)
		})
	}, nil
}

// GetAnswer waits up to the poll timeout for exchange id to be answered.
// It returns nil, nil when no answer arrived in time, and ErrNotFound when
// the exchange does not exist, is deleted or belongs to another client.
func (s *Service) GetAnswer(ctx context.Context, caller models.Caller, id uuid.UUID) (*Answer, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	release, err := s.AcquirePoll()
	if err != nil {
		return nil, err
	}
	defer release()

	wake, unsubscribe, err := s.notifier.Subscribe(ctx, id)
	if err != nil {
		s.logger.Warn("answer notifier unavailable, polling only", "exchange_id", id, "error", err)
		wake, unsubscribe = nil, func() {}
	}
	defer unsubscribe()

	deadline := s.clock.Now().Add(s.cfg.PollTimeout)
	for {
		answer, err := s.CheckAnswer(ctx, caller, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				metrics.AnswerPolls.WithLabelValues("not_found").Inc()
			}
			return nil, err
		}
		if answer != nil {
			metrics.AnswerPolls.WithLabelValues("answered").Inc()
			return answer, nil
		}

		remaining := deadline.Sub(s.clock.Now())
		if remaining <= 0 {
			metrics.AnswerPolls.WithLabelValues("pending").Inc()
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clock.After(min(s.cfg.PollInterval, remaining)):
		case <-wake:
		}
	}
}

// CheckAnswer reads the exchange once without waiting. It is the building
// block of GetAnswer and of the websocket answer stream.
func (s *Service) CheckAnswer(ctx context.Context, caller models.Caller, id uuid.UUID) (*Answer, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	var record *store.Record
	err := s.view(ctx, "get answer", func(tx store.Tx) error {
		var err error
		record, err = tx.GetAnswer(caller.Owner, caller.ClientID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	if record.Answer == nil || record.AnswererClientID == nil {
		return nil, nil
	}
	sdp, err := s.cipher.Decrypt(caller.UserID, record.Answer)
	if err != nil {
		return nil, fmt.Errorf("%w: opening answer %s: %w", ErrStorage, id, err)
	}
	return &Answer{ExchangeID: record.ID, AnswererClientID: *record.AnswererClientID, SDP: sdp}, nil
}

// WatchAnswer subscribes to change notifications for id. Callers must
// still re-read with CheckAnswer after every wakeup.
func (s *Service) WatchAnswer(ctx context.Context, id uuid.UUID) (<-chan struct{}, func(), error) {
	return s.notifier.Subscribe(ctx, id)
}

// DeleteExchange soft-deletes one of the caller's own exchanges.
func (s *Service) DeleteExchange(ctx context.Context, caller models.Caller, id uuid.UUID) error {
	if err := checkCaller(caller); err != nil {
		return err
	}
	var deleted bool
	err := s.inTx(ctx, "delete exchange", func(tx store.Tx) error {
		var err error
		deleted, err = tx.SoftDelete(caller.Owner, caller.ClientID, id)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	s.publish(ctx, id)
	return nil
}

func (s *Service) publish(ctx context.Context, id uuid.UUID) {
	if err := s.notifier.Publish(ctx, id); err != nil {
		s.logger.Warn("publishing exchange update failed", "exchange_id", id, "error", err)
	}
}

// inTx runs fn in a write transaction, retrying once on a transient
// storage error.
func (s *Service) inTx(ctx context.Context, op string, fn func(store.Tx) error) error {
	return s.retry(ctx, op, func() error { return s.store.InTx(ctx, fn) })
}

func (s *Service) view(ctx context.Context, op string, fn func(store.Tx) error) error {
	return s.retry(ctx, op, func() error { return s.store.View(ctx, fn) })
}

func (s *Service) retry(ctx context.Context, op string, run func() error) error {
	err := run()
	if store.IsTransient(err) && ctx.Err() == nil {
		metrics.StorageRetries.Inc()
		s.logger.Warn("retrying transaction after transient storage error", "op", op, "error", err)
		err = run()
	}
	return classify(ctx, op, err)
}

func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var storeErr *store.Error
	if errors.As(err, &storeErr) || errors.Is(err, payload.ErrDecryption) {
		if errors.Is(err, ErrStorage) {
			return err
		}
		return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
	}
	return err
}
