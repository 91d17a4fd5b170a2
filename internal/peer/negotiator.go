// Package peer drives a client through the rendezvous protocol with
// pion/webrtc. A Negotiator always keeps one offer registered: it gathers
// ICE, registers the offer, answers the offers it was paired with, polls
// for its own answer and, once connected, starts over with a new offer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/sdp-rendezvous/internal/client"
	"github.com/mossy-p/sdp-rendezvous/internal/clock"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

// DataChannelLabel is the channel every offer carries.
const DataChannelLabel = "bids-rtc-data-main"

const (
	defaultGatherTimeout  = 15 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultPollInterval   = time.Second
	defaultRetryBackoff   = time.Second
	maxRetryBackoff       = 30 * time.Second
	defaultOfferLifetime  = 55 * time.Minute
	maxConcurrentAnswers  = 8
)

// Signaler is the part of *client.Client the negotiator uses.
type Signaler interface {
	ClientID() uuid.UUID
	RegisterOffer(ctx context.Context, role models.Role, offerSDP string, established []uuid.UUID) (*client.Registration, error)
	RegisterAnswer(ctx context.Context, answers []client.Answer) error
	GetAnswer(ctx context.Context, exchangeID uuid.UUID) (*client.Answer, error)
	DeleteExchange(ctx context.Context, exchangeID uuid.UUID) error
}

// AnswerStreamer is implemented by signalers that can push the answer over
// a stream instead of being polled.
type AnswerStreamer interface {
	StreamAnswer(ctx context.Context, exchangeID uuid.UUID) (*client.Answer, error)
}

var (
	_ Signaler       = (*client.Client)(nil)
	_ AnswerStreamer = (*client.Client)(nil)
)

// errOfferExpired ends an attempt whose offer outlived OfferLifetime.
var errOfferExpired = errors.New("offer expired before it was answered")

// Config holds the parameters for NewNegotiator.
type Config struct {
	Role     models.Role
	Signaler Signaler

	// Registry receives connected sessions. A fresh one is created when
	// nil.
	Registry *Registry

	// Label overrides DataChannelLabel.
	Label string

	ICEServers []webrtc.ICEServer

	// GatherTimeout bounds ICE gathering for one description.
	GatherTimeout time.Duration
	// ConnectTimeout bounds the wait for connected after both
	// descriptions are applied.
	ConnectTimeout time.Duration
	// PollInterval is the pause after a "not yet" answer poll.
	PollInterval time.Duration
	// RetryBackoff is the first pause after a failed attempt. It doubles
	// up to 30s and resets after a successful attempt.
	RetryBackoff time.Duration
	// OfferLifetime is how long an unanswered offer is waited on before it
	// is withdrawn and replaced. Keep it below the server's offer validity,
	// past which no one can claim the offer any more.
	OfferLifetime time.Duration
	// StreamAnswers waits for answers over the signaler's answer stream
	// when it implements AnswerStreamer, instead of polling GetAnswer.
	StreamAnswers bool

	// OnDataChannel is called for every data channel, created or
	// received, before it opens. The negotiator installs an OnError
	// handler that closes the session; a hook replacing it takes over
	// that duty.
	OnDataChannel func(*Session, *webrtc.DataChannel)
	// OnStateChange is called on every state transition.
	OnStateChange func(State)

	Clock         clock.Clock
	Logger        *slog.Logger
	LoggerFactory logging.LoggerFactory
}

// Negotiator runs the client side of the rendezvous protocol.
type Negotiator struct {
	cfg      Config
	api      *webrtc.API
	registry *Registry
	clock    clock.Clock
	logger   *slog.Logger
	state    atomic.Int32

	// testHookAnswered, when set, sees the answerer sessions of a batch
	// before it is submitted.
	testHookAnswered func([]*Session)
}

func NewNegotiator(cfg Config) (*Negotiator, error) {
	if _, err := models.ParseRole(string(cfg.Role)); err != nil {
		return nil, err
	}
	if cfg.Signaler == nil {
		return nil, errors.New("peer: no signaler configured")
	}
	if cfg.Label == "" {
		cfg.Label = DataChannelLabel
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = defaultGatherTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.OfferLifetime <= 0 {
		cfg.OfferLifetime = defaultOfferLifetime
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loggerFactory := cfg.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	// Loopback candidates let two peers on one host (and tests) connect.
	settingEngine := webrtc.SettingEngine{LoggerFactory: loggerFactory}
	settingEngine.SetIncludeLoopbackCandidate(true)

	return &Negotiator{
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		registry: registry,
		clock:    clk,
		logger:   logger.With("role", cfg.Role, "client_id", cfg.Signaler.ClientID()),
	}, nil
}

// Registry returns the registry of connected sessions.
func (n *Negotiator) Registry() *Registry { return n.registry }

// State returns the current state.
func (n *Negotiator) State() State { return State(n.state.Load()) }

func (n *Negotiator) setState(s State) {
	if State(n.state.Swap(int32(s))) == s {
		return
	}
	n.logger.Debug("negotiator state", "state", s)
	if n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(s)
	}
}

// Run negotiates until ctx is cancelled, returning nil, or until the
// server rejects the credentials, returning that error. Connected
// sessions outlive Run; Close ends them.
func (n *Negotiator) Run(ctx context.Context) error {
	defer n.setState(StateClosed)

	backoff := n.cfg.RetryBackoff
	for {
		err := n.attempt(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err == nil:
			backoff = n.cfg.RetryBackoff
			n.setState(StateReoffering)
			continue
		case errors.Is(err, errOfferExpired):
			n.logger.Info("offer expired unanswered, re-offering", "lifetime", n.cfg.OfferLifetime)
			backoff = n.cfg.RetryBackoff
			n.setState(StateIdle)
			continue
		case client.IsAuthError(err):
			n.logger.Error("signaling credentials rejected", "error", err)
			return err
		}

		wait := backoff
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
			wait = apiErr.RetryAfter
		}
		n.logger.Warn("negotiation attempt failed, retrying", "error", err, "backoff", wait)
		n.setState(StateIdle)
		select {
		case <-ctx.Done():
			return nil
		case <-n.clock.After(wait):
		}
		backoff = min(2*backoff, maxRetryBackoff)
	}
}

// Close closes every connected session.
func (n *Negotiator) Close() error {
	return n.registry.CloseAll()
}

// attempt runs one offer from creation until it connects. It returns nil
// once the own connection is up.
func (n *Negotiator) attempt(ctx context.Context) error {
	n.setState(StateGatheringICE)
	own, err := n.newSession(true)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			own.Close()
		}
	}()

	dc, err := own.pc.CreateDataChannel(n.cfg.Label, nil)
	if err != nil {
		return fmt.Errorf("creating data channel: %w", err)
	}
	n.trackChannel(own, dc)

	offer, err := own.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := n.setLocalAndGather(ctx, own, offer); err != nil {
		return err
	}

	n.setState(StateOffering)
	registration, err := n.cfg.Signaler.RegisterOffer(ctx, n.cfg.Role, own.localSDP(), n.registry.PeerClientIDs())
	if err != nil {
		return fmt.Errorf("registering offer: %w", err)
	}
	if registration.Registered == nil {
		return errors.New("registering offer: server stored no offer")
	}
	own.setExchangeID(registration.Registered.ID)
	expires := n.clock.Now().Add(n.cfg.OfferLifetime)
	n.setState(StateRegistered)
	n.logger.Info("offer registered", "exchange_id", own.ExchangeID(), "received_offers", len(registration.Received))

	if len(registration.Received) > 0 {
		if err := n.answerAll(ctx, registration.Received); err != nil {
			return err
		}
	}

	n.setState(StatePolling)
	answer, err := n.pollAnswer(ctx, own.ExchangeID(), expires)
	if errors.Is(err, errOfferExpired) {
		n.withdraw(ctx, own.ExchangeID())
		return err
	}
	if err != nil {
		return err
	}
	own.setPeerClientID(answer.AnswererClientID)
	if err := own.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	select {
	case <-own.Connected():
	case <-own.Done():
		return fmt.Errorf("connection for exchange %s closed before connecting", own.ExchangeID())
	case <-n.clock.After(n.cfg.ConnectTimeout):
		return fmt.Errorf("connection for exchange %s timed out after %s", own.ExchangeID(), n.cfg.ConnectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	ok = true
	n.setState(StateConnected)
	n.logger.Info("connected", "exchange_id", own.ExchangeID(), "peer_client_id", own.PeerClientID())
	return nil
}

// pollAnswer asks for the answer until it arrives or expires passes.
func (n *Negotiator) pollAnswer(ctx context.Context, exchangeID uuid.UUID, expires time.Time) (*client.Answer, error) {
	wait := n.cfg.Signaler.GetAnswer
	if streamer, ok := n.cfg.Signaler.(AnswerStreamer); ok && n.cfg.StreamAnswers {
		wait = streamer.StreamAnswer
	}
	for {
		answer, err := wait(ctx, exchangeID)
		if err != nil {
			return nil, fmt.Errorf("polling answer for %s: %w", exchangeID, err)
		}
		if answer != nil {
			return answer, nil
		}
		remaining := expires.Sub(n.clock.Now())
		if remaining <= 0 {
			return nil, errOfferExpired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-n.clock.After(min(n.cfg.PollInterval, remaining)):
		}
	}
}

// withdraw deletes an expired offer so a late claimant cannot answer it.
func (n *Negotiator) withdraw(ctx context.Context, exchangeID uuid.UUID) {
	err := n.cfg.Signaler.DeleteExchange(ctx, exchangeID)
	if err != nil && !errors.Is(err, client.ErrNotFound) {
		n.logger.Warn("withdrawing expired offer failed", "exchange_id", exchangeID, "error", err)
	}
}

// answerAll answers the claimed offers concurrently and submits the ones
// that succeeded in one batch. A failed answer only drops that peer. The
// returned error is only set when the credentials were rejected.
func (n *Negotiator) answerAll(ctx context.Context, offers []client.Offer) error {
	sessions := make([]*Session, len(offers))
	var g errgroup.Group
	g.SetLimit(maxConcurrentAnswers)
	for i, offer := range offers {
		g.Go(func() error {
			s, err := n.answer(ctx, offer)
			if err != nil {
				n.logger.Warn("answering offer failed", "exchange_id", offer.ID, "peer_client_id", offer.OffererClientID, "error", err)
				return nil
			}
			sessions[i] = s
			return nil
		})
	}
	g.Wait()

	var answered []*Session
	var answers []client.Answer
	for _, s := range sessions {
		if s == nil {
			continue
		}
		answered = append(answered, s)
		answers = append(answers, client.Answer{ExchangeID: s.ExchangeID(), SDP: s.localSDP()})
	}
	if len(answers) == 0 {
		return nil
	}
	if n.testHookAnswered != nil {
		n.testHookAnswered(answered)
	}

	if err := n.cfg.Signaler.RegisterAnswer(ctx, answers); err != nil {
		for _, s := range answered {
			s.Close()
		}
		if client.IsAuthError(err) {
			return fmt.Errorf("registering answers: %w", err)
		}
		n.logger.Warn("registering answers failed", "count", len(answers), "error", err)
		return nil
	}

	for _, s := range answered {
		go n.awaitAnswered(ctx, s)
	}
	return nil
}

// answer builds an answerer session for one claimed offer.
func (n *Negotiator) answer(ctx context.Context, offer client.Offer) (*Session, error) {
	s, err := n.newSession(false)
	if err != nil {
		return nil, err
	}
	s.setExchangeID(offer.ID)
	s.setPeerClientID(offer.OffererClientID)

	err = s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("setting remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := n.setLocalAndGather(ctx, s, answer); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// awaitAnswered closes an answerer session that does not connect in time
// or is still connecting when ctx ends.
func (n *Negotiator) awaitAnswered(ctx context.Context, s *Session) {
	select {
	case <-s.Connected():
	case <-s.Done():
	case <-n.clock.After(n.cfg.ConnectTimeout):
		n.logger.Warn("answered peer did not connect", "exchange_id", s.ExchangeID(), "peer_client_id", s.PeerClientID())
		s.Close()
	case <-ctx.Done():
		s.Close()
	}
}

// setLocalAndGather applies desc and waits for ICE gathering to finish so
// the description carries every candidate.
func (n *Negotiator) setLocalAndGather(ctx context.Context, s *Session, desc webrtc.SessionDescription) error {
	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
		return nil
	case <-n.clock.After(n.cfg.GatherTimeout):
		return fmt.Errorf("ICE gathering timed out after %s", n.cfg.GatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Negotiator) newSession(offerer bool) (*Session, error) {
	pc, err := n.api.NewPeerConnection(webrtc.Configuration{ICEServers: n.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	s := newSession(n.cfg.Role, offerer, pc)

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Debug("connection state", "exchange_id", s.ExchangeID(), "state", state.String())
		s.setState(state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			n.registry.Add(s)
		case webrtc.PeerConnectionStateFailed:
			n.registry.Remove(s.ExchangeID(), s)
			pc.Close()
		case webrtc.PeerConnectionStateClosed:
			n.registry.Remove(s.ExchangeID(), s)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		n.logger.Debug("data channel received", "exchange_id", s.ExchangeID(), "label", dc.Label())
		n.trackChannel(s, dc)
	})
	return s, nil
}

func (n *Negotiator) trackChannel(s *Session, dc *webrtc.DataChannel) {
	s.addChannel(dc)
	dc.OnError(func(err error) {
		n.logger.Warn("data channel error, closing session", "exchange_id", s.ExchangeID(), "label", dc.Label(), "error", err)
		s.Close()
	})
	if n.cfg.OnDataChannel != nil {
		n.cfg.OnDataChannel(s, dc)
	}
}
