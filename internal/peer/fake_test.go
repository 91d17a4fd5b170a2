package peer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/sdp-rendezvous/internal/client"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

// hub is an in-memory rendezvous server: offers are paired with the
// opposite role, answers go back to the offerer.
type hub struct {
	mu     sync.Mutex
	offers map[uuid.UUID]*hubOffer
	order  []uuid.UUID
}

type hubOffer struct {
	id        uuid.UUID
	offerer   uuid.UUID
	role      models.Role
	sdp       string
	claimedBy uuid.UUID
	answer    *client.Answer
	deleted   bool
}

func newHub() *hub {
	return &hub{offers: make(map[uuid.UUID]*hubOffer)}
}

func (h *hub) signaler() *hubSignaler {
	return &hubSignaler{hub: h, clientID: uuid.New()}
}

type hubSignaler struct {
	hub      *hub
	clientID uuid.UUID
}

func (s *hubSignaler) ClientID() uuid.UUID { return s.clientID }

func (s *hubSignaler) RegisterOffer(ctx context.Context, role models.Role, offerSDP string, established []uuid.UUID) (*client.Registration, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, o := range h.offers {
		if o.offerer == s.clientID && o.claimedBy == uuid.Nil {
			o.deleted = true
		}
		if o.claimedBy == s.clientID && o.answer == nil {
			o.claimedBy = uuid.Nil
		}
	}

	own := &hubOffer{id: uuid.New(), offerer: s.clientID, role: role, sdp: offerSDP}
	h.offers[own.id] = own
	h.order = append(h.order, own.id)

	result := &client.Registration{Registered: &client.Offer{
		ID: own.id, OffererClientID: s.clientID, Role: role, CreatedAt: time.Now(), SDP: offerSDP,
	}}
	for _, id := range h.order {
		o := h.offers[id]
		if o.deleted || o.claimedBy != uuid.Nil || o.role != role.Opposite() ||
			o.offerer == s.clientID || slices.Contains(established, o.offerer) {
			continue
		}
		o.claimedBy = s.clientID
		result.Received = append(result.Received, client.Offer{
			ID: o.id, OffererClientID: o.offerer, Role: o.role, CreatedAt: time.Now(), SDP: o.sdp,
		})
	}
	return result, nil
}

func (s *hubSignaler) RegisterAnswer(ctx context.Context, answers []client.Answer) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range answers {
		o, ok := h.offers[a.ExchangeID]
		if !ok || o.deleted || o.claimedBy != s.clientID || o.answer != nil {
			return &client.APIError{StatusCode: 409, Code: models.CodeConflict}
		}
	}
	for _, a := range answers {
		h.offers[a.ExchangeID].answer = &client.Answer{ExchangeID: a.ExchangeID, AnswererClientID: s.clientID, SDP: a.SDP}
	}
	return nil
}

func (s *hubSignaler) GetAnswer(ctx context.Context, exchangeID uuid.UUID) (*client.Answer, error) {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.offers[exchangeID]
	if !ok || o.deleted || o.offerer != s.clientID {
		return nil, &client.APIError{StatusCode: 404, Code: models.CodeNotFound}
	}
	return o.answer, nil
}

func (s *hubSignaler) DeleteExchange(ctx context.Context, exchangeID uuid.UUID) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.offers[exchangeID]
	if !ok || o.deleted || o.offerer != s.clientID {
		return &client.APIError{StatusCode: 404, Code: models.CodeNotFound}
	}
	o.deleted = true
	return nil
}

// scriptedSignaler returns canned results and records calls.
type scriptedSignaler struct {
	clientID uuid.UUID

	mu            sync.Mutex
	registerCalls int
	registerErrs  []error
	registered    []uuid.UUID
	deleted       []uuid.UUID
	submitted     [][]client.Answer
	streamCalls   int

	// received is handed out with the first registration only.
	received  []client.Offer
	answerErr error
	answers   func(uuid.UUID) (*client.Answer, error)
	polled    chan uuid.UUID
}

func (s *scriptedSignaler) ClientID() uuid.UUID { return s.clientID }

func (s *scriptedSignaler) RegisterOffer(ctx context.Context, role models.Role, offerSDP string, established []uuid.UUID) (*client.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerCalls++
	if len(s.registerErrs) > 0 {
		err := s.registerErrs[0]
		s.registerErrs = s.registerErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	id := uuid.New()
	s.registered = append(s.registered, id)
	registration := &client.Registration{
		Registered: &client.Offer{ID: id, OffererClientID: s.clientID, Role: role, SDP: offerSDP},
		Received:   s.received,
	}
	s.received = nil
	return registration, nil
}

func (s *scriptedSignaler) RegisterAnswer(ctx context.Context, answers []client.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, answers)
	return s.answerErr
}

func (s *scriptedSignaler) DeleteExchange(ctx context.Context, exchangeID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, exchangeID)
	return nil
}

func (s *scriptedSignaler) StreamAnswer(ctx context.Context, exchangeID uuid.UUID) (*client.Answer, error) {
	s.mu.Lock()
	s.streamCalls++
	s.mu.Unlock()
	return s.answer(exchangeID)
}

func (s *scriptedSignaler) GetAnswer(ctx context.Context, exchangeID uuid.UUID) (*client.Answer, error) {
	return s.answer(exchangeID)
}

func (s *scriptedSignaler) answer(exchangeID uuid.UUID) (*client.Answer, error) {
	if s.polled != nil {
		select {
		case s.polled <- exchangeID:
		default:
		}
	}
	if s.answers == nil {
		return nil, nil
	}
	return s.answers(exchangeID)
}

func (s *scriptedSignaler) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerCalls
}

func (s *scriptedSignaler) snapshot() (registered, deleted []uuid.UUID, submitted [][]client.Answer, streamCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.registered), slices.Clone(s.deleted), slices.Clone(s.submitted), s.streamCalls
}
