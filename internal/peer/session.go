package peer

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

// Session is one negotiation attempt: a PeerConnection plus the data
// channels opened on it. Offerer sessions learn their exchange id after
// registration and their peer's client id from the answer; answerer
// sessions know both from the claimed offer.
type Session struct {
	role    models.Role
	offerer bool
	pc      *webrtc.PeerConnection

	mu           sync.Mutex
	exchangeID   uuid.UUID
	peerClientID uuid.UUID
	state        webrtc.PeerConnectionState
	channels     map[string]*webrtc.DataChannel

	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	doneOnce      sync.Once
}

func newSession(role models.Role, offerer bool, pc *webrtc.PeerConnection) *Session {
	return &Session{
		role:      role,
		offerer:   offerer,
		pc:        pc,
		state:     webrtc.PeerConnectionStateNew,
		channels:  make(map[string]*webrtc.DataChannel),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Role is the local client's role, not the peer's.
func (s *Session) Role() models.Role { return s.role }

// Offerer reports whether the local side created the offer.
func (s *Session) Offerer() bool { return s.offerer }

// ExchangeID is uuid.Nil until the offer is registered.
func (s *Session) ExchangeID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchangeID
}

func (s *Session) setExchangeID(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangeID = id
}

// PeerClientID is uuid.Nil until the remote client is known.
func (s *Session) PeerClientID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerClientID
}

func (s *Session) setPeerClientID(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerClientID = id
}

// State is the last observed connection state.
func (s *Session) State() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// DataChannel returns the channel with the given label. It may not be
// open yet.
func (s *Session) DataChannel(label string) (*webrtc.DataChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dc, ok := s.channels[label]
	return dc, ok
}

// Connected is closed once the connection first reaches connected.
func (s *Session) Connected() <-chan struct{} { return s.connected }

// Done is closed once the connection has failed or closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears the connection down. It is safe to call more than once.
func (s *Session) Close() error {
	s.markDone()
	if s.pc == nil {
		return nil
	}
	return s.pc.Close()
}

func (s *Session) setState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.connectedOnce.Do(func() { close(s.connected) })
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.markDone()
	}
}

func (s *Session) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) addChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[dc.Label()] = dc
}

func (s *Session) localSDP() string {
	if desc := s.pc.LocalDescription(); desc != nil {
		return desc.SDP
	}
	return ""
}
