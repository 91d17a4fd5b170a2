package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/sdp-rendezvous/internal/exchange"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// StreamConfig bounds the websocket answer stream.
type StreamConfig struct {
	// Timeout is how long the stream waits for an answer before closing
	// with a final pending frame.
	Timeout time.Duration
	// PendingInterval spaces the pending frames sent while waiting.
	PendingInterval time.Duration
}

func (s StreamConfig) withDefaults() StreamConfig {
	if s.Timeout <= 0 {
		s.Timeout = time.Minute
	}
	if s.PendingInterval <= 0 {
		s.PendingInterval = time.Second
	}
	return s
}

// StreamAnswer handles GET /ws/sdp/answer/:exchangeId. It is the push
// variant of GetAnswer: the server re-reads the exchange whenever it is
// notified of a change (or PendingInterval passes) and sends pending
// frames until the answer is there.
func (h *ExchangeHandler) StreamAnswer(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := exchangeIDParam(c)
	if !ok {
		return
	}

	// Fail fast with a plain HTTP error while that is still possible.
	release, err := h.service.AcquirePoll()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer release()
	answer, err := h.service.CheckAnswer(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "exchange_id", id, "error", err)
		return
	}
	defer conn.Close()

	s := &answerStream{
		conn:     conn,
		service:  h.service,
		caller:   caller,
		id:       id,
		config:   h.stream,
		handler:  h,
		answered: answer,
	}
	s.run(c.Request.Context())
}

type answerStream struct {
	conn     *websocket.Conn
	service  *exchange.Service
	caller   models.Caller
	id       uuid.UUID
	config   StreamConfig
	handler  *ExchangeHandler
	answered *exchange.Answer
}

func (s *answerStream) run(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.config.Timeout)
	defer cancel()
	go s.readPump(cancel)

	wake, unsubscribe, err := s.service.WatchAnswer(ctx, s.id)
	if err != nil {
		s.handler.logger.Warn("answer notifier unavailable, stream polling only", "exchange_id", s.id, "error", err)
		wake, unsubscribe = nil, func() {}
	}
	defer unsubscribe()

	pending := time.NewTicker(s.config.PendingInterval)
	defer pending.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	answer := s.answered
	for {
		if answer != nil {
			s.write(models.StreamFrame{
				Status:         models.StreamAnswered,
				ExchangeID:     answer.ExchangeID.String(),
				AnswerClientID: answer.AnswererClientID.String(),
				Answer:         base64.StdEncoding.EncodeToString(answer.SDP),
			})
			s.close(websocket.CloseNormalClosure, "answered")
			return
		}
		if !s.write(models.StreamFrame{Status: models.StreamPending, ExchangeID: s.id.String()}) {
			return
		}
		if !s.wait(ctx, wake, pending.C, ping.C) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				s.close(websocket.CloseNormalClosure, "timeout")
			}
			return
		}

		answer, err = s.service.CheckAnswer(ctx, s.caller, s.id)
		if err != nil {
			if ctx.Err() != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					s.close(websocket.CloseNormalClosure, "timeout")
				}
				return
			}
			e := classifyError(err)
			if e.status >= http.StatusInternalServerError {
				s.handler.logger.Error("answer stream failed", "exchange_id", s.id, "error", err)
			}
			s.write(models.StreamFrame{Status: models.StreamError, ExchangeID: s.id.String(), Code: e.code, Error: e.message})
			s.close(websocket.CloseNormalClosure, e.code)
			return
		}
	}
}

// wait blocks until the exchange may have changed, sending pings while it
// waits. It returns false once the stream should end.
func (s *answerStream) wait(ctx context.Context, wake <-chan struct{}, pending, ping <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ping:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return false
			}
		case <-wake:
			return true
		case <-pending:
			return true
		}
	}
}

// readPump discards client frames and keeps the pong deadline fresh. A
// read error means the client went away.
func (s *answerStream) readPump(cancel context.CancelFunc) {
	defer cancel()
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.handler.logger.Debug("answer stream closed by client", "exchange_id", s.id, "error", err)
			}
			return
		}
	}
}

func (s *answerStream) write(frame models.StreamFrame) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.handler.logger.Debug("writing answer stream frame failed", "exchange_id", s.id, "error", err)
		return false
	}
	return true
}

func (s *answerStream) close(code int, reason string) {
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait))
}
