package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

// StreamAnswer waits for an answer over the websocket stream instead of
// long polling. Like GetAnswer it returns nil, nil when the server closes
// the stream without an answer.
func (c *Client) StreamAnswer(ctx context.Context, exchangeID uuid.UUID) (*Answer, error) {
	url := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/sdp/answer/" + exchangeID.String()
	header := http.Header{}
	if err := c.authorize(ctx, header); err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && errors.Is(err, websocket.ErrBadHandshake) {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			return nil, parseAPIError(resp, raw)
		}
		return nil, fmt.Errorf("client: opening answer stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		var frame models.StreamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, nil
			}
			return nil, fmt.Errorf("client: reading answer stream: %w", err)
		}

		switch frame.Status {
		case models.StreamPending:
		case models.StreamAnswered:
			return decodeAnswer(frame.ExchangeID, frame.AnswerClientID, frame.Answer)
		case models.StreamError:
			return nil, &APIError{StatusCode: statusForCode(frame.Code), Code: frame.Code, Message: frame.Error}
		default:
			return nil, fmt.Errorf("client: unexpected stream status %q", frame.Status)
		}
	}
}

func statusForCode(code string) int {
	switch code {
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeUnauthorized, models.CodeTokenExpired, models.CodeInvalidToken:
		return http.StatusUnauthorized
	case models.CodeTooManyPolls:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
