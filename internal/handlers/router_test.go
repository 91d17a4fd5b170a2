package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/sdp-rendezvous/internal/clock"
	"github.com/mossy-p/sdp-rendezvous/internal/exchange"
	"github.com/mossy-p/sdp-rendezvous/internal/middleware"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
	"github.com/mossy-p/sdp-rendezvous/internal/payload"
	"github.com/mossy-p/sdp-rendezvous/internal/ratelimit"
	"github.com/mossy-p/sdp-rendezvous/internal/store"
)

const testSecret = "handler-test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testPeer struct {
	token    string
	clientID string
}

func newPeer(t *testing.T, user string) testPeer {
	t.Helper()
	token, _, err := MintToken(testSecret, user, "", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return testPeer{token: token, clientID: uuid.NewString()}
}

func newTestService(t *testing.T, cfg exchange.Config) *exchange.Service {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	st, err := store.OpenSQLite(store.Config{
		Path:   filepath.Join(t.TempDir(), "handlers.db"),
		Clock:  clock.Real(),
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return exchange.NewService(st, payload.New([]byte("salt")), exchange.NewLocalNotifier(), clock.Real(), logger, cfg)
}

func newTestRouter(t *testing.T, mutate func(*RouterConfig)) *gin.Engine {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	service := newTestService(t, exchange.Config{
		PollTimeout:  200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	})
	limiter, err := ratelimit.New(clock.Real(), ratelimit.DefaultWindows())
	if err != nil {
		t.Fatal(err)
	}
	cfg := RouterConfig{
		Service:        service,
		Limiter:        limiter,
		Logger:         logger,
		JWTSecret:      testSecret,
		AllowedOrigins: []string{"https://app.example"},
		Stream:         StreamConfig{PendingInterval: 20 * time.Millisecond, Timeout: 2 * time.Second},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewRouter(cfg)
}

func (p testPeer) do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	if p.clientID != "" {
		req.Header.Set(middleware.ClientIDHeader, p.clientID)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func TestExchangeOverHTTP(t *testing.T) {
	router := newTestRouter(t, nil)
	provider := newPeer(t, "alice")
	subscriber := newPeer(t, "bob")

	w := provider.do(t, router, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: b64("provider-offer")})
	if w.Code != http.StatusOK {
		t.Fatalf("provider offer: %d %s", w.Code, w.Body)
	}
	registered := decode[models.OfferResponse](t, w)
	if registered.RegisteredOffer == nil || len(registered.ReceivedOffers) != 0 {
		t.Fatalf("provider offer response = %+v", registered)
	}
	exchangeID := registered.RegisteredOffer.ID

	w = subscriber.do(t, router, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "subscriber", Offer: b64("subscriber-offer")})
	if w.Code != http.StatusOK {
		t.Fatalf("subscriber offer: %d %s", w.Code, w.Body)
	}
	claimed := decode[models.OfferResponse](t, w)
	if len(claimed.ReceivedOffers) != 1 {
		t.Fatalf("subscriber received %d offers, want 1", len(claimed.ReceivedOffers))
	}
	received := claimed.ReceivedOffers[0]
	if received.ID != exchangeID || received.OfferClientID != provider.clientID || received.Offer != b64("provider-offer") {
		t.Fatalf("received offer = %+v", received)
	}

	w = subscriber.do(t, router, http.MethodPost, "/api/sdp/answer", []models.AnswerSubmission{{ExchangeID: exchangeID, Answer: b64("subscriber-answer")}})
	if w.Code != http.StatusCreated {
		t.Fatalf("answer: %d %s", w.Code, w.Body)
	}

	w = provider.do(t, router, http.MethodGet, "/api/sdp/answer/"+exchangeID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get answer: %d %s", w.Code, w.Body)
	}
	answer := decode[models.AnswerResponse](t, w)
	if answer.AnswerClientID != subscriber.clientID || answer.Answer != b64("subscriber-answer") {
		t.Errorf("answer = %+v", answer)
	}

	if w := subscriber.do(t, router, http.MethodGet, "/api/sdp/answer/"+exchangeID, nil); w.Code != http.StatusNotFound {
		t.Errorf("foreign client reading the answer: status %d, want 404", w.Code)
	}

	if w := provider.do(t, router, http.MethodDelete, "/api/sdp/"+exchangeID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", w.Code, w.Body)
	}
	if w := provider.do(t, router, http.MethodGet, "/api/sdp/answer/"+exchangeID, nil); w.Code != http.StatusNotFound {
		t.Errorf("answer after delete: status %d, want 404", w.Code)
	}
	if w := provider.do(t, router, http.MethodDelete, "/api/sdp/"+exchangeID, nil); w.Code != http.StatusNotFound {
		t.Errorf("second delete: status %d, want 404", w.Code)
	}
}

func TestGetAnswerPendingReturnsNoContent(t *testing.T) {
	router := newTestRouter(t, nil)
	provider := newPeer(t, "alice")

	w := provider.do(t, router, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: b64("offer")})
	id := decode[models.OfferResponse](t, w).RegisteredOffer.ID

	start := time.Now()
	w = provider.do(t, router, http.MethodGet, "/api/sdp/answer/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status %d, want 204", w.Code)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("poll returned after %v, expected it to wait for the poll timeout", elapsed)
	}
}

func TestRequestValidation(t *testing.T) {
	router := newTestRouter(t, nil)
	peer := newPeer(t, "alice")
	oversized := strings.Repeat("A", models.MaxEncodedPayload+4)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown role", http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "observer"}, http.StatusBadRequest, models.CodeInvalidRole},
		{"missing role", http.MethodPost, "/api/sdp/offer", map[string]string{"offer": b64("x")}, http.StatusBadRequest, models.CodeInvalidRequest},
		{"offer not base64", http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: "not base64!"}, http.StatusBadRequest, models.CodeInvalidRequest},
		{"offer too large", http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: oversized}, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge},
		{"bad established client", http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", EstablishedClients: []string{"nope"}}, http.StatusBadRequest, models.CodeInvalidRequest},
		{"empty answer batch", http.MethodPost, "/api/sdp/answer", []models.AnswerSubmission{}, http.StatusBadRequest, models.CodeInvalidRequest},
		{"answer for unknown exchange", http.MethodPost, "/api/sdp/answer", []models.AnswerSubmission{{ExchangeID: uuid.NewString(), Answer: b64("a")}}, http.StatusConflict, models.CodeConflict},
		{"answer too large", http.MethodPost, "/api/sdp/answer", []models.AnswerSubmission{{ExchangeID: uuid.NewString(), Answer: oversized}}, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge},
		{"malformed exchange id", http.MethodGet, "/api/sdp/answer/123", nil, http.StatusBadRequest, models.CodeInvalidRequest},
		{"unknown exchange", http.MethodGet, "/api/sdp/answer/" + uuid.NewString(), nil, http.StatusNotFound, models.CodeNotFound},
		{"delete unknown exchange", http.MethodDelete, "/api/sdp/" + uuid.NewString(), nil, http.StatusNotFound, models.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := peer.do(t, router, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status %d, want %d (%s)", w.Code, tt.status, w.Body)
			}
			if got := decode[models.ErrorResponse](t, w).Code; got != tt.code {
				t.Errorf("code %q, want %q", got, tt.code)
			}
		})
	}
}

func TestAnswerBatchTooLarge(t *testing.T) {
	router := newTestRouter(t, nil)
	peer := newPeer(t, "alice")

	batch := make([]models.AnswerSubmission, models.MaxAnswerBatch+1)
	for i := range batch {
		batch[i] = models.AnswerSubmission{ExchangeID: uuid.NewString(), Answer: b64("a")}
	}
	w := peer.do(t, router, http.MethodPost, "/api/sdp/answer", batch)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d, want 413", w.Code)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	router := newTestRouter(t, nil)

	anonymous := testPeer{clientID: uuid.NewString()}
	w := anonymous.do(t, router, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status %d, want 401", w.Code)
	}

	noClient := newPeer(t, "alice")
	noClient.clientID = ""
	w = noClient.do(t, router, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider"})
	if w.Code != http.StatusBadRequest || decode[models.ErrorResponse](t, w).Code != models.CodeMissingClientID {
		t.Errorf("no client id: status %d body %s", w.Code, w.Body)
	}
}

func TestRateLimitedRequests(t *testing.T) {
	router := newTestRouter(t, func(cfg *RouterConfig) {
		limiter, err := ratelimit.New(clock.Real(), []ratelimit.Window{{Duration: time.Hour, Max: 2}})
		if err != nil {
			t.Fatal(err)
		}
		cfg.Limiter = limiter
	})
	peer := newPeer(t, "alice")

	for i := 0; i < 2; i++ {
		w := peer.do(t, router, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: b64("offer")})
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
	w := peer.do(t, router, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: b64("offer")})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// The limit is per user, not per client.
	sameUser := newPeer(t, "alice")
	if w := sameUser.do(t, router, http.MethodDelete, "/api/sdp/"+uuid.NewString(), nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("second client of the same user: status %d, want 429", w.Code)
	}
	other := newPeer(t, "bob")
	if w := other.do(t, router, http.MethodDelete, "/api/sdp/"+uuid.NewString(), nil); w.Code != http.StatusNotFound {
		t.Errorf("other user: status %d, want 404", w.Code)
	}
}

func TestOriginFilter(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin: status %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/sdp/offer", nil)
	req.Header.Set("Origin", "https://app.example")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight: status %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestHealth(t *testing.T) {
	healthy := newTestRouter(t, nil)
	w := httptest.NewRecorder()
	healthy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("healthy: status %d", w.Code)
	}

	broken := newTestRouter(t, func(cfg *RouterConfig) {
		cfg.Health = func(context.Context) error { return errors.New("redis down") }
	})
	w = httptest.NewRecorder()
	broken.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("broken: status %d, want 503", w.Code)
	}
}

func TestDevelopmentTokenRoute(t *testing.T) {
	prod := newTestRouter(t, nil)
	w := testPeer{}.do(t, prod, http.MethodPost, "/api/auth/token", models.TokenRequest{Username: "alice"})
	if w.Code != http.StatusNotFound {
		t.Errorf("token route outside development: status %d, want 404", w.Code)
	}

	dev := newTestRouter(t, func(cfg *RouterConfig) { cfg.Development = true })
	w = testPeer{}.do(t, dev, http.MethodPost, "/api/auth/token", models.TokenRequest{Username: "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("token route: status %d %s", w.Code, w.Body)
	}
	issued := decode[models.TokenResponse](t, w)

	peer := testPeer{token: issued.Token, clientID: uuid.NewString()}
	w = peer.do(t, dev, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: b64("offer")})
	if w.Code != http.StatusOK {
		t.Errorf("issued token rejected: status %d %s", w.Code, w.Body)
	}
}

func dialStream(t *testing.T, server *httptest.Server, peer testPeer, id string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/sdp/answer/" + id
	header := http.Header{}
	header.Set("Authorization", "Bearer "+peer.token)
	header.Set(middleware.ClientIDHeader, peer.clientID)
	return websocket.DefaultDialer.Dial(url, header)
}

func readFrame(t *testing.T, conn *websocket.Conn) models.StreamFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame models.StreamFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

func TestAnswerStream(t *testing.T) {
	server := httptest.NewServer(newTestRouter(t, nil))
	defer server.Close()
	provider := newPeer(t, "alice")
	subscriber := newPeer(t, "bob")

	w := provider.do(t, server.Config.Handler, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: b64("offer")})
	id := decode[models.OfferResponse](t, w).RegisteredOffer.ID

	conn, _, err := dialStream(t, server, provider, id)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if frame := readFrame(t, conn); frame.Status != models.StreamPending || frame.ExchangeID != id {
		t.Fatalf("first frame = %+v, want pending", frame)
	}

	subscriber.do(t, server.Config.Handler, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "subscriber"})
	w = subscriber.do(t, server.Config.Handler, http.MethodPost, "/api/sdp/answer", []models.AnswerSubmission{{ExchangeID: id, Answer: b64("answer")}})
	if w.Code != http.StatusCreated {
		t.Fatalf("answer: %d %s", w.Code, w.Body)
	}

	for {
		frame := readFrame(t, conn)
		if frame.Status == models.StreamPending {
			continue
		}
		if frame.Status != models.StreamAnswered || frame.Answer != b64("answer") || frame.AnswerClientID != subscriber.clientID {
			t.Fatalf("final frame = %+v", frame)
		}
		break
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected a normal close after the answer, got %v", err)
	}
}

func TestAnswerStreamUnknownExchange(t *testing.T) {
	server := httptest.NewServer(newTestRouter(t, nil))
	defer server.Close()

	_, resp, err := dialStream(t, server, newPeer(t, "alice"), uuid.NewString())
	if err == nil {
		t.Fatal("dial succeeded for an unknown exchange")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %v, want 404", resp)
	}
}

func TestAnswerStreamTimesOut(t *testing.T) {
	server := httptest.NewServer(newTestRouter(t, func(cfg *RouterConfig) {
		cfg.Stream.Timeout = 150 * time.Millisecond
	}))
	defer server.Close()
	provider := newPeer(t, "alice")

	w := provider.do(t, server.Config.Handler, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: b64("offer")})
	id := decode[models.OfferResponse](t, w).RegisteredOffer.ID

	conn, _, err := dialStream(t, server, provider, id)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame models.StreamFrame
		err := conn.ReadJSON(&frame)
		if err == nil {
			if frame.Status != models.StreamPending {
				t.Fatalf("unexpected frame %+v", frame)
			}
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("expected a normal close on timeout, got %v", err)
		}
		return
	}
}

func TestAnswerStreamSharesPollLimit(t *testing.T) {
	server := httptest.NewServer(newTestRouter(t, func(cfg *RouterConfig) {
		cfg.Service = newTestService(t, exchange.Config{
			PollTimeout:        200 * time.Millisecond,
			PollInterval:       20 * time.Millisecond,
			MaxConcurrentPolls: 1,
		})
	}))
	defer server.Close()
	provider := newPeer(t, "alice")

	w := provider.do(t, server.Config.Handler, http.MethodPost, "/api/sdp/offer", models.OfferRequest{Role: "provider", Offer: b64("offer")})
	id := decode[models.OfferResponse](t, w).RegisteredOffer.ID

	conn, _, err := dialStream(t, server, provider, id)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if frame := readFrame(t, conn); frame.Status != models.StreamPending {
		t.Fatalf("first frame = %+v, want pending", frame)
	}

	w = provider.do(t, server.Config.Handler, http.MethodGet, "/api/sdp/answer/"+id, nil)
	if w.Code != http.StatusServiceUnavailable || decode[models.ErrorResponse](t, w).Code != models.CodeTooManyPolls {
		t.Errorf("poll while a stream holds the slot: %d %s, want 503 too_many_polls", w.Code, w.Body)
	}

	_, resp, err := dialStream(t, server, provider, id)
	if err == nil {
		t.Fatal("second stream accepted while the slot is held")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("second stream response = %v, want 503", resp)
	}

	// Closing the first stream frees the slot once its handler notices.
	conn.Close()
	deadline := time.Now().Add(3 * time.Second)
	for {
		w := provider.do(t, server.Config.Handler, http.MethodGet, "/api/sdp/answer/"+id, nil)
		if w.Code == http.StatusNoContent {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot not released after the stream closed: last status %d %s", w.Code, w.Body)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
