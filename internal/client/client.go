// Package client talks to the SDP rendezvous API on behalf of one client
// id.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// TokenSource returns the bearer token for the next request. It is called
// once per request so that refreshed tokens are picked up.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Config holds configuration for New.
type Config struct {
	// BaseURL is the server root, e.g. "https://signal.example.com".
	BaseURL string

	// Token authenticates every request. Required.
	Token TokenSource

	// ClientID identifies this client. A random id is generated when
	// unset.
	ClientID uuid.UUID

	// HTTPClient defaults to a client without a timeout: GetAnswer is a
	// long poll, so deadlines come from the request context.
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      TokenSource
	clientID   uuid.UUID
	httpClient *http.Client
}

func New(config Config) (*Client, error) {
	baseURL := strings.TrimRight(config.BaseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("client: base URL must be http or https (got %q)", config.BaseURL)
	}
	if config.Token == nil {
		return nil, fmt.Errorf("client: no token source configured")
	}
	clientID := config.ClientID
	if clientID == uuid.Nil {
		clientID = uuid.New()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:    baseURL,
		token:      config.Token,
		clientID:   clientID,
		httpClient: httpClient,
	}, nil
}

// ClientID returns the id sent with every request.
func (c *Client) ClientID() uuid.UUID { return c.clientID }

// Offer is an offer as seen by the client, with the SDP decoded.
type Offer struct {
	ID              uuid.UUID
	OffererClientID uuid.UUID
	Role            models.Role
	CreatedAt       time.Time
	SDP             string
}

// Registration is the result of RegisterOffer. Registered is nil for a
// claim-only registration.
type Registration struct {
	Registered *Offer
	Received   []Offer
}

// Answer is an SDP answer for one exchange.
type Answer struct {
	ExchangeID       uuid.UUID
	AnswererClientID uuid.UUID
	SDP              string
}

// RegisterOffer publishes offerSDP for role and returns the complementary
// offers this client must now answer. established lists the client ids
// this client is already connected to; their offers are not handed out.
func (c *Client) RegisterOffer(ctx context.Context, role models.Role, offerSDP string, established []uuid.UUID) (*Registration, error) {
	req := models.OfferRequest{
		Role:               string(role),
		EstablishedClients: make([]string, 0, len(established)),
	}
	if offerSDP != "" {
		req.Offer = base64.StdEncoding.EncodeToString([]byte(offerSDP))
	}
	for _, id := range established {
		req.EstablishedClients = append(req.EstablishedClients, id.String())
	}

	var resp models.OfferResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/sdp/offer", req, &resp); err != nil {
		return nil, err
	}

	result := &Registration{Received: make([]Offer, 0, len(resp.ReceivedOffers))}
	if r := resp.RegisteredOffer; r != nil {
		offer, err := decodeOffer(r.ID, c.clientID.String(), r.Role, r.CreatedAt, r.Offer)
		if err != nil {
			return nil, err
		}
		result.Registered = offer
	}
	for _, r := range resp.ReceivedOffers {
		offer, err := decodeOffer(r.ID, r.OfferClientID, r.Role, r.CreatedAt, r.Offer)
		if err != nil {
			return nil, err
		}
		result.Received = append(result.Received, *offer)
	}
	return result, nil
}

func decodeOffer(id, offererClientID string, role models.Role, createdAt time.Time, encoded string) (*Offer, error) {
	exchangeID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("client: malformed exchange id %q: %w", id, err)
	}
	offerer, err := uuid.Parse(offererClientID)
	if err != nil {
		return nil, fmt.Errorf("client: malformed offerer id %q: %w", offererClientID, err)
	}
	sdp, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("client: decoding offer %s: %w", id, err)
	}
	return &Offer{ID: exchangeID, OffererClientID: offerer, Role: role, CreatedAt: createdAt, SDP: string(sdp)}, nil
}

// RegisterAnswer stores a batch of answers. The batch is all or nothing:
// ErrConflict means none of them were stored.
func (c *Client) RegisterAnswer(ctx context.Context, answers []Answer) error {
	body := make([]models.AnswerSubmission, 0, len(answers))
	for _, answer := range answers {
		body = append(body, models.AnswerSubmission{
			ExchangeID: answer.ExchangeID.String(),
			Answer:     base64.StdEncoding.EncodeToString([]byte(answer.SDP)),
		})
	}
	_, err := c.do(ctx, http.MethodPost, "/api/sdp/answer", body, nil)
	return err
}

// GetAnswer long-polls for the answer to one of this client's exchanges.
// It returns nil, nil when the server's poll budget ran out first.
func (c *Client) GetAnswer(ctx context.Context, exchangeID uuid.UUID) (*Answer, error) {
	var resp models.AnswerResponse
	status, err := c.do(ctx, http.MethodGet, "/api/sdp/answer/"+exchangeID.String(), nil, &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return decodeAnswer(resp.ExchangeID, resp.AnswerClientID, resp.Answer)
}

func decodeAnswer(exchangeID, answererClientID, encoded string) (*Answer, error) {
	id, err := uuid.Parse(exchangeID)
	if err != nil {
		return nil, fmt.Errorf("client: malformed exchange id %q: %w", exchangeID, err)
	}
	answerer, err := uuid.Parse(answererClientID)
	if err != nil {
		return nil, fmt.Errorf("client: malformed answerer id %q: %w", answererClientID, err)
	}
	sdp, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("client: decoding answer %s: %w", exchangeID, err)
	}
	return &Answer{ExchangeID: id, AnswererClientID: answerer, SDP: string(sdp)}, nil
}

// DeleteExchange withdraws one of this client's exchanges.
func (c *Client) DeleteExchange(ctx context.Context, exchangeID uuid.UUID) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/sdp/"+exchangeID.String(), nil, nil)
	return err
}

func (c *Client) authorize(ctx context.Context, header http.Header) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("client: obtaining token: %w", err)
	}
	header.Set("Authorization", "Bearer "+token)
	header.Set("X-Client-Id", c.clientID.String())
	return nil
}

// do sends one request and decodes a 2xx JSON body into out (if non-nil).
// Non-2xx responses become an *APIError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("client: encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("client: building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(ctx, req.Header); err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("client: reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, parseAPIError(resp, raw)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("client: decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func parseAPIError(resp *http.Response, raw []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var body models.ErrorResponse
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
		if body.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(body.RetryAfter) * time.Second
		}
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && seconds > 0 {
		apiErr.RetryAfter = time.Duration(seconds) * time.Second
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// FetchDevToken asks a development server to mint a token for username.
// Production servers do not expose the route.
func FetchDevToken(ctx context.Context, httpClient *http.Client, baseURL, username string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	raw, err := json.Marshal(models.TokenRequest{Username: username})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/auth/token", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("client: building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("client: requesting token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("client: reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", parseAPIError(resp, body)
	}
	var token models.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("client: decoding token response: %w", err)
	}
	return token.Token, nil
}
