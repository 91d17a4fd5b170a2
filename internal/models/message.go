package models

import "time"

// Wire limits, enforced before any store access.
const (
	MaxEncodedPayload     = 12000
	MaxAnswerBatch        = 100
	MaxEstablishedClients = 100
)

// OfferRequest is the body of POST /api/sdp/offer. An empty Offer registers
// nothing and only claims pending offers of the opposite role.
type OfferRequest struct {
	Role               string   `json:"role" binding:"required"`
	Offer              string   `json:"offer" binding:"omitempty,base64"`
	EstablishedClients []string `json:"establishedClients" binding:"omitempty,dive,uuid"`
}

// RegisteredOffer echoes the caller's own stored offer.
type RegisteredOffer struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	Offer     string    `json:"offer"`
}

// ReceivedOffer is a pending offer the caller just claimed and must answer.
type ReceivedOffer struct {
	ID            string    `json:"id"`
	OfferClientID string    `json:"offerClientId"`
	Role          Role      `json:"role"`
	CreatedAt     time.Time `json:"createdAt"`
	Offer         string    `json:"offer"`
}

// OfferResponse is returned by POST /api/sdp/offer. RegisteredOffer is nil
// for claim-only registrations.
type OfferResponse struct {
	RegisteredOffer *RegisteredOffer `json:"registeredOffer"`
	ReceivedOffers  []ReceivedOffer  `json:"receivedOffers"`
}

// AnswerSubmission is one item of the POST /api/sdp/answer batch.
type AnswerSubmission struct {
	ExchangeID string `json:"exchangeId" binding:"required,uuid"`
	Answer     string `json:"answer" binding:"required,base64"`
}

// AnswerResponse is returned by GET /api/sdp/answer/:exchangeId.
type AnswerResponse struct {
	ExchangeID     string `json:"exchangeId"`
	AnswerClientID string `json:"answerClientId"`
	Answer         string `json:"answer"`
}

// Answer stream statuses.
const (
	StreamPending  = "pending"
	StreamAnswered = "answered"
	StreamError    = "error"
)

// StreamFrame is one websocket frame on /ws/sdp/answer/:exchangeId.
type StreamFrame struct {
	Status         string `json:"status"`
	ExchangeID     string `json:"exchangeId,omitempty"`
	AnswerClientID string `json:"answerClientId,omitempty"`
	Answer         string `json:"answer,omitempty"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Code       string `json:"code"`
	Error      string `json:"error,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// TokenRequest asks the development token issuer for a token.
type TokenRequest struct {
	Username string `json:"username" binding:"required"`
}

// TokenResponse carries a freshly minted token.
type TokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Stable error codes carried in ErrorResponse.Code.
const (
	CodeUnauthorized    = "unauthorized"
	CodeTokenExpired    = "token_expired"
	CodeInvalidToken    = "invalid_token"
	CodeMissingClientID = "missing_client_id"
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidRole     = "invalid_role"
	CodePayloadTooLarge = "payload_too_large"
	CodeNotFound        = "not_found"
	CodeConflict        = "conflict"
	CodeRateLimited     = "rate_limited"
	CodeTooManyPolls    = "too_many_polls"
	CodeStorageFailure  = "storage_failure"
)
