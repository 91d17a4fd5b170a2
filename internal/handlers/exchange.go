package handlers

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mossy-p/sdp-rendezvous/internal/exchange"
	"github.com/mossy-p/sdp-rendezvous/internal/middleware"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

// maxBodyBytes bounds request bodies well above the largest legal batch so
// oversized uploads are cut off before they are parsed.
const maxBodyBytes = 2 << 20

// ExchangeHandler serves the /api/sdp routes.
type ExchangeHandler struct {
	service *exchange.Service
	logger  *slog.Logger
	stream  StreamConfig
}

func NewExchangeHandler(service *exchange.Service, logger *slog.Logger, stream StreamConfig) *ExchangeHandler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ExchangeHandler{service: service, logger: logger, stream: stream.withDefaults()}
}

func (h *ExchangeHandler) caller(c *gin.Context) (models.Caller, bool) {
	caller, ok := middleware.CallerFrom(c)
	if !ok {
		abortWith(c, http.StatusUnauthorized, models.CodeUnauthorized, "User not authenticated")
	}
	return caller, ok
}

// bindJSON decodes the body into obj and runs its binding rules. It writes
// the error response itself and reports whether the handler may continue.
func bindJSON(c *gin.Context, obj any) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	if err := c.ShouldBindJSON(obj); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abortWith(c, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge, "Request body too large")
			return false
		}
		abortWith(c, http.StatusBadRequest, models.CodeInvalidRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func exchangeIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("exchangeId"))
	if err != nil {
		abortWith(c, http.StatusBadRequest, models.CodeInvalidRequest, "exchangeId must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// RegisterOffer handles POST /api/sdp/offer.
func (h *ExchangeHandler) RegisterOffer(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req models.OfferRequest
	if !bindJSON(c, &req) {
		return
	}
	if len(req.Offer) > models.MaxEncodedPayload {
		abortWith(c, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge,
			fmt.Sprintf("offer exceeds %d characters", models.MaxEncodedPayload))
		return
	}
	if len(req.EstablishedClients) > models.MaxEstablishedClients {
		abortWith(c, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge,
			fmt.Sprintf("at most %d established clients", models.MaxEstablishedClients))
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		abortWith(c, http.StatusBadRequest, models.CodeInvalidRole, "Role must be provider or subscriber")
		return
	}
	offer, err := base64.StdEncoding.DecodeString(req.Offer)
	if err != nil {
		abortWith(c, http.StatusBadRequest, models.CodeInvalidRequest, "offer must be base64")
		return
	}
	known := make([]uuid.UUID, 0, len(req.EstablishedClients))
	for _, raw := range req.EstablishedClients {
		id, err := uuid.Parse(raw)
		if err != nil {
			abortWith(c, http.StatusBadRequest, models.CodeInvalidRequest, "establishedClients must be UUIDs")
			return
		}
		known = append(known, id)
	}

	result, err := h.service.RegisterOffer(c.Request.Context(), caller, role, offer, known)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	resp := models.OfferResponse{ReceivedOffers: make([]models.ReceivedOffer, 0, len(result.Received))}
	if registered := result.Registered; registered != nil {
		resp.RegisteredOffer = &models.RegisteredOffer{
			ID:        registered.ID.String(),
			Role:      registered.Role,
			CreatedAt: registered.CreatedAt,
			Offer:     base64.StdEncoding.EncodeToString(registered.SDP),
		}
	}
	for _, received := range result.Received {
		resp.ReceivedOffers = append(resp.ReceivedOffers, models.ReceivedOffer{
			ID:            received.ID.String(),
			OfferClientID: received.OffererClientID.String(),
			Role:          received.Role,
			CreatedAt:     received.CreatedAt,
			Offer:         base64.StdEncoding.EncodeToString(received.SDP),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterAnswer handles POST /api/sdp/answer.
func (h *ExchangeHandler) RegisterAnswer(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	var req []models.AnswerSubmission
	if !bindJSON(c, &req) {
		return
	}
	if len(req) == 0 {
		abortWith(c, http.StatusBadRequest, models.CodeInvalidRequest, "at least one answer is required")
		return
	}
	if len(req) > models.MaxAnswerBatch {
		abortWith(c, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge,
			fmt.Sprintf("at most %d answers per batch", models.MaxAnswerBatch))
		return
	}

	answers := make([]exchange.AnswerSubmission, 0, len(req))
	for _, item := range req {
		if len(item.Answer) > models.MaxEncodedPayload {
			abortWith(c, http.StatusRequestEntityTooLarge, models.CodePayloadTooLarge,
				fmt.Sprintf("answer exceeds %d characters", models.MaxEncodedPayload))
			return
		}
		id, err := uuid.Parse(item.ExchangeID)
		if err != nil {
			abortWith(c, http.StatusBadRequest, models.CodeInvalidRequest, "exchangeId must be a UUID")
			return
		}
		sdp, err := base64.StdEncoding.DecodeString(item.Answer)
		if err != nil {
			abortWith(c, http.StatusBadRequest, models.CodeInvalidRequest, "answer must be base64")
			return
		}
		answers = append(answers, exchange.AnswerSubmission{ExchangeID: id, SDP: sdp})
	}

	if err := h.service.RegisterAnswer(c.Request.Context(), caller, answers); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusCreated)
}

// GetAnswer handles GET /api/sdp/answer/:exchangeId. It blocks for up to
// the poll budget and answers 204 when nothing arrived in time.
func (h *ExchangeHandler) GetAnswer(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := exchangeIDParam(c)
	if !ok {
		return
	}

	answer, err := h.service.GetAnswer(c.Request.Context(), caller, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if answer == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, models.AnswerResponse{
		ExchangeID:     answer.ExchangeID.String(),
		AnswerClientID: answer.AnswererClientID.String(),
		Answer:         base64.StdEncoding.EncodeToString(answer.SDP),
	})
}

// DeleteExchange handles DELETE /api/sdp/:exchangeId.
func (h *ExchangeHandler) DeleteExchange(c *gin.Context) {
	caller, ok := h.caller(c)
	if !ok {
		return
	}
	id, ok := exchangeIDParam(c)
	if !ok {
		return
	}
	if err := h.service.DeleteExchange(c.Request.Context(), caller, id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}
