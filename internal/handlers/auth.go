package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/mossy-p/sdp-rendezvous/internal/middleware"
	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

const devTokenTTL = 24 * time.Hour

// MintToken signs an HS256 token for userID. clientID is optional; when set
// the token is only valid for that client.
func MintToken(jwtSecret, userID, clientID string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := middleware.JWTClaims{
		UserID:   userID,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// IssueToken mints a token for any username. Identity is owned by an
// external service in production, so this route only exists in
// development.
func IssueToken(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.TokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWith(c, http.StatusBadRequest, models.CodeInvalidRequest, "Invalid request body")
			return
		}

		token, expiresAt, err := MintToken(jwtSecret, req.Username, "", devTokenTTL)
		if err != nil {
			abortWith(c, http.StatusInternalServerError, models.CodeStorageFailure, "Failed to generate token")
			return
		}

		c.JSON(http.StatusOK, models.TokenResponse{
			Token:     token,
			UserID:    req.Username,
			ExpiresAt: expiresAt,
		})
	}
}
