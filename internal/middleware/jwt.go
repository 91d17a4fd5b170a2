package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mossy-p/sdp-rendezvous/internal/models"
)

const (
	callerKey      = "caller"
	ClientIDHeader = "X-Client-Id"
)

// JWTClaims represents the claims in the JWT token. The user is taken from
// user_id, falling back to sub; client_id pins the token to one client.
type JWTClaims struct {
	UserID   string `json:"user_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuth validates the bearer token and the client id, and stores the
// resulting models.Caller in the context. Browsers cannot set headers on a
// websocket upgrade, so the token and client id may also arrive as the
// access_token and client_id query parameters.
func JWTAuth(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			abort(c, http.StatusUnauthorized, models.CodeUnauthorized, "Authorization header required")
			return
		}

		claims := &JWTClaims{}
		_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(jwtSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if errors.Is(err, jwt.ErrTokenExpired) {
			abort(c, http.StatusUnauthorized, models.CodeTokenExpired, "Token expired")
			return
		}
		if err != nil {
			abort(c, http.StatusUnauthorized, models.CodeInvalidToken, "Invalid token")
			return
		}

		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}
		if userID == "" {
			abort(c, http.StatusUnauthorized, models.CodeInvalidToken, "Token has no subject")
			return
		}

		rawClientID := c.GetHeader(ClientIDHeader)
		if rawClientID == "" {
			rawClientID = c.Query("client_id")
		}
		if rawClientID == "" {
			rawClientID = claims.ClientID
		}
		clientID, err := uuid.Parse(rawClientID)
		if err != nil || clientID == uuid.Nil {
			abort(c, http.StatusBadRequest, models.CodeMissingClientID, "A valid X-Client-Id header is required")
			return
		}
		if claims.ClientID != "" && claims.ClientID != clientID.String() {
			abort(c, http.StatusUnauthorized, models.CodeInvalidToken, "Token issued for another client")
			return
		}

		c.Set("user_id", userID)
		c.Set(callerKey, models.NewCaller(userID, clientID))
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("access_token"); token != "" {
		return token, true
	}
	return "", false
}

// CallerFrom returns the caller stored by JWTAuth.
func CallerFrom(c *gin.Context) (models.Caller, bool) {
	value, ok := c.Get(callerKey)
	if !ok {
		return models.Caller{}, false
	}
	caller, ok := value.(models.Caller)
	return caller, ok
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{Code: code, Error: message})
}
