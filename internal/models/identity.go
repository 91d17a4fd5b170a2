package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Role is the side a client plays in an exchange. Offers are only ever
// matched against the opposite role.
type Role string

const (
	RoleProvider   Role = "provider"
	RoleSubscriber Role = "subscriber"
)

// ParseRole accepts exactly "provider" or "subscriber".
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleProvider, RoleSubscriber:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Opposite returns the role an offer of r is matched against.
func (r Role) Opposite() Role {
	if r == RoleProvider {
		return RoleSubscriber
	}
	return RoleProvider
}

// OwnerID is the one-way hash of a raw user id. Exchange records are keyed by
// it so the raw identifier is never persisted.
type OwnerID string

// OwnerFor hashes a raw user id into its OwnerID.
func OwnerFor(rawUserID string) OwnerID {
	sum := sha256.Sum256([]byte(rawUserID))
	return OwnerID(hex.EncodeToString(sum[:]))
}

// Caller is the authenticated identity behind a request: the raw user id
// (needed for payload keys), its owner hash and the calling client instance.
type Caller struct {
	UserID   string
	Owner    OwnerID
	ClientID uuid.UUID
}

// NewCaller builds a Caller, deriving the owner hash from userID.
func NewCaller(userID string, clientID uuid.UUID) Caller {
	return Caller{UserID: userID, Owner: OwnerFor(userID), ClientID: clientID}
}
