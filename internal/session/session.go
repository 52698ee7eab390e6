// Package session models the web session as an opaque key-value record with
// a TTL. The record is written by the identity layer at login; the gateway
// only reads the user fields and mutates the challenge-token fields.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the session id (expired
// or never created).
var ErrNotFound = errors.New("session: not found")

// Record is the authoritative session state. The Token* fields are the
// single source of truth for the issued challenge token; any in-memory
// index is an optimization over this record, never a second authority.
type Record struct {
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`

	Token       string    `json:"token,omitempty"`
	TokenExpiry time.Time `json:"token_expiry,omitempty"`
	TokenIP     string    `json:"token_ip,omitempty"`
}

// Authenticated reports whether the identity layer has bound a user to this
// session.
func (r *Record) Authenticated() bool {
	return r != nil && r.UserID != ""
}

// ClearToken removes the issued challenge token from the record.
func (r *Record) ClearToken() {
	r.Token = ""
	r.TokenExpiry = time.Time{}
	r.TokenIP = ""
}

// Store is the external session store. Implementations must be safe for
// concurrent use; Get honors the context deadline so a slow store cannot
// stall a WebSocket upgrade past its budget.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Set(ctx context.Context, id string, rec *Record, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}
