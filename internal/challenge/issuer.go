// Package challenge mints and consumes the one-time server tokens that gate
// WebSocket upgrades. A token is issued after the browser solves the
// provider's human-verification challenge, bound to the issuing session and
// client IP, and valid for one upgrade within its TTL.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halyard-sh/halyard/internal/session"
)

// tokenBytes is the entropy of an issued token. Hex-encoded on the wire.
const tokenBytes = 24

// Issuer owns the token lifecycle. The session record is the single
// authoritative token location; the in-memory index only lets the sweeper
// find expired tokens without scanning the store, under the same
// IP/expiry/one-shot rules.
type Issuer struct {
	store      session.Store
	ttl        time.Duration
	sessionTTL time.Duration
	logger     zerolog.Logger

	mu    sync.Mutex
	index map[string]time.Time // session id → token expiry

	now func() time.Time
}

func NewIssuer(store session.Store, ttl, sessionTTL time.Duration, logger zerolog.Logger) *Issuer {
	return &Issuer{
		store:      store,
		ttl:        ttl,
		sessionTTL: sessionTTL,
		logger:     logger,
		index:      make(map[string]time.Time),
		now:        time.Now,
	}
}

// TTL returns the configured token lifetime.
func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue mints a fresh token for sessionID, bound to ip, and persists it in
// the session record. A previously issued unconsumed token is overwritten;
// a session holds at most one live token.
func (i *Issuer) Issue(ctx context.Context, sessionID, ip string) (string, time.Duration, error) {
	token, err := generateToken()
	if err != nil {
		return "", 0, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	rec, err := i.store.Get(ctx, sessionID)
	if err != nil {
		return "", 0, fmt.Errorf("challenge: issue: %w", err)
	}
	if !rec.Authenticated() {
		return "", 0, fmt.Errorf("challenge: issue: session %q has no user", sessionID)
	}

	expiry := i.now().Add(i.ttl)
	rec.Token = token
	rec.TokenExpiry = expiry
	rec.TokenIP = ip
	if err := i.store.Set(ctx, sessionID, rec, i.sessionTTL); err != nil {
		return "", 0, fmt.Errorf("challenge: issue: %w", err)
	}
	i.index[sessionID] = expiry

	return token, i.ttl, nil
}

// Consume validates presented against the token stored in the session and,
// on success, removes it so a second call with the same token fails. The
// comparison is constant time over equal-length inputs; a length mismatch
// fails immediately. Returns false on any mismatch, expiry, IP difference,
// or store error; the caller treats every false identically.
func (i *Issuer) Consume(ctx context.Context, sessionID, presented, ip string) bool {
	if presented == "" {
		return false
	}

	// The lock spans read-compare-delete so two upgrades racing on the same
	// token cannot both observe it.
	i.mu.Lock()
	defer i.mu.Unlock()

	rec, err := i.store.Get(ctx, sessionID)
	if err != nil {
		return false
	}
	stored := rec.Token
	if stored == "" || len(stored) != len(presented) {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) != 1 {
		return false
	}
	if i.now().After(rec.TokenExpiry) {
		return false
	}
	if rec.TokenIP != ip {
		return false
	}

	rec.ClearToken()
	if err := i.store.Set(ctx, sessionID, rec, i.sessionTTL); err != nil {
		i.logger.Error().Err(err).Str("session", sessionID).Msg("challenge: failed to persist consume")
		return false
	}
	delete(i.index, sessionID)
	return true
}

// Sweep clears expired tokens from the sessions the index knows about and
// drops their index entries. Run periodically by the supervisor.
func (i *Issuer) Sweep(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.now()
	for sid, expiry := range i.index {
		if now.Before(expiry) {
			continue
		}
		delete(i.index, sid)

		rec, err := i.store.Get(ctx, sid)
		if err != nil {
			continue // session gone; its token went with it
		}
		if rec.Token == "" || now.Before(rec.TokenExpiry) {
			continue // consumed, or re-issued since we indexed it
		}
		rec.ClearToken()
		if err := i.store.Set(ctx, sid, rec, i.sessionTTL); err != nil {
			i.logger.Error().Err(err).Str("session", sid).Msg("challenge: sweep persist failed")
		}
	}
}

// IndexSize returns the number of sessions with an indexed live token.
func (i *Issuer) IndexSize() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.index)
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("challenge: read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Equal compares two token strings in constant time over equal lengths.
// The relay uses it for the connect-time re-check.
func Equal(a, b string) bool {
	if len(a) != len(b) || a == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
