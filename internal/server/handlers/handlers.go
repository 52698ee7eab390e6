// Package handlers implements the gateway's HTTP surface: the WebSocket
// upgrade gate, the challenge-verification mint endpoint, and the small
// status endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/halyard-sh/halyard/internal/audit"
	"github.com/halyard-sh/halyard/internal/challenge"
	"github.com/halyard-sh/halyard/internal/config"
	"github.com/halyard-sh/halyard/internal/guard"
	"github.com/halyard-sh/halyard/internal/protect"
	"github.com/halyard-sh/halyard/internal/relay"
	"github.com/halyard-sh/halyard/internal/session"
	"github.com/halyard-sh/halyard/internal/terminal"
)

// Deps carries the shared collaborators into each handler constructor.
type Deps struct {
	Cfg       *config.Config
	Store     session.Store
	Issuer    *challenge.Issuer
	Verifier  *challenge.Verifier
	Limiter   *protect.Limiter
	Guard     *guard.Guard
	Connector terminal.Connector
	Registry  *relay.Registry
	Audit     *audit.Recorder
	// Ready probes the session store for the readiness endpoint. Nil means
	// always ready.
	Ready  func(ctx context.Context) error
	Logger zerolog.Logger
}

// allowedHostSet converts the configured allow-list into the set the relay
// checks resolved addresses against.
func (d Deps) allowedHostSet() map[string]struct{} {
	if len(d.Cfg.AllowedHosts) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(d.Cfg.AllowedHosts))
	for _, h := range d.Cfg.AllowedHosts {
		set[h] = struct{}{}
	}
	return set
}

// fetchSession reads the session record under the configured hard timeout.
func (d Deps) fetchSession(ctx context.Context, id string) (*session.Record, error) {
	getCtx, cancel := context.WithTimeout(ctx, d.Cfg.SessionStoreGetTimeout)
	defer cancel()
	return d.Store.Get(getCtx, id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
