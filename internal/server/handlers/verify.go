package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/halyard-sh/halyard/internal/challenge"
	"github.com/halyard-sh/halyard/internal/metrics"
	"github.com/halyard-sh/halyard/internal/server/middleware"
)

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	OK      bool   `json:"ok"`
	Token   string `json:"token,omitempty"`
	TTL     int64  `json:"ttl,omitempty"` // milliseconds
	Message string `json:"message,omitempty"`
}

// TurnstileVerify checks the browser's provider attestation and, on
// success, mints the one-time server token the upgrade gate will consume.
func TurnstileVerify(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := middleware.ClientIP(r, d.Cfg.BehindProxy)

		cookie, err := r.Cookie(d.Cfg.SessionCookieName)
		if err != nil || cookie.Value == "" {
			writeJSON(w, http.StatusUnauthorized, verifyResponse{Message: "no session"})
			return
		}
		rec, err := d.fetchSession(r.Context(), cookie.Value)
		if err != nil || !rec.Authenticated() {
			writeJSON(w, http.StatusUnauthorized, verifyResponse{Message: "not logged in"})
			return
		}

		var req verifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			writeJSON(w, http.StatusBadRequest, verifyResponse{Message: "missing verification token"})
			return
		}

		verified, err := d.Verifier.Verify(r.Context(), req.Token, ip)
		if err != nil {
			var perr *challenge.ProviderError
			switch {
			case errors.As(err, &perr):
				d.Logger.Error().Err(err).Msg("verify: provider failure")
				writeJSON(w, http.StatusBadGateway, verifyResponse{Message: "verification provider unavailable"})
			case errors.Is(err, challenge.ErrMisconfigured):
				d.Logger.Error().Msg("verify: provider secret not configured")
				writeJSON(w, http.StatusInternalServerError, verifyResponse{Message: "verification not configured"})
			default:
				d.Logger.Error().Err(err).Msg("verify: provider response unusable")
				writeJSON(w, http.StatusInternalServerError, verifyResponse{Message: "verification failed"})
			}
			return
		}
		if !verified {
			writeJSON(w, http.StatusBadRequest, verifyResponse{Message: "verification failed"})
			return
		}

		token, ttl, err := d.Issuer.Issue(r.Context(), cookie.Value, ip)
		if err != nil {
			d.Logger.Error().Err(err).Msg("verify: token issue failed")
			writeJSON(w, http.StatusInternalServerError, verifyResponse{Message: "could not issue token"})
			return
		}
		metrics.TokensIssued.Inc()

		writeJSON(w, http.StatusOK, verifyResponse{OK: true, Token: token, TTL: ttl.Milliseconds()})
	}
}
