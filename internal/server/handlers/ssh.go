package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/halyard-sh/halyard/internal/audit"
	"github.com/halyard-sh/halyard/internal/metrics"
	"github.com/halyard-sh/halyard/internal/relay"
	"github.com/halyard-sh/halyard/internal/server/middleware"
)

// tokenParam is the query parameter carrying the server challenge token.
// Browsers cannot set custom headers on a WebSocket upgrade.
const tokenParam = "ts"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Authentication is enforced by the session cookie plus the one-time
	// challenge token, so cross-origin upgrades carry no extra risk.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SSH is the WebSocket upgrade gate. It admits a socket only for an
// authenticated session presenting a valid, unexpired, IP-bound challenge
// token, enforces the per-IP ceiling, and hands the socket to the relay.
// It never dials anything itself.
func SSH(d Deps) http.HandlerFunc {
	relayDeps := relay.Deps{
		Guard:        d.Guard,
		Limiter:      d.Limiter,
		Connector:    d.Connector,
		Audit:        d.Audit,
		AllowedHosts: d.allowedHostSet(),
		Logger:       d.Logger,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ip := middleware.ClientIP(r, d.Cfg.BehindProxy)

		cookie, err := r.Cookie(d.Cfg.SessionCookieName)
		if err != nil || cookie.Value == "" {
			metrics.UpgradesRejected.WithLabelValues("no_session").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sid := cookie.Value

		rec, err := d.fetchSession(r.Context(), sid)
		if err != nil {
			metrics.UpgradesRejected.WithLabelValues("session_fetch").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !rec.Authenticated() {
			metrics.UpgradesRejected.WithLabelValues("no_user").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		token := r.URL.Query().Get(tokenParam)
		if token == "" {
			metrics.UpgradesRejected.WithLabelValues("no_token").Inc()
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return // Upgrade already wrote the response
		}

		if !d.Issuer.Consume(r.Context(), sid, token, ip) {
			metrics.UpgradesRejected.WithLabelValues("token_invalid").Inc()
			d.Audit.Write(audit.Entry{
				UserID: rec.UserID,
				Action: "gate.reject",
				Status: audit.StatusFailed,
				IP:     ip,
				Detail: map[string]any{"reason": "token_invalid"},
			})
			closeWith(ws, websocket.ClosePolicyViolation, "invalid or expired verification token")
			return
		}

		if n := d.Limiter.AcquireIP(ip); n > d.Limiter.MaxPerIP() {
			metrics.UpgradesRejected.WithLabelValues("ip_concurrency").Inc()
			closeWith(ws, websocket.CloseNormalClosure, "too many connections from your address")
			d.Limiter.ReleaseIP(ip)
			return
		}
		metrics.WebsocketsActive.Inc()

		conn := relay.New(uuid.NewString(), ws, *rec, sid, ip, token, relayDeps)
		d.Registry.Register(conn)
		defer d.Registry.Unregister(conn.ID())
		conn.Serve(r.Context())
	}
}

// closeWith sends an error control frame and a close frame, then drops the
// socket. Used for gate rejections that happen after the upgrade.
func closeWith(ws *websocket.Conn, code int, message string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	deadline := time.Now().Add(5 * time.Second)
	_ = ws.SetWriteDeadline(deadline)
	_ = ws.WriteMessage(websocket.TextMessage, payload)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
	_ = ws.Close()
}
