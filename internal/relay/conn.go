// Package relay pumps bytes between an accepted WebSocket and an
// interactive SSH shell. Each connection is a small state machine:
//
//	OPENED ──connect──▶ CONNECTING ──ssh ready──▶ READY ──▶ CLOSING ──▶ CLOSED
//
// with a single idempotent teardown that ends the shell, the SSH client,
// the socket and the per-IP counter in that order, no matter which side
// died first.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halyard-sh/halyard/internal/audit"
	"github.com/halyard-sh/halyard/internal/challenge"
	"github.com/halyard-sh/halyard/internal/guard"
	"github.com/halyard-sh/halyard/internal/metrics"
	"github.com/halyard-sh/halyard/internal/protect"
	"github.com/halyard-sh/halyard/internal/session"
	"github.com/halyard-sh/halyard/internal/terminal"
)

const (
	// writeWait bounds every WebSocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a socket may stay silent before the read side
	// gives up; pings go out every PingPeriod.
	pongWait = 60 * time.Second
	// PingPeriod is the supervisor's keepalive interval.
	PingPeriod = 30 * time.Second
	// maxMessageSize caps a single frame at 2 MiB.
	maxMessageSize = 2 << 20
	// readBufSize is the shell → socket copy buffer.
	readBufSize = 4096
)

// State is the relay lifecycle position, exported for tests.
type State int32

const (
	StateOpened State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Deps are the collaborators a connection needs. All of them are shared
// process-wide; the Conn owns nothing but its socket and SSH handles.
type Deps struct {
	Guard     *guard.Guard
	Limiter   *protect.Limiter
	Connector terminal.Connector
	Audit     *audit.Recorder
	// AllowedHosts optionally restricts targets to this set of resolved
	// addresses. Empty means any public address.
	AllowedHosts map[string]struct{}
	// ReadyTimeout bounds dial + handshake. Zero selects the default.
	ReadyTimeout time.Duration
	Logger       zerolog.Logger
}

// Conn is the per-socket connection context. It is created by the upgrade
// gate after the per-IP counter has been incremented; teardown decrements
// exactly once.
type Conn struct {
	id        string
	ws        *websocket.Conn
	user      session.Record
	sessionID string
	clientIP  string
	// consumedToken is the server token the gate consumed at upgrade; the
	// connect frame must present the same value again.
	consumedToken string
	startedAt     time.Time
	deps          Deps
	logger        zerolog.Logger

	writeMu sync.Mutex // serializes all WebSocket writes

	state atomic.Int32
	alive atomic.Bool

	sessMu sync.Mutex
	sess   terminal.Session

	pendingMu   sync.Mutex
	pendingRows uint16
	pendingCols uint16

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// New wires a connection context around an accepted socket.
func New(id string, ws *websocket.Conn, user session.Record, sessionID, clientIP, consumedToken string, deps Deps) *Conn {
	c := &Conn{
		id:            id,
		ws:            ws,
		user:          user,
		sessionID:     sessionID,
		clientIP:      clientIP,
		consumedToken: consumedToken,
		startedAt:     time.Now(),
		deps:          deps,
		logger: deps.Logger.With().
			Str("conn_id", id).
			Str("user_id", user.UserID).
			Str("client_ip", clientIP).
			Logger(),
		done: make(chan struct{}),
	}
	c.state.Store(int32(StateOpened))
	c.alive.Store(true)
	return c
}

func (c *Conn) ID() string       { return c.id }
func (c *Conn) ClientIP() string { return c.clientIP }
func (c *Conn) State() State     { return State(c.state.Load()) }

// Done is closed when teardown has completed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Serve runs the read loop until the socket dies or a terminal error moves
// the machine to CLOSING. It always leaves through teardown.
func (c *Conn) Serve(ctx context.Context) {
	defer c.teardown(websocket.CloseNormalClosure)

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("relay: websocket read ended")
			}
			return
		}

		switch mt {
		case websocket.TextMessage:
			if !c.handleText(ctx, data) {
				return
			}
		case websocket.BinaryMessage:
			if c.State() != StateReady {
				continue // stray keystrokes before the shell exists
			}
			c.bytesIn.Add(int64(len(data)))
			c.sessMu.Lock()
			sess := c.sess
			c.sessMu.Unlock()
			if sess != nil {
				if _, err := sess.Write(data); err != nil {
					// A stdin write failure alone does not end the relay;
					// the shell's read side decides that.
					c.logger.Warn().Err(err).Msg("relay: shell stdin write failed")
				}
			}
		}
	}
}

// handleText dispatches one control frame. It returns false when the
// connection must end.
func (c *Conn) handleText(ctx context.Context, data []byte) bool {
	var env controlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.writeError("invalid control frame")
		return false
	}

	switch State(c.state.Load()) {
	case StateOpened:
		switch env.Type {
		case msgConnect:
			return c.handleConnect(ctx, data)
		case msgResize:
			var req resizeRequest
			if err := json.Unmarshal(data, &req); err == nil && req.Cols > 0 && req.Rows > 0 {
				c.pendingMu.Lock()
				c.pendingCols, c.pendingRows = req.Cols, req.Rows
				c.pendingMu.Unlock()
			}
			return true
		default:
			c.writeError("expected a connect message")
			return false
		}
	case StateReady:
		if env.Type != msgResize {
			return true // unrecognized lifecycle chatter is ignored once live
		}
		var req resizeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Cols == 0 || req.Rows == 0 {
			return true
		}
		c.sessMu.Lock()
		sess := c.sess
		c.sessMu.Unlock()
		if sess != nil {
			if err := sess.Resize(req.Rows, req.Cols); err != nil {
				c.logger.Warn().Err(err).Msg("relay: resize failed")
			}
		}
		return true
	default:
		return true
	}
}

// handleConnect validates the setup frame, runs the host guard, dials SSH
// and moves the machine to READY. Every rejection writes one error frame
// and ends the connection; only SSH-phase failures advance the per-user
// failure counter.
func (c *Conn) handleConnect(ctx context.Context, data []byte) bool {
	var req connectRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.writeError("invalid connect message")
		return false
	}

	// Defense in depth: the gate consumed this token at upgrade, the
	// connect frame must carry the same value.
	if !challenge.Equal(req.Token, c.consumedToken) {
		c.writeError("invalid session token")
		c.audit("ssh.reject", req.Host, audit.StatusFailed, map[string]any{"reason": "token_mismatch"})
		return false
	}

	if !c.deps.Limiter.CheckAttempts(c.user.UserID) {
		c.writeError("too many failed SSH attempts, try again later")
		c.audit("ssh.reject", req.Host, audit.StatusFailed, map[string]any{"reason": "attempt_throttle"})
		return false
	}

	if req.Host == "" || req.Username == "" {
		c.writeError("host and username are required")
		return false
	}

	addr, err := c.deps.Guard.Resolve(ctx, req.Host)
	if err != nil {
		var rej *guard.RejectionError
		if errors.As(err, &rej) {
			metrics.GuardRejections.WithLabelValues(string(rej.Reason)).Inc()
			c.writeError("target rejected: " + rejectionText(rej.Reason))
			c.audit("ssh.reject", req.Host, audit.StatusFailed, map[string]any{"reason": string(rej.Reason)})
			return false
		}
		c.writeError("target validation failed")
		c.logger.Error().Err(err).Msg("relay: guard system error")
		return false
	}

	if len(c.deps.AllowedHosts) > 0 {
		if _, ok := c.deps.AllowedHosts[addr.String()]; !ok {
			c.writeError("target is not in the allowed host list")
			c.audit("ssh.reject", req.Host, audit.StatusFailed, map[string]any{"reason": "allow_list"})
			return false
		}
	}

	c.state.Store(int32(StateConnecting))

	c.pendingMu.Lock()
	rows, cols := c.pendingRows, c.pendingCols
	c.pendingMu.Unlock()

	readyTimeout := c.deps.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = terminal.DefaultReadyTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	sess, err := c.deps.Connector.Connect(dialCtx, terminal.ConnectorConfig{
		Addr:       addr,
		Port:       req.Port.Value(),
		User:       req.Username,
		AuthType:   req.Auth,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
		Passphrase: req.Passphrase,
		Rows:       rows,
		Cols:       cols,
	})
	if err != nil {
		c.deps.Limiter.RecordFailure(c.user.UserID)
		metrics.SSHFailures.Inc()
		c.writeError("SSH connection failed: " + err.Error())
		c.audit("ssh.connect", req.Host, audit.StatusFailed, map[string]any{"error": err.Error()})
		return false
	}

	c.sessMu.Lock()
	c.sess = sess
	c.sessMu.Unlock()
	c.state.Store(int32(StateReady))

	if err := c.writeControl(controlMessage{Type: msgReady}); err != nil {
		return false
	}
	c.audit("ssh.connect", req.Host, audit.StatusSuccess, map[string]any{
		"address": terminal.DialAddr(addr, req.Port.Value()),
	})
	c.logger.Info().Str("target", terminal.DialAddr(addr, req.Port.Value())).Msg("relay: shell ready")

	go c.pumpShellOutput(sess)
	return true
}

// pumpShellOutput forwards shell output to the socket until the shell ends,
// then signals ssh-closed and tears the connection down.
func (c *Conn) pumpShellOutput(sess terminal.Session) {
	buf := make([]byte, readBufSize)
	for {
		n, err := sess.Read(buf)
		if n > 0 {
			c.bytesOut.Add(int64(n))
			if werr := c.writeMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	// Best-effort lifecycle signal after the final byte, before the close.
	_ = c.writeControl(controlMessage{Type: msgSSHClosed})
	c.teardown(websocket.CloseNormalClosure)
}

// PingTick is called by the supervisor every PingPeriod. It reports false
// when the peer missed the previous round and must be terminated.
func (c *Conn) PingTick() bool {
	if !c.alive.Swap(false) {
		return false
	}
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	c.writeMu.Unlock()
	return err == nil
}

// Terminate closes the connection with the given close code. Used by the
// supervisor for shutdown (1001) and dead-peer reaping.
func (c *Conn) Terminate(code int) {
	c.teardown(code)
}

// teardown is the single exit path: end the shell, end the SSH client,
// close the socket, release the per-IP slot. Safe to invoke any number of
// times from any goroutine.
func (c *Conn) teardown(closeCode int) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))

		c.sessMu.Lock()
		sess := c.sess
		c.sessMu.Unlock()
		if sess != nil {
			_ = sess.Close() // shell stream first, then SSH client
		}

		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(closeCode, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()

		c.deps.Limiter.ReleaseIP(c.clientIP)
		metrics.WebsocketsActive.Dec()

		c.audit("ssh.disconnect", "", audit.StatusSuccess, map[string]any{
			"bytes_in":    c.bytesIn.Load(),
			"bytes_out":   c.bytesOut.Load(),
			"duration_ms": time.Since(c.startedAt).Milliseconds(),
		})
		c.logger.Info().
			Int64("bytes_in", c.bytesIn.Load()).
			Int64("bytes_out", c.bytesOut.Load()).
			Msg("relay: connection closed")

		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

func (c *Conn) writeMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) writeControl(msg controlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.writeMessage(websocket.TextMessage, data)
}

// writeError sends an error control frame; the caller decides whether the
// connection survives.
func (c *Conn) writeError(message string) {
	_ = c.writeControl(controlMessage{Type: msgError, Message: message})
}

func (c *Conn) audit(action, target, status string, detail map[string]any) {
	if c.deps.Audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["conn_id"] = c.id
	c.deps.Audit.Write(audit.Entry{
		UserID: c.user.UserID,
		Email:  c.user.Email,
		Action: action,
		Target: target,
		Status: status,
		IP:     c.clientIP,
		Detail: detail,
	})
}

func rejectionText(r guard.Reason) string {
	switch r {
	case guard.ReasonPrivateLiteral:
		return "address is private or local"
	case guard.ReasonBlockedName:
		return "hostname is blocked"
	case guard.ReasonEmbeddedPrivate:
		return "hostname embeds a private address"
	case guard.ReasonResolutionFailed:
		return "hostname did not resolve"
	case guard.ReasonResolvedToPrivate:
		return "hostname resolves to a private address"
	default:
		return string(r)
	}
}
