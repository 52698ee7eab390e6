// Package terminal opens interactive PTY sessions on remote hosts over SSH
// and exposes them as byte streams the relay can pump into a WebSocket.
package terminal

import (
	"context"
	"net/netip"
)

// Session bridges a remote PTY with the relay: callers Write stdin bytes and
// Read stdout bytes. Control operations (resize, close) are invoked
// out-of-band by the relay's control-frame handler.
type Session interface {
	// Write sends bytes to the remote stdin (keyboard input).
	Write(p []byte) (n int, err error)
	// Read receives bytes from the remote PTY output.
	Read(p []byte) (n int, err error)
	// Resize changes the remote PTY dimensions.
	Resize(rows, cols uint16) error
	// Close terminates the session and frees all resources. Safe to call
	// more than once.
	Close() error
}

// Connector creates a Session for a given target configuration.
// Implementations must be safe for concurrent use.
type Connector interface {
	Connect(ctx context.Context, cfg ConnectorConfig) (Session, error)
}

// Auth method names accepted in ConnectorConfig.AuthType.
const (
	AuthPassword = "password"
	AuthKey      = "key"
)

// ConnectorConfig carries the parameters required to open a connection.
// Credentials are consumed during Connect and held only in memory for the
// session's duration.
type ConnectorConfig struct {
	// Addr is the resolved target address. The connector dials it verbatim;
	// the user-supplied hostname never reaches the dialer.
	Addr netip.Addr
	// Port is the target TCP port.
	Port int
	// User is the login username.
	User string
	// AuthType is AuthPassword or AuthKey.
	AuthType string
	// Password is the login password when AuthType is AuthPassword.
	Password string
	// PrivateKey is the PEM private key when AuthType is AuthKey.
	PrivateKey string
	// Passphrase optionally decrypts PrivateKey.
	Passphrase string
	// Rows and Cols are the initial PTY dimensions.
	Rows, Cols uint16
}
