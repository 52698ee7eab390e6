// Package supervisor runs the gateway's background duties: the WebSocket
// keepalive, the expired-token sweep, and shutdown fanout over live
// connections.
package supervisor

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halyard-sh/halyard/internal/challenge"
	"github.com/halyard-sh/halyard/internal/relay"
)

// tokenSweepInterval is how often the expired-token index is drained.
const tokenSweepInterval = 5 * time.Minute

// shutdownGrace bounds how long fanout may take before the process exits
// anyway.
const shutdownGrace = 3 * time.Second

type Supervisor struct {
	registry *relay.Registry
	issuer   *challenge.Issuer
	logger   zerolog.Logger
}

func New(registry *relay.Registry, issuer *challenge.Issuer, logger zerolog.Logger) *Supervisor {
	return &Supervisor{registry: registry, issuer: issuer, logger: logger}
}

// Run blocks until ctx is canceled, driving the keepalive and sweep tickers.
func (s *Supervisor) Run(ctx context.Context) {
	ping := time.NewTicker(relay.PingPeriod)
	defer ping.Stop()
	sweep := time.NewTicker(tokenSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			s.keepaliveTick()
		case <-sweep.C:
			s.issuer.Sweep(ctx)
		}
	}
}

// keepaliveTick pings every live connection and terminates the ones that
// never answered the previous round.
func (s *Supervisor) keepaliveTick() {
	s.registry.Range(func(c *relay.Conn) {
		if !c.PingTick() {
			s.logger.Info().Str("conn_id", c.ID()).Msg("supervisor: terminating unresponsive connection")
			c.Terminate(websocket.CloseGoingAway)
		}
	})
}

// Shutdown fans out over live connections, ending shells, SSH clients and
// sockets with close code 1001, then waits for their teardowns within the
// grace period.
func (s *Supervisor) Shutdown() {
	deadline := time.After(shutdownGrace)

	var done []<-chan struct{}
	s.registry.Range(func(c *relay.Conn) {
		done = append(done, c.Done())
		go c.Terminate(websocket.CloseGoingAway)
	})

	for _, ch := range done {
		select {
		case <-ch:
		case <-deadline:
			s.logger.Warn().Msg("supervisor: shutdown grace elapsed with connections still closing")
			return
		}
	}
	s.logger.Info().Int("connections", len(done)).Msg("supervisor: all connections closed")
}
