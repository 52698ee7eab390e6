// Package worker manages the embedded Asynq task worker.
//
// The worker runs as a goroutine inside the gateway process, connecting to
// Redis for persistent async task processing. Its only queue consumer today
// is audit persistence.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/halyard-sh/halyard/internal/audit"
)

// Worker manages the Asynq server and a shared client for enqueuing tasks.
type Worker struct {
	server *asynq.Server
	client *asynq.Client
	logger zerolog.Logger
}

// New creates a Worker against the given redis address.
// Call Start() to begin processing and Shutdown() to stop.
func New(redisAddr string, logger zerolog.Logger) *Worker {
	opt := asynq.RedisClientOpt{Addr: redisAddr}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{"default": 1},
		Logger:      nil,
	})
	return &Worker{
		server: server,
		client: asynq.NewClient(opt),
		logger: logger,
	}
}

// Client returns the shared enqueue client.
func (w *Worker) Client() *asynq.Client { return w.client }

// Start registers handlers and begins processing in the background.
func (w *Worker) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(audit.TaskWrite, w.handleAuditWrite)
	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("worker: start: %w", err)
	}
	return nil
}

// Shutdown stops the server and closes the client.
func (w *Worker) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

func (w *Worker) handleAuditWrite(_ context.Context, t *asynq.Task) error {
	var entry audit.Entry
	if err := json.Unmarshal(t.Payload(), &entry); err != nil {
		// Malformed payloads are dropped, not retried.
		w.logger.Error().Err(err).Msg("worker: bad audit payload")
		return nil
	}
	audit.Log(w.logger, entry)
	return nil
}
