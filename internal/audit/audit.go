// Package audit records gateway security events: relay connects and
// disconnects, guard and gate rejections. Records are enqueued to the async
// worker so audit latency never sits on the relay's hot path; if the queue
// is unavailable the record is written straight to the log instead.
package audit

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// TaskWrite is the asynq task type carrying one audit record.
const TaskWrite = "audit:write"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Entry holds all fields for a single audit record.
type Entry struct {
	// UserID identifies the actor ("unknown" for unauthenticated failures).
	UserID string `json:"user_id"`
	// Email is the actor's email for display purposes.
	Email string `json:"email,omitempty"`
	// Action is a dot-namespaced verb, e.g. "ssh.connect", "ssh.reject".
	Action string `json:"action"`
	// Target is the user-supplied target host, when one exists.
	Target string `json:"target,omitempty"`
	// Status is StatusSuccess or StatusFailed.
	Status string `json:"status"`
	// IP is the client's source address.
	IP string `json:"ip,omitempty"`
	// At is the event time, stamped by the Recorder.
	At time.Time `json:"at"`
	// Detail holds optional structured context (session id, byte counts,
	// rejection reason).
	Detail map[string]any `json:"detail,omitempty"`
}

// Enqueuer is the slice of asynq.Client the Recorder needs; tests stub it.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Recorder enqueues audit entries for asynchronous persistence.
type Recorder struct {
	client Enqueuer
	logger zerolog.Logger
}

// NewRecorder builds a Recorder. client may be nil, in which case every
// entry goes straight to the log.
func NewRecorder(client Enqueuer, logger zerolog.Logger) *Recorder {
	return &Recorder{client: client, logger: logger}
}

// Write records one entry. An audit failure must never break the calling
// operation, so errors are logged and swallowed.
func (r *Recorder) Write(entry Entry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	if entry.UserID == "" {
		entry.UserID = "unknown"
	}

	if r.client != nil {
		payload, err := json.Marshal(entry)
		if err == nil {
			if _, err = r.client.Enqueue(asynq.NewTask(TaskWrite, payload)); err == nil {
				return
			}
		}
		r.logger.Warn().Err(err).Msg("audit: enqueue failed, logging directly")
	}
	Log(r.logger, entry)
}

// Log writes one entry to the structured log. The worker's task handler
// funnels through here as well, so queued and direct records look the same.
func Log(logger zerolog.Logger, entry Entry) {
	logger.Info().
		Str("log", "audit").
		Str("user_id", entry.UserID).
		Str("action", entry.Action).
		Str("status", entry.Status).
		Str("target", entry.Target).
		Str("ip", entry.IP).
		Time("at", entry.At).
		Interface("detail", entry.Detail).
		Msg("audit record")
}
