// Package proclog accumulates the per-request processing trail and flushes
// it to the KV store for post-mortems.
package proclog

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"server/internal/kv"
)

// Status of a single processing step.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusWarning Status = "warning"
)

// Step is one entry in the audit trail. ElapsedMs is wall clock since
// request start, not since the previous step, so entries stand alone.
type Step struct {
	Name      string         `json:"stepName"`
	Status    Status         `json:"status"`
	ElapsedMs int64          `json:"elapsedMsAtStep"`
	Detail    map[string]any `json:"detail,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// FinalOutcome summarizes the request for the persisted record.
type FinalOutcome struct {
	Source   string `json:"source"`
	FinalURL string `json:"finalUrl"`
	Success  bool   `json:"success"`
}

// Record is the persisted shape of one request's trail.
type Record struct {
	RequestID    string       `json:"requestId"`
	StartedAt    time.Time    `json:"startedAt"`
	Country      string       `json:"country,omitempty"`
	Steps        []Step       `json:"steps"`
	FinalOutcome FinalOutcome `json:"finalOutcome"`
}

// RetentionTTL bounds how long flushed records are kept.
const RetentionTTL = 24 * time.Hour

const keyPrefix = "log:"

// Recorder owns one request's step sequence. It is never shared across
// requests; the mutex only covers the handler goroutine racing a late flush.
type Recorder struct {
	mu        sync.Mutex
	requestID string
	startedAt time.Time
	country   string
	steps     []Step
	logger    zerolog.Logger
	now       func() time.Time
}

func NewRecorder(requestID string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		requestID: requestID,
		startedAt: time.Now(),
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Recorder) RequestID() string { return r.requestID }

// SetCountry tags the record with the caller's resolved country.
func (r *Recorder) SetCountry(country string) {
	r.mu.Lock()
	r.country = country
	r.mu.Unlock()
}

// Step appends one named step. Synchronous and in-memory; never fails.
func (r *Recorder) Step(name string, status Status, detail map[string]any, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, Step{
		Name:      name,
		Status:    status,
		ElapsedMs: r.now().Sub(r.startedAt).Milliseconds(),
		Detail:    detail,
		Message:   message,
	})
}

// Steps returns a copy of the recorded steps.
func (r *Recorder) Steps() []Step {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Elapsed reports wall clock since request start.
func (r *Recorder) Elapsed() time.Duration {
	return r.now().Sub(r.startedAt)
}

// Flush persists the record in the background. Best effort: a write failure
// is logged to the console and never surfaced to the request.
func (r *Recorder) Flush(store kv.Store, final FinalOutcome) {
	r.mu.Lock()
	record := Record{
		RequestID:    r.requestID,
		StartedAt:    r.startedAt,
		Country:      r.country,
		Steps:        append([]Step(nil), r.steps...),
		FinalOutcome: final,
	}
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		payload, err := json.Marshal(record)
		if err != nil {
			r.logger.Error().Err(err).Str("request_id", r.requestID).Msg("encode processing log")
			return
		}
		if err := store.Put(ctx, keyPrefix+r.requestID, string(payload), RetentionTTL); err != nil {
			r.logger.Error().Err(err).Str("request_id", r.requestID).Msg("flush processing log")
		}
	}()
}

// Load fetches a previously flushed record by request id.
func Load(ctx context.Context, store kv.Store, requestID string) (*Record, bool, error) {
	raw, ok, err := store.Get(ctx, keyPrefix+requestID)
	if err != nil || !ok {
		return nil, false, err
	}
	var record Record
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, false, err
	}
	return &record, true, nil
}
