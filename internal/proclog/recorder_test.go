package proclog

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/kv"
)

func TestRecorderStepsCarryElapsedSinceStart(t *testing.T) {
	r := NewRecorder("req-1", zerolog.Nop())
	current := time.Unix(1700000000, 0)
	r.startedAt = current
	r.now = func() time.Time { return current }

	r.Step("strategy_selected", StatusSuccess, nil, "")
	current = current.Add(120 * time.Millisecond)
	r.Step("provider_attempt", StatusFailure, map[string]any{"provider": "gemini"}, "quota")
	current = current.Add(80 * time.Millisecond)
	r.Step("request_complete", StatusSuccess, nil, "")

	steps := r.Steps()
	if len(steps) != 3 {
		t.Fatalf("got %d steps", len(steps))
	}
	wantElapsed := []int64{0, 120, 200}
	for i, s := range steps {
		if s.ElapsedMs != wantElapsed[i] {
			t.Errorf("step %d elapsed = %d, want %d (wall clock since start, not delta)", i, s.ElapsedMs, wantElapsed[i])
		}
	}
	if steps[1].Detail["provider"] != "gemini" {
		t.Errorf("detail = %v", steps[1].Detail)
	}
}

func TestRecorderStepsAreCopied(t *testing.T) {
	r := NewRecorder("req-1", zerolog.Nop())
	r.Step("a", StatusSuccess, nil, "")
	steps := r.Steps()
	steps[0].Name = "mutated"
	if r.Steps()[0].Name != "a" {
		t.Error("Steps must return a copy")
	}
}

func TestFlushPersistsRecord(t *testing.T) {
	store := kv.NewMemoryStore()
	r := NewRecorder("req-9", zerolog.Nop())
	r.SetCountry("DE")
	r.Step("strategy_selected", StatusSuccess, nil, "")
	r.Step("request_complete", StatusSuccess, nil, "")

	r.Flush(store, FinalOutcome{Source: "gemini", FinalURL: "https://img.example.com/x.png", Success: true})

	var record *Record
	deadline := time.Now().Add(2 * time.Second)
	for {
		loaded, ok, err := Load(context.Background(), store, "req-9")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if ok {
			record = loaded
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("flush never landed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if record.RequestID != "req-9" {
		t.Errorf("request id = %q", record.RequestID)
	}
	if record.Country != "DE" {
		t.Errorf("country = %q", record.Country)
	}
	if len(record.Steps) != 2 {
		t.Errorf("steps = %d, want the full trail", len(record.Steps))
	}
	if !record.FinalOutcome.Success || record.FinalOutcome.Source != "gemini" {
		t.Errorf("final outcome = %+v", record.FinalOutcome)
	}
}

func TestLoadMissingRecord(t *testing.T) {
	store := kv.NewMemoryStore()
	_, ok, err := Load(context.Background(), store, "absent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Error("missing record reported present")
	}
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, context.DeadlineExceeded
}
func (failingStore) Put(context.Context, string, string, time.Duration) error {
	return context.DeadlineExceeded
}
func (failingStore) Delete(context.Context, string) error { return context.DeadlineExceeded }

func TestFlushFailureIsSwallowed(t *testing.T) {
	r := NewRecorder("req-1", zerolog.Nop())
	r.Step("request_complete", StatusFailure, nil, "")
	// Must not panic or surface anything; the request already answered.
	r.Flush(failingStore{}, FinalOutcome{})
	time.Sleep(20 * time.Millisecond)
}
