package domain

import "time"

// ProviderOutcome is the result of a single adapter attempt. Created fresh
// per attempt and never mutated.
type ProviderOutcome struct {
	Provider     Source
	Succeeded    bool
	AssetURL     string
	ErrorMessage string
	Elapsed      time.Duration
	// TaskID carries a resumable upstream task when an async provider ran out
	// of polling budget before completing.
	TaskID string
}

// PersistedAsset describes a durably stored object. Immutable; retries create
// new attempts at fresh keys, never updates in place.
type PersistedAsset struct {
	StorageKey  string    `json:"storageKey"`
	PublicURL   string    `json:"publicUrl"`
	ContentType string    `json:"contentType"`
	ByteSize    int64     `json:"byteSize"`
	SourceURL   string    `json:"sourceUrl"`
	StoredAt    time.Time `json:"storedAt"`
}

// FinalResult is the caller-facing response. Derived, never stored.
type FinalResult struct {
	URL           string         `json:"url"`
	Source        Source         `json:"source"`
	Succeeded     bool           `json:"succeeded"`
	Persisted     bool           `json:"persisted"`
	ElapsedMs     int64          `json:"elapsedMs"`
	Error         string         `json:"error,omitempty"`
	UsedPrompt    string         `json:"usedPrompt,omitempty"`
	SourceURLEcho string         `json:"sourceUrlEcho,omitempty"`
	RequestID     string         `json:"requestId"`
	Details       map[string]any `json:"details,omitempty"`
}

// LegacyResult mirrors the response shape of earlier callers. The mapping
// from FinalResult is a fixed lookup, not logic that should grow.
type LegacyResult struct {
	ImageURL string `json:"imageUrl"`
	Provider string `json:"provider"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}
