// Package image wraps the upstream image sources behind a uniform
// attempt/outcome contract.
package image

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"server/internal/domain"
)

// AttemptRequest is the normalized input passed to any provider.
type AttemptRequest struct {
	Prompt    string
	RequestID string
	Locale    string
}

// Provider is the contract implemented by all adapters. Attempt never
// panics or returns a Go error; failures are typed outcomes so the
// orchestrator can branch without unwrapping.
type Provider interface {
	Name() domain.Source
	Attempt(ctx context.Context, req AttemptRequest) domain.ProviderOutcome
	HasCredentials() bool
}

// Resumer is implemented by asynchronous providers whose pending tasks can
// be polled later via their task id.
type Resumer interface {
	Resume(ctx context.Context, taskID string) domain.ProviderOutcome
}

func successOutcome(name domain.Source, assetURL string, started time.Time) domain.ProviderOutcome {
	return domain.ProviderOutcome{
		Provider:  name,
		Succeeded: true,
		AssetURL:  assetURL,
		Elapsed:   time.Since(started),
	}
}

func failureOutcome(name domain.Source, started time.Time, format string, args ...any) domain.ProviderOutcome {
	return domain.ProviderOutcome{
		Provider:     name,
		ErrorMessage: fmt.Sprintf(format, args...),
		Elapsed:      time.Since(started),
	}
}

// pickCandidate selects one of several candidate URLs deterministically from
// the request id, so repeated calls with the same prompt spread across the
// upstream's suggestions instead of always taking the first.
func pickCandidate(urls []string, requestID string) string {
	switch len(urls) {
	case 0:
		return ""
	case 1:
		return urls[0]
	}
	sum := sha256.Sum256([]byte(requestID))
	n := binary.BigEndian.Uint32(sum[:4])
	return urls[int(n)%len(urls)]
}

// readBodySnippet drains up to 512 bytes of an error body for diagnostics.
// Credentials never appear in bodies we construct, and the result mapper
// redacts anything token-shaped before it reaches a caller.
func readBodySnippet(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 512))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func defaultHTTPClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return &http.Client{}
}
