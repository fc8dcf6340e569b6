// Package fetcher validates and downloads caller-supplied image URLs.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Reason classifies why a fetch was rejected or failed. The orchestrator's
// fallback decision branches on the kind, so each stays distinct.
type Reason string

const (
	ReasonInvalidFormat  Reason = "invalid-format"
	ReasonDisallowedHost Reason = "disallowed-host"
	ReasonHTTPError      Reason = "http-error"
	ReasonBadContentType Reason = "bad-content-type"
	ReasonTooLarge       Reason = "too-large"
	ReasonTimeout        Reason = "timeout"
	ReasonNetworkError   Reason = "network-error"
)

// Error carries the rejection reason alongside the underlying cause.
type Error struct {
	Reason     Reason
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch: %s (status %d)", e.Reason, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fetch: %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure class may succeed on a later
// attempt. Format and host rejections never will.
func (e *Error) Retryable() bool {
	switch e.Reason {
	case ReasonInvalidFormat, ReasonDisallowedHost, ReasonBadContentType, ReasonTooLarge:
		return false
	}
	return true
}

// Limits bound a single fetch.
type Limits struct {
	MaxBytes     int64
	Timeout      time.Duration
	AllowedTypes []string
}

// DefaultLimits mirrors the production settings: 10 MiB, 15 s budget.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes: 10 << 20,
		Timeout:  15 * time.Second,
		AllowedTypes: []string{
			"image/jpeg", "image/png", "image/webp", "image/gif", "image/avif",
		},
	}
}

// Result is a successfully downloaded source image.
type Result struct {
	Data        []byte
	ContentType string
	// FinalURL is the URL after redirects, recorded as provenance.
	FinalURL string
}

// Fetcher downloads external images within validation limits.
type Fetcher struct {
	client *http.Client
}

// New constructs a Fetcher. A nil client gets a default one; per-call
// deadlines come from the Limits, not the client.
func New(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{client: client}
}

// Hostname prefixes rejected as private or local. Matching is literal against
// the hostname as written in the URL; DNS is deliberately not resolved, so a
// public hostname resolving to a private address is not caught.
var blockedHostPrefixes = []string{
	"localhost", "127.", "0.", "10.", "192.168.", "169.254.",
	"172.16.", "172.17.", "172.18.", "172.19.", "172.20.", "172.21.",
	"172.22.", "172.23.", "172.24.", "172.25.", "172.26.", "172.27.",
	"172.28.", "172.29.", "172.30.", "172.31.",
	"::1", "fc", "fd",
}

// ValidateAndFetch checks the URL against scheme/host/type/size rules, then
// downloads it within the limits. The HEAD pre-check is best effort: servers
// that reject HEAD do not fail the fetch, and a missing content-length only
// defers the size check to after the download.
func (f *Fetcher) ValidateAndFetch(ctx context.Context, rawURL string, limits Limits) (*Result, error) {
	parsed, ferr := validateURL(rawURL)
	if ferr != nil {
		return nil, ferr
	}

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	if ferr := f.headCheck(ctx, parsed.String(), limits); ferr != nil {
		return nil, ferr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, &Error{Reason: ReasonInvalidFormat, Err: err}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Reason: ReasonHTTPError, StatusCode: resp.StatusCode}
	}
	contentType := normalizeContentType(resp.Header.Get("Content-Type"))
	if !typeAllowed(contentType, limits.AllowedTypes) {
		return nil, &Error{Reason: ReasonBadContentType, Err: fmt.Errorf("content type %q", contentType)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limits.MaxBytes+1))
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if int64(len(data)) > limits.MaxBytes {
		return nil, &Error{Reason: ReasonTooLarge, Err: fmt.Errorf("exceeds %d bytes", limits.MaxBytes)}
	}

	finalURL := parsed.String()
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &Result{Data: data, ContentType: contentType, FinalURL: finalURL}, nil
}

// headCheck performs the bounded HEAD pre-check. Only definitive rejections
// (bad type, declared size over the limit) fail here.
func (f *Fetcher) headCheck(ctx context.Context, target string, limits Limits) *Error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return nil
	}
	resp, err := f.client.Do(req)
	if err != nil {
		// Some origins reject HEAD outright; the GET decides.
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil
	}
	if ct := normalizeContentType(resp.Header.Get("Content-Type")); ct != "" && !typeAllowed(ct, limits.AllowedTypes) {
		return &Error{Reason: ReasonBadContentType, Err: fmt.Errorf("content type %q", ct)}
	}
	if resp.ContentLength > limits.MaxBytes {
		return &Error{Reason: ReasonTooLarge, Err: fmt.Errorf("declared %d bytes", resp.ContentLength)}
	}
	return nil
}

func validateURL(rawURL string) (*url.URL, *Error) {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Reason: ReasonInvalidFormat, Err: err}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &Error{Reason: ReasonInvalidFormat, Err: fmt.Errorf("scheme %q", parsed.Scheme)}
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, &Error{Reason: ReasonInvalidFormat, Err: errors.New("empty host")}
	}
	for _, prefix := range blockedHostPrefixes {
		if strings.HasPrefix(host, prefix) {
			return nil, &Error{Reason: ReasonDisallowedHost, Err: fmt.Errorf("host %q", host)}
		}
	}
	return parsed, nil
}

func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Err: err}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Reason: ReasonTimeout, Err: err}
	}
	return &Error{Reason: ReasonNetworkError, Err: err}
}

func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

func typeAllowed(ct string, allowed []string) bool {
	for _, a := range allowed {
		if ct == a {
			return true
		}
	}
	return false
}
