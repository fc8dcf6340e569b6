// Package result maps orchestration outcomes onto the caller-facing
// response shapes.
package result

import (
	"regexp"
	"time"

	"server/internal/domain"
	"server/internal/orchestrator"
)

// Map assembles the FinalResult from the orchestrator's terminal outcome.
// The URL is never empty: when everything upstream failed and no best-effort
// URL survived, the emergency placeholder fills it.
func Map(req domain.GenerateRequest, out orchestrator.Outcome, requestID, emergencyURL string, elapsed time.Duration) domain.FinalResult {
	url := out.URL
	if url == "" {
		url = emergencyURL
	}
	final := domain.FinalResult{
		URL:        url,
		Source:     out.Source,
		Succeeded:  out.Succeeded,
		Persisted:  out.Persisted,
		ElapsedMs:  elapsed.Milliseconds(),
		Error:      Redact(out.Err),
		UsedPrompt: out.UsedPrompt,
		RequestID:  requestID,
	}
	if out.Source == domain.SourceOriginal {
		final.SourceURLEcho = req.SourceURL
	}
	details := map[string]any{}
	if out.Failure != domain.FailureNone {
		details["failedStage"] = string(out.Failure)
	}
	if out.PendingTaskID != "" {
		details["pendingTaskId"] = out.PendingTaskID
	}
	if len(details) > 0 {
		final.Details = details
	}
	return final
}

// legacyProviders is the fixed lookup from the source enum onto the flat
// provider string older callers expect. It is a table, not logic.
var legacyProviders = map[domain.Source]string{
	domain.SourceOriginal: "url",
	domain.SourceGemini:   "ai-primary",
	domain.SourceQwen:     "ai-secondary",
	domain.SourcePexels:   "stock",
	domain.SourceFallback: "fallback",
}

// Legacy produces the backward-compatible alias shape.
func Legacy(final domain.FinalResult) domain.LegacyResult {
	provider, ok := legacyProviders[final.Source]
	if !ok {
		provider = string(final.Source)
	}
	return domain.LegacyResult{
		ImageURL: final.URL,
		Provider: provider,
		Success:  final.Succeeded,
		Error:    final.Error,
	}
}

// Secret-shaped substrings in upstream error text. The value is substituted
// literally; the rest of the message stays intact for debugging.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(token|key|secret|password|api[_-]?key|apikey)(\s*[=:]\s*)[^\s&"',;]+`),
	regexp.MustCompile(`(?i)(bearer)(\s+)[^\s&"',;]+`),
}

// Redact substitutes credential-like values in an error message.
func Redact(message string) string {
	for _, pattern := range secretPatterns {
		message = pattern.ReplaceAllString(message, "$1$2[redacted]")
	}
	return message
}
