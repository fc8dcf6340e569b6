package domain

import "strings"

// Source identifies where the final image came from.
type Source string

const (
	SourceOriginal Source = "original"
	SourceGemini   Source = "gemini"
	SourceQwen     Source = "qwen"
	SourcePexels   Source = "pexels"
	SourceFallback Source = "emergency-fallback"
)

// ProviderNames lists the adapters in priority order.
var ProviderNames = []Source{SourceGemini, SourceQwen, SourcePexels}

// GenerateRequest is the caller input. Immutable once received; at least one
// of SourceURL and Prompt must be set.
type GenerateRequest struct {
	SourceURL    string `json:"sourceUrl,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
	ProviderHint string `json:"providerHint,omitempty"`
	CollectionID string `json:"collectionId,omitempty"`
}

// Validate checks the request can be processed at all.
func (r GenerateRequest) Validate() error {
	if strings.TrimSpace(r.SourceURL) == "" && strings.TrimSpace(r.Prompt) == "" {
		return ErrConfiguration
	}
	if hint := strings.TrimSpace(r.ProviderHint); hint != "" {
		switch Source(hint) {
		case SourceGemini, SourceQwen, SourcePexels:
		default:
			return ErrUnknownProvider
		}
	}
	return nil
}
