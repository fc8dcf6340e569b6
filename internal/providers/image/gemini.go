package image

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"server/internal/domain"
)

// GeminiOptions configures the Gemini image adapter.
type GeminiOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// Timeout is the adapter's own nominal budget, applied when the caller's
	// context carries no tighter deadline.
	Timeout time.Duration
}

// Gemini calls Google's generative image API synchronously.
type Gemini struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     zerolog.Logger
	timeout    time.Duration
}

func NewGemini(opts GeminiOptions) *Gemini {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := opts.Model
	if model == "" {
		model = "imagen-3.0-generate-002"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Gemini{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: defaultHTTPClient(opts.HTTPClient),
		logger:     opts.Logger,
		timeout:    timeout,
	}
}

func (g *Gemini) Name() domain.Source { return domain.SourceGemini }

func (g *Gemini) HasCredentials() bool { return strings.TrimSpace(g.apiKey) != "" }

type geminiGenerateRequest struct {
	Instances  []geminiInstance `json:"instances"`
	Parameters geminiParameters `json:"parameters"`
}

type geminiInstance struct {
	Prompt string `json:"prompt"`
}

type geminiParameters struct {
	SampleCount int `json:"sampleCount"`
}

type geminiGenerateResponse struct {
	Predictions []struct {
		URL      string `json:"url"`
		MimeType string `json:"mimeType"`
	} `json:"predictions"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Attempt submits one generation call and decodes the response at the
// boundary; anything missing an asset URL is a failure outcome, not a crash.
func (g *Gemini) Attempt(ctx context.Context, req AttemptRequest) domain.ProviderOutcome {
	started := time.Now()
	if !g.HasCredentials() {
		return failureOutcome(g.Name(), started, "gemini: api key not configured")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(geminiGenerateRequest{
		Instances:  []geminiInstance{{Prompt: req.Prompt}},
		Parameters: geminiParameters{SampleCount: 2},
	})
	if err != nil {
		return failureOutcome(g.Name(), started, "gemini: encode request: %v", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:predict", g.baseURL, g.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return failureOutcome(g.Name(), started, "gemini: build request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return failureOutcome(g.Name(), started, "gemini: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet := readBodySnippet(resp.Body)
		g.logger.Warn().Int("status", resp.StatusCode).Str("request_id", req.RequestID).Msg("gemini generation failed")
		return failureOutcome(g.Name(), started, "gemini: upstream status %d: %s", resp.StatusCode, snippet)
	}

	var decoded geminiGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return failureOutcome(g.Name(), started, "gemini: decode response: %v", err)
	}
	if decoded.Error != nil {
		return failureOutcome(g.Name(), started, "gemini: upstream error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	var urls []string
	for _, p := range decoded.Predictions {
		if strings.TrimSpace(p.URL) != "" {
			urls = append(urls, p.URL)
		}
	}
	chosen := pickCandidate(urls, req.RequestID)
	if chosen == "" {
		return failureOutcome(g.Name(), started, "gemini: response carried no image url")
	}
	return successOutcome(g.Name(), chosen, started)
}

var _ Provider = (*Gemini)(nil)
