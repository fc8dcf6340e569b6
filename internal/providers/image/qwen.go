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

// QwenOptions configures the DashScope Qwen adapter.
type QwenOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// Timeout is the adapter's nominal budget when the caller imposes none.
	Timeout time.Duration
	// PollInterval is the fixed delay between task polls.
	PollInterval time.Duration
}

// Qwen submits a generation task to DashScope and polls for completion.
// The upstream is asynchronous: submit returns a task id, polling resolves
// it. When the polling ceiling is reached before the task settles, Attempt
// returns a pending outcome carrying the task id so the caller can resume it
// later instead of losing the work to the orchestrator's timeout.
type Qwen struct {
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	logger       zerolog.Logger
	timeout      time.Duration
	pollInterval time.Duration
}

func NewQwen(opts QwenOptions) *Qwen {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://dashscope.aliyuncs.com/api/v1"
	}
	model := opts.Model
	if model == "" {
		model = "wanx2.1-t2i-turbo"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Qwen{
		apiKey:       opts.APIKey,
		baseURL:      baseURL,
		model:        model,
		httpClient:   defaultHTTPClient(opts.HTTPClient),
		logger:       opts.Logger,
		timeout:      timeout,
		pollInterval: pollInterval,
	}
}

func (q *Qwen) Name() domain.Source { return domain.SourceQwen }

func (q *Qwen) HasCredentials() bool { return strings.TrimSpace(q.apiKey) != "" }

type qwenSubmitRequest struct {
	Model string    `json:"model"`
	Input qwenInput `json:"input"`
}

type qwenInput struct {
	Prompt string `json:"prompt"`
}

type qwenTaskResponse struct {
	Output struct {
		TaskID     string `json:"task_id"`
		TaskStatus string `json:"task_status"`
		Results    []struct {
			URL string `json:"url"`
		} `json:"results"`
		Message string `json:"message"`
	} `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (q *Qwen) Attempt(ctx context.Context, req AttemptRequest) domain.ProviderOutcome {
	started := time.Now()
	if !q.HasCredentials() {
		return failureOutcome(q.Name(), started, "qwen: api key not configured")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	taskID, err := q.submit(ctx, req.Prompt)
	if err != nil {
		return failureOutcome(q.Name(), started, "qwen: %v", err)
	}

	// Stop polling ahead of the deadline so the caller always gets a typed
	// pending outcome instead of a context error mid-poll.
	deadline, _ := ctx.Deadline()
	ceiling := deadline.Add(-q.pollInterval)

	for {
		if time.Now().After(ceiling) {
			q.logger.Info().Str("task_id", taskID).Str("request_id", req.RequestID).Msg("qwen task still pending at poll ceiling")
			out := failureOutcome(q.Name(), started, "qwen: task %s pending at poll ceiling", taskID)
			out.TaskID = taskID
			return out
		}
		select {
		case <-ctx.Done():
			out := failureOutcome(q.Name(), started, "qwen: %v", ctx.Err())
			out.TaskID = taskID
			return out
		case <-time.After(q.pollInterval):
		}

		status, err := q.pollTask(ctx, taskID)
		if err != nil {
			out := failureOutcome(q.Name(), started, "qwen: poll task %s: %v", taskID, err)
			out.TaskID = taskID
			return out
		}
		switch status.Output.TaskStatus {
		case "SUCCEEDED":
			var urls []string
			for _, r := range status.Output.Results {
				if strings.TrimSpace(r.URL) != "" {
					urls = append(urls, r.URL)
				}
			}
			chosen := pickCandidate(urls, req.RequestID)
			if chosen == "" {
				return failureOutcome(q.Name(), started, "qwen: task %s succeeded without image url", taskID)
			}
			return successOutcome(q.Name(), chosen, started)
		case "FAILED", "CANCELED":
			return failureOutcome(q.Name(), started, "qwen: task %s failed: %s", taskID, status.Output.Message)
		}
		// PENDING / RUNNING: keep polling.
	}
}

// Resume polls a previously pending task once, for the async completion
// endpoint.
func (q *Qwen) Resume(ctx context.Context, taskID string) domain.ProviderOutcome {
	started := time.Now()
	if strings.TrimSpace(taskID) == "" {
		return failureOutcome(q.Name(), started, "qwen: task id is required")
	}
	status, err := q.pollTask(ctx, taskID)
	if err != nil {
		out := failureOutcome(q.Name(), started, "qwen: poll task %s: %v", taskID, err)
		out.TaskID = taskID
		return out
	}
	switch status.Output.TaskStatus {
	case "SUCCEEDED":
		var urls []string
		for _, r := range status.Output.Results {
			if strings.TrimSpace(r.URL) != "" {
				urls = append(urls, r.URL)
			}
		}
		chosen := pickCandidate(urls, taskID)
		if chosen == "" {
			return failureOutcome(q.Name(), started, "qwen: task %s succeeded without image url", taskID)
		}
		return successOutcome(q.Name(), chosen, started)
	case "FAILED", "CANCELED":
		return failureOutcome(q.Name(), started, "qwen: task %s failed: %s", taskID, status.Output.Message)
	default:
		out := failureOutcome(q.Name(), started, "qwen: task %s still %s", taskID, status.Output.TaskStatus)
		out.TaskID = taskID
		return out
	}
}

func (q *Qwen) submit(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(qwenSubmitRequest{Model: q.model, Input: qwenInput{Prompt: prompt}})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	endpoint := q.baseURL + "/services/aigc/text2image/image-synthesis"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+q.apiKey)
	httpReq.Header.Set("X-DashScope-Async", "enable")

	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("submit status %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}
	var decoded qwenTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if decoded.Code != "" {
		return "", fmt.Errorf("upstream error %s: %s", decoded.Code, decoded.Message)
	}
	if decoded.Output.TaskID == "" {
		return "", fmt.Errorf("submit response carried no task id")
	}
	return decoded.Output.TaskID, nil
}

func (q *Qwen) pollTask(ctx context.Context, taskID string) (*qwenTaskResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+q.apiKey)
	resp, err := q.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}
	var decoded qwenTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &decoded, nil
}

var (
	_ Provider = (*Qwen)(nil)
	_ Resumer  = (*Qwen)(nil)
)
