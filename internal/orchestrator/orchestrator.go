// Package orchestrator implements the provider fallback/racing policy.
package orchestrator

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/fetcher"
	"server/internal/infra"
	"server/internal/metrics"
	"server/internal/proclog"
	"server/internal/providers/image"
)

// Mode selects how the provider chain is driven. The two variants trade
// latency against discarded upstream work and are never mixed inside one
// process.
type Mode string

const (
	// ModeSequential tries providers strictly in priority order.
	ModeSequential Mode = "sequential"
	// ModeRace starts providers with staggered delays and takes the first
	// success, cancelling the rest.
	ModeRace Mode = "race"
)

// SourceFetcher validates and downloads a caller-supplied URL.
type SourceFetcher interface {
	ValidateAndFetch(ctx context.Context, rawURL string, limits fetcher.Limits) (*fetcher.Result, error)
}

// Persister stores a winning asset durably.
type Persister interface {
	PersistURL(ctx context.Context, assetURL, collectionID string) (*domain.PersistedAsset, error)
	PersistURLOnce(ctx context.Context, assetURL, collectionID string) (*domain.PersistedAsset, error)
	PersistBytes(ctx context.Context, data []byte, contentType, provenance, collectionID string) (*domain.PersistedAsset, error)
}

// SettingsSource resolves per-provider runtime settings.
type SettingsSource interface {
	Provider(ctx context.Context, name domain.Source) infra.ProviderSettings
}

// Outcome is the orchestrator's terminal state, consumed by the result
// mapper.
type Outcome struct {
	Source        domain.Source
	URL           string
	AssetURL      string
	Succeeded     bool
	Persisted     bool
	Failure       domain.FailureKind
	Err           string
	UsedPrompt    string
	PendingTaskID string
}

// Options wires an Orchestrator.
type Options struct {
	Fetcher      SourceFetcher
	FetchLimits  fetcher.Limits
	Providers    []image.Provider
	Guard        AvailabilityGuard
	Persister    Persister
	Settings     SettingsSource
	EmergencyURL string
	Mode         Mode
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Orchestrator decides which upstream source to try, in what order, with
// what timeout, and persists the winner.
type Orchestrator struct {
	fetcher      SourceFetcher
	fetchLimits  fetcher.Limits
	providers    []image.Provider
	guard        AvailabilityGuard
	persister    Persister
	settings     SettingsSource
	emergencyURL string
	mode         Mode
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

func New(opts Options) *Orchestrator {
	mode := opts.Mode
	if mode == "" {
		mode = ModeSequential
	}
	limits := opts.FetchLimits
	if limits.MaxBytes == 0 {
		limits = fetcher.DefaultLimits()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Orchestrator{
		fetcher:      opts.Fetcher,
		fetchLimits:  limits,
		providers:    opts.Providers,
		guard:        opts.Guard,
		persister:    opts.Persister,
		settings:     opts.Settings,
		emergencyURL: opts.EmergencyURL,
		mode:         mode,
		metrics:      m,
		logger:       opts.Logger,
	}
}

// Run executes the full fallback policy for one request. It never panics
// out: unexpected conditions become an internal-failure outcome carrying the
// emergency URL.
func (o *Orchestrator) Run(ctx context.Context, req domain.GenerateRequest, rec *proclog.Recorder, locale string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Any("panic", r).Str("request_id", rec.RequestID()).Msg("orchestrator panic recovered")
			rec.Step("internal_error", proclog.StatusFailure, nil, "unexpected internal condition")
			out = o.emergencyOutcome(domain.FailureInternal, "internal error")
		}
	}()

	if err := req.Validate(); err != nil {
		rec.Step("request_rejected", proclog.StatusFailure, nil, err.Error())
		return Outcome{
			Source:  domain.SourceFallback,
			URL:     o.emergencyURL,
			Failure: domain.FailureConfiguration,
			Err:     err.Error(),
		}
	}

	attempt := image.AttemptRequest{
		Prompt:    req.Prompt,
		RequestID: rec.RequestID(),
		Locale:    locale,
	}

	if hint := strings.TrimSpace(req.ProviderHint); hint != "" {
		return o.runHinted(ctx, req, attempt, domain.Source(hint), rec)
	}

	if strings.TrimSpace(req.SourceURL) != "" {
		rec.Step("strategy_selected", proclog.StatusSuccess, map[string]any{"strategy": "original-url-first"}, "")
		out, fellThrough := o.runOriginal(ctx, req, rec)
		if !fellThrough {
			return out
		}
		// prompt is present; the chain gets its turn.
	} else {
		rec.Step("strategy_selected", proclog.StatusSuccess, map[string]any{"strategy": "provider-chain", "mode": string(o.mode)}, "")
	}

	return o.runChain(ctx, req, attempt, rec)
}

// runHinted bypasses orchestration: exactly the hinted adapter, its own full
// timeout, no fallback to the others.
func (o *Orchestrator) runHinted(ctx context.Context, req domain.GenerateRequest, attempt image.AttemptRequest, hint domain.Source, rec *proclog.Recorder) Outcome {
	rec.Step("strategy_selected", proclog.StatusSuccess, map[string]any{"strategy": "provider-hint", "provider": string(hint)}, "")
	provider := o.providerByName(hint)
	if provider == nil {
		rec.Step("provider_attempt", proclog.StatusFailure, map[string]any{"provider": string(hint)}, "provider not registered")
		rec.Step("request_complete", proclog.StatusFailure, map[string]any{"source": string(domain.SourceFallback)}, "hinted provider not registered")
		return o.emergencyOutcome(domain.FailureConfiguration, "provider not registered: "+string(hint))
	}
	outcome := provider.Attempt(ctx, attempt)
	o.recordAttempt(rec, outcome)
	if !outcome.Succeeded {
		rec.Step("request_complete", proclog.StatusFailure, map[string]any{"source": string(domain.SourceFallback)}, "hinted provider failed")
		out := o.emergencyOutcome(domain.FailureGeneration, outcome.ErrorMessage)
		out.PendingTaskID = outcome.TaskID
		out.UsedPrompt = req.Prompt
		return out
	}
	return o.persistWinner(ctx, req, attempt, outcome, rec, false)
}

// runOriginal handles the caller-supplied URL. The second return is true
// when the fetch failed and a prompt exists, so the chain should take over.
func (o *Orchestrator) runOriginal(ctx context.Context, req domain.GenerateRequest, rec *proclog.Recorder) (Outcome, bool) {
	result, err := o.fetcher.ValidateAndFetch(ctx, req.SourceURL, o.fetchLimits)
	if err != nil {
		detail := map[string]any{"url": req.SourceURL}
		var ferr *fetcher.Error
		if fe, ok := err.(*fetcher.Error); ok {
			ferr = fe
			detail["reason"] = string(fe.Reason)
		}
		rec.Step("source_fetch", proclog.StatusFailure, detail, err.Error())

		if strings.TrimSpace(req.Prompt) != "" {
			rec.Step("fallback_decision", proclog.StatusWarning, map[string]any{"from": "original-url", "to": "provider-chain"}, "source download failed, falling through to generation")
			return Outcome{}, true
		}
		// A request that wanted a literal URL and offered no generation
		// intent does not get a substitute image.
		kind := domain.FailureDownload
		if ferr != nil && !ferr.Retryable() {
			kind = domain.FailureURLValidation
		}
		rec.Step("request_complete", proclog.StatusFailure, nil, "source fetch failed with no prompt fallback")
		return Outcome{
			Source:  domain.SourceOriginal,
			URL:     req.SourceURL,
			Failure: kind,
			Err:     err.Error(),
		}, false
	}

	rec.Step("source_fetch", proclog.StatusSuccess, map[string]any{
		"content_type": result.ContentType,
		"bytes":        len(result.Data),
	}, "")

	stored, err := o.persister.PersistBytes(ctx, result.Data, result.ContentType, result.FinalURL, req.CollectionID)
	if err != nil {
		rec.Step("persist", proclog.StatusFailure, nil, err.Error())
		if strings.TrimSpace(req.Prompt) != "" {
			return o.secondaryPersistFallback(ctx, req, image.AttemptRequest{Prompt: req.Prompt, RequestID: rec.RequestID()}, domain.SourceOriginal, req.SourceURL, rec), false
		}
		rec.Step("request_complete", proclog.StatusFailure, nil, "storage failed entirely")
		return Outcome{
			Source:  domain.SourceOriginal,
			URL:     req.SourceURL,
			Failure: domain.FailureStorage,
			Err:     err.Error(),
		}, false
	}
	rec.Step("persist", proclog.StatusSuccess, map[string]any{"key": stored.StorageKey}, "")
	rec.Step("request_complete", proclog.StatusSuccess, map[string]any{"source": string(domain.SourceOriginal)}, "")
	return Outcome{
		Source:    domain.SourceOriginal,
		URL:       stored.PublicURL,
		AssetURL:  result.FinalURL,
		Succeeded: true,
		Persisted: true,
	}, false
}

// runChain drives the provider sequence in the configured mode.
func (o *Orchestrator) runChain(ctx context.Context, req domain.GenerateRequest, attempt image.AttemptRequest, rec *proclog.Recorder) Outcome {
	if o.mode == ModeRace {
		return o.runChainRace(ctx, req, attempt, rec)
	}
	return o.runChainSequential(ctx, req, attempt, rec)
}

func (o *Orchestrator) runChainSequential(ctx context.Context, req domain.GenerateRequest, attempt image.AttemptRequest, rec *proclog.Recorder) Outcome {
	var lastErr string
	var pendingTask string
	for _, provider := range o.providers {
		name := provider.Name()
		settings := o.settings.Provider(ctx, name)
		if !settings.Enabled {
			rec.Step("provider_skipped", proclog.StatusWarning, map[string]any{"provider": string(name), "reason": "disabled"}, "")
			continue
		}
		if !o.guard.IsAvailable(name) {
			o.metrics.BreakerSkips.WithLabelValues(string(name)).Inc()
			rec.Step("provider_skipped", proclog.StatusWarning, map[string]any{"provider": string(name), "reason": "breaker-open"}, "")
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, settings.OuterTimeout)
		outcome := provider.Attempt(attemptCtx, attempt)
		cancel()

		o.recordAttempt(rec, outcome)
		if outcome.Succeeded {
			o.guard.RecordSuccess(name)
			return o.persistWinner(ctx, req, attempt, outcome, rec, true)
		}
		o.guard.RecordFailure(name)
		lastErr = outcome.ErrorMessage
		if outcome.TaskID != "" {
			pendingTask = outcome.TaskID
		}
	}

	rec.Step("request_complete", proclog.StatusFailure, map[string]any{"source": string(domain.SourceFallback)}, "all providers failed")
	out := o.emergencyOutcome(domain.FailureGeneration, lastErr)
	out.UsedPrompt = req.Prompt
	out.PendingTaskID = pendingTask
	return out
}

func (o *Orchestrator) runChainRace(ctx context.Context, req domain.GenerateRequest, attempt image.AttemptRequest, rec *proclog.Recorder) Outcome {
	var entries []raceEntry
	for _, provider := range o.providers {
		name := provider.Name()
		settings := o.settings.Provider(ctx, name)
		if !settings.Enabled {
			rec.Step("provider_skipped", proclog.StatusWarning, map[string]any{"provider": string(name), "reason": "disabled"}, "")
			continue
		}
		if !o.guard.IsAvailable(name) {
			o.metrics.BreakerSkips.WithLabelValues(string(name)).Inc()
			rec.Step("provider_skipped", proclog.StatusWarning, map[string]any{"provider": string(name), "reason": "breaker-open"}, "")
			continue
		}
		p := provider
		entries = append(entries, raceEntry{
			name:  name,
			delay: settings.StaggerDelay,
			attempt: func(ctx context.Context) domain.ProviderOutcome {
				attemptCtx, cancel := context.WithTimeout(ctx, settings.OuterTimeout)
				defer cancel()
				return p.Attempt(attemptCtx, attempt)
			},
		})
	}

	winner, failures := raceFirstSuccess(ctx, entries)
	var lastErr, pendingTask string
	for _, failed := range failures {
		o.recordAttempt(rec, failed)
		o.guard.RecordFailure(failed.Provider)
		lastErr = failed.ErrorMessage
		if failed.TaskID != "" {
			pendingTask = failed.TaskID
		}
	}
	if !winner.Succeeded {
		rec.Step("request_complete", proclog.StatusFailure, map[string]any{"source": string(domain.SourceFallback)}, "all providers failed")
		out := o.emergencyOutcome(domain.FailureGeneration, lastErr)
		out.UsedPrompt = req.Prompt
		out.PendingTaskID = pendingTask
		return out
	}
	o.recordAttempt(rec, winner)
	o.guard.RecordSuccess(winner.Provider)
	return o.persistWinner(ctx, req, attempt, winner, rec, true)
}

// persistWinner stores the winning asset, re-falling back to the stock
// provider once when persistence itself exhausts its retries.
func (o *Orchestrator) persistWinner(ctx context.Context, req domain.GenerateRequest, attempt image.AttemptRequest, winner domain.ProviderOutcome, rec *proclog.Recorder, allowSecondary bool) Outcome {
	stored, err := o.persister.PersistURL(ctx, winner.AssetURL, req.CollectionID)
	if err != nil {
		rec.Step("persist", proclog.StatusFailure, map[string]any{"provider": string(winner.Provider)}, err.Error())
		if allowSecondary && winner.Provider != domain.SourcePexels {
			return o.secondaryPersistFallback(ctx, req, attempt, winner.Provider, winner.AssetURL, rec)
		}
		rec.Step("request_complete", proclog.StatusFailure, nil, "storage failed entirely")
		return Outcome{
			Source:     winner.Provider,
			URL:        winner.AssetURL,
			AssetURL:   winner.AssetURL,
			Failure:    domain.FailureStorage,
			Err:        err.Error(),
			UsedPrompt: req.Prompt,
		}
	}
	rec.Step("persist", proclog.StatusSuccess, map[string]any{"key": stored.StorageKey}, "")
	rec.Step("request_complete", proclog.StatusSuccess, map[string]any{"source": string(winner.Provider)}, "")
	return Outcome{
		Source:     winner.Provider,
		URL:        stored.PublicURL,
		AssetURL:   winner.AssetURL,
		Succeeded:  true,
		Persisted:  true,
		UsedPrompt: req.Prompt,
	}
}

// secondaryPersistFallback invokes the terminal stock provider fresh and
// persists its image exactly once. No further fallback exists beyond it.
func (o *Orchestrator) secondaryPersistFallback(ctx context.Context, req domain.GenerateRequest, attempt image.AttemptRequest, failedSource domain.Source, failedAssetURL string, rec *proclog.Recorder) Outcome {
	rec.Step("fallback_decision", proclog.StatusWarning, map[string]any{"from": string(failedSource), "to": string(domain.SourcePexels), "reason": "persistence-exhausted"}, "")

	provider := o.providerByName(domain.SourcePexels)
	if provider == nil {
		rec.Step("request_complete", proclog.StatusFailure, nil, "storage failed entirely")
		return Outcome{
			Source:   failedSource,
			URL:      failedAssetURL,
			AssetURL: failedAssetURL,
			Failure:  domain.FailureStorage,
			Err:      "persistence exhausted and no terminal provider registered",
		}
	}

	settings := o.settings.Provider(ctx, domain.SourcePexels)
	attemptCtx, cancel := context.WithTimeout(ctx, settings.OuterTimeout)
	outcome := provider.Attempt(attemptCtx, attempt)
	cancel()
	o.recordAttempt(rec, outcome)

	if outcome.Succeeded {
		stored, err := o.persister.PersistURLOnce(ctx, outcome.AssetURL, req.CollectionID)
		if err == nil {
			rec.Step("persist", proclog.StatusSuccess, map[string]any{"key": stored.StorageKey, "secondary": true}, "")
			rec.Step("request_complete", proclog.StatusSuccess, map[string]any{"source": string(domain.SourcePexels)}, "")
			return Outcome{
				Source:     domain.SourcePexels,
				URL:        stored.PublicURL,
				AssetURL:   outcome.AssetURL,
				Succeeded:  true,
				Persisted:  true,
				UsedPrompt: req.Prompt,
			}
		}
		rec.Step("persist", proclog.StatusFailure, map[string]any{"secondary": true}, err.Error())
	}

	rec.Step("request_complete", proclog.StatusFailure, nil, "storage failed entirely")
	return Outcome{
		Source:     failedSource,
		URL:        failedAssetURL,
		AssetURL:   failedAssetURL,
		Failure:    domain.FailureStorage,
		Err:        "storage failed entirely",
		UsedPrompt: req.Prompt,
	}
}

func (o *Orchestrator) recordAttempt(rec *proclog.Recorder, outcome domain.ProviderOutcome) {
	status := proclog.StatusSuccess
	label := "success"
	if !outcome.Succeeded {
		status = proclog.StatusFailure
		label = "failure"
	}
	o.metrics.ProviderAttempts.WithLabelValues(string(outcome.Provider), label).Inc()
	detail := map[string]any{
		"provider":   string(outcome.Provider),
		"elapsed_ms": outcome.Elapsed.Milliseconds(),
	}
	if outcome.TaskID != "" {
		detail["task_id"] = outcome.TaskID
	}
	rec.Step("provider_attempt", status, detail, outcome.ErrorMessage)
}

func (o *Orchestrator) providerByName(name domain.Source) image.Provider {
	for _, p := range o.providers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (o *Orchestrator) emergencyOutcome(kind domain.FailureKind, errMsg string) Outcome {
	return Outcome{
		Source:  domain.SourceFallback,
		URL:     o.emergencyURL,
		Failure: kind,
		Err:     errMsg,
	}
}

// ResumeTask polls an async provider's pending task and persists on success,
// for the deferred completion endpoint.
func (o *Orchestrator) ResumeTask(ctx context.Context, taskID, collectionID string, rec *proclog.Recorder) Outcome {
	for _, provider := range o.providers {
		resumer, ok := provider.(image.Resumer)
		if !ok {
			continue
		}
		outcome := resumer.Resume(ctx, taskID)
		o.recordAttempt(rec, outcome)
		if !outcome.Succeeded {
			rec.Step("request_complete", proclog.StatusFailure, map[string]any{"task_id": taskID}, outcome.ErrorMessage)
			out := o.emergencyOutcome(domain.FailureGeneration, outcome.ErrorMessage)
			out.PendingTaskID = outcome.TaskID
			return out
		}
		return o.persistWinner(ctx, domain.GenerateRequest{CollectionID: collectionID}, image.AttemptRequest{RequestID: rec.RequestID()}, outcome, rec, true)
	}
	rec.Step("request_complete", proclog.StatusFailure, map[string]any{"task_id": taskID}, "no resumable provider registered")
	return o.emergencyOutcome(domain.FailureConfiguration, "no resumable provider registered")
}
