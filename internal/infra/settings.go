package infra

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/kv"
)

// ProviderSettings are the per-provider knobs the orchestrator consults on
// every request.
type ProviderSettings struct {
	Enabled bool `json:"enabled"`
	// OuterTimeout is the hard ceiling the orchestrator imposes on one
	// attempt. It is tighter than the adapter's own nominal timeout so the
	// later providers and persistence still fit inside the request's
	// wall-clock budget.
	OuterTimeout time.Duration `json:"-"`
	// StaggerDelay is the head start lower-priority providers concede in
	// racing mode.
	StaggerDelay time.Duration `json:"-"`
}

type providerSettingsJSON struct {
	Enabled        *bool `json:"enabled"`
	OuterTimeoutMs int64 `json:"outerTimeoutMs"`
	StaggerDelayMs int64 `json:"staggerDelayMs"`
}

const (
	settingsKeyPrefix = "settings:provider:"
	settingsCacheTTL  = 5 * time.Minute
)

// Settings serves per-provider runtime settings. Values live in the KV store
// so they are hot-reloadable without a deploy, fronted by an expiring cache
// so the hot path reads memory.
type Settings struct {
	kv       kv.Store
	cache    *expirable.LRU[domain.Source, ProviderSettings]
	defaults map[domain.Source]ProviderSettings
	logger   zerolog.Logger
}

// DefaultProviderSettings returns the built-in chain configuration.
func DefaultProviderSettings() map[domain.Source]ProviderSettings {
	return map[domain.Source]ProviderSettings{
		domain.SourceGemini: {Enabled: true, OuterTimeout: 20 * time.Second, StaggerDelay: 0},
		domain.SourceQwen:   {Enabled: true, OuterTimeout: 15 * time.Second, StaggerDelay: 5 * time.Second},
		domain.SourcePexels: {Enabled: true, OuterTimeout: 8 * time.Second, StaggerDelay: 15 * time.Second},
	}
}

func NewSettings(store kv.Store, logger zerolog.Logger) *Settings {
	return &Settings{
		kv:       store,
		cache:    expirable.NewLRU[domain.Source, ProviderSettings](16, nil, settingsCacheTTL),
		defaults: DefaultProviderSettings(),
		logger:   logger,
	}
}

// Provider resolves settings for one provider: cache, then KV override, then
// defaults. A malformed or missing override falls back to defaults rather
// than failing the request.
func (s *Settings) Provider(ctx context.Context, name domain.Source) ProviderSettings {
	if cached, ok := s.cache.Get(name); ok {
		return cached
	}
	resolved := s.defaults[name]
	raw, ok, err := s.kv.Get(ctx, settingsKeyPrefix+string(name))
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", string(name)).Msg("settings lookup failed, using defaults")
	} else if ok {
		var override providerSettingsJSON
		if err := json.Unmarshal([]byte(raw), &override); err != nil {
			s.logger.Warn().Err(err).Str("provider", string(name)).Msg("malformed settings override ignored")
		} else {
			if override.Enabled != nil {
				resolved.Enabled = *override.Enabled
			}
			if override.OuterTimeoutMs > 0 {
				resolved.OuterTimeout = time.Duration(override.OuterTimeoutMs) * time.Millisecond
			}
			if override.StaggerDelayMs > 0 {
				resolved.StaggerDelay = time.Duration(override.StaggerDelayMs) * time.Millisecond
			}
		}
	}
	s.cache.Add(name, resolved)
	return resolved
}
