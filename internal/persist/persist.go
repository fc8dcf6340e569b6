// Package persist downloads winning assets and writes them to durable
// storage with bounded retries.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/kv"
	"server/internal/storage"
)

// Options configures a Persister.
type Options struct {
	Blobs      storage.BlobStore
	KV         kv.Store
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// PublicDomain, when set, fronts storage keys as https://{domain}/{key};
	// otherwise public URLs are same-origin /asset proxy paths.
	PublicDomain string
	// MaxRetries bounds retries after the first attempt (2 retries, 3 total
	// attempts in production).
	MaxRetries      uint64
	DownloadTimeout time.Duration
	InitialBackoff  time.Duration
	MaxBytes        int64
	// RetryNotify is invoked before each backoff sleep, once per retried
	// attempt. Used to count persistence retries.
	RetryNotify func(err error, next time.Duration)
}

// Persister writes winning images to blob storage plus a JSON sidecar
// metadata record in the KV store. Assets are immutable: every attempt
// targets a freshly suffixed key, never an update in place.
type Persister struct {
	blobs          storage.BlobStore
	kv             kv.Store
	httpClient     *http.Client
	logger         zerolog.Logger
	publicDomain   string
	maxRetries     uint64
	downloadTO     time.Duration
	initialBackoff time.Duration
	maxBytes       int64
	retryNotify    func(err error, next time.Duration)
	now            func() time.Time
}

func New(opts Options) *Persister {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	downloadTO := opts.DownloadTimeout
	if downloadTO <= 0 {
		downloadTO = 20 * time.Second
	}
	initialBackoff := opts.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = 500 * time.Millisecond
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 25 << 20
	}
	return &Persister{
		blobs:          opts.Blobs,
		kv:             opts.KV,
		httpClient:     client,
		logger:         opts.Logger,
		publicDomain:   strings.TrimSuffix(opts.PublicDomain, "/"),
		maxRetries:     maxRetries,
		downloadTO:     downloadTO,
		initialBackoff: initialBackoff,
		maxBytes:       maxBytes,
		retryNotify:    opts.RetryNotify,
		now:            time.Now,
	}
}

// PersistURL downloads the asset and stores it durably. The download is a
// fresh fetch regardless of which adapter produced the URL; bytes are never
// assumed to be in hand. The whole download+write cycle retries with
// exponential backoff for transient failures only — a 404 download is
// permanent.
func (p *Persister) PersistURL(ctx context.Context, assetURL, collectionID string) (*domain.PersistedAsset, error) {
	var stored *domain.PersistedAsset
	operation := func() error {
		data, contentType, err := p.download(ctx, assetURL)
		if err != nil {
			return err
		}
		asset, err := p.store(ctx, data, contentType, assetURL, collectionID)
		if err != nil {
			return err
		}
		stored = asset
		return nil
	}
	if err := p.retry(ctx, operation); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	return stored, nil
}

// PersistURLOnce is the single-shot variant used by the secondary
// re-fallback path: one download, one write, no retries and no further
// fallback of its own.
func (p *Persister) PersistURLOnce(ctx context.Context, assetURL, collectionID string) (*domain.PersistedAsset, error) {
	data, contentType, err := p.download(ctx, assetURL)
	if err != nil {
		return nil, err
	}
	return p.store(ctx, data, contentType, assetURL, collectionID)
}

// PersistBytes stores bytes already in hand (the original-URL path, where
// the fetcher validated and downloaded them).
func (p *Persister) PersistBytes(ctx context.Context, data []byte, contentType, provenance, collectionID string) (*domain.PersistedAsset, error) {
	var stored *domain.PersistedAsset
	operation := func() error {
		asset, err := p.store(ctx, data, contentType, provenance, collectionID)
		if err != nil {
			return err
		}
		stored = asset
		return nil
	}
	if err := p.retry(ctx, operation); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	return stored, nil
}

func (p *Persister) retry(ctx context.Context, operation func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.initialBackoff
	notify := p.retryNotify
	if notify == nil {
		notify = func(error, time.Duration) {}
	}
	return backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, p.maxRetries), ctx), notify)
}

func (p *Persister) download(ctx context.Context, assetURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.downloadTO)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, nil)
	if err != nil {
		return nil, "", backoff.Permanent(fmt.Errorf("persist: build download request: %w", err))
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("persist: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// The asset is gone or forbidden; retrying the same URL cannot help.
		return nil, "", backoff.Permanent(fmt.Errorf("persist: download status %d", resp.StatusCode))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("persist: download status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("persist: read body: %w", err)
	}
	if int64(len(data)) > p.maxBytes {
		return nil, "", backoff.Permanent(fmt.Errorf("persist: asset exceeds %d bytes", p.maxBytes))
	}
	contentType := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	return data, contentType, nil
}

func (p *Persister) store(ctx context.Context, data []byte, contentType, provenance, collectionID string) (*domain.PersistedAsset, error) {
	now := p.now()
	key := buildKey(collectionID, extensionFor(contentType), now)
	cleanKey, err := p.blobs.Write(ctx, key, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("persist: write blob: %w", err)
	}
	asset := &domain.PersistedAsset{
		StorageKey:  cleanKey,
		PublicURL:   p.PublicURL(cleanKey),
		ContentType: contentType,
		ByteSize:    int64(len(data)),
		SourceURL:   provenance,
		StoredAt:    now,
	}
	if err := p.writeSidecar(ctx, asset); err != nil {
		// Sidecar loss degrades metadata only; the blob write already
		// succeeded, so log and carry on.
		p.logger.Warn().Err(err).Str("key", cleanKey).Msg("persist: sidecar write failed")
	}
	return asset, nil
}

const sidecarPrefix = "asset:"

func (p *Persister) writeSidecar(ctx context.Context, asset *domain.PersistedAsset) error {
	payload, err := json.Marshal(asset)
	if err != nil {
		return err
	}
	return p.kv.Put(ctx, sidecarPrefix+asset.StorageKey, string(payload), 0)
}

// Sidecar loads the metadata record for a storage key.
func Sidecar(ctx context.Context, store kv.Store, storageKey string) (*domain.PersistedAsset, bool, error) {
	raw, ok, err := store.Get(ctx, sidecarPrefix+storageKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var asset domain.PersistedAsset
	if err := json.Unmarshal([]byte(raw), &asset); err != nil {
		return nil, false, err
	}
	return &asset, true, nil
}

// PublicURL derives the caller-facing URL for a storage key.
func (p *Persister) PublicURL(key string) string {
	if p.publicDomain != "" {
		return "https://" + p.publicDomain + "/" + key
	}
	return "/asset?key=" + key
}

// buildKey produces the deterministic storage path. The collection shape and
// the date shape share no prefix, so they can never collide; the random
// suffix keeps same-millisecond writes distinct.
func buildKey(collectionID, ext string, now time.Time) string {
	suffix := fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
	if collectionID = strings.TrimSpace(collectionID); collectionID != "" {
		return fmt.Sprintf("collections/%s/assets/%s.%s", collectionID, suffix, ext)
	}
	return fmt.Sprintf("generated/%04d/%02d/%s.%s", now.Year(), int(now.Month()), suffix, ext)
}

var mimeExtensions = map[string]string{
	"image/jpeg":    "jpg",
	"image/jpg":     "jpg",
	"image/png":     "png",
	"image/webp":    "webp",
	"image/gif":     "gif",
	"image/avif":    "avif",
	"image/svg+xml": "svg",
}

// extensionFor maps a content type onto a file extension. Unknown types get
// a safe default instead of failing; the sidecar keeps the true type.
func extensionFor(contentType string) string {
	if ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(contentType))]; ok {
		return ext
	}
	return "jpg"
}

// ErrExhausted is a marker wrap so callers can distinguish "storage failed
// entirely" from "no provider produced an image".
var ErrExhausted = errors.New("persist: all attempts exhausted")
