package persist

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/kv"
	"server/internal/storage"
)

// flakyBlobs fails the first failUntil writes, then succeeds.
type flakyBlobs struct {
	failUntil int
	writes    int
	lastKey   string
	lastData  []byte
}

func (b *flakyBlobs) Write(_ context.Context, key string, data []byte, _ string) (string, error) {
	b.writes++
	if b.writes <= b.failUntil {
		return "", errors.New("disk full")
	}
	b.lastKey = key
	b.lastData = data
	return key, nil
}

func (b *flakyBlobs) Read(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (b *flakyBlobs) List(context.Context, string) ([]string, error) { return nil, nil }

func newTestPersister(blobs storage.BlobStore, client *http.Client) (*Persister, *kv.MemoryStore) {
	store := kv.NewMemoryStore()
	p := New(Options{
		Blobs:          blobs,
		KV:             store,
		HTTPClient:     client,
		Logger:         zerolog.Nop(),
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
	})
	return p, store
}

func assetServer(t *testing.T, status int, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte("png-bytes"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPersistURLStoresBlobAndSidecar(t *testing.T) {
	srv := assetServer(t, http.StatusOK, nil)
	blobs := &flakyBlobs{}
	p, store := newTestPersister(blobs, srv.Client())

	asset, err := p.PersistURL(context.Background(), srv.URL+"/a.png", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if asset.ContentType != "image/png" {
		t.Errorf("content type = %q", asset.ContentType)
	}
	if asset.ByteSize != int64(len("png-bytes")) {
		t.Errorf("byte size = %d", asset.ByteSize)
	}
	if string(blobs.lastData) != "png-bytes" {
		t.Errorf("stored data = %q", blobs.lastData)
	}

	loaded, ok, err := Sidecar(context.Background(), store, asset.StorageKey)
	if err != nil || !ok {
		t.Fatalf("sidecar lookup: ok=%v err=%v", ok, err)
	}
	if loaded.ContentType != "image/png" || loaded.StorageKey != asset.StorageKey {
		t.Errorf("sidecar = %+v", loaded)
	}
}

func TestPersistURLRetriesTransientFailures(t *testing.T) {
	srv := assetServer(t, http.StatusOK, nil)
	blobs := &flakyBlobs{failUntil: 2}
	p, _ := newTestPersister(blobs, srv.Client())

	asset, err := p.PersistURL(context.Background(), srv.URL+"/a.png", "")
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if blobs.writes != 3 {
		t.Errorf("wrote %d times, want 3 (two failures then success)", blobs.writes)
	}
	if asset.StorageKey == "" {
		t.Error("missing storage key")
	}
}

func TestPersistURLCountsEachRetry(t *testing.T) {
	srv := assetServer(t, http.StatusOK, nil)
	blobs := &flakyBlobs{failUntil: 1}
	store := kv.NewMemoryStore()
	var notified int
	p := New(Options{
		Blobs:          blobs,
		KV:             store,
		HTTPClient:     srv.Client(),
		Logger:         zerolog.Nop(),
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		RetryNotify:    func(error, time.Duration) { notified++ },
	})

	if _, err := p.PersistURL(context.Background(), srv.URL+"/a.png", ""); err != nil {
		t.Fatalf("expected success after one retry, got %v", err)
	}
	if notified != 1 {
		t.Errorf("retry notifications = %d, want 1 (one transient failure)", notified)
	}
	if blobs.writes != 2 {
		t.Errorf("wrote %d times, want 2", blobs.writes)
	}
}

func TestPersistURLExhaustsRetries(t *testing.T) {
	srv := assetServer(t, http.StatusOK, nil)
	blobs := &flakyBlobs{failUntil: 100}
	p, _ := newTestPersister(blobs, srv.Client())

	_, err := p.PersistURL(context.Background(), srv.URL+"/a.png", "")
	if err == nil {
		t.Fatal("expected exhaustion")
	}
	if !errors.Is(err, ErrExhausted) {
		t.Errorf("error = %v, want ErrExhausted", err)
	}
	if blobs.writes != 3 {
		t.Errorf("wrote %d times, want exactly 1 + 2 retries", blobs.writes)
	}
}

func TestPersistURLClientErrorIsPermanent(t *testing.T) {
	var hits atomic.Int32
	srv := assetServer(t, http.StatusNotFound, &hits)
	p, _ := newTestPersister(&flakyBlobs{}, srv.Client())

	_, err := p.PersistURL(context.Background(), srv.URL+"/gone.png", "")
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("downloaded %d times, want 1; a 404 will not heal", got)
	}
}

func TestPersistURLServerErrorRetries(t *testing.T) {
	var hits atomic.Int32
	srv := assetServer(t, http.StatusBadGateway, &hits)
	p, _ := newTestPersister(&flakyBlobs{}, srv.Client())

	_, err := p.PersistURL(context.Background(), srv.URL+"/a.png", "")
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := hits.Load(); got != 3 {
		t.Errorf("downloaded %d times, want 3", got)
	}
}

func TestPersistURLOnceNeverRetries(t *testing.T) {
	var hits atomic.Int32
	srv := assetServer(t, http.StatusBadGateway, &hits)
	p, _ := newTestPersister(&flakyBlobs{}, srv.Client())

	_, err := p.PersistURLOnce(context.Background(), srv.URL+"/a.png", "")
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("downloaded %d times, want 1", got)
	}
}

func TestPersistBytesKeyShapes(t *testing.T) {
	blobs := &flakyBlobs{}
	p, _ := newTestPersister(blobs, nil)

	asset, err := p.PersistBytes(context.Background(), []byte("img"), "image/webp", "https://up.example.com/a", "col-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	collectionShape := regexp.MustCompile(`^collections/col-42/assets/\d+-[0-9a-f]{8}\.webp$`)
	if !collectionShape.MatchString(asset.StorageKey) {
		t.Errorf("collection key = %q", asset.StorageKey)
	}

	asset, err = p.PersistBytes(context.Background(), []byte("img"), "image/png", "https://up.example.com/b", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dateShape := regexp.MustCompile(`^generated/\d{4}/\d{2}/\d+-[0-9a-f]{8}\.png$`)
	if !dateShape.MatchString(asset.StorageKey) {
		t.Errorf("date key = %q", asset.StorageKey)
	}
}

func TestPersistBytesKeysNeverCollide(t *testing.T) {
	blobs := &flakyBlobs{}
	p, _ := newTestPersister(blobs, nil)

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		asset, err := p.PersistBytes(context.Background(), []byte("img"), "image/png", "", "col-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if seen[asset.StorageKey] {
			t.Fatalf("key %q produced twice", asset.StorageKey)
		}
		seen[asset.StorageKey] = true
	}
}

func TestExtensionForUnknownTypeDefaults(t *testing.T) {
	cases := map[string]string{
		"image/png":                "png",
		"IMAGE/JPEG":               "jpg",
		"application/octet-stream": "jpg",
		"":                         "jpg",
	}
	for in, want := range cases {
		if got := extensionFor(in); got != want {
			t.Errorf("extensionFor(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublicURL(t *testing.T) {
	withDomain := New(Options{PublicDomain: "img.example.com/"})
	if got := withDomain.PublicURL("generated/2026/08/x.jpg"); got != "https://img.example.com/generated/2026/08/x.jpg" {
		t.Errorf("url = %q", got)
	}
	withoutDomain := New(Options{})
	if got := withoutDomain.PublicURL("generated/2026/08/x.jpg"); !strings.HasPrefix(got, "/asset?key=") {
		t.Errorf("url = %q, want same-origin proxy path", got)
	}
}
