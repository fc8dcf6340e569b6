package image

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestPexelsAttemptSuccess(t *testing.T) {
	var gotQuery, gotLocale, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		gotLocale = r.URL.Query().Get("locale")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"photos": []map[string]any{
				{"src": map[string]string{"large2x": "https://images.pexels.com/p1-large2x.jpg"}},
			},
			"total_results": 1,
		})
	}))
	defer srv.Close()

	p := NewPexels(PexelsOptions{APIKey: "pk", BaseURL: srv.URL, Logger: zerolog.Nop()})
	out := p.Attempt(context.Background(), AttemptRequest{
		Prompt:    "A photo of the red lighthouse on a cliff",
		RequestID: "req-1",
		Locale:    "pt",
	})
	if !out.Succeeded {
		t.Fatalf("attempt failed: %s", out.ErrorMessage)
	}
	if out.AssetURL != "https://images.pexels.com/p1-large2x.jpg" {
		t.Errorf("asset url = %q", out.AssetURL)
	}
	if gotQuery != "red lighthouse cliff" {
		t.Errorf("query = %q, want stopwords stripped", gotQuery)
	}
	if gotLocale != "pt-BR" {
		t.Errorf("locale = %q, want pt-BR", gotLocale)
	}
	if gotAuth != "pk" {
		t.Errorf("authorization = %q", gotAuth)
	}
}

func TestPexelsAttemptBroadensEmptyResults(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("query")
		queries = append(queries, q)
		photos := []map[string]any{}
		if len(queries) > 1 {
			photos = append(photos, map[string]any{"src": map[string]string{"large": "https://images.pexels.com/p2.jpg"}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"photos": photos})
	}))
	defer srv.Close()

	p := NewPexels(PexelsOptions{APIKey: "pk", BaseURL: srv.URL, Logger: zerolog.Nop()})
	out := p.Attempt(context.Background(), AttemptRequest{Prompt: "vermilion flycatcher perched", RequestID: "req-2"})
	if !out.Succeeded {
		t.Fatalf("attempt failed: %s", out.ErrorMessage)
	}
	if len(queries) != 2 {
		t.Fatalf("searched %d times, want 2", len(queries))
	}
	if queries[1] != "vermilion" {
		t.Errorf("broadened query = %q, want first keyword only", queries[1])
	}
}

func TestPexelsAttemptNoPhotosAtAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"photos": []any{}})
	}))
	defer srv.Close()

	p := NewPexels(PexelsOptions{APIKey: "pk", BaseURL: srv.URL, Logger: zerolog.Nop()})
	out := p.Attempt(context.Background(), AttemptRequest{Prompt: "anything", RequestID: "req-3"})
	if out.Succeeded {
		t.Fatal("expected failure when both searches return nothing")
	}
}

func TestSearchQuery(t *testing.T) {
	cases := []struct {
		prompt string
		want   string
	}{
		{"A realistic photo of the red lighthouse on a cliff at dusk", "red lighthouse cliff dusk"},
		{"the of a an", "abstract background"},
		{"", "abstract background"},
		{"Sunset!", "sunset"},
	}
	for _, tc := range cases {
		if got := searchQuery(tc.prompt); got != tc.want {
			t.Errorf("searchQuery(%q) = %q, want %q", tc.prompt, got, tc.want)
		}
	}
}

func TestMatchLocale(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"pt", "pt-BR"},
		{"ja-JP", "ja-JP"},
		{"en-GB", "en-US"},
		{"", ""},
		{"not a locale", ""},
	}
	for _, tc := range cases {
		if got := matchLocale(tc.in); got != tc.want {
			t.Errorf("matchLocale(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
