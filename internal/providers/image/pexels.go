package image

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"server/internal/domain"
)

// PexelsOptions configures the stock-photo search adapter.
type PexelsOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Timeout    time.Duration
	PerPage    int
}

// Pexels searches stock photos. It is the terminal fallback of the provider
// chain, so zero search results broaden the query instead of failing: a
// stock search has no quota/moderation failure mode, and the chain has
// nothing left to try after it.
type Pexels struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
	timeout    time.Duration
	perPage    int
}

func NewPexels(opts PexelsOptions) *Pexels {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.pexels.com/v1"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	perPage := opts.PerPage
	if perPage <= 0 {
		perPage = 12
	}
	return &Pexels{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		httpClient: defaultHTTPClient(opts.HTTPClient),
		logger:     opts.Logger,
		timeout:    timeout,
		perPage:    perPage,
	}
}

func (p *Pexels) Name() domain.Source { return domain.SourcePexels }

func (p *Pexels) HasCredentials() bool { return strings.TrimSpace(p.apiKey) != "" }

type pexelsSearchResponse struct {
	Photos []struct {
		Src struct {
			Large2x  string `json:"large2x"`
			Large    string `json:"large"`
			Original string `json:"original"`
		} `json:"src"`
	} `json:"photos"`
	TotalResults int `json:"total_results"`
}

func (p *Pexels) Attempt(ctx context.Context, req AttemptRequest) domain.ProviderOutcome {
	started := time.Now()
	if !p.HasCredentials() {
		return failureOutcome(p.Name(), started, "pexels: api key not configured")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	query := searchQuery(req.Prompt)
	locale := matchLocale(req.Locale)
	urls, err := p.search(ctx, query, locale)
	if err != nil {
		return failureOutcome(p.Name(), started, "pexels: %v", err)
	}
	if len(urls) == 0 {
		broadened := broadenQuery(query)
		p.logger.Info().Str("query", query).Str("broadened", broadened).Str("request_id", req.RequestID).Msg("pexels search empty, broadening")
		urls, err = p.search(ctx, broadened, locale)
		if err != nil {
			return failureOutcome(p.Name(), started, "pexels: %v", err)
		}
	}
	chosen := pickCandidate(urls, req.RequestID)
	if chosen == "" {
		return failureOutcome(p.Name(), started, "pexels: no photos found")
	}
	return successOutcome(p.Name(), chosen, started)
}

func (p *Pexels) search(ctx context.Context, query, locale string) ([]string, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("per_page", strconv.Itoa(p.perPage))
	if locale != "" {
		params.Set("locale", locale)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search status %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}
	var decoded pexelsSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var urls []string
	for _, photo := range decoded.Photos {
		switch {
		case photo.Src.Large2x != "":
			urls = append(urls, photo.Src.Large2x)
		case photo.Src.Large != "":
			urls = append(urls, photo.Src.Large)
		case photo.Src.Original != "":
			urls = append(urls, photo.Src.Original)
		}
	}
	return urls, nil
}

// searchQuery reduces a generation prompt to a short keyword query.
func searchQuery(prompt string) string {
	words := strings.Fields(strings.ToLower(prompt))
	var kept []string
	for _, w := range words {
		w = strings.Trim(w, ".,!?\"'()")
		if w == "" || stopwords[w] {
			continue
		}
		kept = append(kept, w)
		if len(kept) == 4 {
			break
		}
	}
	if len(kept) == 0 {
		return "abstract background"
	}
	return strings.Join(kept, " ")
}

// broadenQuery keeps only the first keyword, falling back to a generic
// subject when nothing usable remains.
func broadenQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) <= 1 {
		return "abstract background"
	}
	return fields[0]
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true, "on": true,
	"with": true, "for": true, "and": true, "or": true, "to": true, "at": true,
	"photo": true, "image": true, "picture": true, "realistic": true,
}

var pexelsLocales = []language.Tag{
	language.MustParse("en-US"),
	language.MustParse("es-ES"),
	language.MustParse("pt-BR"),
	language.MustParse("de-DE"),
	language.MustParse("fr-FR"),
	language.MustParse("it-IT"),
	language.MustParse("ja-JP"),
	language.MustParse("ko-KR"),
	language.MustParse("zh-CN"),
	language.MustParse("id-ID"),
}

var pexelsMatcher = language.NewMatcher(pexelsLocales)

// matchLocale maps a request locale onto the nearest locale Pexels supports.
// Unknown locales search without one rather than failing.
func matchLocale(locale string) string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return ""
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return ""
	}
	_, index, confidence := pexelsMatcher.Match(tag)
	if confidence == language.No {
		return ""
	}
	return pexelsLocales[index].String()
}

var _ Provider = (*Pexels)(nil)
