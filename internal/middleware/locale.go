package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type localeContextKey struct{}
type countryContextKey struct{}

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

// Locale detects the caller's locale from headers and tags the request with
// a GeoIP-resolved country for the audit trail. Lookup may be nil.
func Locale(defaultLocale string, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if locale := detectLocale(r, defaultLocale); locale != "" {
				ctx = context.WithValue(ctx, localeContextKey{}, locale)
			}
			if lookup != nil {
				if country, err := lookup(clientIP(r)); err == nil && country != "" {
					ctx = context.WithValue(ctx, countryContextKey{}, strings.ToUpper(country))
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LocaleFromContext returns the detected locale, empty when none.
func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(localeContextKey{}).(string); ok {
		return v
	}
	return ""
}

// CountryFromContext returns the resolved ISO country code, empty when none.
func CountryFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(countryContextKey{}).(string); ok {
		return v
	}
	return ""
}

func detectLocale(r *http.Request, fallback string) string {
	if v := strings.TrimSpace(r.Header.Get("X-Locale")); v != "" {
		return v
	}
	if v := parseAcceptLanguage(r.Header.Get("Accept-Language")); v != "" {
		return v
	}
	return fallback
}

// parseAcceptLanguage takes the first language tag, ignoring weights.
func parseAcceptLanguage(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	first := strings.Split(header, ",")[0]
	first = strings.TrimSpace(strings.Split(first, ";")[0])
	if first == "*" {
		return ""
	}
	return first
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
