package ws

import (
	"net/url"
	"strings"
)

// TokenParam is the query parameter carrying the bearer credential.
const TokenParam = "access_token"

// NormalizeURL maps http(s) urls onto ws(s).
func NormalizeURL(base string) (string, error) {
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

// WithToken returns base with the credential set as a query parameter.
func WithToken(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(TokenParam, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has(TokenParam) {
		q.Set(TokenParam, "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
