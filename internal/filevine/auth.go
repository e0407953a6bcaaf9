package filevine

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Refresher produces a fresh set of request headers. The client calls it at
// most once per request, after a 401.
type Refresher interface {
	Refresh(ctx context.Context) (http.Header, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (http.Header, error)

func (f RefresherFunc) Refresh(ctx context.Context) (http.Header, error) { return f(ctx) }

// ErrNoRefresher is returned when a 401 arrives and no refresher is set.
var ErrNoRefresher = errors.New("no credential refresher configured")

// Credentials holds the static identity headers sent with every call.
type Credentials struct {
	AccessToken string
	OrgID       string
	UserID      string
}

// Headers builds the request headers for these credentials.
func (c Credentials) Headers() http.Header {
	h := make(http.Header)
	if c.AccessToken != "" {
		h.Set("Authorization", "Bearer "+c.AccessToken)
	}
	if c.OrgID != "" {
		h.Set("x-fv-orgid", c.OrgID)
	}
	if c.UserID != "" {
		h.Set("x-fv-userid", c.UserID)
	}
	h.Set("Accept", "application/json")
	return h
}

// OAuthRefresher mints a new access token with the client-credentials grant
// on every Refresh. It does not reuse cached tokens: a refresh is only asked
// for after the current token was rejected.
type OAuthRefresher struct {
	cfg   clientcredentials.Config
	ident Credentials
}

// NewOAuthRefresher returns a refresher for the given token endpoint.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string, scopes []string, ident Credentials) *OAuthRefresher {
	return &OAuthRefresher{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		ident: ident,
	}
}

// Refresh fetches a new token and returns the full header set.
func (r *OAuthRefresher) Refresh(ctx context.Context) (http.Header, error) {
	tok, err := r.cfg.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	ident := r.ident
	ident.AccessToken = tok.AccessToken
	return ident.Headers(), nil
}

// InitialHeaders returns headers for the first request. With a static token
// configured it is used as-is; otherwise a token is fetched.
func (r *OAuthRefresher) InitialHeaders(ctx context.Context) (http.Header, error) {
	if r.ident.AccessToken != "" {
		return r.ident.Headers(), nil
	}
	return r.Refresh(ctx)
}

// replaceHeaders overwrites dst with src in place so callers holding dst see
// the refreshed credentials.
func replaceHeaders(dst, src http.Header) {
	for k := range dst {
		if _, ok := src[k]; !ok && k == "Authorization" {
			delete(dst, k)
		}
	}
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
}
