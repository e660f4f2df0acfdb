package token

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"orchestrator-go/internal/constants"
	"orchestrator-go/internal/credential"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CloudPlatformScope is required for Vertex AI calls.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Token is a minted bearer token with its upstream-reported expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Option customizes Issuer creation.
type Option func(*Issuer)

// Issuer converts service-account credentials into usable bearer tokens.
// Tokens are cached per credential identifier and refreshed single-flight:
// N concurrent callers with a stale cache trigger exactly one exchange.
type Issuer struct {
	tokenURL string
	client   *http.Client
	margin   time.Duration
	now      func() time.Time

	cacheMu sync.Mutex
	cache   map[string]Token

	flights  *inflight
	exchange func(ctx context.Context, cred *credential.Credential) (Token, error)
}

// NewIssuer creates an issuer with the default Google token endpoint.
func NewIssuer(opts ...Option) *Issuer {
	iss := &Issuer{
		client:  &http.Client{Timeout: constants.TokenExchangeTimeout},
		margin:  constants.TokenRefreshMargin,
		now:     time.Now,
		cache:   make(map[string]Token),
		flights: newInflight(),
	}
	iss.exchange = iss.jwtExchange
	for _, opt := range opts {
		if opt != nil {
			opt(iss)
		}
	}
	return iss
}

// WithTokenURL overrides the token endpoint embedded in key files (testing,
// private token proxies).
func WithTokenURL(url string) Option {
	return func(i *Issuer) { i.tokenURL = url }
}

// WithHTTPClient overrides the exchange HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(i *Issuer) {
		if client != nil {
			i.client = client
		}
	}
}

// WithExchangeFunc overrides the exchange implementation (testing).
func WithExchangeFunc(fn func(ctx context.Context, cred *credential.Credential) (Token, error)) Option {
	return func(i *Issuer) {
		if fn != nil {
			i.exchange = fn
		}
	}
}

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// EnsureValid returns a bearer token for the credential, reusing the cached
// one while it has more than the safety margin left.
func (i *Issuer) EnsureValid(ctx context.Context, cred *credential.Credential) (string, error) {
	if cred == nil || cred.Kind != credential.KindServiceAccount {
		return "", fmt.Errorf("credential %q cannot mint tokens", credID(cred))
	}

	if tok, ok := i.cached(cred.ID); ok {
		return tok.Value, nil
	}

	tok, err := i.flights.do(ctx, cred.ID, func(ctx context.Context) (Token, error) {
		// Another waiter may have refreshed while we queued for the flight.
		if tok, ok := i.cached(cred.ID); ok {
			return tok, nil
		}
		start := i.now()
		tok, err := i.exchange(ctx, cred)
		if err != nil {
			return Token{}, err
		}
		i.store(cred.ID, tok)
		log.WithFields(log.Fields{
			"project":    cred.ProjectID,
			"expires_at": tok.ExpiresAt.Format(time.RFC3339),
			"took_ms":    time.Since(start).Milliseconds(),
		}).Debug("Minted bearer token")
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return tok.Value, nil
}

// Invalidate drops the cached token for a credential, forcing the next caller
// to exchange again.
func (i *Issuer) Invalidate(id string) {
	i.cacheMu.Lock()
	defer i.cacheMu.Unlock()
	delete(i.cache, id)
}

func (i *Issuer) cached(id string) (Token, bool) {
	i.cacheMu.Lock()
	defer i.cacheMu.Unlock()
	tok, ok := i.cache[id]
	if !ok {
		return Token{}, false
	}
	if i.now().Add(i.margin).After(tok.ExpiresAt) {
		return Token{}, false
	}
	return tok, true
}

func (i *Issuer) store(id string, tok Token) {
	i.cacheMu.Lock()
	defer i.cacheMu.Unlock()
	i.cache[id] = tok
}

// jwtExchange performs the service-account JWT grant against the token
// endpoint named in the key file (or the configured override).
func (i *Issuer) jwtExchange(ctx context.Context, cred *credential.Credential) (Token, error) {
	keyJSON := cred.ServiceAccountJSON
	if i.tokenURL != "" {
		patched, err := sjson.SetBytes(keyJSON, "token_uri", i.tokenURL)
		if err != nil {
			return Token{}, fmt.Errorf("override token endpoint: %w", err)
		}
		keyJSON = patched
	}

	conf, err := google.JWTConfigFromJSON(keyJSON, CloudPlatformScope)
	if err != nil {
		return Token{}, fmt.Errorf("parse service account key for %s: %w", cred.ProjectID, err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, i.client)
	tok, err := conf.TokenSource(ctx).Token()
	if err != nil {
		return Token{}, fmt.Errorf("token exchange for %s: %w", cred.ProjectID, err)
	}
	if tok.AccessToken == "" {
		return Token{}, fmt.Errorf("token exchange for %s returned an empty token", cred.ProjectID)
	}
	return Token{Value: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

func credID(cred *credential.Credential) string {
	if cred == nil {
		return "<nil>"
	}
	return cred.ID
}
