// Package azauth exchanges Azure AD service principal credentials for OAuth2
// bearer tokens using the client-credentials grant.
package azauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/logging"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/sync/errgroup"
)

// Well-known scopes.
const (
	GraphScope        = "https://graph.microsoft.com/.default"
	ManagementScope   = "https://management.azure.com/.default"
	BotFrameworkScope = "https://api.botframework.com/.default"
)

// Credentials identify a service principal in a tenant.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

func (c Credentials) validate() error {
	var missing []string
	if c.TenantID == "" {
		missing = append(missing, "tenant id")
	}
	if c.ClientID == "" {
		missing = append(missing, "client id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("azauth: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ExchangeError is a non-2xx response from the token endpoint.
type ExchangeError struct {
	Scope  string
	Status int
	Body   string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("azauth: token exchange for %s failed (%d): %s", e.Scope, e.Status, e.Body)
	}
	return fmt.Sprintf("azauth: token exchange for %s failed: %v", e.Scope, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Option configures an Exchanger.
type Option func(*Exchanger)

// WithHTTPClient sets the client used to reach the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithAuthorityHost overrides https://login.microsoftonline.com.
func WithAuthorityHost(host string) Option {
	return func(e *Exchanger) { e.authorityHost = strings.TrimRight(host, "/") }
}

// WithTimeout bounds every exchange.
func WithTimeout(d time.Duration) Option {
	return func(e *Exchanger) { e.timeout = d }
}

// Exchanger performs client-credentials token exchanges.
type Exchanger struct {
	creds         Credentials
	require       func() error
	authorityHost string
	timeout       time.Duration
	httpClient    *http.Client
	log           *logging.Logger
}

// New creates an Exchanger for the given credentials.
func New(creds Credentials, log *logging.Logger, opts ...Option) *Exchanger {
	e := &Exchanger{
		creds:         creds,
		require:       creds.validate,
		authorityHost: config.DefaultAuthorityHost,
		timeout:       30 * time.Second,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		log:           log.Sub("azauth"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromConfig creates an Exchanger for the configured Azure service principal.
// Missing credentials are reported by name on the first exchange.
func FromConfig(cfg config.AzureConfig, log *logging.Logger) *Exchanger {
	e := New(Credentials{
		TenantID:     cfg.TenantID,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, log, WithAuthorityHost(cfg.AuthorityHost))
	e.require = cfg.RequireCredentials
	if cfg.TimeoutSeconds > 0 {
		e.timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return e
}

// TokenURL returns the v2.0 token endpoint for the tenant.
func (e *Exchanger) TokenURL() string {
	if e.authorityHost == "" || e.authorityHost == config.DefaultAuthorityHost {
		return microsoft.AzureADEndpoint(e.creds.TenantID).TokenURL
	}
	return e.authorityHost + "/" + e.creds.TenantID + "/oauth2/v2.0/token"
}

func (e *Exchanger) clientConfig(scope string) *clientcredentials.Config {
	return &clientcredentials.Config{
		ClientID:     e.creds.ClientID,
		ClientSecret: e.creds.ClientSecret,
		TokenURL:     e.TokenURL(),
		Scopes:       []string{scope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
}

// Token exchanges the credentials for a token valid for scope.
func (e *Exchanger) Token(ctx context.Context, scope string) (domain.OAuthToken, error) {
	if err := e.require(); err != nil {
		return domain.OAuthToken{}, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	start := time.Now()
	tok, err := e.clientConfig(scope).Token(ctx)
	if err != nil {
		xerr := &ExchangeError{Scope: scope, Err: err}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			xerr.Status = rerr.Response.StatusCode
			xerr.Body = string(rerr.Body)
		}
		e.log.Warn().Str("scope", scope).Int("status", xerr.Status).Err(err).Msg("token exchange failed")
		return domain.OAuthToken{}, xerr
	}

	e.log.Debug().Str("scope", scope).Dur("elapsed", time.Since(start)).Msg("token acquired")
	return domain.OAuthToken{
		AccessToken: tok.AccessToken,
		ExpiresIn:   expiresIn(tok),
	}, nil
}

// Tokens fetches Graph and Azure Resource Manager tokens concurrently. A
// failure of either fails the pair.
func (e *Exchanger) Tokens(ctx context.Context) (graph, arm domain.OAuthToken, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		graph, err = e.Token(gctx, GraphScope)
		return err
	})
	g.Go(func() error {
		var err error
		arm, err = e.Token(gctx, ManagementScope)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.OAuthToken{}, domain.OAuthToken{}, err
	}
	return graph, arm, nil
}

// TokenSource returns a caching source for scope, refreshed on expiry. It is
// meant for long-lived callers such as the bot connector.
func (e *Exchanger) TokenSource(ctx context.Context, scope string) oauth2.TokenSource {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	return e.clientConfig(scope).TokenSource(ctx)
}

// Validate reports missing credentials without contacting the endpoint.
func (e *Exchanger) Validate() error {
	return e.require()
}

func expiresIn(tok *oauth2.Token) int {
	if tok.ExpiresIn > 0 {
		return int(tok.ExpiresIn)
	}
	if tok.Expiry.IsZero() {
		return 0
	}
	return int(time.Until(tok.Expiry).Round(time.Second).Seconds())
}
