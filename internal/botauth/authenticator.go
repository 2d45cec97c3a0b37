package botauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/soyeahso/teamsforge/internal/config"
	"github.com/soyeahso/teamsforge/internal/domain"
	"github.com/soyeahso/teamsforge/internal/logging"
)

// ErrUnauthorized is the only error callers see. The failing step is kept for
// logs and metrics.
var ErrUnauthorized = errors.New("Unauthorized bot request")

// Failure steps.
const (
	StepHeader     = "header"
	StepKeyID      = "kid"
	StepKey        = "key"
	StepSignature  = "verify"
	StepChannel    = "channel"
	StepServiceURL = "service_url"
)

// AuthError records which step rejected a request. It matches ErrUnauthorized
// under errors.Is and prints the same uniform message.
type AuthError struct {
	Step string
	Err  error
}

func (e *AuthError) Error() string { return ErrUnauthorized.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrUnauthorized }

// Step returns the failing step of an authentication error, or "".
func Step(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Step
	}
	return ""
}

// Resolver looks up signing keys by id.
type Resolver interface {
	Resolve(ctx context.Context, kid string) (*SigningKey, error)
}

// Authenticator validates inbound Bot Framework requests.
type Authenticator struct {
	resolver  Resolver
	opts      VerifyOptions
	channelID string
	log       *logging.Logger
}

// NewAuthenticator creates an Authenticator. appID is the expected audience.
func NewAuthenticator(resolver Resolver, appID, issuer, channelID string, log *logging.Logger) *Authenticator {
	return &Authenticator{
		resolver:  resolver,
		opts:      VerifyOptions{Issuer: issuer, Audience: appID, Leeway: DefaultLeeway},
		channelID: channelID,
		log:       log.Sub("botauth"),
	}
}

// FromConfig wires a JWKS-backed Authenticator from bot settings.
func FromConfig(cfg config.BotConfig, log *logging.Logger) *Authenticator {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	resolver := NewKeyResolver(cfg.KeysURL, &http.Client{Timeout: timeout}, log)
	return NewAuthenticator(resolver, cfg.AppID, cfg.Issuer, cfg.ChannelID, log)
}

// SetClock overrides the verification clock.
func (a *Authenticator) SetClock(now func() time.Time) {
	a.opts.Now = now
}

// VerifiedToken is a bearer token whose signature and claims checked out.
// It still has to be matched against the activity it arrived with.
type VerifiedToken struct {
	Key    *SigningKey
	Claims jwt.MapClaims
}

// Authenticate checks the Authorization header and the activity's channel.
// It returns nil or an error matching ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, authorization string, activity *domain.Activity) error {
	tok, err := a.VerifyToken(ctx, authorization)
	if err != nil {
		return err
	}
	return a.Authorize(tok, activity)
}

// VerifyToken runs the request-level checks: bearer header, key lookup,
// signature and claims. It does not look at the request body.
func (a *Authenticator) VerifyToken(ctx context.Context, authorization string) (*VerifiedToken, error) {
	token, ok := bearerToken(authorization)
	if !ok {
		return nil, a.reject(StepHeader, errors.New("missing or malformed Authorization header"))
	}

	kid, err := KeyID(token)
	if err != nil {
		return nil, a.reject(StepKeyID, err)
	}

	key, err := a.resolver.Resolve(ctx, kid)
	if err != nil {
		return nil, a.reject(StepKey, err)
	}

	claims, err := Verify(token, key, a.opts)
	if err != nil {
		return nil, a.reject(StepSignature, err)
	}
	return &VerifiedToken{Key: key, Claims: claims}, nil
}

// Authorize matches a verified token against the activity: the channel must
// be the configured one and endorsed by the signing key, and a serviceurl
// claim must name the activity's service URL.
func (a *Authenticator) Authorize(tok *VerifiedToken, activity *domain.Activity) error {
	if tok == nil || tok.Key == nil {
		return a.reject(StepSignature, errors.New("token was not verified"))
	}
	if activity == nil || activity.ChannelID != a.channelID {
		channel := ""
		if activity != nil {
			channel = activity.ChannelID
		}
		return a.reject(StepChannel, fmt.Errorf("unexpected channel %q", channel))
	}
	if !tok.Key.Endorses(activity.ChannelID) {
		return a.reject(StepChannel, fmt.Errorf("signing key does not endorse channel %q", activity.ChannelID))
	}

	if claimed, ok := tok.Claims["serviceurl"].(string); ok && claimed != "" {
		if !sameServiceURL(claimed, activity.ServiceURL) {
			return a.reject(StepServiceURL, errors.New("serviceurl claim does not match activity"))
		}
	}

	return nil
}

func (a *Authenticator) reject(step string, err error) error {
	a.log.Warn().Str("step", step).Err(err).Msg("rejected bot request")
	return &AuthError{Step: step, Err: err}
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func sameServiceURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}
