package botauth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/soyeahso/teamsforge/internal/logging"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrUnknownKey is returned when the JWKS has no key with the requested id.
var ErrUnknownKey = errors.New("botauth: signing key not found")

// SigningKey is a published RSA verification key.
type SigningKey struct {
	KeyID        string
	PublicKey    *rsa.PublicKey
	Endorsements []string // channel ids allowed to use this key; empty means any
}

// Endorses reports whether the key may sign tokens for channelID.
func (k *SigningKey) Endorses(channelID string) bool {
	if len(k.Endorsements) == 0 {
		return true
	}
	for _, e := range k.Endorsements {
		if e == channelID {
			return true
		}
	}
	return false
}

type jwk struct {
	Kty          string   `json:"kty"`
	Use          string   `json:"use"`
	Kid          string   `json:"kid"`
	N            string   `json:"n"`
	E            string   `json:"e"`
	Endorsements []string `json:"endorsements"`
}

type jwkSet struct {
	Keys []jwk `json:"keys"`
}

// DefaultRefreshInterval is the minimum time between JWKS fetches. Keys rotate
// rarely; an unknown kid inside the interval is rejected from the cache.
const DefaultRefreshInterval = time.Minute

// errRefreshLimited marks a lookup that skipped the fetch because the key set
// was refreshed too recently.
var errRefreshLimited = errors.New("jwks refreshed recently")

// KeyResolver fetches signing keys from a JWKS endpoint and caches them by
// key id for the life of the process. Keys are rotated by publishing new ids,
// so a cached key never goes stale; an unknown id triggers a refetch, at most
// once per refresh interval.
type KeyResolver struct {
	url     string
	client  *http.Client
	timeout time.Duration
	log     *logging.Logger

	mu        sync.RWMutex
	keys      map[string]*SigningKey
	group     singleflight.Group
	refreshes *rate.Limiter
	now       func() time.Time
}

// NewKeyResolver creates a resolver for the JWKS at url.
func NewKeyResolver(url string, client *http.Client, log *logging.Logger) *KeyResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := client.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KeyResolver{
		url:       url,
		client:    client,
		timeout:   timeout,
		log:       log.Sub("jwks"),
		keys:      make(map[string]*SigningKey),
		refreshes: rate.NewLimiter(rate.Every(DefaultRefreshInterval), 1),
		now:       time.Now,
	}
}

// SetRefreshInterval changes the minimum time between fetches. Zero removes
// the limit.
func (r *KeyResolver) SetRefreshInterval(d time.Duration) {
	if d <= 0 {
		r.refreshes.SetLimit(rate.Inf)
		return
	}
	r.refreshes.SetLimit(rate.Every(d))
}

// Resolve returns the key for kid, fetching the key set when it is not cached.
// Concurrent misses share a single fetch, which runs detached from any one
// caller's context; each caller stops waiting when its own ctx is done.
func (r *KeyResolver) Resolve(ctx context.Context, kid string) (*SigningKey, error) {
	if key := r.cached(kid); key != nil {
		return key, nil
	}

	ch := r.group.DoChan("fetch", func() (any, error) {
		if !r.refreshes.AllowN(r.now(), 1) {
			return nil, errRefreshLimited
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return nil, r.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil && !errors.Is(res.Err, errRefreshLimited) {
			return nil, res.Err
		}
	}

	if key := r.cached(kid); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrUnknownKey, kid)
}

// Len returns the number of cached keys.
func (r *KeyResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}

func (r *KeyResolver) cached(kid string) *SigningKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.keys[kid]
}

func (r *KeyResolver) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("botauth: build jwks request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("botauth: fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("botauth: jwks endpoint returned %d: %s", resp.StatusCode, body)
	}

	var set jwkSet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("botauth: decode jwks: %w", err)
	}

	parsed := make(map[string]*SigningKey, len(set.Keys))
	for _, k := range set.Keys {
		key, err := k.signingKey()
		if err != nil {
			r.log.Debug().Str("kid", k.Kid).Err(err).Msg("skipping jwk")
			continue
		}
		parsed[key.KeyID] = key
	}

	r.mu.Lock()
	for kid, key := range parsed {
		r.keys[kid] = key
	}
	total := len(r.keys)
	r.mu.Unlock()

	r.log.Debug().Int("fetched", len(parsed)).Int("cached", total).Msg("jwks refreshed")
	return nil
}

func (k jwk) signingKey() (*SigningKey, error) {
	if k.Kid == "" {
		return nil, errors.New("missing kid")
	}
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(e)
	if !exp.IsInt64() || exp.Int64() < 3 {
		return nil, errors.New("invalid exponent")
	}
	return &SigningKey{
		KeyID: k.Kid,
		PublicKey: &rsa.PublicKey{
			N: new(big.Int).SetBytes(n),
			E: int(exp.Int64()),
		},
		Endorsements: k.Endorsements,
	}, nil
}
