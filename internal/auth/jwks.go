package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const DefaultJWKSCacheTTL = time.Hour

// SharedStore lets stateless instances share one fetched JWKS document.
type SharedStore interface {
	// Get returns (nil, nil) on a miss.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwksDocument struct {
	Keys []jwk `json:"keys"`
}

// KeyCache holds the signing keys of the identity provider. Keys are refetched
// once the TTL has elapsed; if the refetch fails the stale keys keep being
// served, and only with no keys at all does a lookup fail. Concurrent lookups
// that find the keys expired share a single fetch.
type KeyCache struct {
	url    string
	ttl    time.Duration
	client *http.Client
	shared SharedStore
	logger *logging.Logger
	now    func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

type KeyCacheOption func(*KeyCache)

func WithHTTPClient(c *http.Client) KeyCacheOption {
	return func(k *KeyCache) { k.client = c }
}

func WithSharedStore(s SharedStore) KeyCacheOption {
	return func(k *KeyCache) { k.shared = s }
}

func WithCacheClock(now func() time.Time) KeyCacheOption {
	return func(k *KeyCache) { k.now = now }
}

func WithCacheLogger(l *logging.Logger) KeyCacheOption {
	return func(k *KeyCache) { k.logger = l }
}

func NewKeyCache(url string, ttl time.Duration, opts ...KeyCacheOption) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultJWKSCacheTTL
	}
	k := &KeyCache{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.logger = logging.OrGlobal(k.logger).Named("jwks")
	return k
}

// Key returns the public key for kid.
func (k *KeyCache) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	keys, fresh := k.snapshot()
	if !fresh {
		_, err, _ := k.group.Do("jwks", func() (any, error) {
			if _, fresh := k.snapshot(); fresh {
				return nil, nil
			}
			return nil, k.refresh(context.WithoutCancel(ctx))
		})
		keys, _ = k.snapshot()
		if err != nil {
			if keys == nil {
				k.logger.Error("failed to fetch JWKS", zap.Error(err))
				return nil, apperr.Wrap(apperr.ErrUnauthorized, "unable to verify token")
			}
			k.logger.Warn("failed to refresh JWKS, using stale keys", zap.Error(err))
		}
	}

	key, ok := keys[kid]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrUnauthorized, "public key %q not found in JWKS", kid)
	}
	return key, nil
}

// snapshot returns the cached keys and whether they are within the TTL.
func (k *KeyCache) snapshot() (map[string]*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys, k.keys != nil && k.now().Sub(k.fetchedAt) < k.ttl
}

func (k *KeyCache) refresh(ctx context.Context) error {
	raw, fromShared := k.loadShared(ctx)
	if raw == nil {
		var err error
		if raw, err = k.fetch(ctx); err != nil {
			return err
		}
	}

	keys, err := parseJWKS(raw)
	if err != nil {
		return err
	}

	if !fromShared {
		k.storeShared(ctx, raw)
	}

	k.mu.Lock()
	k.keys = keys
	k.fetchedAt = k.now()
	k.mu.Unlock()

	k.logger.Info("JWKS cached", zap.Int("keys", len(keys)), zap.Bool("shared", fromShared))
	return nil
}

func (k *KeyCache) loadShared(ctx context.Context) ([]byte, bool) {
	if k.shared == nil {
		return nil, false
	}
	raw, err := k.shared.Get(ctx, k.url)
	if err != nil {
		k.logger.Warn("shared JWKS cache read failed", zap.Error(err))
		return nil, false
	}
	return raw, raw != nil
}

func (k *KeyCache) storeShared(ctx context.Context, raw []byte) {
	if k.shared == nil {
		return
	}
	if err := k.shared.Set(ctx, k.url, raw, k.ttl); err != nil {
		k.logger.Warn("shared JWKS cache write failed", zap.Error(err))
	}
}

func (k *KeyCache) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build JWKS request: %w", err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch JWKS: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read JWKS: %w", err)
	}
	return raw, nil
}

func parseJWKS(raw []byte) (map[string]*rsa.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode JWKS: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, key := range doc.Keys {
		if key.Kty != "RSA" || key.Kid == "" {
			continue
		}
		pub, err := rsaPublicKey(key.N, key.E)
		if err != nil {
			return nil, fmt.Errorf("decode JWK %s: %w", key.Kid, err)
		}
		keys[key.Kid] = pub
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("JWKS contains no RSA keys")
	}
	return keys, nil
}

func rsaPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() < 3 || exp.Int64() > 1<<31-1 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
