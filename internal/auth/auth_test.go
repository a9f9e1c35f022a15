package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/Underflow0/kid-bank/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "https://issuer.example.com/pool"
	testAudience = "client-123"
)

type provider struct {
	key    *rsa.PrivateKey
	server *httptest.Server
	hits   atomic.Int32
	down   atomic.Bool
	delay  atomic.Int64
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	p := &provider{key: key}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.hits.Add(1)
		time.Sleep(time.Duration(p.delay.Load()))
		if p.down.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(p.document())
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *provider) document() jwksDocument {
	return jwksDocument{Keys: []jwk{{
		Kid: "k1",
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		N:   base64.RawURLEncoding.EncodeToString(p.key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(p.key.E)).Bytes()),
	}}}
}

func (p *provider) sign(t *testing.T, mutate func(*Claims)) string {
	t.Helper()
	now := time.Now()
	claims := &Claims{
		Email:    "pat@example.com",
		TokenUse: "id",
		Groups:   []string{GroupParents},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(p.key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestRoleFromGroups(t *testing.T) {
	tests := []struct {
		groups []string
		want   models.Role
		err    bool
	}{
		{[]string{GroupParents}, models.RoleParent, false},
		{[]string{GroupChildren}, models.RoleChild, false},
		{[]string{GroupChildren, GroupParents}, models.RoleParent, false},
		{[]string{"Admins"}, 0, true},
		{nil, 0, true},
	}
	for _, tt := range tests {
		got, err := RoleFromGroups(tt.groups)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("RoleFromGroups(%v) = %v, %v", tt.groups, got, err)
		}
	}
}

func TestIdentityCapabilities(t *testing.T) {
	parent := Identity{UserID: "p1", Role: models.RoleParent}
	child := Identity{UserID: "c1", Role: models.RoleChild}
	own := models.Account{UserID: "c1", Role: models.RoleChild, ParentID: "p1"}
	other := models.Account{UserID: "c2", Role: models.RoleChild, ParentID: "p2"}

	if !parent.CanManageChildren() || child.CanManageChildren() {
		t.Error("CanManageChildren")
	}
	if !parent.CanSetInterestRate() || child.CanSetInterestRate() {
		t.Error("CanSetInterestRate")
	}
	if !parent.IsParentOf(own) || parent.IsParentOf(other) {
		t.Error("IsParentOf")
	}
	if !child.CanView(own) || child.CanView(other) || !parent.CanView(own) {
		t.Error("CanView")
	}
}

func TestVerifier(t *testing.T) {
	p := newProvider(t)
	v := NewVerifier(NewKeyCache(p.server.URL, time.Hour), testIssuer, testAudience)
	ctx := context.Background()

	id, err := v.Verify(ctx, p.sign(t, nil))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" || id.Email != "pat@example.com" || id.Role != models.RoleParent {
		t.Errorf("identity = %+v", id)
	}

	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{TokenUse: "id", Groups: []string{GroupParents},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", Issuer: testIssuer, Audience: jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}})
	forged.Header["kid"] = "k1"
	forgedToken, _ := forged.SignedString(other)

	bad := map[string]string{
		"expired":      p.sign(t, func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }),
		"wrong issuer": p.sign(t, func(c *Claims) { c.Issuer = "https://evil.example.com" }),
		"wrong aud":    p.sign(t, func(c *Claims) { c.Audience = jwt.ClaimStrings{"other"} }),
		"access token": p.sign(t, func(c *Claims) { c.TokenUse = "access" }),
		"no groups":    p.sign(t, func(c *Claims) { c.Groups = nil }),
		"forged":       forgedToken,
		"garbage":      "not.a.token",
	}
	for name, token := range bad {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(ctx, token); !errors.Is(err, apperr.ErrUnauthorized) {
				t.Errorf("err = %v, want unauthorized", err)
			}
		})
	}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestKeyCache_TTLAndStaleFallback(t *testing.T) {
	p := newProvider(t)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewKeyCache(p.server.URL, time.Hour, WithCacheClock(clk.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := cache.Key(ctx, "k1"); err != nil {
			t.Fatal(err)
		}
	}
	if p.hits.Load() != 1 {
		t.Errorf("hits = %d, want 1 while fresh", p.hits.Load())
	}

	clk.Advance(2 * time.Hour)
	p.down.Store(true)
	if _, err := cache.Key(ctx, "k1"); err != nil {
		t.Fatalf("stale key not served: %v", err)
	}
	if p.hits.Load() != 2 {
		t.Errorf("hits = %d, want a refresh attempt", p.hits.Load())
	}

	if _, err := cache.Key(ctx, "unknown"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("unknown kid err = %v", err)
	}
}

func TestKeyCache_ConcurrentRefreshSharesOneFetch(t *testing.T) {
	p := newProvider(t)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache := NewKeyCache(p.server.URL, time.Hour, WithCacheClock(clk.Now))
	ctx := context.Background()

	if _, err := cache.Key(ctx, "k1"); err != nil {
		t.Fatal(err)
	}

	clk.Advance(2 * time.Hour)
	p.delay.Store(int64(100 * time.Millisecond))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Key(ctx, "k1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Key: %v", err)
	}
	if p.hits.Load() != 2 {
		t.Errorf("hits = %d, want one shared refresh", p.hits.Load())
	}
}

func TestKeyCache_NoKeysFails(t *testing.T) {
	p := newProvider(t)
	p.down.Store(true)
	cache := NewKeyCache(p.server.URL, time.Hour)

	if _, err := cache.Key(context.Background(), "k1"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

type mapStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *mapStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *mapStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func TestKeyCache_SharedStore(t *testing.T) {
	p := newProvider(t)
	shared := &mapStore{data: map[string][]byte{}}
	ctx := context.Background()

	first := NewKeyCache(p.server.URL, time.Hour, WithSharedStore(shared))
	if _, err := first.Key(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	second := NewKeyCache(p.server.URL, time.Hour, WithSharedStore(shared))
	if _, err := second.Key(ctx, "k1"); err != nil {
		t.Fatal(err)
	}

	if p.hits.Load() != 1 {
		t.Errorf("hits = %d, want the second instance to use the shared copy", p.hits.Load())
	}
}

type staticAuth struct {
	id  Identity
	err error
}

func (s staticAuth) Verify(ctx context.Context, token string) (Identity, error) {
	return s.id, s.err
}

func TestMiddleware(t *testing.T) {
	var got Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	})
	onError := func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	h := Middleware(staticAuth{id: Identity{UserID: "p1", Role: models.RoleParent}}, onError)(next)

	tests := []struct {
		header string
		status int
	}{
		{"Bearer abc", http.StatusOK},
		{"bearer abc", http.StatusOK},
		{"", http.StatusUnauthorized},
		{"Basic abc", http.StatusUnauthorized},
		{"Bearer ", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		got = Identity{}
		req := httptest.NewRequest(http.MethodGet, "/user", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tt.status {
			t.Errorf("%q: status = %d, want %d", tt.header, rec.Code, tt.status)
		}
		if tt.status == http.StatusOK && got.UserID != "p1" {
			t.Errorf("%q: identity not propagated", tt.header)
		}
	}
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory()
	ctx := context.Background()

	p, err := d.Provision(ctx, "Kid@Example.com", "Kid", GroupChildren)
	if err != nil {
		t.Fatal(err)
	}
	if p.UserID == "" || len(p.TemporaryPassword) != len("Temp12345678!") {
		t.Errorf("provisioned = %+v", p)
	}
	if _, err := d.Provision(ctx, "kid@example.com", "Kid", GroupChildren); !errors.Is(err, apperr.ErrBadRequest) {
		t.Errorf("duplicate err = %v", err)
	}
	if _, err := d.Provision(ctx, "nope", "Kid", GroupChildren); !errors.Is(err, apperr.ErrBadRequest) {
		t.Errorf("invalid email err = %v", err)
	}

	if err := d.Remove(ctx, "kid@example.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Provision(ctx, "kid@example.com", "Kid", GroupChildren); err != nil {
		t.Errorf("provision after remove: %v", err)
	}
}
