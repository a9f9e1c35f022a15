package auth

import (
	"context"
	"crypto/rsa"
	"errors"

	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// KeySource resolves a signing key by key id.
type KeySource interface {
	Key(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// Verifier checks RS256 ID tokens against the provider's keys, issuer and
// audience.
type Verifier struct {
	keys     KeySource
	issuer   string
	audience string
}

func NewVerifier(keys KeySource, issuer, audience string) *Verifier {
	return &Verifier{keys: keys, issuer: issuer, audience: audience}
}

// Verify parses token and returns the caller. Every failure is
// apperr.ErrUnauthorized.
func (v *Verifier) Verify(ctx context.Context, token string) (Identity, error) {
	claims := new(Claims)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)

	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrUnauthorized) {
			return Identity{}, err
		}
		return Identity{}, apperr.Wrap(apperr.ErrUnauthorized, "invalid token: %v", err)
	}
	if !parsed.Valid {
		return Identity{}, apperr.Wrap(apperr.ErrUnauthorized, "invalid token")
	}
	if claims.TokenUse != "id" {
		return Identity{}, apperr.Wrap(apperr.ErrUnauthorized, "token is not an ID token")
	}
	return claims.Identity()
}
