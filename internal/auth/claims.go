package auth

import (
	"github.com/Underflow0/kid-bank/internal/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of an identity-provider ID token.
type Claims struct {
	Email    string   `json:"email"`
	TokenUse string   `json:"token_use"`
	Groups   []string `json:"cognito:groups"`
	jwt.RegisteredClaims
}

// Identity converts verified claims into an Identity.
func (c *Claims) Identity() (Identity, error) {
	if c.Subject == "" {
		return Identity{}, apperr.Wrap(apperr.ErrUnauthorized, "token has no subject")
	}
	role, err := RoleFromGroups(c.Groups)
	if err != nil {
		return Identity{}, err
	}
	return Identity{UserID: c.Subject, Email: c.Email, Role: role}, nil
}
