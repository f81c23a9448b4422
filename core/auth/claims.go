// Package auth issues and reads the JWTs the catalog API expects.
package auth

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-availability/core"
)

const (
	Audience      = "Masomo Catalog"
	SigningMethod = "HS256"
)

var (
	NowFunc = time.Now // mockable

	ErrTokenSigningFailed = errors.New("token signing failed")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims represents the authorization claims transmitted via a JWT.
// Admins may list every resource; everyone else is bound to TenantID.
type Claims struct {
	jwt.StandardClaims
	TenantID string `json:"tenant_id,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
}

func NewClaims(conf *core.Config, subject, tenantID string, isAdmin bool) *Claims {
	now := NowFunc()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    conf.AppName,
			Subject:   subject,
			Audience:  Audience,
			ExpiresAt: now.Add(conf.Server.TokenExpirationDelta).Unix(),
			IssuedAt:  now.Unix(),
		},
		TenantID: tenantID,
		IsAdmin:  isAdmin,
	}
}

// CanActFor reports whether the holder may read or change tenantID's availability.
func (c *Claims) CanActFor(tenantID string) bool {
	return c.IsAdmin || (c.TenantID != "" && c.TenantID == tenantID)
}

// GenerateToken signs claims with the configured secret key.
func GenerateToken(conf *core.Config, claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(SigningMethod), claims)
	ss, err := token.SignedString([]byte(conf.SecretKey))
	if err != nil {
		return "", errors.Wrap(ErrTokenSigningFailed, err.Error())
	}
	return ss, nil
}

// ParseToken verifies a signed token and returns its claims.
func ParseToken(conf *core.Config, tokenString string) (*Claims, error) {
	claims := new(Claims)
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != SigningMethod {
			return nil, errors.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(conf.SecretKey), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
