package echoapi

import (
	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/trezcool/masomo-availability/core"
	"github.com/trezcool/masomo-availability/core/auth"
)

const contextTokenKey = "token"

func newJWTConfig(conf *core.Config) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(conf.SecretKey),
		SigningMethod: auth.SigningMethod,
		ContextKey:    contextTokenKey,
		Claims:        new(auth.Claims),
	}
}

func getContextClaims(ctx echo.Context) (*auth.Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*auth.Claims); ok {
			return claims, nil
		}
	}
	return nil, errUnauthorized
}
