package rest

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"schemarest/internal/acl"
)

// Auth verifies the bearer JWT and stores the resulting principal on the
// request. When disabled, requests proceed as an anonymous principal and the
// access rules decide what anonymous callers may see.
func Auth(enabled bool, secret []byte) gin.HandlerFunc {
	if !enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "missing bearer token")
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
		if err != nil {
			unauthorized(c, "invalid bearer token")
			return
		}

		principal, err := acl.PrincipalFromClaims(claims)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		c.Set(principalContextKey, principal)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func unauthorized(c *gin.Context, message string) {
	c.Header("WWW-Authenticate", `Bearer realm="schemarest"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
		Error: message,
		Kind:  "unauthorized",
	})
}
