package rest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig configures Cross-Origin Resource Sharing (CORS) policies.
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           int
}

// CORS adds CORS headers and handles preflight requests.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	allowAllOrigins := false
	allowedOrigins := make(map[string]struct{})
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAllOrigins = true
			break
		}
		allowedOrigins[origin] = struct{}{}
	}

	methodsHeader := strings.Join(cfg.AllowedMethods, ", ")
	headersHeader := strings.Join(cfg.AllowedHeaders, ", ")
	exposeHeader := strings.Join(cfg.ExposeHeaders, ", ")
	maxAgeHeader := ""
	if cfg.MaxAge > 0 {
		maxAgeHeader = fmt.Sprintf("%d", cfg.MaxAge)
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		allowOrigin := allowAllOrigins
		if !allowAllOrigins {
			_, allowOrigin = allowedOrigins[origin]
		}

		header := c.Writer.Header()
		if allowOrigin {
			if allowAllOrigins {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
				header.Add("Vary", "Origin")
			}

			if cfg.AllowCredentials && !allowAllOrigins {
				header.Set("Access-Control-Allow-Credentials", "true")
			}

			if exposeHeader != "" {
				header.Set("Access-Control-Expose-Headers", exposeHeader)
			}
		}

		if c.Request.Method == http.MethodOptions {
			if allowOrigin {
				if methodsHeader != "" {
					header.Set("Access-Control-Allow-Methods", methodsHeader)
				}
				if headersHeader != "" {
					header.Set("Access-Control-Allow-Headers", headersHeader)
				}
				if maxAgeHeader != "" {
					header.Set("Access-Control-Max-Age", maxAgeHeader)
				}
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
