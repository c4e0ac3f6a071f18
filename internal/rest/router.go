// Package rest exposes the CRUD engine over HTTP. The handlers stay thin:
// they parse the request surface (path, query parameters, JSON body), hand
// everything to the engine, and render the result or the translated error.
package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schemarest/internal/crud"
	"schemarest/internal/introspection"
	"schemarest/internal/logging"
)

// Options configures the HTTP surface.
type Options struct {
	// Production controls error sanitization: unmapped engine faults render
	// as a generic 500 instead of the raw message.
	Production bool

	// AuthEnabled requires a valid bearer JWT on every data route. When
	// disabled, requests run as an anonymous principal.
	AuthEnabled bool
	// JWTSecret is the HMAC secret bearer tokens are verified against.
	JWTSecret []byte

	CORS CORSConfig
}

// NewRouter builds the gin router serving the data API.
func NewRouter(engine *crud.Engine, provider *introspection.Provider, logger *logging.Logger, opts Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(RequestLogging(logger))
	router.Use(Recovery())
	router.Use(CORS(opts.CORS))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{engine: engine, provider: provider, production: opts.Production}

	api := router.Group("/v1")
	api.Use(Auth(opts.AuthEnabled, opts.JWTSecret))

	api.GET("/:entity", h.list)
	api.GET("/:entity/count", h.count)
	api.GET("/:entity/:id", h.get)
	api.POST("/:entity", h.create)
	api.POST("/:entity/batch", h.batchUpsert)
	api.PATCH("/:entity/:id", h.update)
	api.PUT("/:entity/:id", h.upsert)
	api.DELETE("/:entity/:id", h.delete)

	return router
}
