package rest

import (
	"github.com/gin-gonic/gin"

	"schemarest/internal/apperr"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// renderError translates err into its status/message pair and writes the
// error envelope. Typed validation and authorization errors pass through
// unchanged; storage faults go through the translator.
func renderError(c *gin.Context, err error, production bool) {
	appErr := apperr.Translate(err, production)
	c.AbortWithStatusJSON(appErr.Status, errorBody{
		Error: appErr.Message,
		Kind:  string(appErr.Kind),
	})
}
