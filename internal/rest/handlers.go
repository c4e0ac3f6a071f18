package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"schemarest/internal/acl"
	"schemarest/internal/apperr"
	"schemarest/internal/crud"
	"schemarest/internal/introspection"
)

type handlers struct {
	engine     *crud.Engine
	provider   *introspection.Provider
	production bool
}

// entityName resolves the :entity path parameter against the introspected
// schema. Unknown entities are a 404, not a validation error, so the response
// matches a missing route.
func (h *handlers) entityName(c *gin.Context) (string, bool) {
	name := c.Param("entity")
	if _, ok := h.provider.Entity(name); !ok {
		renderError(c, apperr.NotFoundf("unknown entity %q", name), h.production)
		return "", false
	}
	return name, true
}

func (h *handlers) readParams(c *gin.Context) (*crud.Params, bool) {
	params, err := crud.ParamsFromQuery(c.Request.URL.Query())
	if err != nil {
		renderError(c, err, h.production)
		return nil, false
	}
	return params, true
}

func (h *handlers) bindBody(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		renderError(c, apperr.Validationf("invalid request body: %s", err.Error()), h.production)
		return false
	}
	return true
}

func (h *handlers) list(c *gin.Context) {
	entity, ok := h.entityName(c)
	if !ok {
		return
	}
	params, ok := h.readParams(c)
	if !ok {
		return
	}
	result, err := h.engine.List(c.Request.Context(), entity, params, principalFrom(c))
	if err != nil {
		renderError(c, err, h.production)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) count(c *gin.Context) {
	entity, ok := h.entityName(c)
	if !ok {
		return
	}
	params, ok := h.readParams(c)
	if !ok {
		return
	}
	result, err := h.engine.Count(c.Request.Context(), entity, params, principalFrom(c))
	if err != nil {
		renderError(c, err, h.production)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) get(c *gin.Context) {
	entity, ok := h.entityName(c)
	if !ok {
		return
	}
	params, ok := h.readParams(c)
	if !ok {
		return
	}
	result, err := h.engine.Get(c.Request.Context(), entity, c.Param("id"), params, principalFrom(c))
	if err != nil {
		renderError(c, err, h.production)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) create(c *gin.Context) {
	entity, ok := h.entityName(c)
	if !ok {
		return
	}
	params, ok := h.readParams(c)
	if !ok {
		return
	}
	var data map[string]any
	if !h.bindBody(c, &data) {
		return
	}
	result, err := h.engine.Create(c.Request.Context(), entity, data, params, principalFrom(c))
	if err != nil {
		renderError(c, err, h.production)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *handlers) update(c *gin.Context) {
	entity, ok := h.entityName(c)
	if !ok {
		return
	}
	params, ok := h.readParams(c)
	if !ok {
		return
	}
	var data map[string]any
	if !h.bindBody(c, &data) {
		return
	}
	result, err := h.engine.Update(c.Request.Context(), entity, c.Param("id"), data, params, principalFrom(c))
	if err != nil {
		renderError(c, err, h.production)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) upsert(c *gin.Context) {
	entity, ok := h.entityName(c)
	if !ok {
		return
	}
	params, ok := h.readParams(c)
	if !ok {
		return
	}
	var data map[string]any
	if !h.bindBody(c, &data) {
		return
	}
	result, err := h.engine.Upsert(c.Request.Context(), entity, c.Param("id"), data, params, principalFrom(c))
	if err != nil {
		renderError(c, err, h.production)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) delete(c *gin.Context) {
	entity, ok := h.entityName(c)
	if !ok {
		return
	}
	result, err := h.engine.Delete(c.Request.Context(), entity, c.Param("id"), principalFrom(c))
	if err != nil {
		renderError(c, err, h.production)
		return
	}
	c.JSON(http.StatusOK, result)
}

// batchRequest is the batch upsert body: the rows plus the execution options.
type batchRequest struct {
	Rows []map[string]any `json:"rows"`

	// PerRowCreates inserts creates individually so per-row failures can be
	// reported; the default bulk insert fails or succeeds as a whole.
	PerRowCreates bool `json:"perRowCreates"`
	// NoTransaction runs the batch without a wrapping transaction.
	NoTransaction bool `json:"noTransaction"`
}

func (h *handlers) batchUpsert(c *gin.Context) {
	entity, ok := h.entityName(c)
	if !ok {
		return
	}
	var req batchRequest
	if !h.bindBody(c, &req) {
		return
	}
	if len(req.Rows) == 0 {
		renderError(c, apperr.Validationf("batch upsert requires a non-empty rows array"), h.production)
		return
	}
	opts := crud.BatchOptions{
		PerRowCreates: req.PerRowCreates,
		NoTransaction: req.NoTransaction,
	}
	result, err := h.engine.BatchUpsert(c.Request.Context(), entity, req.Rows, opts, principalFrom(c))
	if err != nil {
		renderError(c, err, h.production)
		return
	}
	c.JSON(http.StatusOK, result)
}

// principalContextKey is the gin context key the auth middleware stores the
// request principal under.
const principalContextKey = "schemarest.principal"

func principalFrom(c *gin.Context) *acl.Principal {
	if value, ok := c.Get(principalContextKey); ok {
		if principal, ok := value.(*acl.Principal); ok {
			return principal
		}
	}
	return nil
}
