package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kbmerge/internal/server/middleware"
)

type resolveResponse struct {
	ID          string `json:"id"`
	CanonicalID string `json:"canonical_id"`
	Redirected  bool   `json:"redirected"`
}

// GetResolveHandler answers which vertex readers should use for a possibly
// absorbed id.
func GetResolveHandler(c echo.Context) error {
	type getResolveParams struct {
		Collection string `param:"collection" validate:"required,oneof=documents persons organizations software"`
		Key        string `param:"key" validate:"required"`
	}

	params := new(getResolveParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	id := params.Collection + "/" + params.Key
	canonical, err := app.Redirects.Redirect(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}

	return c.JSON(http.StatusOK, resolveResponse{
		ID:          id,
		CanonicalID: canonical,
		Redirected:  canonical != id,
	})
}
