package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kbmerge/internal/server/middleware"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

func GetReviewsHandler(c echo.Context) error {
	type getReviewsParams struct {
		Kind  string `query:"kind" validate:"omitempty,oneof=documents persons organizations software"`
		Limit int    `query:"limit" validate:"omitempty,min=1,max=1000"`
	}

	params := new(getReviewsParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if params.Limit == 0 {
		params.Limit = 100
	}

	app := c.(*middleware.AppContext).App
	entries, err := app.Engine.Reviewer().Open(c.Request().Context(), kb.Kind(params.Kind), params.Limit)
	if err != nil {
		return storeError(c, err)
	}
	if entries == nil {
		entries = []*kb.ReviewEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

type resolveReviewResponse struct {
	ID         string `json:"id"`
	Resolution string `json:"resolution"`
	// MergeID is set when the members were merged.
	MergeID     string `json:"merge_id,omitempty"`
	CanonicalID string `json:"canonical_id,omitempty"`
}

// PostResolveReviewHandler applies a curator decision to an open review
// entry.
func PostResolveReviewHandler(c echo.Context) error {
	type postResolveReviewBody struct {
		Key        string `param:"key" validate:"required"`
		Resolution string `json:"resolution" validate:"required,oneof=distinct merge"`
	}

	body := new(postResolveReviewBody)
	if err := c.Bind(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	ac := c.(*middleware.AppContext)
	id := "review/" + body.Key
	applied, err := ac.App.Engine.Reviewer().Resolve(c.Request().Context(), id, body.Resolution)
	if err != nil {
		return storeError(c, err)
	}
	logger.Info("[Server] Review resolved", "id", id, "resolution", body.Resolution, "user", ac.User.UserID)

	res := resolveReviewResponse{ID: id, Resolution: body.Resolution}
	if body.Resolution == resolve.ResolutionMerge && applied != nil && applied.Record != nil {
		res.MergeID = applied.Record.ID
		res.CanonicalID = applied.Record.CanonicalID
		if err := ac.App.Redirects.Forget(c.Request().Context(), applied.Record.Redirected()...); err != nil {
			logger.Warn("[Server] Failed to drop cached redirects", "merge", applied.Record.ID, "err", err)
		}
	}
	return c.JSON(http.StatusOK, res)
}
