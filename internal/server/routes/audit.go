package routes

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kbmerge/internal/server/middleware"
	"github.com/OFFIS-RIT/kbmerge/pkg/kb"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
)

func GetHistoryHandler(c echo.Context) error {
	type getHistoryParams struct {
		Collection string `param:"collection" validate:"required,oneof=documents persons organizations software"`
		Key        string `param:"key" validate:"required"`
	}

	params := new(getHistoryParams)
	if err := c.Bind(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}
	if err := c.Validate(params); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	records, err := app.Engine.AuditTrail().History(c.Request().Context(), params.Collection+"/"+params.Key)
	if err != nil {
		return storeError(c, err)
	}
	if records == nil {
		records = []*kb.AuditRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

func GetMergeHandler(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	app := c.(*middleware.AppContext).App
	record, err := app.Engine.AuditTrail().Record(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, record)
}

// PostRollbackHandler compensates a merge and drops the cached redirects of
// every restored or re-pointed member.
func PostRollbackHandler(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request params"})
	}

	ac := c.(*middleware.AppContext)
	ctx := c.Request().Context()
	report, err := ac.App.Engine.AuditTrail().Rollback(ctx, id)
	if err != nil {
		return storeError(c, err)
	}
	forget := append(slices.Clone(report.Restored), report.Repointed...)
	if err := ac.App.Redirects.Forget(ctx, forget...); err != nil {
		logger.Warn("[Server] Failed to drop cached redirects", "merge", id, "err", err)
	}
	logger.Info("[Server] Merge rolled back", "merge", id, "unmerge", report.UnmergeID, "user", ac.User.UserID)
	return c.JSON(http.StatusOK, report)
}
