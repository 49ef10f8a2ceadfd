package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
	"github.com/OFFIS-RIT/kbmerge/pkg/store"
)

func storeError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	case errors.Is(err, store.ErrRevisionConflict), errors.Is(err, resolve.ErrReviewResolved),
		errors.Is(err, resolve.ErrAlreadyReverted), errors.Is(err, resolve.ErrRollbackBlocked):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrUnavailable):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Store unavailable"})
	}
	logger.Error("[Server] Request failed", "path", c.Path(), "err", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
}
