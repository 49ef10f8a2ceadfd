package routes

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kbmerge/internal/queue"
	"github.com/OFFIS-RIT/kbmerge/internal/server/middleware"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
)

// PostPassesHandler enqueues a merge request for the worker.
func PostPassesHandler(c echo.Context) error {
	type postPassesBody struct {
		Kinds []string `json:"kinds" validate:"omitempty,dive,oneof=documents persons organizations software"`
	}

	body := new(postPassesBody)
	if err := c.Bind(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(body); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	ac := c.(*middleware.AppContext)
	data, err := json.Marshal(queue.MergeRequestMsg{
		Kinds:       body.Kinds,
		RequestedBy: "user:" + strconv.FormatInt(int64(ac.User.UserID), 10),
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
	}
	if err := queue.PublishFIFO(c.Request().Context(), ac.App.Queue, ac.App.MergeQueue, data); err != nil {
		logger.Error("[Server] Failed to enqueue merge request", "err", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Queue unavailable"})
	}

	return c.JSON(http.StatusAccepted, map[string]any{"queued": true, "kinds": body.Kinds})
}
