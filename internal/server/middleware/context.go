package middleware

import (
	"context"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/kbmerge/internal/queue"
	"github.com/OFFIS-RIT/kbmerge/pkg/resolve"
)

type AppUser struct {
	UserID      int32
	Role        string
	Permissions []string
}

// Redirects resolves vertex ids to their canonical id and drops cached
// answers after a rollback.
type Redirects interface {
	Redirect(ctx context.Context, id string) (string, error)
	Forget(ctx context.Context, ids ...string) error
}

type App struct {
	Engine         *resolve.Engine
	Redirects      Redirects
	Queue          queue.Publisher
	MergeQueue     string
	Key            *keyfunc.Keyfunc
	MasterAPIKey   string
	MasterUserID   int32
	MasterUserRole string
}

type AppContext struct {
	echo.Context
	App  *App
	User *AppUser
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{c, app, nil}
			return next(cc)
		}
	}
}
