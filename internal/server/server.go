package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/OFFIS-RIT/kbmerge/internal/bootstrap"
	"github.com/OFFIS-RIT/kbmerge/internal/config"
	"github.com/OFFIS-RIT/kbmerge/internal/migrations"
	"github.com/OFFIS-RIT/kbmerge/internal/queue"
	mid "github.com/OFFIS-RIT/kbmerge/internal/server/middleware"
	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New builds the echo instance. metrics may be nil.
func New(app *mid.App, metrics http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}
	return e
}

func Init() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", "err", err)
	}

	jwksUrl := util.GetEnv("AUTH_URL") + "/jwks"
	k, err := keyfunc.NewDefault([]string{jwksUrl})
	if err != nil {
		logger.Fatal("Failed to load jwks keys", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if util.GetEnvBool("MIGRATE_ON_START", true) {
		if err := migrations.Up(util.GetEnv("DATABASE_URL"), migrations.Dir()); err != nil {
			logger.Fatal("Failed to migrate database", "err", err)
		}
	}

	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer rt.Close()

	que, err := queue.Init()
	if err != nil {
		logger.Fatal("Failed to connect to queue", "err", err)
	}
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch, []string{cfg.Queue.Name}, 10*time.Second); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	masterAPIKey := util.GetEnv("MASTER_API_KEY")
	parsedMasterUserID, _ := strconv.ParseInt(util.GetEnv("MASTER_USER_ID"), 10, 32)
	masterUserRole := util.GetEnv("MASTER_USER_ROLE")

	e := New(&mid.App{
		Engine:         rt.Engine,
		Redirects:      rt.Redirects(ctx),
		Queue:          ch,
		MergeQueue:     cfg.Queue.Name,
		Key:            &k,
		MasterAPIKey:   masterAPIKey,
		MasterUserID:   int32(parsedMasterUserID),
		MasterUserRole: masterUserRole,
	}, rt.Metrics.Handler())

	go func() {
		port := util.GetEnv("PORT")
		if port == "" {
			port = "8080"
		}
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}
