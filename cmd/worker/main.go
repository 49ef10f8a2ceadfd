package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/OFFIS-RIT/kbmerge/internal/bootstrap"
	"github.com/OFFIS-RIT/kbmerge/internal/config"
	"github.com/OFFIS-RIT/kbmerge/internal/queue"
	"github.com/OFFIS-RIT/kbmerge/internal/storage"
	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", "err", err)
	}

	rt, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer rt.Close()

	// Init rabbitmq
	conn, err := queue.Init()
	if err != nil {
		logger.Fatal("Failed to connect to queue", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	queueName := cfg.Queue.Name
	if err := queue.SetupQueues(ch, []string{queueName}, 10*time.Second); err != nil {
		logger.Fatal("Failed to declare queues", "err", err)
	}

	handlerOpts := []queue.MergeHandlerOption{
		queue.WithRedirects(rt.Redirects(ctx)),
		queue.WithEvents(ch, cfg.Queue.CompletedKey),
	}
	if cfg.Manifest.Enabled {
		client, err := storage.NewS3Client(ctx)
		if err != nil {
			logger.Fatal("Failed to create s3 client", "err", err)
		}
		handlerOpts = append(handlerOpts, queue.WithManifests(storage.NewManifests(client, "", cfg.Manifest.Prefix)))
	}
	handler := queue.NewMergeHandler(rt.Engine, handlerOpts...)

	// metrics endpoint
	metricsServer := echo.New()
	metricsServer.HideBanner = true
	metricsServer.GET("/metrics", echo.WrapHandler(rt.Metrics.Handler()))
	metricsServer.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	go func() {
		port := util.GetEnvString("METRICS_PORT", "9090")
		if err := metricsServer.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server stopped", "err", err)
		}
	}()

	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	err = consumerCh.Qos(cfg.Queue.Prefetch, 0, false)
	if err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queueName,
		fmt.Sprintf("%s_consumer", queueName),
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queueName, "err", err)
	}

	logger.Info("Listening for messages", "queue", queueName)

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping message processor")
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Message channel closed", "queue", queueName)
					stop()
					return
				}
				process(ctx, ch, handler, msg, queueName, cfg.Queue.MaxAttempts)
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown metrics server", "err", err)
	}
}

func process(ctx context.Context, ch *amqp.Channel, handler *queue.MergeHandler, msg amqp.Delivery, queueName string, maxAttempts int) {
	startTime := time.Now()
	logger.Info("Received message", "queue", queueName)

	// If there was an error send to retry or dead-letter, otherwise ack the message
	if err := handler.ProcessMergeMessage(ctx, msg.Body); err != nil {
		logger.Error("Error processing message", "queue", queueName, "err", err)
		queue.HandleProcessingError(ctx, ch, msg, queueName, maxAttempts, err)
	} else {
		if err := msg.Ack(false); err != nil {
			logger.Error("Failed to ack message", "err", err)
		}
		logger.Info("Message processed successfully", "queue", queueName)
	}

	processingDuration := time.Since(startTime)
	hours := int(processingDuration.Hours())
	minutes := int(processingDuration.Minutes()) % 60
	seconds := int(processingDuration.Seconds()) % 60
	logger.Info(
		"Processing time",
		"duration", fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds),
	)
}
