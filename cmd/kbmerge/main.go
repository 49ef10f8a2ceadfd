package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/OFFIS-RIT/kbmerge/internal/cli"
	"github.com/OFFIS-RIT/kbmerge/internal/util"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger"
	"github.com/OFFIS-RIT/kbmerge/pkg/logger/console"
)

func main() {
	util.LoadEnv()

	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: util.GetEnvBool("DEBUG", false),
	})
	logger.Init(consoleLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(cli.OpenDatabase).ExecuteContext(ctx); err != nil {
		logger.Error("Command failed", "err", err)
		stop()
		os.Exit(1)
	}
}
