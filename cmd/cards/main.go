package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/exp/slog"

	"github.com/alovak/bankcards/cards"
)

func main() {
	config, err := cards.LoadConfig()
	if err != nil {
		slog.Error("loading config", "err", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	opts, closeCodec, err := codecOptions(logger)
	if err != nil {
		logger.Error("opening pan codec", "err", err)
		os.Exit(1)
	}
	defer closeCodec()

	app := cards.NewApp(logger, config, opts...)
	if err := app.Start(); err != nil {
		logger.Error("starting app", "err", err)
		closeCodec()
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("signal received", slog.String("signal", sig.String()))

	app.Shutdown()
}
