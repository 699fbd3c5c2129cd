// Command streamscribe is the main entry point for the transcription bot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamscribe/streamscribe/internal/app"
	"github.com/streamscribe/streamscribe/internal/chat"
	"github.com/streamscribe/streamscribe/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streamscribe: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streamscribe: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	slog.Info("streamscribe starting", "config", *configPath, "http_addr", cfg.HTTP.Addr, "log_level", cfg.Log.Level)

	cookieKey := os.Getenv("COOKIE_ENCRYPTION_KEY")
	if cookieKey == "" {
		slog.Error("COOKIE_ENCRYPTION_KEY is required")
		return 1
	}
	chatEnv := chat.EnvFallback{
		GuildID:  os.Getenv("DISCORD_GUILD_ID"),
		BotToken: os.Getenv("DISCORD_BOT_TOKEN"),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, cookieKey, chatEnv)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("streamscribe ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == config.LogFormatText {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
