// Command aegisd runs the AI governance gateway.
//
// Exit codes: 0 clean shutdown, 1 runtime failure, 2 missing audit
// integration key, 3 could not bind the listen address.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aegis-ai/aegis"
	"github.com/aegis-ai/aegis/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("AEGIS_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		switch {
		case errors.As(err, &config.ErrAuditKeyMissing{}):
			return 2
		case errors.Is(err, syscall.EADDRINUSE), errors.Is(err, syscall.EACCES):
			return 3
		default:
			return 1
		}
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	app, err := aegis.New(ctx,
		aegis.WithLogger(logger),
		aegis.WithVersion(version),
	)
	if err != nil {
		return err
	}

	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return nil
}
