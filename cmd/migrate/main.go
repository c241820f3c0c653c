package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/splax/agent/internal/app/migrate"
	"github.com/splax/agent/pkg/config"
	"github.com/splax/agent/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	config.LoadDotEnv()
	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := runner.Ping(ctx); err != nil {
		log.Error("database unreachable", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
