package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/splax/agent/internal/cli"
	"github.com/splax/agent/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	config.LoadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app := cli.NewApp(version, commit)
	err := cli.NewRootCommand(app).ExecuteContext(ctx)
	stop()
	if err != nil {
		cli.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}
