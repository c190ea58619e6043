// Package main runs the inkbot room client.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	inkbotcmd "github.com/louisbranch/inkroom/internal/cmd/inkbot"
	entrypoint "github.com/louisbranch/inkroom/internal/platform/cmd"
)

func main() {
	cfg, err := inkbotcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		entrypoint.Inkbot.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := inkbotcmd.Run(ctx, cfg); err != nil {
		stop()
		entrypoint.Inkbot.Exitf("inkbot: %v", err)
	}
}
