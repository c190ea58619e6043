// Package main starts the inkroom drawing server and handles termination.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	inkroomcmd "github.com/louisbranch/inkroom/internal/cmd/inkroom"
	entrypoint "github.com/louisbranch/inkroom/internal/platform/cmd"
)

func main() {
	cfg, err := inkroomcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		entrypoint.Inkroom.Exitf("parse flags: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := inkroomcmd.Run(ctx, cfg); err != nil {
		stop()
		entrypoint.Inkroom.Exitf("failed to serve: %v", err)
	}
}
