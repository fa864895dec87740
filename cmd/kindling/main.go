// Package main starts the kindling chat client and handles termination.
//
// The process resolves one conversation for the configured member set,
// connects its session, and relays stdin lines as text messages.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	kindlingcmd "github.com/louisbranch/kindling/internal/cmd/kindling"
)

func main() {
	cfg, err := kindlingcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[KINDLING] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := kindlingcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to run: %v", err)
	}
}
