// Package main starts the messaging real-time service and handles termination.
//
// The process is a transport adapter around channel fan-out, presence and
// message dispatch so profile and feed state remain owned by their own
// services.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	messagingcmd "github.com/gradhall/gradhall/internal/cmd/messaging"
)

func main() {
	// Local development convenience; the file is optional.
	_ = godotenv.Load()

	cfg, err := messagingcmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("parse flags: %v", err)
	}
	log.SetPrefix("[MESSAGING] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := messagingcmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
