package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coveglabs/skiff/internal/tracker"
)

const sweepInterval = time.Hour

func main() {
	addr := os.Getenv("SKIFF_TRACKER_ADDR")
	if addr == "" {
		addr = ":7420"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := tracker.NewServer()
	srv.Tracker().StartSweeper(ctx, sweepInterval)

	if err := srv.Start(ctx, addr); err != nil {
		log.Fatalf("Failed to start tracker: %v", err)
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Skiff tracker listening on %s\n", srv.Addr())
	<-sigCh
	log.Println("Shutting down...")
	cancel()
}
