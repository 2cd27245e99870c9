package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/roomdrop/internal/config"
	"github.com/sheerbytes/roomdrop/internal/logging"
	"github.com/sheerbytes/roomdrop/internal/rendezvous"
)

const serverVersion = "v0.1.0"

const janitorInterval = time.Minute

func main() {
	if hasVersionFlag(os.Args[1:]) {
		fmt.Fprintf(os.Stdout, "roomserv %s\n", serverVersion)
		return
	}

	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomserv: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New("roomserv", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := rendezvous.NewServer(cfg.RoomTTL, rendezvous.LimitsFromConfig(cfg), logger)
	go server.RunJanitor(ctx, janitorInterval)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("starting server", "addr", cfg.Addr, "room_ttl", cfg.RoomTTL, "max_rooms", cfg.MaxRooms)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down", "rooms", server.Rooms())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	server.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
