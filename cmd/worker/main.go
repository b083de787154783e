package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nasr-live/translate-worker/internal/config"
	"github.com/nasr-live/translate-worker/internal/httpstatus"
	"github.com/nasr-live/translate-worker/internal/supervisor"
)

// Exit codes: 0 normal shutdown, 1 startup failure, 2 abnormal runtime exit.
const (
	exitOK             = 0
	exitStartupFailure = 1
	exitAbnormal       = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("[worker] configuration error: %v", err)
		return exitStartupFailure
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	sup := supervisor.New(cfg)
	if err := sup.Start(startupCtx); err != nil {
		log.Printf("[worker] startup failed: %v", err)
		return exitStartupFailure
	}

	status := httpstatus.New(cfg, sup.Pipeline, sup.Tracer)
	statusErrCh := make(chan error, 1)
	go func() {
		statusErrCh <- status.Listen()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Printf("[worker] running in room %q as %q, status surface on %s", cfg.RoomName, cfg.AgentIdentity, cfg.StatusAddr)

	select {
	case sig := <-quit:
		log.Printf("[worker] received %s, shutting down", sig)
		shutdown(sup, status)
		if sig == syscall.SIGINT {
			return 130
		}
		return exitOK
	case err := <-statusErrCh:
		log.Printf("[worker] status surface exited unexpectedly: %v", err)
		shutdown(sup, status)
		return exitAbnormal
	}
}

func shutdown(sup *supervisor.Supervisor, status *httpstatus.Server) {
	if err := status.Shutdown(); err != nil {
		log.Printf("[worker] status surface shutdown: %v", err)
	}
	sup.Shutdown()
}
