package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"psychat.org/internal/httpapi"
	"psychat.org/internal/market"
	"psychat.org/internal/obs"
	"psychat.org/internal/store/pg"
	"psychat.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	notifier := stream.New()

	// Postgres when a DSN is configured, in-memory otherwise. /readyz pings
	// the DB in the former case.
	var (
		svc   market.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("PSYCHAT_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn, pg.WithNotifier(notifier))
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.DB().Close()
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		svc = market.NewInMemory(market.WithNotifier(notifier))
	}

	api := httpapi.New(probe, version, svc, notifier)

	addr := os.Getenv("PSYCHAT_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting psychat-market %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
