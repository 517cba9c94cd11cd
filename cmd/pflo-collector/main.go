// Command pflo-collector receives beacons over HTTP, stores them in SQLite
// and streams them to viewers over a WebSocket feed.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/pageflo/pflo/internal/collector"
	"github.com/pageflo/pflo/internal/collector/storage"
	"github.com/pageflo/pflo/internal/config"
	"github.com/pageflo/pflo/internal/telemetry"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to config file")
	port := pflag.IntP("port", "p", 0, "Override collector.server.port")
	dbPath := pflag.String("db", "", "Override collector.store.path")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cc := cfg.Collector
	if *port > 0 {
		cc.Server.Port = *port
	}
	if *dbPath != "" {
		cc.Store.Path = *dbPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Setup(ctx, "pflo-collector")
	if err != nil {
		log.Printf("Tracing disabled: %v", err)
	}
	defer shutdown(context.Background())

	store, err := storage.Open(ctx, cc.Store.Path)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	feed := collector.NewFeed(store, cc.Feed.Throttle, cc.Feed.SnapshotInterval, cc.Feed.SnapshotSize, cc.Feed.MaxConnections)
	defer feed.Stop()

	if cc.Server.AuthToken == "" {
		log.Println("[collector] no auth token set, the beacon API and feed are open")
	}
	srv := collector.NewServer(cc, store, feed)
	if err := collector.ListenAndServe(ctx, cc.Server.Host, cc.Server.Port, srv.Handler()); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Shutting down...")
}
