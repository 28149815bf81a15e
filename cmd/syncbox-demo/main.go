// Command syncbox-demo wires the full sync stack against a live
// backend: sqlite cache, HTTP gateway, sync engine, realtime channel.
//
// Configuration comes from the environment (a local .env is honored):
//
//	API_BASE_URL   REST endpoint, default http://localhost:3000/api
//	WS_BASE_URL    push endpoint, default ws://localhost:3000
//	API_TOKEN      bearer token (required)
//	USER_ID        user to subscribe for push events (required)
//	CACHE_PATH     sqlite file, default syncbox.db
//	SYNC_INTERVAL  periodic sync cadence, default 30s
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/fintrack/syncbox"
	"github.com/fintrack/syncbox/gateway"
	"github.com/fintrack/syncbox/logging"
	"github.com/fintrack/syncbox/realtime"
	"github.com/fintrack/syncbox/storage/sqlite"
)

func main() {
	_ = godotenv.Load()

	logging.Init(logging.GetConfigFromEnv())

	apiURL := envOr("API_BASE_URL", "http://localhost:3000/api")
	wsURL := envOr("WS_BASE_URL", "ws://localhost:3000")
	cachePath := envOr("CACHE_PATH", "syncbox.db")
	token := os.Getenv("API_TOKEN")
	userID := os.Getenv("USER_ID")
	if token == "" || userID == "" {
		logging.Error("API_TOKEN and USER_ID are required")
		os.Exit(1)
	}

	interval := 30 * time.Second
	if raw := os.Getenv("SYNC_INTERVAL"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			logging.Error("invalid SYNC_INTERVAL", slog.String("value", raw))
			os.Exit(1)
		}
		interval = parsed
	}

	store, err := sqlite.NewWithDataSource(cachePath)
	if err != nil {
		logging.LogError(context.Background(), err, "failed to open cache",
			slog.String("path", cachePath),
		)
		os.Exit(1)
	}
	defer store.Close()

	bus := syncbox.NewBus()
	client := gateway.NewClient(apiURL, gateway.StaticToken(token))
	engine := syncbox.NewEngine(store, client, bus, syncbox.EngineConfig{
		SyncInterval: interval,
	})
	defer engine.Close()

	channel := realtime.New(store, bus, realtime.Config{BaseURL: wsURL})
	defer channel.Close()

	bus.Subscribe(string(syncbox.EventEntityRefreshed), func(ev syncbox.Event) {
		logging.Info("cache refreshed",
			slog.String("entity_type", string(ev.Entity)),
			slog.Int("count", ev.Count),
		)
	})
	bus.Subscribe(string(syncbox.EventConnectionChanged), func(ev syncbox.Event) {
		logging.Info("connection state changed",
			slog.String("state", ev.State.String()),
		)
	})
	bus.Subscribe(string(syncbox.EventReconnectionFailed), func(ev syncbox.Event) {
		logging.Error("realtime connection gave up, data served from cache")
	})

	ctx := context.Background()
	if result, err := engine.SyncNow(ctx); err != nil {
		logging.LogError(ctx, err, "initial sync failed, serving cached data")
	} else {
		logging.Info("initial sync finished",
			slog.String("status", result.Status.String()),
			slog.Duration("duration", result.Duration),
		)
	}

	engine.StartPeriodicSync(interval)
	if err := channel.Connect(ctx, userID); err != nil {
		logging.LogError(ctx, err, "realtime connect failed")
	}

	wallets, err := engine.GetCachedData(ctx, syncbox.EntityWallet)
	if err != nil {
		logging.LogError(ctx, err, "cache read failed")
	} else {
		logging.Info("wallets in cache", slog.Int("count", len(wallets)))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logging.Info("shutting down")
	channel.Disconnect()
	engine.StopPeriodicSync()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
