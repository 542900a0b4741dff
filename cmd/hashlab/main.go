package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harborglow/hashlab/internal/alerts"
	"github.com/harborglow/hashlab/internal/api"
	"github.com/harborglow/hashlab/internal/collector"
	"github.com/harborglow/hashlab/internal/config"
	"github.com/harborglow/hashlab/internal/metrics"
	"github.com/harborglow/hashlab/internal/pool"
	"github.com/harborglow/hashlab/internal/pricing"
	"github.com/harborglow/hashlab/internal/scanner"
	"github.com/harborglow/hashlab/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file (.json or .toml)")
	mode := flag.String("mode", "serve", "serve: dashboard and sampler; sync: sample and publish to a gist")
	flag.Parse()

	log.Println("HashLab starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("Config file not found at %s, using defaults", *configPath)
			cfg = config.DefaultConfig()
			if saveErr := cfg.Save(*configPath); saveErr != nil {
				log.Printf("Warning: could not save default config: %v", saveErr)
			}
		} else {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	cfg.ApplyEnv(".env")
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	fleet, err := config.LoadFleetStore(cfg.FleetPath)
	if err != nil {
		log.Fatalf("Failed to load fleet: %v", err)
	}
	log.Printf("Loaded %d miners from %s", len(fleet.List()), cfg.FleetPath)

	history, err := storage.Open(cfg.History.Backend, cfg.History.Path)
	if err != nil {
		log.Fatalf("Failed to open history: %v", err)
	}
	defer history.Close()
	log.Printf("History %s backend at %s", cfg.History.Backend, cfg.History.Path)

	m := metrics.New()

	opts := []collector.PollerOption{
		collector.WithConcurrency(cfg.Poller.Concurrency),
		collector.WithObserver(m),
	}
	if url := cfg.Poller.RemoteSnapshotURL; url != "" {
		remote := collector.NewRemoteSnapshot(url, cfg.Gist.Filename, config.Seconds(cfg.Poller.RemoteCacheSeconds))
		opts = append(opts, collector.WithFallback(remote))
		log.Printf("Remote snapshot fallback enabled: %s", url)
	}
	client := collector.NewMinerClient(config.Seconds(cfg.Poller.TimeoutSeconds))
	poller := collector.NewPoller(client, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *mode == "sync" {
		runSync(ctx, cfg, fleet, poller, history, m)
		return
	}
	if *mode != "serve" {
		log.Fatalf("Unknown mode %q", *mode)
	}

	sampler := collector.NewSampler(fleet, poller, history, config.Seconds(cfg.Sampler.IntervalSeconds))
	sampler.SetAppendObserver(m)

	mapping, err := pool.LoadMappingStore(cfg.Pool.MappingPath)
	if err != nil {
		log.Fatalf("Failed to load pool mapping: %v", err)
	}
	var poolSvc *pool.Service
	luxor := pool.NewLuxorClient(cfg.Pool.BaseURL, cfg.Pool.APIKey, cfg.Pool.Subaccount)
	if luxor.Configured() {
		poolSvc = pool.NewService(luxor, mapping, config.Seconds(cfg.Pool.CacheSeconds))
		log.Printf("Pool comparison enabled (%d mapped workers)", mapping.Mapping().Len())
	}

	var priceSvc *pricing.PriceService
	if cfg.Pricing.Enabled {
		priceSvc = pricing.NewPriceService(config.Seconds(cfg.Pricing.CacheSeconds))
	}

	var alertEngine *alerts.Engine
	if cfg.Alerts.Enabled {
		var notifier alerts.Notifier
		if cfg.Alerts.WebhookURL != "" {
			discord, err := alerts.NewDiscordNotifier(cfg.Alerts.WebhookURL)
			if err != nil {
				log.Printf("Warning: alerts will only be logged: %v", err)
			} else {
				notifier = discord
			}
		}
		alertEngine = alerts.NewEngine(notifier, time.Duration(cfg.Alerts.CooldownMinutes)*time.Minute)
		alertEngine.SetObserver(m)
	}

	scanClient := collector.NewMinerClient(config.Seconds(cfg.Scanner.TimeoutSeconds))

	server, err := api.NewServer(api.Deps{
		Config:  cfg,
		Fleet:   fleet,
		History: history,
		Poller:  poller,
		Sampler: sampler,
		Pool:    poolSvc,
		Mapping: mapping,
		Pricing: priceSvc,
		Alerts:  alertEngine,
		Metrics: m,
		Scanner: scanner.NewScanner(scanClient, cfg.Scanner.Concurrency),
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sampler.Start(ctx)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	log.Println("HashLab is running. Press Ctrl+C to stop.")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("HashLab shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	sampler.Stop()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if alertEngine != nil {
		alertEngine.Wait()
	}

	log.Println("HashLab stopped")
}

// runSync samples on the gist interval and publishes every snapshot until
// interrupted.
func runSync(ctx context.Context, cfg *config.Config, fleet *config.FleetStore, poller *collector.Poller, history storage.HistoryStore, m *metrics.Metrics) {
	if cfg.Gist.Token == "" || cfg.Gist.ID == "" {
		log.Fatalf("Sync mode needs GIST_TOKEN and GIST_ID")
	}
	interval := config.Seconds(cfg.Gist.IntervalSeconds)
	sampler := collector.NewSampler(fleet, poller, history, interval)
	sampler.SetAppendObserver(m)
	sampler.SetPublisher(collector.NewGistPublisher(cfg.Gist.Token, cfg.Gist.ID, cfg.Gist.Filename, interval))

	sampler.Start(ctx)
	log.Printf("Syncing %d miners to gist %s every %s", len(fleet.List()), cfg.Gist.ID, interval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sampler.Stop()
	log.Println("Sync stopped")
}
