package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/weft/internal/events"
	"github.com/jordanhubbard/weft/internal/gateway"
	"github.com/jordanhubbard/weft/internal/handler"
	"github.com/jordanhubbard/weft/internal/hotreload"
	"github.com/jordanhubbard/weft/internal/metrics"
	"github.com/jordanhubbard/weft/internal/platform"
	"github.com/jordanhubbard/weft/internal/session"
	"github.com/jordanhubbard/weft/internal/store"
	"github.com/jordanhubbard/weft/internal/telemetry"
	"github.com/jordanhubbard/weft/internal/treequeue"
	"github.com/jordanhubbard/weft/pkg/config"
	"github.com/jordanhubbard/weft/pkg/models"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "", "Path to configuration file (default: $WEFT_CONFIG or built-in defaults)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("weft v%s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, "weft", cfg.Telemetry.Endpoint)
		if err != nil {
			log.Printf("Warning: failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	treeStore, err := store.New(store.Config{
		Type: cfg.Store.Type,
		Path: cfg.Store.Path,
		DSN:  cfg.Store.DSN,
		Addr: cfg.Store.Addr,
		DB:   cfg.Store.DB,
	})
	if err != nil {
		log.Fatalf("failed to open tree store: %v", err)
	}
	defer treeStore.Close()

	var publisher *events.Publisher
	if cfg.Events.Enabled {
		publisher, err = events.NewPublisher(events.Config{
			URL:        cfg.Events.URL,
			StreamName: cfg.Events.StreamName,
			Timeout:    cfg.Events.Timeout,
		})
		if err != nil {
			log.Printf("Warning: lifecycle events disabled: %v", err)
		} else {
			defer publisher.Close()
		}
	}

	queue := treequeue.NewQueue()
	provider := session.NewPoolProvider(cfg.Session.Binary, cfg.Session.MaxSessions)
	m := metrics.NewMetrics()

	// Handler settings live behind an atomic pointer so hot reload can
	// swap them without a restart.
	var handlerCfg atomic.Pointer[handler.Config]
	handlerCfg.Store(&handler.Config{
		ContinuityWindow: cfg.Handler.ContinuityWindow(),
		TurnTimeout:      cfg.Handler.TurnTimeout,
	})

	// The gateway is both the inbound transport and the outbound
	// platform; the handler is wired up after it so each can see the
	// other.
	var h *handler.Handler
	gw := gateway.NewServer(gateway.Config{
		ListenAddr:   cfg.Gateway.ListenAddr,
		JWTSecret:    cfg.Gateway.JWTSecret,
		ReadTimeout:  cfg.Gateway.ReadTimeout,
		WriteTimeout: cfg.Gateway.WriteTimeout,
	}, gateway.DispatchFunc(func(ctx context.Context, incoming *models.IncomingMessage) error {
		return h.HandleMessage(ctx, incoming)
	}))

	var outbound platform.Platform = gw
	outbound = platform.NewRateLimited(outbound, platform.RateLimitConfig{
		GlobalPerSecond:  cfg.RateLimit.GlobalPerSecond,
		GlobalBurst:      cfg.RateLimit.GlobalBurst,
		PerChatPerSecond: cfg.RateLimit.PerChatPerSecond,
		PerChatBurst:     cfg.RateLimit.PerChatBurst,
	})

	h = handler.New(queue, provider, outbound, treeStore, publisher, m, func() handler.Config {
		return *handlerCfg.Load()
	})

	recovered, err := h.Recover(runCtx)
	if err != nil {
		log.Printf("Warning: tree recovery failed: %v", err)
	} else if recovered > 0 {
		log.Printf("Recovered %d conversation trees", recovered)
	}

	if cfg.HotReload.Enabled && *configPath != "" {
		watcher := hotreload.NewWatcher(*configPath, func(next *config.Config) {
			handlerCfg.Store(&handler.Config{
				ContinuityWindow: next.Handler.ContinuityWindow(),
				TurnTimeout:      next.Handler.TurnTimeout,
			})
		})
		go watcher.Run(runCtx)
	}

	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: metricsMux}
		go func() {
			log.Printf("Metrics listening on %s", cfg.Metrics.ListenAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server error: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	// Finished conversations stay in memory as continuity anchors for a
	// while, then get evicted; their snapshots stay in the store.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if evicted := queue.EvictTerminal(time.Now().Add(-24 * time.Hour)); len(evicted) > 0 {
					log.Printf("Evicted %d idle conversation trees", len(evicted))
				}
			}
		}
	}()

	gwErr := make(chan error, 1)
	go func() {
		gwErr <- gw.Start(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received %v, shutting down", sig)
	case err := <-gwErr:
		if err != nil {
			log.Printf("gateway stopped: %v", err)
		}
	}

	stopped := h.StopAll(context.Background())
	if stopped > 0 {
		log.Printf("Cancelled %d in-flight requests", stopped)
	}
	cancel()
}
