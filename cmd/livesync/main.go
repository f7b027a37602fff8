package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newsbridge/livesync/internal/bridge"
	"github.com/newsbridge/livesync/internal/liveblog"
	"github.com/newsbridge/livesync/internal/status"
	"github.com/newsbridge/livesync/internal/syncstore"
)

func main() {
	configPath := os.Getenv("LIVESYNC_CONFIG")
	if configPath == "" {
		configPath = "livesync.yaml"
	}
	if os.Getenv("LIVESYNC_DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := bridge.LoadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("loading config failed")
	}
	if dsn := os.Getenv("LIVESYNC_STORE_DSN"); dsn != "" {
		cfg.StoreDSN = dsn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloads, err := bridge.WatchConfig(ctx, configPath, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("config watching unavailable")
	}

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		bridges := runBridges(runCtx, cfg)

		server := startStatusServer(runCtx, cfg.StatusAddr, bridges)

		select {
		case <-ctx.Done():
			cancelRun()
			shutdownStatusServer(server)
			return
		case next, ok := <-reloads:
			cancelRun()
			shutdownStatusServer(server)
			if !ok {
				return
			}
			log.Info().Msg("config changed, restarting bridges")
			cfg = next
			if dsn := os.Getenv("LIVESYNC_STORE_DSN"); dsn != "" {
				cfg.StoreDSN = dsn
			}
		}
	}
}

// runBridges builds one bridge per configured source/target pair; each polls
// independently.
func runBridges(ctx context.Context, cfg *bridge.Config) []*bridge.Bridge {
	store, err := syncstore.BuildFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.StoreDSN).Msg("building sync store failed")
	}
	go func() {
		<-ctx.Done()
		_ = store.Close()
	}()

	bridges := make([]*bridge.Bridge, 0, len(cfg.Bridges))
	for _, bc := range cfg.Bridges {
		b := buildBridge(ctx, bc, store, cfg.PollInterval.Std())
		bridges = append(bridges, b)
		go func(b *bridge.Bridge) {
			if err := b.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("bridge stopped")
			}
		}(b)
	}
	return bridges
}

func buildBridge(ctx context.Context, bc bridge.BridgeConfig, store syncstore.Store, interval time.Duration) *bridge.Bridge {
	logger := log.With().Str("bridge", bc.Label).Logger()

	sourceClient := liveblog.NewClient(liveblog.ClientOptions{
		Endpoint: bc.Source.Endpoint,
		Username: bc.Source.Username,
		Password: bc.Source.Password,
		Logger:   logger,
	})
	targetClient := liveblog.NewClient(liveblog.ClientOptions{
		Endpoint: bc.Target.Endpoint,
		Username: bc.Target.Username,
		Password: bc.Target.Password,
		Logger:   logger,
	})

	poller := liveblog.NewPoller(liveblog.PollerOptions{
		Client:    sourceClient,
		Converter: liveblog.NewConverter(targetClient, logger),
		Store:     store,
		SourceID:  bc.Source.SourceID,
		Logger:    logger,
	})
	target := liveblog.NewTarget(liveblog.TargetOptions{
		Client:      targetClient,
		TargetID:    bc.Target.TargetID,
		SaveAsDraft: bc.Target.SaveAsDraft,
		Logger:      logger,
	})

	var nudge <-chan struct{}
	if bc.Source.NotifierURL != "" {
		notifier := liveblog.NewNotifier(bc.Source.NotifierURL, logger)
		nudge = notifier.Nudge()
		go notifier.Run(ctx)
	}

	return bridge.New(bridge.Options{
		Label:    bc.Label,
		Poller:   poller,
		Target:   target,
		Store:    store,
		Nudge:    nudge,
		Interval: interval,
		Logger:   logger,
	})
}

func startStatusServer(ctx context.Context, addr string, bridges []*bridge.Bridge) *http.Server {
	if addr == "" {
		return nil
	}
	snapshot := func() []bridge.Status {
		statuses := make([]bridge.Status, 0, len(bridges))
		for _, b := range bridges {
			statuses = append(statuses, b.Status())
		}
		return statuses
	}
	server := &http.Server{
		Addr:    addr,
		Handler: status.NewServer(snapshot, log.Logger),
	}
	go func() {
		log.Info().Str("addr", addr).Msg("status server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status server failed")
		}
	}()
	return server
}

func shutdownStatusServer(server *http.Server) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
