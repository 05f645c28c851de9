package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/agentworkforce/storesync/internal/catalog"
	"github.com/agentworkforce/storesync/internal/config"
	"github.com/agentworkforce/storesync/internal/logging"
	"github.com/agentworkforce/storesync/internal/pushchannel"
	"github.com/agentworkforce/storesync/internal/sessionstate"
	"github.com/agentworkforce/storesync/internal/storeapi"
	"github.com/agentworkforce/storesync/internal/storesync"
	"github.com/rs/zerolog"
)

var collectionKeys = []string{
	storesync.KeyProducts,
	storesync.KeyWarehouses,
	storesync.KeyOrders,
	storesync.KeyCustomerOrders,
}

type runOptions struct {
	Once bool
	Push bool
}

func main() {
	configPath := flag.String("config", envOrDefault("STORESYNC_CONFIG", ""), "optional .env or yaml config file")
	once := flag.Bool("once", false, "load the first page of every collection and exit")
	noPush := flag.Bool("no-push", false, "do not open the push channel")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := logging.New(logging.Config{Env: cfg.Env, Level: cfg.LogLevel})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, runOptions{Once: *once, Push: !*noPush}, logger); err != nil {
		logger.Error().Err(err).Msg("storesync failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts runOptions, logger zerolog.Logger) error {
	store, err := sessionstate.BuildBackendFromDSN(cfg.SessionDSN)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	var dial storesync.ChannelDialer
	if opts.Push {
		dial = pushDialer(cfg, logger)
	}
	session, err := storesync.NewSession(storesync.SessionOptions{
		Backend:        newBackend(cfg, logger),
		Dial:           dial,
		Store:          store,
		PageSize:       cfg.PageSize,
		Timeout:        cfg.FetchTimeout,
		ReconnectDelay: cfg.ReconnectDelay,
		Logger:         logger,
		OnStateChange: func(state storesync.DispatcherState) {
			logger.Info().Str("state", state.String()).Msg("push channel state changed")
		},
	})
	if err != nil {
		_ = sessionstate.Close(store)
		return err
	}
	defer session.Close()
	unsubscribe := session.Subscribe(func(key string) {
		logSnapshot(logger, session, key)
	})
	defer unsubscribe()

	if err := session.Start(ctx); err != nil {
		return err
	}
	logger.Info().Str("session", session.ID()).Int("cart_lines", len(session.CartLines())).Msg("session started")

	if err := loadInitial(ctx, session); err != nil {
		if opts.Once {
			return err
		}
		logger.Warn().Err(err).Msg("initial load incomplete")
	}
	if opts.Once {
		return nil
	}
	<-ctx.Done()
	logger.Info().Msg("storesync stopping")
	return nil
}

// loadInitial requests the first page of every collection and the order
// stats.
func loadInitial(ctx context.Context, session *storesync.Session) error {
	var errs []error
	for _, key := range collectionKeys {
		if result := session.RequestNextPage(ctx, key); !result.OK {
			errs = append(errs, result.Err)
		}
	}
	if result := session.RefreshStats(ctx); !result.OK {
		errs = append(errs, result.Err)
	}
	return errors.Join(errs...)
}

func newBackend(cfg *config.Config, logger zerolog.Logger) *storeapi.HTTPClient {
	return storeapi.NewHTTPClient(storeapi.Options{
		ServiceURLs: map[catalog.Service]string{
			catalog.ServiceProduct:   cfg.ProductAPIURL,
			catalog.ServiceWarehouse: cfg.WarehouseAPIURL,
			catalog.ServiceOrder:     cfg.OrderAPIURL,
		},
		TokenProvider:     storeapi.StaticToken(cfg.Token),
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger,
	})
}

func pushDialer(cfg *config.Config, logger zerolog.Logger) storesync.ChannelDialer {
	return func(ctx context.Context) (storesync.Channel, error) {
		client, err := pushchannel.Dial(ctx, cfg.PushURL, pushchannel.Options{
			Token:  cfg.Token,
			Logger: logger,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	}
}

func logSnapshot(logger zerolog.Logger, session *storesync.Session, key string) {
	if key == storesync.KeyStats {
		stats := session.Stats()
		logger.Info().Str("collection", key).Int("days", len(stats.DailyStats)).Int("orders", totalOrders(stats)).Msg("stats refreshed")
		return
	}
	snap := session.Snapshot(key)
	event := logger.Info()
	if snap.Err != nil {
		event = logger.Warn().Err(snap.Err)
	}
	event.Str("collection", key).
		Int("items", len(snap.Items)).
		Int("next_page", snap.NextPage).
		Bool("has_more", snap.HasMore).
		Bool("loading", snap.Loading).
		Msg("collection updated")
}

func totalOrders(stats catalog.OrderStats) int {
	total := 0
	for _, day := range stats.DailyStats {
		total += day.TotalOrders
	}
	return total
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
