// README: serve wires the stores and the event bus behind the HTTP API and runs them until a signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"convoy/internal/config"
	"convoy/internal/events"
	convoyhttp "convoy/internal/http"
	"convoy/internal/infra"
	"convoy/internal/modules/dispatch"
	"convoy/internal/modules/location"
	"convoy/internal/modules/matching"
	"convoy/internal/modules/order"
	"convoy/internal/modules/request"
	"convoy/internal/modules/worker"
	"convoy/internal/realtime"
)

const (
	brokerDialBudget = 30 * time.Second
	shutdownGrace    = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, live sockets and event consumers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := infra.NewLogger("convoy")
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	instanceID := uuid.NewString()
	log = log.With().Str("instance_id", instanceID).Logger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := infra.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	broker, err := infra.DialBroker(ctx, cfg.AMQP.URL, brokerDialBudget)
	if err != nil {
		return err
	}
	defer broker.Close()
	if err := declareTopology(broker); err != nil {
		return err
	}

	if cfg.Firebase.ProjectID == "" {
		return errors.New("firebase project id is required (CONVOY_FIREBASE__PROJECT_ID)")
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return fmt.Errorf("firebase init: %w", err)
	}

	geo := location.NewService(
		location.NewStore(rdb, metrics, cfg.Timeouts.StoreOp),
		cfg.TTL.WorkerMetadata, metrics, log.With().Str("module", "location").Logger(),
	)
	engine, err := matching.NewEngine(geo, cfg.Matching.Weights)
	if err != nil {
		return err
	}
	publisher := events.NewPublisher(broker, cfg.Timeouts.Publish, metrics, log.With().Str("module", "events").Logger())
	ledger := request.NewLedger(
		request.NewRedisCache(rdb, metrics, cfg.Timeouts.StoreOp, cfg.Lock.RetryBudget, cfg.TTL.ActiveRequest, cfg.TTL.TerminalRequest),
		request.NewPGArchive(db, metrics, cfg.Timeouts.StoreOp),
		infra.NewRedisLocker(rdb, cfg.Lock.RetryBudget, metrics),
		publisher,
		cfg.TTL,
		log.With().Str("module", "request").Logger(),
	)
	directory := worker.NewDirectory(db, metrics, cfg.Timeouts.StoreOp)
	coordinator := dispatch.NewCoordinator(ledger, geo, engine, directory, cfg.Matching.RadiusKm, metrics, log.With().Str("module", "dispatch").Logger())
	orders := order.NewService(order.NewStore(db, metrics, cfg.Timeouts.StoreOp), ledger, log.With().Str("module", "order").Logger())
	hub := realtime.NewHub(geo, metrics, log.With().Str("module", "realtime").Logger())

	router := convoyhttp.NewRouter(convoyhttp.RouterDeps{
		Verifier: verifier,
		Requests: ledger,
		Dispatch: coordinator,
		Tracker:  geo,
		Workers:  directory,
		Hub:      hub,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Health: func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return err
			}
			if err := db.Ping(ctx); err != nil {
				return err
			}
			return broker.Ping()
		},
		Log: log.With().Str("module", "http").Logger(),
	})

	consumerLog := log.With().Str("module", "consumer").Logger()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return convoyhttp.Serve(gctx, cfg.HTTP.Addr, router, shutdownGrace, log)
	})
	g.Go(func() error {
		return events.NewConsumer(broker, events.OrdersSyncQueue, "orders-sync-"+instanceID, cfg.AMQP.Prefetch, orders.Handle, consumerLog).Run(gctx)
	})
	g.Go(func() error {
		return events.NewConsumer(broker, events.DispatchTriggerQueue, "dispatch-"+instanceID, cfg.AMQP.Prefetch, coordinator.HandleTrigger, consumerLog).Run(gctx)
	})
	g.Go(func() error {
		return runRelay(gctx, broker, instanceID, cfg.AMQP.Prefetch, hub.Relay(), consumerLog)
	})

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("convoy started")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("convoy stopped")
		return err
	}
	log.Info().Msg("convoy stopped")
	return nil
}

func declareTopology(broker *infra.Broker) error {
	ch, err := broker.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := events.Declare(ch); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}
	return nil
}

// runRelay consumes this instance's exclusive queue, which only exists on the
// channel that declared it.
func runRelay(ctx context.Context, broker *infra.Broker, instanceID string, prefetch int, h events.Handler, log zerolog.Logger) error {
	ch, err := broker.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	queue, err := events.DeclareInstanceQueue(ch, instanceID)
	if err != nil {
		return fmt.Errorf("declare %s: %w", events.InstanceQueue(instanceID), err)
	}
	return events.NewConsumer(broker, queue, "realtime-"+instanceID, prefetch, h, log).ConsumeOn(ctx, ch)
}
