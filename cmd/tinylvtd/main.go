// Command tinylvtd runs the auction engine, proxy bidder, and scheduler
// against a single Postgres database, in the wiring shape of
// services/otc-gateway's main: load config, open the database, construct
// the domain layers, start the background loop, serve metrics.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tinylvt/tinylvt/clock"
	"github.com/tinylvt/tinylvt/config"
	"github.com/tinylvt/tinylvt/core/auction"
	"github.com/tinylvt/tinylvt/core/proxy"
	"github.com/tinylvt/tinylvt/events"
	"github.com/tinylvt/tinylvt/observability/logging"
	"github.com/tinylvt/tinylvt/observability/metrics"
	"github.com/tinylvt/tinylvt/scheduler"
	"github.com/tinylvt/tinylvt/store"
)

func main() {
	env := strings.TrimSpace(os.Getenv("TINYLVT_ENV"))
	logger := logging.Setup("tinylvtd", env)

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	bus := events.NewBus(logger)

	engine := auction.New(db, clock.System{}, bus, logger, collector)
	bidder := proxy.New(engine)

	sched := scheduler.New(scheduler.Config{
		DB:           db,
		Engine:       engine,
		Proxy:        bidder,
		Clock:        clock.System{},
		Logger:       logger,
		Metrics:      collector,
		TickInterval: cfg.SchedulerTick(),
		Alert: func(ctx context.Context, auctionID uuid.UUID, failureCount int, err error) {
			logger.Error("scheduler alert threshold exceeded", "auction_id", auctionID, "failure_count", failureCount, "error", err)
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := sched.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.Info("tinylvtd starting", "metrics_address", cfg.MetricsAddress)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("metrics server error: %v", err)
	}
}
