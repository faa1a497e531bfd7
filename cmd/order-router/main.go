package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/Checker-Finance/order-router/internal/api"
	"github.com/Checker-Finance/order-router/internal/config"
	"github.com/Checker-Finance/order-router/internal/jobs"
	"github.com/Checker-Finance/order-router/internal/order"
	"github.com/Checker-Finance/order-router/internal/publisher"
	"github.com/Checker-Finance/order-router/internal/queue"
	"github.com/Checker-Finance/order-router/internal/rate"
	"github.com/Checker-Finance/order-router/internal/router"
	internalsecrets "github.com/Checker-Finance/order-router/internal/secrets"
	"github.com/Checker-Finance/order-router/internal/statusbus"
	"github.com/Checker-Finance/order-router/internal/venue"
	"github.com/Checker-Finance/order-router/internal/worker"
	"github.com/Checker-Finance/order-router/pkg/logger"
	"github.com/Checker-Finance/order-router/pkg/secrets"
	"github.com/Checker-Finance/order-router/pkg/utils"
)

func main() {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, fail := context.WithCancelCause(sigCtx)
	defer fail(nil)

	// --- Load configuration ---
	cfg := config.Load()
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel, cfg.Role)
	defer logger.Sync()
	logg := logger.S()
	log := logger.L()
	logg.Infow("starting [order-router]...", "role", cfg.Role, "instance", cfg.InstanceID)
	if err := checkSplitRole(cfg); err != nil {
		logg.Fatalw("invalid role configuration", "error", err)
	}

	// --- Infra DSNs from AWS Secrets Manager (optional) ---
	if cfg.InfraSecretName != "" {
		provider, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		resolver := internalsecrets.NewInfraResolver(log, cfg.InfraSecretName, provider,
			secrets.NewCache[map[string]string](cfg.SecretCacheTTL))
		if err := resolver.Apply(ctx, cfg); err != nil {
			logg.Fatalw("failed to resolve infra secret", "error", err)
		}
	}

	// --- Redis ---
	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logg.Fatalw("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
		}
	}

	// --- NATS ---
	var nc *nats.Conn
	if needsNATS(cfg) {
		var err error
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName+"-"+cfg.InstanceID))
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "url", utils.MaskURL(cfg.NATSURL), "error", err)
		}
	}

	// --- Store ---
	if cfg.StoreBackend == "postgres" {
		logg.Info("connection to DSN: ", utils.MaskDSN(cfg.DatabaseURL))
	}
	st, err := newStore(ctx, cfg, rdb, log)
	if err != nil {
		logg.Fatalw("failed to init store", "error", err)
	}

	// --- Job queue ---
	broker, err := newBroker(cfg, rdb, log)
	if err != nil {
		logg.Fatalw("failed to init queue broker", "backend", cfg.QueueBackend, "error", err)
	}
	q := queue.New(broker, queue.Options{
		Concurrency:  cfg.Concurrency,
		MaxAttempts:  cfg.MaxAttempts,
		BackoffBase:  cfg.BackoffBase,
		BackoffMax:   cfg.BackoffMax,
		PollInterval: cfg.QueuePollInterval,
	}, logger.Named("queue"))

	// --- Status bus ---
	transport, err := newTransport(cfg, rdb, nc, log)
	if err != nil {
		logg.Fatalw("failed to init bus transport", "error", err)
	}
	bus := statusbus.New(st, transport, cfg.InstanceID, logger.Named("statusbus"))
	if err := bus.Start(ctx); err != nil {
		logg.Fatalw("failed to start status bus", "error", err)
	}

	svc := order.NewService(st, bus, q, log)

	// --- Workers ---
	var workers sync.WaitGroup
	var monitor *jobs.DeadLetterMonitor
	if cfg.RunsWorker() {
		rateMgr := rate.NewManager(rate.Config{RequestsPerSecond: cfg.VenueRPS, Burst: cfg.VenueBurst})
		venues := []venue.Source{
			venue.NewSimulated(venue.Params{
				Name:        venue.Raydium,
				BasePrice:   cfg.BasePrice,
				Variance:    cfg.RaydiumVariance,
				FeeBps:      cfg.RaydiumFeeBps,
				LatencyMin:  cfg.QuoteLatencyMin,
				LatencyMax:  cfg.QuoteLatencyMax,
				FailureRate: cfg.VenueFailRate,
			}, rateMgr, log),
			venue.NewSimulated(venue.Params{
				Name:        venue.Meteora,
				BasePrice:   cfg.BasePrice,
				Variance:    cfg.MeteoraVariance,
				FeeBps:      cfg.MeteoraFeeBps,
				LatencyMin:  cfg.QuoteLatencyMin,
				LatencyMax:  cfg.QuoteLatencyMax,
				FailureRate: cfg.VenueFailRate,
			}, rateMgr, log),
		}
		rt := router.New(venues, router.Options{
			QuoteTimeout:   cfg.QuoteTimeout,
			ExecuteTimeout: cfg.ExecuteTimeout,
			ExecLatencyMin: cfg.ExecLatencyMin,
			ExecLatencyMax: cfg.ExecLatencyMax,
			Slippage:       cfg.Slippage,
		}, log)

		var events worker.LifecyclePublisher
		if cfg.EventsEnabled {
			pub, err := publisher.New(nc, cfg.EventsSubject, cfg.ServiceName, log)
			if err != nil {
				logg.Fatalw("failed to init publisher", "error", err)
			}
			events = pub
		}

		proc := worker.New(bus, rt, events, cfg.BuildDelay, logger.Named("worker")).WithHistory(st)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := q.Run(ctx, proc); err != nil && !errors.Is(err, context.Canceled) {
				logg.Errorw("queue.run_failed", "error", err)
				fail(err)
			}
		}()

		monitor = jobs.NewDeadLetterMonitor(log, q, cfg.DeadLetterInterval)
		go monitor.Start(ctx)
	}

	// --- Fiber HTTP Server ---
	var app *fiber.App
	if cfg.RunsAPI() {
		app = fiber.New(fiber.Config{
			ReadTimeout:  cfg.HTTPReadTimeout,
			WriteTimeout: cfg.HTTPWriteTimeout,
			IdleTimeout:  cfg.HTTPIdleTimeout,
			BodyLimit:    cfg.HTTPBodyLimit,
		})

		orders := api.NewOrderHandler(log, svc, q)
		stream := api.NewStreamHandler(ctx, log, bus, svc)
		api.RegisterRoutes(app, orders, stream, map[string]api.HealthChecker{
			"store": st,
			"bus":   bus,
			"queue": q,
		})

		go func() {
			logg.Infof("HTTP API listening on :%d", cfg.Port)
			if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
				logg.Fatalw("fiber.listen_failed", "error", err)
			}
		}()
	}

	logg.Infow("[order-router] running",
		"env", cfg.Env,
		"store", cfg.StoreBackend,
		"queue", cfg.QueueBackend,
		"bus", cfg.BusTransport,
		"concurrency", cfg.Concurrency)

	<-ctx.Done()
	cause := context.Cause(ctx)
	if sigCtx.Err() != nil {
		cause = nil
	}
	logg.Infow("shutting down [order-router]...", "cause", cause)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if app != nil {
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logg.Warnw("fiber.shutdown_failed", "error", err)
		}
	}

	// in-flight jobs run to completion before their dependencies close
	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logg.Warn("workers did not finish before shutdown deadline")
	}

	if err := bus.Close(); err != nil {
		logg.Warnw("bus.close_failed", "error", err)
	}
	if err := q.Close(); err != nil {
		logg.Warnw("queue.close_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			logg.Warnw("nats.drain_failed", "error", err)
		}
	}
	if rdb != nil {
		if err := rdb.Close(); err != nil {
			logg.Warnw("redis.close_failed", "error", err)
		}
	}
	if cause != nil {
		logger.Sync()
		os.Exit(1)
	}
}
