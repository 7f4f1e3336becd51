package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/md-rashed-zaman/bookinggate/libs/auth"
	"github.com/md-rashed-zaman/bookinggate/libs/httpx"
	otelx "github.com/md-rashed-zaman/bookinggate/libs/otel"
	"github.com/md-rashed-zaman/bookinggate/libs/runtime"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/admission"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/handlers"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/lifecycle"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/metrics"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/settings"
	"github.com/md-rashed-zaman/bookinggate/services/booking-service/internal/traffic"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	maxBodyBytes   = 1 << 20
	requestTimeout = 30 * time.Second
)

func main() {
	cfg, err := settings.Load()
	if err != nil {
		runtime.NewLogger("booking-service", "info").Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := runtime.NewLogger(cfg.Service, cfg.LogLevel)

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	store, checks, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("store init failed", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	counter, counterChecks, closeCounter, err := openCounter(cfg)
	if err != nil {
		logger.Error("rate limit backend init failed", "err", err)
		os.Exit(1)
	}
	defer closeCounter()
	checks = append(checks, counterChecks...)

	m := metrics.New()
	policies := policy.NewStore(store, cfg.DefaultPolicy, logger)
	engine := availability.NewEngine(store)
	ctrl := admission.NewController(store, policies, engine, m, logger, admission.Config{
		MaxAttempts:  cfg.AdmissionMaxAttempts,
		RetryBackoff: cfg.AdmissionRetryBackoff,
	})
	svc := lifecycle.NewService(store, m, logger)
	limiter := traffic.NewLimiter(counter, traffic.Config{
		Limits:         cfg.Limits,
		FailOpen:       cfg.RateLimitFailOpen,
		TrustForwarded: cfg.TrustForwarded,
	}, m, logger)

	writer := outbox.NewKafkaWriter(cfg.KafkaBrokers)
	var sink outbox.Sink
	if writer != nil {
		sink = writer
		defer func() { _ = writer.Close() }()
		checks = append(checks, kafkaCheck(cfg.KafkaBrokers))
	}
	relay := outbox.NewRelay(store, sink, logger, outbox.RelayConfig{PollEvery: cfg.RelayPollEvery})

	mux := runtime.NewBaseMux(m.Handler(), checks...)
	handlers.Register(mux,
		handlers.NewBookingHandler(ctrl, engine, svc, logger),
		handlers.NewAppointmentHandler(svc, logger),
		handlers.NewAdminHandler(policies, store, logger),
	)

	// Identity must resolve before the limiter so authenticated traffic is
	// keyed by user rather than by IP. Rejected credentials pass through
	// anonymously and are throttled as guests; RequireRole answers the 401.
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithTimeout(requestTimeout),
		httpx.WithBodyLimit(maxBodyBytes),
		auth.Middleware(auth.MiddlewareConfig{Secret: cfg.JWTSecret, TrustGatewayHeaders: cfg.TrustGatewayHeaders}),
		limiter.Middleware(),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", "addr", srv.Addr, "rate_limit_backend", cfg.RateLimitBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("booking service stopped with error", "err", err)
		os.Exit(1)
	}
	logger.Info("http server stopped")
}
