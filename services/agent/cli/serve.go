package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ramiqadoumi/go-bgrunner/internal/host"
	"github.com/ramiqadoumi/go-bgrunner/internal/kafka"
	"github.com/ramiqadoumi/go-bgrunner/internal/notify"
	"github.com/ramiqadoumi/go-bgrunner/internal/outbox"
	"github.com/ramiqadoumi/go-bgrunner/internal/postgres"
	"github.com/ramiqadoumi/go-bgrunner/internal/recurring"
	redisstore "github.com/ramiqadoumi/go-bgrunner/internal/redis"
	"github.com/ramiqadoumi/go-bgrunner/internal/senders"
	"github.com/ramiqadoumi/go-bgrunner/internal/session"
	"github.com/ramiqadoumi/go-bgrunner/internal/transition"
	"github.com/ramiqadoumi/go-bgrunner/internal/version"
	"github.com/ramiqadoumi/go-bgrunner/pkg/retry"
	"github.com/ramiqadoumi/go-bgrunner/pkg/telemetry"
	"github.com/ramiqadoumi/go-bgrunner/services/agent"
	"github.com/ramiqadoumi/go-bgrunner/services/agent/config"
	"github.com/ramiqadoumi/go-bgrunner/services/agent/handler"
	"github.com/ramiqadoumi/go-bgrunner/services/agent/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent: coordinators, reference host, REST and gRPC servers",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-port", "8080", "HTTP server port")
	f.String("grpc-port", "9090", "gRPC health server port")
	f.String("metrics-addr", ":9095", "Prometheus metrics server address")
	f.String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	f.String("redis-addr", "localhost:6379", "Redis address (host:port)")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.String("lifecycle-topic", kafka.TopicLifecycle, "Kafka topic carrying app lifecycle events; empty disables the consumer")
	f.String("lifecycle-group", "bgrunner-agent", "Kafka consumer group for lifecycle events")
	f.String("relay-topic", kafka.TopicRelay, "default Kafka topic for relay items")
	f.Duration("budget-duration", 30*time.Second, "background time granted per sojourn")
	f.Int("budgets-per-minute", 6, "background budgets the host grants per minute (0 = unlimited)")
	f.Duration("host-window", 30*time.Second, "execution window per recurring grant")
	f.Duration("host-poll-interval", 15*time.Second, "how often the host checks for due requests")
	f.Int("grants-per-hour", 12, "recurring grants the host allows per hour (0 = unlimited)")
	f.Bool("network-available", true, "report network connectivity to the host")
	f.Bool("external-power", false, "report external power to the host")
	f.Duration("expiry-grace", 2*time.Second, "wait for the executor after expiry before releasing")
	f.String("task-identifier", recurring.DefaultIdentifier, "stable identifier of the recurring task")
	f.String("refresh-schedule", "@every 15m", "cron spec for the earliest begin of recurring requests; empty = as soon as possible")
	f.Duration("session-poll-interval", 500*time.Millisecond, "tick while a grant waits for a session")
	f.Bool("requires-network", true, "recurring requests require network connectivity")
	f.Bool("requires-power", false, "recurring requests require external power")
	f.Int("batch-size", 100, "pending items loaded per executor run")
	f.Duration("send-timeout", 10*time.Second, "timeout for one send attempt")
	f.Int("send-attempts", 3, "send attempts per item within one run")
	f.Int("notice-limit", 1, "unsent-items notices allowed per window (0 = unlimited)")
	f.Duration("notice-window", time.Hour, "unsent-items notice rate limit window")
	f.Duration("notice-delay", time.Second, "delay before a notice is shown")
	f.String("smtp-host", "localhost", "SMTP server host")
	f.Int("smtp-port", 1025, "SMTP server port")
	f.String("smtp-from", "noreply@bgrunner.dev", "SMTP sender address")
	f.String("smtp-username", "", "SMTP auth username")
	f.String("smtp-password", "", "SMTP auth password or app password")

	for _, name := range []string{
		"http-port", "grpc-port", "metrics-addr", "kafka-brokers", "redis-addr", "otel-endpoint",
		"lifecycle-topic", "lifecycle-group", "relay-topic",
		"budget-duration", "budgets-per-minute", "host-window", "host-poll-interval", "grants-per-hour",
		"network-available", "external-power",
		"expiry-grace", "task-identifier", "refresh-schedule", "session-poll-interval",
		"requires-network", "requires-power",
		"batch-size", "send-timeout", "send-attempts",
		"notice-limit", "notice-window", "notice-delay",
		"smtp-host", "smtp-port", "smtp-from", "smtp-username", "smtp-password",
	} {
		bindFlag(strings.ReplaceAll(name, "-", "_"), f, name)
	}
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, serviceName)
	telemetry.RecordBuildInfo(version.Version, version.GitCommit)

	shutdownTracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.Version,
		Endpoint:       cfg.OTelEndpoint,
	})
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── storage ───────────────────────────────────────────────────────────────
	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	// ── collaborators ─────────────────────────────────────────────────────────
	registry := senders.NewRegistry(
		senders.NewEmailSender(senders.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}),
		senders.NewWebhookSender(cfg.SendTimeout),
		senders.NewRelaySender(producer, cfg.RelayTopic),
	)

	readiness := session.NewBroadcaster()

	executor := outbox.NewExecutor(repo, registry, readiness,
		outbox.WithLogger(logger.With(slog.String("component", "executor"))),
		outbox.WithBatchSize(cfg.BatchSize),
		outbox.WithSendTimeout(cfg.SendTimeout),
		outbox.WithRetry(retry.Config{
			MaxAttempts: cfg.SendAttempts,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
		}),
	)

	noticeOpts := []notify.Option{
		notify.WithLogger(logger.With(slog.String("component", "notifier"))),
		notify.WithPendingCounter(repo),
		notify.WithDelay(cfg.NoticeDelay),
	}
	if cfg.NoticeLimit > 0 {
		noticeOpts = append(noticeOpts, notify.WithRateLimiter(
			redisstore.NewRateLimiter(redisClient, cfg.NoticeLimit, cfg.NoticeWindow)))
	}
	notifier := notify.NewNotifier(producer, noticeOpts...)

	// ── reference host ────────────────────────────────────────────────────────
	budgets := host.NewBudgets(cfg.BudgetDuration,
		host.WithBudgetLogger(logger.With(slog.String("component", "host.budgets"))),
		host.WithBudgetLimiter(perPeriod(cfg.BudgetsPerMinute, time.Minute)),
	)
	dispatcher := host.NewDispatcher(redisstore.NewPendingStore(redisClient),
		host.WithDispatchLogger(logger.With(slog.String("component", "host.dispatcher"))),
		host.WithWindow(cfg.HostWindow),
		host.WithPollInterval(cfg.HostPollInterval),
		host.WithGrantLimiter(perPeriod(cfg.GrantsPerHour, time.Hour)),
		host.WithConditions(func() host.Conditions {
			return host.Conditions{NetworkAvailable: cfg.NetworkAvailable, OnExternalPower: cfg.ExternalPower}
		}),
	)

	// ── coordinators ──────────────────────────────────────────────────────────
	coordinator := transition.NewCoordinator(budgets, executor, notifier,
		transition.WithLogger(logger.With(slog.String("component", "transition"))),
		transition.WithExpiryGrace(cfg.ExpiryGrace),
	)

	schedOpts := []recurring.Option{
		recurring.WithLogger(logger.With(slog.String("component", "recurring"))),
		recurring.WithIdentifier(cfg.TaskIdentifier),
		recurring.WithExpiryGrace(cfg.ExpiryGrace),
		recurring.WithSessionPollInterval(cfg.SessionPollInterval),
		recurring.WithRequirements(cfg.RequiresNetwork, cfg.RequiresPower),
	}
	if cfg.RefreshSchedule != "" {
		sched, err := recurring.ParseSchedule(cfg.RefreshSchedule)
		if err != nil {
			return err
		}
		schedOpts = append(schedOpts, recurring.WithSchedule(sched))
	}
	scheduler := recurring.NewScheduler(dispatcher, executor, readiness, schedOpts...)
	if err := scheduler.Register(); err != nil {
		return fmt.Errorf("register recurring task: %w", err)
	}

	agentOpts := []agent.Option{agent.WithLogger(logger.With(slog.String("component", "agent")))}
	if cfg.LifecycleTopic != "" {
		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:    brokers,
			Topic:      cfg.LifecycleTopic,
			GroupID:    cfg.LifecycleGroup,
			FromLatest: true,
		}, logger)
		defer func() { _ = consumer.Close() }()
		agentOpts = append(agentOpts, agent.WithConsumer(consumer))
	}
	ag := agent.New(coordinator, scheduler, readiness, agentOpts...)

	// ── HTTP server ───────────────────────────────────────────────────────────
	restHandler := handler.NewREST(ag, repo, scheduler, registry.Kinds(), logger)
	restHandler.AddReadyCheck("postgres", pool.Ping)
	restHandler.AddReadyCheck("redis", redisstore.Ping(redisClient))

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20))
	restHandler.Routes(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── gRPC server ───────────────────────────────────────────────────────────
	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	grpcLis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, pool.Ping, logger)

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(runCtx)
	}()

	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		if err := ag.Run(runCtx); err != nil {
			logger.Error("lifecycle consumer stopped", slog.String("error", err.Error()))
		}
	}()

	// Keep one recurring request pending from startup on.
	scheduler.Submit(runCtx)

	go func() {
		logger.Info("agent HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	go func() {
		logger.Info("agent gRPC starting", slog.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			logger.Error("gRPC server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	<-quit
	logger.Info("shutting down...")
	healthSrv.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	grpcSrv.GracefulStop()

	// Stop new grants and events, then let in-flight runs resolve so every
	// budget and task is released before the process exits.
	runCancel()
	<-agentDone
	if err := scheduler.Shutdown(shutCtx); err != nil {
		logger.Error("recurring shutdown", slog.String("error", err.Error()))
	}
	<-dispatcherDone
	waitOrTimeout(shutCtx, coordinator.Wait, logger)

	if n := budgets.Outstanding(); n > 0 {
		logger.Warn("budgets still outstanding at exit", slog.Int("count", n))
	}
	logger.Info("stopped")
	return nil
}

// perPeriod returns a limiter allowing n events per period with a burst of n,
// or nil for n <= 0.
func perPeriod(n int, period time.Duration) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(period/time.Duration(n)), n)
}

func waitOrTimeout(ctx context.Context, wait func(), logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("background sojourn still running at shutdown")
	}
}
