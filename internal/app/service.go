package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"dispatch/internal/cache"
	"dispatch/internal/clock"
	"dispatch/internal/config"
	"dispatch/internal/dispatchqueue"
	"dispatch/internal/domain"
	"dispatch/internal/formats"
	"dispatch/internal/incidents"
	"dispatch/internal/ingest"
	"dispatch/internal/logging"
	"dispatch/internal/middleware"
	"dispatch/internal/observe"
	"dispatch/internal/publish"
	"dispatch/internal/ratelimit"
	"dispatch/internal/registry"
)

const shutdownTimeout = 10 * time.Second

// Service owns the full alert dispatch runtime for one process.
// Params: built via NewService.
// Returns: run with Run, which blocks until shutdown completes.
type Service struct {
	cfg      config.Config
	clk      clock.Clock
	logger   *slog.Logger
	closeLog func()

	registry     *registry.Registry
	payloadCache *cache.Cache
	idCache      *cache.Cache
	publisher    *publish.Publisher
	dispatcher   *Dispatcher
	producer     dispatchqueue.Producer
	worker       dispatchqueue.Worker

	httpSrv   *http.Server
	readyFlag atomic.Bool
}

// NewService loads configuration and wires every runtime component.
// Params: configuration source from CLI flags and time source.
// Returns: ready-to-run service or initialization error; partially built
// resources are released before the error is returned.
func NewService(source config.Source, clk clock.Clock) (*Service, error) {
	cfg, err := config.Load(source)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	service := &Service{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		closeLog: closeLog,
	}

	if err := service.buildFormatting(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildPublisher(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildQueueRuntime(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.buildHTTPServer()

	logger.Info("service initialized",
		"mode", cfg.Service.Mode,
		"targets", len(cfg.Targets),
		"queue_enabled", cfg.Queue.Enabled,
		"http_ingest", cfg.Ingest.HTTP.Enabled)
	return service, nil
}

// buildFormatting creates the format registry, payload cache, and pipeline.
// Params: none; reads format settings from loaded config.
// Returns: error when any pipeline piece rejects its settings.
func (s *Service) buildFormatting() error {
	reg := registry.New(s.logger)
	if err := formats.RegisterBuiltins(reg, s.clk.Now); err != nil {
		return fmt.Errorf("register built-in formats: %w", err)
	}
	s.registry = reg

	formatCfg := s.cfg.Format
	payloadCache, err := cache.New(
		formatCfg.CacheCapacity,
		time.Duration(formatCfg.SweepIntervalSec)*time.Second,
		s.clk.Now,
	)
	if err != nil {
		return fmt.Errorf("build payload cache: %w", err)
	}
	s.payloadCache = payloadCache
	return nil
}

// buildPublisher assembles the formatting handler chain and the publisher.
// Params: none; reads format, incidents, and telegram settings.
// Returns: error when a limiter, cache, or publisher rejects its settings.
func (s *Service) buildPublisher() error {
	formatCfg := s.cfg.Format
	formatBucket, err := ratelimit.NewTokenBucket(formatCfg.Burst, formatCfg.RatePerSec, s.clk.Now)
	if err != nil {
		return fmt.Errorf("build format rate limiter: %w", err)
	}

	chain := middleware.NewChain(
		middleware.Validation(),
		middleware.Caching(s.payloadCache, time.Duration(formatCfg.CacheTTLSec)*time.Second, s.logger),
		middleware.Tracing(observe.NopTracer{}),
		middleware.Metrics(observe.NopRecorder{}),
		middleware.RateLimit(formatBucket),
	)
	handler := chain.Then(func(ctx context.Context, alert *domain.EnrichedAlert, formatID string) (domain.FormattedPayload, error) {
		fn, err := s.registry.Get(formatID)
		if err != nil {
			return domain.FormattedPayload{}, err
		}
		return fn(ctx, alert)
	})

	incidentsCfg := s.cfg.Incidents
	idCache, err := cache.New(incidentsCfg.IDCacheSize, time.Minute, s.clk.Now)
	if err != nil {
		return fmt.Errorf("build incident id cache: %w", err)
	}
	s.idCache = idCache

	apiBucket, err := ratelimit.NewTokenBucket(incidentsCfg.Burst, incidentsCfg.RatePerMin/60, s.clk.Now)
	if err != nil {
		return fmt.Errorf("build incidents rate limiter: %w", err)
	}

	factory := func(target domain.PublishingTarget) (publish.IncidentAPI, error) {
		return incidents.NewClient(incidents.Options{
			BaseURL:     target.URL,
			APIKey:      target.APIKey,
			Timeout:     time.Duration(incidentsCfg.TimeoutSec) * time.Second,
			MaxRetries:  incidentsCfg.MaxRetries,
			BaseBackoff: time.Duration(incidentsCfg.BaseBackoffMS) * time.Millisecond,
			MaxBackoff:  time.Duration(incidentsCfg.MaxBackoffMS) * time.Millisecond,
		}, apiBucket, s.logger)
	}

	announcers := map[string]publish.Announcer{}
	if hasTargetOfType(s.cfg.Targets, domain.TargetTypeTelegram) {
		announcers[domain.TargetTypeTelegram] = publish.NewTelegramAnnouncer(publish.TelegramConfig{
			BotToken: s.cfg.Telegram.BotToken,
			ChatID:   s.cfg.Telegram.ChatID,
			APIBase:  s.cfg.Telegram.APIBase,
		})
	}

	publisher, err := publish.NewPublisher(publish.Options{
		Handler:    handler,
		IDCache:    idCache,
		Factory:    factory,
		Announcers: announcers,
		Logger:     s.logger,
		IDTTL:      time.Duration(incidentsCfg.IDTTLHours) * time.Hour,
		Now:        s.clk.Now,
	})
	if err != nil {
		return fmt.Errorf("build publisher: %w", err)
	}
	s.publisher = publisher
	return nil
}

// buildQueueRuntime wires the dispatcher to its delivery queue.
// Params: none; single mode uses the in-process queue, nats mode JetStream.
// Returns: queue construction or connection error.
func (s *Service) buildQueueRuntime() error {
	s.dispatcher = NewDispatcher(s.publisher, s.cfg.Targets, nil, s.logger, s.clk.Now)

	if s.cfg.Service.Mode == config.ServiceModeSingle {
		queue, err := dispatchqueue.NewMemoryQueue(dispatchqueue.MemoryOptions{
			Workers:     s.cfg.Queue.Workers,
			MaxAttempts: s.cfg.Incidents.MaxRetries + 1,
			Logger:      s.logger,
		}, s.dispatcher.Handle)
		if err != nil {
			return fmt.Errorf("build in-process queue: %w", err)
		}
		s.producer = queue
		s.dispatcher.producer = queue
		return nil
	}

	producer, err := dispatchqueue.NewNATSProducer(s.cfg.Queue)
	if err != nil {
		return fmt.Errorf("build queue producer: %w", err)
	}
	s.producer = producer
	s.dispatcher.producer = producer

	worker, err := dispatchqueue.NewNATSWorker(s.cfg.Queue, s.logger, s.dispatcher.Handle)
	if err != nil {
		return fmt.Errorf("build queue worker: %w", err)
	}
	s.worker = worker
	return nil
}

// buildHTTPServer registers health, readiness, and ingest endpoints.
// Params: none; reads HTTP ingest settings from loaded config.
// Returns: nothing; leaves httpSrv nil when HTTP ingest is disabled.
func (s *Service) buildHTTPServer() {
	httpCfg := s.cfg.Ingest.HTTP
	if !httpCfg.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(w http.ResponseWriter, _ *http.Request) {
		if s.readyFlag.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not-ready"))
	})
	mux.Handle(httpCfg.AlertsPath, ingest.NewHTTPHandler(s.dispatcher, httpCfg.MaxBodyBytes))

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Run starts the service and blocks until shutdown completes.
// Params: context whose cancellation triggers graceful shutdown.
// Returns: first runtime or shutdown error; SIGINT and SIGTERM also stop it.
func (s *Service) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server listening", "addr", s.httpSrv.Addr)
			if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	s.readyFlag.Store(true)
	s.logger.Info("service running", "mode", s.cfg.Service.Mode)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case err := <-errChan:
		s.logger.Error("runtime failure, shutting down", "error", err)
		runErr = err
	case sig := <-sigChan:
		s.logger.Info("signal received, shutting down", "signal", sig.String())
	}

	if err := s.shutdown(); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			s.logger.Error("shutdown after runtime failure also failed", "error", err)
		}
	}
	return runErr
}

// shutdown releases every component in dependency order.
// Params: none.
// Returns: first error seen while closing; all components are still closed.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)

	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		markErr(s.httpSrv.Shutdown(ctx))
		cancel()
	}
	if s.worker != nil {
		markErr(s.worker.Close())
	}
	if s.producer != nil {
		markErr(s.producer.Close())
	}
	if s.payloadCache != nil {
		markErr(s.payloadCache.Close())
	}
	if s.idCache != nil {
		markErr(s.idCache.Close())
	}

	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources releases resources built before an init failure.
// Params: none.
// Returns: nothing; close errors are logged, not propagated.
func (s *Service) cleanupInitResources() {
	if s.worker != nil {
		if err := s.worker.Close(); err != nil {
			s.logger.Error("close queue worker during init cleanup", "error", err)
		}
	}
	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logger.Error("close queue producer during init cleanup", "error", err)
		}
	}
	if s.payloadCache != nil {
		if err := s.payloadCache.Close(); err != nil {
			s.logger.Error("close payload cache during init cleanup", "error", err)
		}
	}
	if s.idCache != nil {
		if err := s.idCache.Close(); err != nil {
			s.logger.Error("close incident id cache during init cleanup", "error", err)
		}
	}
	if s.closeLog != nil {
		s.closeLog()
	}
}

// hasTargetOfType reports whether any enabled target carries the given type.
// Params: target list and vendor type.
// Returns: true when at least one enabled target matches.
func hasTargetOfType(targets []domain.PublishingTarget, targetType string) bool {
	for _, target := range targets {
		if target.Enabled && target.Type == targetType {
			return true
		}
	}
	return false
}
