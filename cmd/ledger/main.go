// Command ledger runs the account ledger against a Meltica gateway session.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/meltica-ledger/internal/app/ledger"
	"github.com/coachpo/meltica-ledger/internal/infra/config"
	"github.com/coachpo/meltica-ledger/internal/infra/relay"
	"github.com/coachpo/meltica-ledger/internal/infra/router"
	httpserver "github.com/coachpo/meltica-ledger/internal/infra/server/http"
	"github.com/coachpo/meltica-ledger/internal/infra/session"
	"github.com/coachpo/meltica-ledger/internal/infra/subscription"
	"github.com/coachpo/meltica-ledger/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	ledgerLoggerPrefix           = "ledger "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	componentShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLedgerLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, gateway=%s, relay=%t",
		appCfg.Environment, appCfg.Session.URL, appCfg.Relay.Enabled)

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	var lifecycle conc.WaitGroup

	sess := newSession(ctx, appCfg.Session, logger)
	correlator := session.NewCorrelator(sess, appCfg.Session.RequestTimeout, logger)
	detachCorrelator := correlator.Attach(sess)
	frames := router.New(correlator, logger)
	detachRouter := frames.Attach(sess)
	registry := subscription.New(sess, frames, logger)

	led := ledger.New(ctx, correlator, ledgerOptions(appCfg.Ledger, logger))
	if err := led.Bind(registry, sess); err != nil {
		logger.Fatalf("bind ledger: %v", err)
	}

	var fanout *relay.Relay
	if appCfg.Relay.Enabled {
		fanout, err = startRelay(ctx, appCfg.Relay, registry, led, logger)
		if err != nil {
			logger.Fatalf("initialise relay: %v", err)
		}
		logger.Printf("relay publishing to %s with prefix %q, topics=%d",
			appCfg.Relay.RedisURL, appCfg.Relay.ChannelPrefix, len(appCfg.Relay.Topics))
	}

	apiServer := buildAPIServer(appCfg, led, sess, correlator, registry, logger)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	sess.Connect()
	logger.Printf("connecting to gateway %s", appCfg.Session.URL)

	logger.Print("ledger started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		components: []component{
			{name: "closing relay", close: closeRelay(fanout)},
			{name: "closing ledger", close: func() error { led.Close(); return nil }},
			{name: "closing subscriptions", close: func() error { registry.Close(); return nil }},
			{name: "detaching router", close: func() error { detachRouter(); return nil }},
			{name: "closing request correlator", close: func() error {
				detachCorrelator()
				correlator.Close()
				return nil
			}},
			{name: "closing gateway session", close: func() error { sess.Close(); return nil }},
		},
		telemetry: telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLedgerLogger() *log.Logger {
	return log.New(os.Stdout, ledgerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

func newSession(ctx context.Context, cfg config.SessionConfig, logger *log.Logger) *session.Session {
	return session.New(ctx, session.Options{
		URL:            cfg.URL,
		Dialer:         session.WebsocketDialer{ReadLimit: cfg.ReadLimit, HTTPHeader: nil},
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		DialTimeout:    cfg.DialTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PingInterval:   cfg.PingInterval,
		WriteRate:      cfg.WriteRate,
		Logger:         logger,
	})
}

func ledgerOptions(cfg config.LedgerConfig, logger *log.Logger) ledger.Options {
	return ledger.Options{
		HistoryLimit:    cfg.HistoryLimit,
		FillLimit:       cfg.FillLimit,
		NoticeLimit:     cfg.NoticeLimit,
		RefreshDebounce: cfg.RefreshDebounce,
		RefreshAttempts: cfg.RefreshAttempts,
		RefreshBackoff:  0,
		RefreshTimeout:  cfg.RefreshTimeout,
		Logger:          logger,
		Clock:           nil,
	}
}

func startRelay(ctx context.Context, cfg config.RelayConfig, registry *subscription.Registry, led *ledger.Ledger, logger *log.Logger) (*relay.Relay, error) {
	publisher, err := relay.NewRedisPublisher(ctx, cfg.RedisURL, 0)
	if err != nil {
		return nil, err
	}
	topics := make([]relay.Topic, 0, len(cfg.Topics))
	for _, topic := range cfg.Topics {
		topics = append(topics, relay.Topic{Channel: topic.Channel, Key: topic.Key})
	}
	fanout := relay.New(ctx, publisher, relay.Options{
		Prefix:         cfg.ChannelPrefix,
		Topics:         topics,
		QueueSize:      0,
		PublishTimeout: 0,
		Logger:         logger,
	})
	if err := fanout.Start(registry); err != nil {
		_ = fanout.Close()
		return nil, err
	}
	led.OnChange(func(state *ledger.State) {
		fanout.PublishState(state.Version, state.View())
	})
	return fanout, nil
}

func closeRelay(fanout *relay.Relay) func() error {
	return func() error {
		if fanout == nil {
			return nil
		}
		return fanout.Close()
	}
}

func buildAPIServer(cfg config.AppConfig, led *ledger.Ledger, sess *session.Session, correlator *session.Correlator, registry *subscription.Registry, logger *log.Logger) *http.Server {
	handler := httpserver.NewHandler(httpserver.Deps{
		Environment: cfg.Environment,
		Ledger:      led,
		Gateway:     sess,
		Requests:    correlator,
		Interests:   registry,
		Logger:      logger,
	})

	return &http.Server{
		Addr:                         cfg.APIServer.Addr,
		Handler:                      handler,
		DisableGeneralOptionsHandler: false,
		TLSConfig:                    nil,
		ReadTimeout:                  0,
		WriteTimeout:                 0,
		IdleTimeout:                  0,
		MaxHeaderBytes:               0,
		TLSNextProto:                 nil,
		ConnState:                    nil,
		ErrorLog:                     nil,
		BaseContext:                  nil,
		ConnContext:                  nil,
		HTTP2:                        nil,
		Protocols:                    nil,
		ReadHeaderTimeout:            controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

// component is closed in declaration order once the lifecycle goroutines are done.
type component struct {
	name  string
	close func() error
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	components []component
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, func() error { cfg.lifecycle.Wait(); return nil })
		})
	}

	for _, c := range cfg.components {
		if c.close == nil {
			continue
		}
		shutdownStep(c.name, componentShutdownTimeout, func(stepCtx context.Context) error {
			return waitDone(stepCtx, c.close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

// waitDone runs fn in the background and gives up when ctx expires.
func waitDone(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for shutdown: %w", ctx.Err())
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}

	return filepath.Clean(defaultConfigPath)
}
