// Command simplebusd runs the SimpleBus daemon: an embedded durable message
// bus behind a small HTTP/websocket surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/simplebus/bus"
	"github.com/coachpo/simplebus/config"
	"github.com/coachpo/simplebus/internal/observability"
	"github.com/coachpo/simplebus/internal/server"
	"github.com/coachpo/simplebus/lib/telemetry"
)

const (
	defaultConfigPath = "config/simplebus.yaml"
	daemonLoggerPrefix = "simplebusd "

	shutdownTimeout          = 30 * time.Second
	serverShutdownTimeout    = 5 * time.Second
	busShutdownTimeout       = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	cfgPath, listenOverride, debug := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newDaemonLogger()
	observability.SetLogger(observability.NewStdLogger(logger, debug))

	appCfg, loadedFromFile, err := config.LoadOrDefault(resolveConfigPath(cfgPath))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	if listenOverride != "" {
		appCfg.Server.Addr = listenOverride
	}
	logger.Printf("configuration initialised: env=%s, data_dir=%s, durability=%s",
		appCfg.Environment, appCfg.Bus.DataDir, appCfg.Bus.Durability.Mode)

	_, telemetryShutdown, err := telemetry.Init(ctx, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if appCfg.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s", appCfg.Telemetry.OTLPEndpoint)
	} else {
		logger.Printf("telemetry disabled")
	}

	engine, err := bus.Open(appCfg.Bus)
	if err != nil {
		logger.Fatalf("open bus: %v", err)
	}
	logger.Printf("bus opened: topics=%d", len(engine.Topics()))

	apiServer := buildAPIServer(appCfg.Server, engine)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
		}
	})
	logger.Printf("listening on %s", apiServer.Addr)

	logger.Print("daemon started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            apiServer,
		engine:            engine,
		lifecycle:         &lifecycle,
		telemetryShutdown: telemetryShutdown,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() (cfgPath, listen string, debug bool) {
	cfgFlag := flag.String("config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	listenFlag := flag.String("listen", "", "Listen address override (default from config)")
	debugFlag := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	return *cfgFlag, *listenFlag, *debugFlag
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newDaemonLogger() *log.Logger {
	return log.New(os.Stdout, daemonLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("SIMPLEBUS_CONFIG"); env != "" {
		return env
	}
	return defaultConfigPath
}

func buildAPIServer(cfg config.ServerConfig, engine *bus.Bus) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewHandler(engine, cfg),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

type gracefulShutdownConfig struct {
	server            *http.Server
	engine            *bus.Bus
	lifecycle         *conc.WaitGroup
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	var stepErrs []error
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			stepErrs = append(stepErrs, fmt.Errorf("%s: %w", name, err))
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", serverShutdownTimeout, cfg.server.Shutdown)
	}
	if cfg.engine != nil {
		shutdownStep("closing bus", busShutdownTimeout, cfg.engine.Shutdown)
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", serverShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}
	if cfg.telemetryShutdown != nil {
		shutdownStep("flushing telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}

	if err := observability.AggregateErrors("graceful shutdown", stepErrs); err != nil {
		logger.Printf("shutdown finished with errors: %v", err)
	}
}
