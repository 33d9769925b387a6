package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/demardefrozen10/SENSE/internal/dotenv"
	"github.com/demardefrozen10/SENSE/internal/logging"
	"github.com/demardefrozen10/SENSE/pkg/gateway/config"
	gatewayserver "github.com/demardefrozen10/SENSE/pkg/gateway/server"
)

type hubDeps struct {
	loadConfig    func() (config.Config, error)
	newComponents func(context.Context, config.Config, *slog.Logger) (*components, error)
	newGateway    func(config.Config, *slog.Logger, gatewayserver.Deps) *gatewayserver.Server
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultHubDeps() hubDeps {
	return hubDeps{
		loadConfig:    config.LoadFromEnv,
		newComponents: newComponents,
		newGateway:    gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildHTTPServer leaves ReadTimeout unset: websocket connections are long
// lived and police themselves with pings.
func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runHub(ctx context.Context, stderr io.Writer, deps hubDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newComponents == nil || deps.newGateway == nil {
		return errors.New("missing component dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.New(stderr, logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	comps, err := deps.newComponents(bgCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	defer comps.close()

	bgErrCh := make(chan error, 1)
	go func() { bgErrCh <- comps.run(bgCtx) }()

	gw := deps.newGateway(cfg, logger, comps.deps())
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting hub",
		"addr", cfg.Addr,
		"gemini_enabled", cfg.GeminiConfigured(),
		"camera_url", cfg.CameraURL,
		"serial_port", cfg.SerialPort,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case err := <-bgErrCh:
		_ = httpSrv.Close()
		return fmt.Errorf("background loop: %w", err)
	case <-ctx.Done():
		_ = httpSrv.Close()
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	gw.WarnLiveSessionsDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		n := gw.CancelLiveSessions()
		logger.Warn("canceled live connections after grace period", "count", n)
	}

	bgCancel()
	if err := <-bgErrCh; err != nil {
		logger.Warn("background loop ended with error", "error", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("hub stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps hubDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "sense-hub: %v\n", err)
		return 1
	}

	if err := runHub(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "sense-hub: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultHubDeps()))
}
