// Command corralog is the agent binary. It loads a YAML configuration file,
// starts the pipeline (watch set, checkpoint store, readers, batcher,
// sender, resource governor), exposes a local diagnostics/control HTTP
// surface, and shuts down gracefully on SIGTERM or SIGINT. SIGHUP requests a
// config swap in place.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corralog/agent/internal/config"
	"github.com/corralog/agent/internal/diag"
	"github.com/corralog/agent/internal/pipeline"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const (
	exitOK                = 0
	exitForced            = 1
	exitEnvironmentFailed = 3
	exitInvalidConfig     = 4
	exitSignalSetupFailed = 5
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/corralog/config.yaml", "path to the agent YAML configuration file")
	showVersion := flag.Bool("version", false, "print the agent version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("corralog %s\n", version)
		return exitOK
	}

	if v := os.Getenv("AGENT_CONFIG_PATH"); v != "" {
		*configPath = v
	}

	gen, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "corralog: invalid configuration: %v\n", err)
		return exitInvalidConfig
	}

	logger := newLogger(gen.Global.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("diag_addr", gen.Global.DiagAddr),
		slog.Int("sources", len(gen.Sources)),
		slog.Int("destinations", len(gen.Destinations)),
	)

	pubKey, err := loadControlPublicKey(os.Getenv("AGENT_CONTROL_PUBLIC_KEY"))
	if err != nil {
		logger.Error("failed to load control public key", slog.Any("error", err))
		return exitEnvironmentFailed
	}

	ctrl := pipeline.New(pipeline.Config{
		ConfigPath:    *configPath,
		Logger:        logger,
		UserID:        os.Getenv("AGENT_USER_ID"),
		UserDefinedID: os.Getenv("AGENT_USER_DEFINED_ID"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("failed to start pipeline", slog.Any("error", err))
		return exitEnvironmentFailed
	}

	diagSrv := diag.New(diag.Config{
		Addr:       gen.Global.DiagAddr,
		PublicKey:  pubKey,
		Health:     ctrl.Health,
		Controller: ctrl,
	})

	diagDone := make(chan error, 1)
	go func() {
		logger.Info("diagnostics server listening", slog.String("addr", gen.Global.DiagAddr))
		diagDone <- diagSrv.ListenAndServe(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	if err := installSignalHandlers(sigCh); err != nil {
		logger.Error("failed to install signal handlers", slog.Any("error", err))
		return exitSignalSetupFailed
	}

	forced := false
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, swapping configuration")
				if err := ctrl.ForceConfigSwap(context.Background()); err != nil {
					logger.Error("config swap failed, continuing with current generation", slog.Any("error", err))
				}
				continue
			default:
				logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			}
		case err := <-diagDone:
			if err != nil {
				logger.Error("diagnostics server exited unexpectedly", slog.Any("error", err))
			}
		}
		break
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), pipeline.DefaultExitBudget+5*time.Second)
	defer stopCancel()

	stopDone := make(chan error, 1)
	go func() { stopDone <- ctrl.Stop(stopCtx) }()

	select {
	case err := <-stopDone:
		if err != nil {
			logger.Error("pipeline shutdown reported an error", slog.Any("error", err))
			forced = true
		}
	case <-stopCtx.Done():
		logger.Warn("pipeline shutdown exceeded its deadline, exiting anyway")
		forced = true
	}

	if forced {
		return exitForced
	}
	logger.Info("corralog exited cleanly")
	return exitOK
}

// installSignalHandlers wires sigCh to the signals corralog responds to.
// signal.Notify panics only when given a nil channel, which main's single
// call site never passes; the recover turns such a panic into an error so it
// maps to the documented exit code instead of a crash.
func installSignalHandlers(sigCh chan os.Signal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("signal.Notify panicked: %v", r)
		}
	}()
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	return nil
}

// loadControlPublicKey parses an RSA public key in PEM format from path, if
// set. An empty path leaves the diagnostics /control routes unauthenticated,
// suitable for a loopback-only diag_addr.
func loadControlPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read control public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("control public key: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse control public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("control public key: expected RSA, got %T", pub)
	}
	return rsaPub, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
