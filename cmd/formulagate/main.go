// Command formulagate serves POST /process_formula/ behind bearer-token
// introspection and a per-IP rate limit.
//
// Configuration comes from the environment (and an optional .env file) unless
// -config points at a JSON or Lua file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/keksclan/formulagate/authn"
	"github.com/keksclan/formulagate/formula"
	"github.com/keksclan/formulagate/formulaconfig"
	"github.com/keksclan/formulagate/internal/metrics"
	"github.com/keksclan/formulagate/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "JSON or Lua config file; the environment is used when empty")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("formulagate stopped", "error", err)
		os.Exit(1)
	}
}

func loaderFor(path string) (formulaconfig.Loader, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case "":
		if path == "" {
			return formulaconfig.FromEnv(), nil
		}
	case ".json":
		return formulaconfig.FromJSONFile(path), nil
	case ".lua":
		return formulaconfig.FromLuaFile(path), nil
	}
	return nil, fmt.Errorf("unsupported config file %q (want .json or .lua)", path)
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, err := loaderFor(configPath)
	if err != nil {
		return err
	}
	cfg, err := loader.Load(ctx)
	if err != nil {
		return err
	}

	log, err := cfg.Log.NewLogger(os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	ac, err := cfg.AuthnConfig(ctx)
	if err != nil {
		return err
	}

	authOpts := []authn.Option{authn.WithLogger(log)}
	appOpts := []formula.Option{formula.WithLogger(log)}
	if cfg.Metrics.Enabled {
		mc := metrics.New()
		authOpts = append(authOpts, authn.WithMetrics(mc))
		appOpts = append(appOpts, formula.WithMetrics(mc))
	}

	auth, err := authn.New(ac, authOpts...)
	if err != nil {
		return err
	}

	st, err := storage.New(ctx, cfg.StorageConfig())
	if err != nil {
		return fmt.Errorf("rate limit storage: %w", err)
	}
	if st != nil {
		defer func() { _ = st.Close() }()
		appOpts = append(appOpts, formula.WithStorage(st))
	}

	app, err := formula.NewApp(cfg.AppConfig(), auth, appOpts...)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- app.Listen(cfg.Server.ListenAddr) }()

	log.Info("formulagate listening",
		"addr", cfg.Server.ListenAddr,
		"introspection_endpoint", auth.Endpoint(),
		"client_auth", cfg.Introspection.ClientAuthMethod,
		"rate_limit_max", cfg.RateLimit.Max,
		"rate_limit_window", cfg.RateLimit.Window,
		"rate_limit_storage", cfg.RateLimit.Storage,
		"metrics", cfg.Metrics.Enabled,
	)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	if err := app.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
