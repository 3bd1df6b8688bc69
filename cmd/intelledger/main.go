// Command intelledger runs the reference report ledger over HTTP.
//
// Usage:
//
//	intelledger -config ledger.yaml
//	intelledger -db ledger.db -listen :8470
//	intelledger -db ledger.db -list      # print live records and exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/intelsync/ledger"
	"github.com/hazyhaar/intelsync/shield"

	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to ledger.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database")
	listen := flag.String("listen", "", "listen address")
	list := flag.Bool("list", false, "print live records and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *listen, *list); err != nil {
		logger.Error("intelledger: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, listen string, list bool) error {
	cfg := &ledger.Config{}
	if configPath != "" {
		var err error
		if cfg, err = ledger.LoadConfigFile(configPath); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if listen != "" {
		cfg.Listen = listen
	}

	l, err := ledger.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer l.Close()

	if list {
		records, err := l.List(ctx, ledger.ListRequest{})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if err := shield.Init(l.DB()); err != nil {
		return fmt.Errorf("shield init: %w", err)
	}
	rl := shield.NewRateLimiter(map[string]shield.RateLimitConfig{
		"POST /rpc/" + ledger.ServiceSubmit: {MaxRequests: 120, WindowSeconds: 60, Enabled: true},
	}, logger)
	if err := rl.LoadRules(ctx, l.DB()); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConns)
	srv := &http.Server{Handler: l.Handler(rl), ReadHeaderTimeout: 10 * time.Second}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info("intelledger: listening", "addr", ln.Addr().String(), "db", cfg.DBPath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("intelledger: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
