// Command intelsync drives the offline report sync engine.
//
// Usage:
//
//	intelsync -c intelsync.yaml report create --title "Roadblock" --lat 48.85 --lon 2.35 --submit
//	intelsync -c intelsync.yaml sync
//	intelsync -c intelsync.yaml serve
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/intelsync/intelsync"
	"github.com/hazyhaar/intelsync/wallet"

	_ "modernc.org/sqlite"
)

type globals struct {
	configPath string
	dbPath     string
	keystore   string
	logLevel   string
	logger     *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("intelsync: fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "intelsync",
		Short:         "Offline-first intelligence report sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			g.logger = newLogger(g.logLevel)
			slog.SetDefault(g.logger)
		},
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to intelsync.yaml")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "local database path (overrides config)")
	root.PersistentFlags().StringVar(&g.keystore, "keystore", "", "signing keystore (overrides config)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newReportCmd(g),
		newResolveCmd(g),
		newRevertCmd(g),
		newRetryCmd(g),
		newSyncCmd(g),
		newStatsCmd(g),
		newStatusCmd(g),
		newSettingsCmd(g),
		newClearCmd(g),
		newRouteCmd(g),
		newKeygenCmd(g),
		newServeCmd(g),
		newMCPCmd(g),
	)
	return root
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func (g *globals) config() (*intelsync.Config, error) {
	cfg := &intelsync.Config{}
	if g.configPath != "" {
		var err error
		if cfg, err = intelsync.LoadConfigFile(g.configPath); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if g.dbPath != "" {
		cfg.DBPath = g.dbPath
	}
	if g.keystore != "" {
		cfg.Wallet.Keystore = g.keystore
	}
	return cfg, nil
}

// open builds an engine with the configured signer. A missing keystore is
// not an error here; operations that sign report it.
func (g *globals) open() (*intelsync.Engine, *intelsync.Config, error) {
	cfg, err := g.config()
	if err != nil {
		return nil, nil, err
	}
	var opts []intelsync.Option
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, nil, err
	}
	if signer != nil {
		opts = append(opts, intelsync.WithSigner(signer))
	}
	eng, err := intelsync.New(cfg, g.logger, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("init: %w", err)
	}
	return eng, cfg, nil
}

func loadSigner(cfg *intelsync.Config) (*wallet.Keypair, error) {
	if cfg.Wallet.Keystore == "" {
		return nil, nil
	}
	if _, err := os.Stat(cfg.Wallet.Keystore); os.IsNotExist(err) {
		slog.Warn("intelsync: keystore not found, signing disabled", "path", cfg.Wallet.Keystore)
		return nil, nil
	}
	kp, err := wallet.LoadKeystore(cfg.Wallet.Keystore, []byte(os.Getenv(passphraseEnv(cfg))))
	if err != nil {
		return nil, fmt.Errorf("keystore: %w", err)
	}
	return kp, nil
}

func passphraseEnv(cfg *intelsync.Config) string {
	if cfg.Wallet.PassphraseEnv != "" {
		return cfg.Wallet.PassphraseEnv
	}
	return intelsync.DefaultPassphraseEnv
}

// withEngine opens the engine for the duration of fn.
func (g *globals) withEngine(fn func(ctx context.Context, eng *intelsync.Engine, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		eng, _, err := g.open()
		if err != nil {
			return err
		}
		defer eng.Close()
		return fn(cmd.Context(), eng, args)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
