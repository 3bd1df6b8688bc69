package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/intelsync/connectivity"
	"github.com/hazyhaar/intelsync/intelsync"
	"github.com/hazyhaar/intelsync/wallet"
)

func newRouteCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage connectivity routes (where ledger calls go)",
	}

	var config string
	set := &cobra.Command{
		Use:   "set <service> <local|http|noop> [endpoint]",
		Short: "Add or replace a route; a running server picks it up",
		Args:  cobra.RangeArgs(2, 3),
	}
	set.Flags().StringVar(&config, "config", "{}", `transport config, e.g. {"timeout_ms":5000}`)
	set.RunE = g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
		if !json.Valid([]byte(config)) {
			return fmt.Errorf("--config is not valid JSON")
		}
		var endpoint string
		if len(args) == 3 {
			endpoint = args[2]
		}
		switch args[1] {
		case connectivity.StrategyLocal, connectivity.StrategyHTTP, connectivity.StrategyNoop:
		default:
			return fmt.Errorf("unknown strategy %q", args[1])
		}
		if args[1] == connectivity.StrategyHTTP && endpoint == "" {
			return fmt.Errorf("http routes need an endpoint")
		}
		return connectivity.NewAdmin(eng.DB()).UpsertRoute(ctx, args[0], args[1], endpoint, json.RawMessage(config))
	})

	cmd.AddCommand(set,
		&cobra.Command{
			Use:   "list",
			Short: "List routes",
			Args:  cobra.NoArgs,
			RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
				routes, err := connectivity.NewAdmin(eng.DB()).ListRoutes(ctx)
				if err != nil {
					return err
				}
				return printJSON(routes)
			}),
		},
		&cobra.Command{
			Use:   "delete <service>",
			Short: "Remove a route",
			Args:  cobra.ExactArgs(1),
			RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, args []string) error {
				return connectivity.NewAdmin(eng.DB()).DeleteRoute(ctx, args[0])
			}),
		},
	)
	return cmd
}

func newKeygenCmd(g *globals) *cobra.Command {
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key into an encrypted keystore",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&out, "out", "", "keystore path (default wallet.keystore from config)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing keystore")
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := g.config()
		if err != nil {
			return err
		}
		if out == "" {
			out = cfg.Wallet.Keystore
		}
		if out == "" {
			return fmt.Errorf("no keystore path: pass --out or set wallet.keystore")
		}
		if _, err := os.Stat(out); err == nil && !force {
			return fmt.Errorf("%s exists (use --force)", out)
		}
		env := passphraseEnv(cfg)
		passphrase := os.Getenv(env)
		if passphrase == "" {
			return fmt.Errorf("%s is empty", env)
		}
		kp, err := wallet.Generate()
		if err != nil {
			return err
		}
		if err := wallet.SaveKeystore(out, kp, []byte(passphrase)); err != nil {
			return err
		}
		g.logger.Info("intelsync: keystore written", "path", out)
		return printJSON(map[string]string{"publicKey": kp.PublicKey(), "keystore": out})
	}
	return cmd
}
