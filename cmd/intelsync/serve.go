package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/intelsync/intelsync"
	"github.com/hazyhaar/intelsync/shield"
)

const version = "0.1.0"

func newServeCmd(g *globals) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and autosync worker",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		eng, cfg, err := g.open()
		if err != nil {
			return err
		}
		defer eng.Close()
		if listen != "" {
			cfg.Listen = listen
		}

		if err := shield.Init(eng.DB()); err != nil {
			return fmt.Errorf("shield init: %w", err)
		}
		rl := shield.NewRateLimiter(map[string]shield.RateLimitConfig{
			"POST /sync": {MaxRequests: 30, WindowSeconds: 60, Enabled: true},
		}, g.logger)
		if err := rl.LoadRules(ctx, eng.DB()); err != nil {
			return err
		}

		mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "intelsync", Version: version}, nil)
		eng.RegisterMCP(mcpSrv)

		r := chi.NewRouter()
		r.Mount("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
		r.Mount("/", eng.Handler(rl))

		return serve(ctx, g, eng, cfg, r)
	}
	return cmd
}

func serve(ctx context.Context, g *globals, eng *intelsync.Engine, cfg *intelsync.Config, h http.Handler) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln = netutil.LimitListener(ln, cfg.MaxConns)

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("intelsync: listening", "addr", ln.Addr().String(), "max_conns", cfg.MaxConns)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		eng.Start(ctx)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		g.logger.Info("intelsync: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func newMCPCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: g.withEngine(func(ctx context.Context, eng *intelsync.Engine, _ []string) error {
			srv := mcp.NewServer(&mcp.Implementation{Name: "intelsync", Version: version}, nil)
			eng.RegisterMCP(srv)
			return srv.Run(ctx, &mcp.StdioTransport{})
		}),
	}
}
