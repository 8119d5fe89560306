package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/proveit-io/anylog-bridge/internal/bridge"
	"github.com/proveit-io/anylog-bridge/internal/cache"
	"github.com/proveit-io/anylog-bridge/internal/httpapi"
	"github.com/proveit-io/anylog-bridge/internal/mcp"
)

// shutdownGrace bounds how long in-flight HTTP requests get on shutdown.
const shutdownGrace = 10 * time.Second

func newServeCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP gateway server",
		Long: "serve runs the cached, deduplicating gateway: HTTP requests become\n" +
			"jobs, one worker drains them through a rate-limited MCP subprocess,\n" +
			"and results are cached per freshness class.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), rt)
		},
	}
}

func runServe(ctx context.Context, rt *runtime) error {
	cfg := rt.cfg

	client := mcp.NewClient(mcp.Config{
		ProxyPath:        cfg.MCP.ProxyPath,
		ServerURL:        cfg.MCP.ServerURL,
		HandshakeTimeout: cfg.MCP.HandshakeTimeout,
	}, rt.logger)

	gw := bridge.New(bridge.Config{
		CallDelay:   cfg.MCP.CallDelay,
		CallTimeout: cfg.MCP.CallTimeout,
		ErrorTTL:    cfg.MCP.ErrorTTL,
		SnapshotTTL: cfg.MCP.MetadataTTL,
	}, client, cache.New(), rt.logger)

	api := httpapi.NewAPI(httpapi.Config{
		MetadataTTL:  cfg.MCP.MetadataTTL,
		DataTTL:      cfg.MCP.DataTTL,
		WaitTimeout:  cfg.MCP.WaitTimeout,
		DefaultDBMS:  cfg.Query.DefaultDBMS,
		DefaultHours: cfg.Query.DefaultHours,
	}, gw, httpapi.NewMetrics(), rt.logger)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.Start()
	defer gw.Stop()

	logger.Info().
		Str("addr", srv.Addr).
		Str("mcp_proxy", cfg.MCP.ProxyPath).
		Dur("call_delay", cfg.MCP.CallDelay).
		Msg("gateway listening")

	return serveUntilSignal(ctx, srv)
}

// serveUntilSignal runs srv until ctx is done or a termination signal
// arrives, then drains connections within the grace period.
func serveUntilSignal(ctx context.Context, srv *http.Server) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
