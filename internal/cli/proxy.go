package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/proveit-io/anylog-bridge/internal/anylog"
	"github.com/proveit-io/anylog-bridge/internal/restproxy"
)

func newProxyCmd(rt *runtime) *cobra.Command {
	var node string
	var listen string

	cmd := &cobra.Command{
		Use:   "rest-proxy",
		Short: "Run the legacy REST proxy against one AnyLog node",
		Long: "rest-proxy serves the direct dashboard API: every request becomes one\n" +
			"synchronous header-protocol call against the configured AnyLog node,\n" +
			"with no queue or cache in between.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProxy(cmd.Context(), rt, node, listen)
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "AnyLog node address host:port (default from config)")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address host:port (default from config)")
	return cmd
}

func runProxy(ctx context.Context, rt *runtime, node, listen string) error {
	cfg := rt.cfg
	if node == "" {
		node = cfg.AnyLog.NodeAddr()
	}
	if listen == "" {
		listen = cfg.HTTP.Addr()
	}

	client := anylog.NewClient(node, cfg.AnyLog.Timeout, rt.logger)
	proxy := restproxy.New(client, cfg.AnyLog.Timeout, rt.logger)

	srv := &http.Server{
		Addr:              listen,
		Handler:           proxy.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("addr", listen).
		Str("node", node).
		Dur("timeout", cfg.AnyLog.Timeout).
		Msg("rest proxy listening")

	return serveUntilSignal(ctx, srv)
}
