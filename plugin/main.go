package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Command returns the plugin's command line: the hub starts every plugin
// with "--port <port>". Unknown flags are left for the plugin's own use.
func (r *Runtime) Command() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:           r.name,
		Short:         fmt.Sprintf("%s/%s plugin", r.publisher, r.name),
		SilenceUsage:  true,
		SilenceErrors: true,
		FParseErrWhitelist: cobra.FParseErrWhitelist{
			UnknownFlags: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port <= 0 {
				return fmt.Errorf("--port is required")
			}
			return r.Serve(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "loopback port to serve the plugin service on")
	return cmd
}

// Main runs the plugin until it is interrupted and exits the process.
func Main(r *Runtime) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Command().ExecuteContext(ctx); err != nil {
		slog.Error("plugin exited", "publisher", r.publisher, "plugin", r.name, "error", err)
		os.Exit(1)
	}
}
