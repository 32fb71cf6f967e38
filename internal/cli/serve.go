package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tascord/embedder/internal/server"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the fetch worker and the orphan reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := NewLogger(os.Stdout, cfg.Log.Level, cfg.Log.Format)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			deps, err := server.InitDeps(ctx, cfg, logger)
			if err != nil {
				logger.Error("Failed to initialise dependencies", "error", err)
				return err
			}
			defer deps.Close()

			srv, err := server.NewServer(cfg, deps)
			if err != nil {
				return err
			}
			return srv.Start(ctx)
		},
	}

	cmd.Flags().String("addr", "", "API listen address")
	_ = v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	cmd.Flags().Int("concurrency", 0, "fetch worker concurrency")
	_ = v.BindPFlag("worker.concurrency", cmd.Flags().Lookup("concurrency"))
	return cmd
}
