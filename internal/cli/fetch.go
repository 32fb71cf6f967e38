package cli

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tascord/embedder/internal/job"
)

func newFetchCommand(v *viper.Viper) *cobra.Command {
	var render bool

	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Print the metadata of a page as JSON",
		Long: `Fetch reads the title, Open Graph type, description, image, authors and
theme colour of a page. With --render the page is loaded in a disposable
browser container first so script-generated tags are seen.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger := NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, "text")

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt, err := newOneShot(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.shutdown(logger)

			mode := job.ModeStatic
			if render {
				mode = job.ModeRendered
			}
			data, err := rt.svc.Fetch(ctx, args[0], mode)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		},
	}

	cmd.Flags().BoolVarP(&render, "render", "r", false, "load the page in a browser session")
	return cmd
}
