package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tascord/embedder/internal/browser"
	"github.com/tascord/embedder/internal/service"
)

type downloadFlags struct {
	selector string
	xpath    string
	attr     string
	override string
	output   string
}

func (f downloadFlags) request(url string) (service.DownloadRequest, error) {
	if f.selector != "" && f.xpath != "" {
		return service.DownloadRequest{}, usageErr("--selector and --xpath are mutually exclusive")
	}
	if f.selector == "" && f.xpath == "" && f.override == "" {
		return service.DownloadRequest{}, usageErr("one of --selector, --xpath or --override is required")
	}
	loc := browser.CSS(f.selector)
	if f.xpath != "" {
		loc = browser.XPath(f.xpath)
	}
	return service.DownloadRequest{URL: url, Locator: loc, Attr: f.attr, Override: f.override}, nil
}

func newDownloadCommand(v *viper.Viper) *cobra.Command {
	var flags downloadFlags

	cmd := &cobra.Command{
		Use:   "download <url>",
		Short: "Download the file an element on a page links to",
		Long: `Download opens the page in a disposable browser session, reads the link
from the first element matching --selector (or --xpath) and fetches it with
the session's cookies. --override skips the element and uses the given link.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args[0])
			if err != nil {
				return err
			}
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

			body, err := rt.svc.Download(ctx, req)
			if err != nil {
				return err
			}

			if flags.output == "" || flags.output == "-" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(flags.output, body, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", flags.output, err)
			}
			logger.Info("Downloaded", "url", args[0], "bytes", len(body), "output", flags.output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&flags.selector, "selector", "s", "", "CSS selector of the link element")
	cmd.Flags().StringVar(&flags.xpath, "xpath", "", "XPath of the link element")
	cmd.Flags().StringVarP(&flags.attr, "attr", "a", "href", "attribute holding the link")
	cmd.Flags().StringVar(&flags.override, "override", "", "link to use instead of reading an element")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "output file (default stdout)")
	return cmd
}
