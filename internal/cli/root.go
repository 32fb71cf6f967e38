// Package cli holds the embedder command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tascord/embedder/internal/config"
	"github.com/tascord/embedder/internal/orchestrator"
	"github.com/tascord/embedder/internal/server"
	"github.com/tascord/embedder/internal/service"
)

// NewRootCommand builds the command tree around its own viper instance.
func NewRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "embedder",
		Short: "Disposable headless-browser sessions for page metadata and downloads",
		Long: `embedder launches throwaway browser containers to read Open Graph
metadata from rendered pages and to download files linked from them.

Run "embedder serve" for the HTTP API and job worker, or use the one-shot
fetch and download commands.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}
			return nil
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "config file (yaml, toml or json)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	_ = v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(newServeCommand(v))
	root.AddCommand(newFetchCommand(v))
	root.AddCommand(newDownloadCommand(v))
	return root
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	return cfg, nil
}

// NewLogger builds the process logger; format is "json" or "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// oneShot is the in-process service the fetch and download commands use:
// no queue, no event bus.
type oneShot struct {
	svc   *service.Service
	orch  *orchestrator.Orchestrator
	close func()
}

func newOneShot(cfg *config.Config, logger *slog.Logger) (*oneShot, error) {
	var rdb redis.Cmdable
	closeFn := func() {}
	if cfg.Lock.Kind == "redis" {
		c := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rdb = c
		closeFn = func() { c.Close() }
	}

	orch, err := server.NewOrchestrator(cfg, nil, rdb, logger)
	if err != nil {
		closeFn()
		return nil, err
	}
	svc := service.NewService(orch, server.NewStaticFetcher(cfg.Fetch, logger), nil, nil, logger)
	return &oneShot{svc: svc, orch: orch, close: closeFn}, nil
}

// shutdown tears down whatever sessions an interrupted command left.
func (o *oneShot) shutdown(logger *slog.Logger) {
	if err := o.orch.Shutdown(context.Background()); err != nil {
		logger.Warn("Session shutdown error", "error", err)
	}
	o.close()
}

func usageErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", service.ErrInvalidRequest, fmt.Sprintf(format, args...))
}
