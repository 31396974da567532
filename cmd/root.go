// Package cmd defines and implements the CLI commands for the xhs crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/KANgetuL/xiaohongshu/internal/app"
	"github.com/KANgetuL/xiaohongshu/internal/config"
	"github.com/KANgetuL/xiaohongshu/internal/logging"
)

// offlineAnnotation marks commands that need config and a logger but no
// storage, index or publishing backends.
const offlineAnnotation = "offline"

type ctxKey int

const (
	appKey ctxKey = iota
	runtimeKey
)

// runtime is what every command gets: the loaded config and the logger.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
}

// newApp is the application factory. It's a variable so tests can inject
// a fake browser.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile  string
	logLevel string
	headless bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "xhs",
		Short: "Collects food-delivery comic notes from xiaohongshu.",
		Long: `xhs drives one logged-in browser session through keyword searches on
xiaohongshu, opens every candidate note, keeps the relevant ones with enough
images and stores images, metadata and annotations for each.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("headless") {
				cfg.Chrome.Headless = opts.headless
			}
			if opts.logLevel != "" {
				cfg.Logging.Level = opts.logLevel
			}
			if err := applyFlagOverrides(cmd.Flags(), &cfg); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), runtimeKey, runtime{cfg: cfg, logger: logger})

			if cmd.Annotations[offlineAnnotation] != "true" {
				appInstance, err := newApp(ctx, cfg, logger)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(*app.App); ok && appInstance != nil {
				if err := appInstance.Close(); err != nil {
					appInstance.Logger().Warn("Shutdown finished with errors", zap.Error(err))
				}
				return
			}
			if rt, ok := cmd.Context().Value(runtimeKey).(runtime); ok && rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML); env vars use the CRAWLER_ prefix")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.headless, "headless", false, "run Chrome without a window")

	cmd.AddCommand(newCrawlCmd(), newLoginCmd(), newParseCmd())
	return cmd
}

// applyFlagOverrides copies the crawl flags a command defines onto cfg and
// validates the result again.
func applyFlagOverrides(flags *pflag.FlagSet, cfg *config.Config) error {
	changed := false
	if f := flags.Lookup("keyword"); f != nil && f.Changed && f.Value.Type() == "stringArray" {
		keywords, err := flags.GetStringArray("keyword")
		if err != nil {
			return fmt.Errorf("read --keyword: %w", err)
		}
		cfg.Crawler.Keywords = keywords
		changed = true
	}
	if f := flags.Lookup("max-notes"); f != nil && f.Changed {
		n, err := flags.GetInt("max-notes")
		if err != nil {
			return fmt.Errorf("read --max-notes: %w", err)
		}
		cfg.Crawler.MaxNotes = n
		changed = true
	}
	if f := flags.Lookup("storage"); f != nil && f.Changed {
		cfg.Storage.Backend = f.Value.String()
		changed = true
	}
	if !changed {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveRuntime(ctx context.Context) (runtime, error) {
	rt, ok := ctx.Value(runtimeKey).(runtime)
	if !ok || rt.logger == nil {
		return runtime{}, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so a crawl stops between pages and still writes its report.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
