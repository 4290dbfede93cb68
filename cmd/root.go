// Package cmd defines and implements the CLI commands for the feedcache executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/app"
	"github.com/JakeFAU/feedcache/internal/config"
	"github.com/JakeFAU/feedcache/internal/ingest"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// standaloneAnnotation marks commands that run without application services.
const standaloneAnnotation = "standalone"

// App defines the application interface that commands will use.
type App interface {
	Close() error
	Logger() *zap.Logger
	Config() config.Config
	Service() *ingest.Service
	Handler() http.Handler
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(a.Logger())
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "feedcache",
		Short: "Aggregates RSS/Atom feeds into paginated per-user category caches.",
		Long: `feedcache reads one source document per user from the feeds directory,
fetches every listed RSS/Atom feed and writes one JSON page file per
(user, category) to the pages directory. An optional headline plugin scrapes
portal homepages, extracts headlines with a language model and merges them
ahead of the regular feed items.`,
		SilenceUsage: true,

		// Builds the application and stores it in the context for subcommands.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[standaloneAnnotation] == "true" {
				return nil
			}
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(); err != nil {
					return fmt.Errorf("close application: %w", err)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newHeadlinesCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "feedcache:", err)
		os.Exit(1)
	}
}
