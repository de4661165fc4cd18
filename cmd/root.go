// Package cmd defines and implements the CLI commands for the booth-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/booth-crawler/internal/config"
	"github.com/JakeFAU/booth-crawler/internal/crawler"
	"github.com/JakeFAU/booth-crawler/internal/dedup"
	"github.com/JakeFAU/booth-crawler/internal/server"
)

var cfgFile string

// ctxKey namespaces values the root command stores for subcommands.
type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"

	// needsApp marks commands that require the full dependency graph.
	needsApp = "needs-app"
)

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Logger() *zap.Logger
	RunDedupPass(ctx context.Context, radiusMeters float64) (dedup.PassResult, error)
	StaleJobs(ctx context.Context, window time.Duration) ([]crawler.CrawlJob, error)
	Entity(ctx context.Context, id string) (crawler.CanonicalEntity, error)
	QualityThreshold() int
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "booth-crawler",
		Short: "Crawls photo booth directories and keeps a deduplicated booth catalogue.",
		Long: `booth-crawler schedules crawls of booth directory sites, ingests provider
callbacks, extracts booth candidates and merges them into a canonical,
deduplicated catalogue with quality scores.`,
		SilenceUsage: true,

		// Runs after flags are parsed but before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, &cfg)
			if _, ok := cmd.Annotations[needsApp]; ok {
				appInstance, err := newApp(ctx, &cfg)
				if err != nil {
					return fmt.Errorf("failed to initialize application services: %w", err)
				}
				ctx = context.WithValue(ctx, appKey, appInstance)
			}
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML/JSON/TOML); env vars prefixed "+config.EnvPrefix+"_ override it")

	cmd.AddCommand(
		newServeCmd(),
		newDedupCmd(),
		newStaleCmd(),
		newScoreCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// withApp runs fn against the application and closes it afterwards, for
// one-shot commands.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app App) error) error {
	ctx := cmd.Context()
	appInstance, err := resolveApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if cerr := appInstance.Close(closeCtx); cerr != nil {
			appInstance.Logger().Warn("application close failed", zap.Error(cerr))
		}
	}()
	return fn(ctx, appInstance)
}
