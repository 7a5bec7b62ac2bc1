package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/docg1701/iam-dashboard/internal/app"
	"github.com/docg1701/iam-dashboard/internal/config"
	"github.com/docg1701/iam-dashboard/internal/observability"
	"github.com/docg1701/iam-dashboard/internal/store"
	"github.com/docg1701/iam-dashboard/internal/tools/common"
	"github.com/docg1701/iam-dashboard/internal/tools/loadgen"
	"github.com/docg1701/iam-dashboard/internal/tools/obscheck"
)

func main() {
	root := &cobra.Command{
		Use:   "iam-dashboard",
		Short: "Token, session and admission control service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return common.LoadEnvFile(".env")
		},
	}
	root.AddCommand(newServeCommand(), newMigrateCommand(), newLoadgenCommand(), obscheck.NewRootCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply credential store migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Context())
			if err != nil {
				return err
			}
			logger, _, err := observability.InitLogging(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			db, err := store.NewDatabase(cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
			if err != nil {
				return err
			}
			if err := store.Migrate(db); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func newLoadgenCommand() *cobra.Command {
	var (
		baseURL     string
		profile     string
		duration    time.Duration
		rps         int
		concurrency int
		seed        int64
		ci          bool
	)
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Generate traffic against a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), duration+30*time.Second)
			defer cancel()
			result, err := loadgen.Run(ctx, loadgen.Config{
				BaseURL:     baseURL,
				Profile:     profile,
				Duration:    duration,
				RPS:         rps,
				Concurrency: concurrency,
				Seed:        seed,
			})
			if result == nil {
				result = &loadgen.Result{}
			}
			if ci {
				details := []string{fmt.Sprintf("total=%d failures=%d classes=%v", result.TotalRequests, result.Failures, result.StatusClasses)}
				common.PrintCIResult(err == nil, "loadgen", details, err)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("total=%d failures=%d classes=%v\n", result.TotalRequests, result.Failures, result.StatusClasses)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "API base URL")
	cmd.Flags().StringVar(&profile, "profile", "mixed", "traffic profile: mixed or auth")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "run duration")
	cmd.Flags().IntVar(&rps, "rps", 20, "requests per second")
	cmd.Flags().IntVar(&concurrency, "concurrency", 6, "concurrent workers")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	cmd.Flags().BoolVar(&ci, "ci", false, "machine-readable output")
	return cmd
}
