package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"w3bauth.org/internal/config"
	"w3bauth.org/internal/migrate"
	"w3bauth.org/internal/obs"
)

var (
	dsn     string
	dir     string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Apply the consent schema to PostgreSQL",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dsn == "" {
			return fmt.Errorf("missing DSN: provide via --dsn or SIWE_DB_DSN")
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
	logger, err := obs.NewLogger(config.LogConfig{Level: "info", Format: "console"})
	if err == nil {
		defer obs.SetLogger(logger)()
	}

	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("SIWE_DB_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().StringVar(&dir, "dir", "ops/migrations", "Directory holding sql/ and seeds/")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")

	rootCmd.AddCommand(
		listCommand("up", "Apply pending migrations", (*migrate.Manager).Up),
		listCommand("seed", "Apply pending seed files", (*migrate.Manager).Seed),
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
					name, err := m.Down(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), name)
					return nil
				})
			},
		},
		listCommand("status", "List applied migrations", (*migrate.Manager).Status),
	)

	if err := rootCmd.Execute(); err != nil {
		obs.Logger().Error("migrate failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func listCommand(use, short string, op func(*migrate.Manager, context.Context) ([]string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd.Context(), func(ctx context.Context, m *migrate.Manager) error {
				names, err := op(m, ctx)
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}
}

func withManager(parent context.Context, fn func(context.Context, *migrate.Manager) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	return fn(ctx, migrate.NewManager(db, os.DirFS(dir)))
}
