package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"stockledger/backend/internal/backup"
	"stockledger/backend/internal/cache"
	"stockledger/backend/internal/config"
	"stockledger/backend/internal/domain"
	"stockledger/backend/internal/lock"
	"stockledger/backend/internal/logging"
	"stockledger/backend/internal/service"
	"stockledger/backend/internal/store"
	"stockledger/backend/internal/store/memory"
	pgstore "stockledger/backend/internal/store/postgres"
)

var version = "0.1.0"

// cli carries what every subcommand needs once the environment is loaded.
type cli struct {
	envFile string
	cfg     config.Config
	logger  *logrus.Logger
}

func newRootCmd() *cobra.Command {
	app := &cli{}
	root := &cobra.Command{
		Use:   "ledgerctl",
		Short: "Operate the stock ledger from the command line",
		Long: `ledgerctl runs purchase and inventory imports, backups and schema
migrations against the stock ledger store.

The store is PostgreSQL when DATABASE_URL is set. Without it every command
runs against a fresh in-memory store, which makes "import" a dry run.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var paths []string
			if app.envFile != "" {
				paths = append(paths, app.envFile)
			}
			if err := config.LoadDotEnv(paths...); err != nil {
				return err
			}
			app.cfg = config.Load()
			app.logger = logging.New(logging.Options{
				Level:  app.cfg.LogLevel,
				Format: app.cfg.LogFormat,
				Output: cmd.ErrOrStderr(),
			})
			return nil
		},
	}
	root.PersistentFlags().StringVar(&app.envFile, "env-file", "", "dotenv file to load before reading the environment (default .env)")

	root.AddCommand(app.importCmd(), app.backupCmd(), app.migrateCmd())
	return root
}

func (app *cli) importCmd() *cobra.Command {
	var owner, status, kind string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a purchase or inventory workbook (.xlsx or .csv)",
		Example: `  # Import purchases as unpaid for the owner "shop1"
  ledgerctl import purchases.xlsx --owner shop1

  # Import an inventory count
  ledgerctl import stock.csv --owner shop1 --kind inventory`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner = strings.ToLower(strings.TrimSpace(owner))
			if owner == "" {
				return errors.New("--owner is required")
			}

			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			ctx := cmd.Context()
			repo, closeRepo, err := app.openRepo(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			svc := service.New(repo, service.Options{
				Locker:        app.locker(ctx),
				Logger:        app.logger,
				PhoneRegion:   app.cfg.PhoneRegion,
				ImportLockTTL: app.cfg.ImportLockTTL(),
			})
			ctx = service.WithActor(ctx, domain.Actor{Username: owner, Role: domain.RoleUser})

			var result any
			switch strings.ToLower(kind) {
			case "purchases":
				result, err = svc.ImportPurchases(ctx, filepath.Base(args[0]), file, status)
			case "inventory":
				result, err = svc.ImportInventory(ctx, filepath.Base(args[0]), file)
			default:
				return fmt.Errorf("unknown --kind %q, expected purchases or inventory", kind)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "username that owns the imported records")
	cmd.Flags().StringVar(&status, "status", string(domain.PaymentDue), "payment status for imported purchases (Due or Paid)")
	cmd.Flags().StringVar(&kind, "kind", "purchases", "workbook kind: purchases or inventory")
	return cmd
}

func (app *cli) backupCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Write the inventory, vendor and purchase workbooks now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = app.cfg.BackupDir
			}
			ctx := cmd.Context()
			repo, closeRepo, err := app.openRepo(ctx)
			if err != nil {
				return err
			}
			defer closeRepo()

			report, err := backup.NewJob(repo, app.locker(ctx), dir, app.cfg.BackupHour, app.logger).RunOnce(ctx)
			if errors.Is(err, lock.ErrNotObtained) {
				return errors.New("another backup is already running")
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default BACKUP_DIR)")
	return cmd
}

func (app *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if app.cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required for migrate")
			}
			pg, err := pgstore.New(cmd.Context(), app.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
			return nil
		},
	}
}

func (app *cli) openRepo(ctx context.Context) (store.Repository, func() error, error) {
	if app.cfg.DatabaseURL == "" {
		app.logger.Warn("DATABASE_URL is not set, using a throwaway in-memory store")
		return memory.New(), func() error { return nil }, nil
	}
	pg, err := pgstore.New(ctx, app.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if app.cfg.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
	}
	return pg, pg.Close, nil
}

// locker shares the server's Redis locks when REDIS_ADDR is set, so a CLI
// import or backup never overlaps one started over HTTP.
func (app *cli) locker(ctx context.Context) lock.Locker {
	if app.cfg.RedisAddr == "" {
		return lock.NewLocal()
	}
	client := cache.NewRedisClient(app.cfg.RedisAddr, app.cfg.RedisPassword, app.cfg.RedisDB)
	if err := client.Ping(ctx).Err(); err != nil {
		app.logger.WithError(err).Warn("redis unavailable, using process-local locks")
		_ = client.Close()
		return lock.NewLocal()
	}
	return lock.NewRedisLocker(client)
}

func printJSON(cmd *cobra.Command, v any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
