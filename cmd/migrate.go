package cmd

import (
	"context"
	"fmt"

	"github.com/husam-hammami/hercules-sfms-sub001/internal/core"
	"github.com/husam-hammami/hercules-sfms-sub001/internal/infrastructure"
	"github.com/spf13/cobra"
)

var migrateSeedDemo bool

// migrateCmd represents the migrate command.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long:  `Applies all pending database migrations to ensure the schema is up to date.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrations()
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateSeedDemo, "seed-demo", false, "seed a demo tenant activation code after migrating")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrations() error {
	logger.Info("Running database migrations...")

	// Connect to database
	db, err := infrastructure.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	// Auto-migrate all models
	logger.Info("Migrating models...")

	models := []interface{}{
		&core.ActivationCode{},
		&core.Gateway{},
		&core.Command{},
	}

	for _, model := range models {
		if err := db.DB.AutoMigrate(model); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", model, err)
		}
		logger.Infof("Migrated %T", model)
	}

	if migrateSeedDemo {
		if err := seedDemoCode(db); err != nil {
			logger.WithError(err).Warn("Failed to seed demo activation code")
		}
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

// seedDemoCode creates one pending demo code so a fresh install can be
// exercised end to end without an operator minting codes first.
func seedDemoCode(db *infrastructure.Database) error {
	var count int64
	if err := db.DB.Model(&core.ActivationCode{}).Where("demo = ?", true).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	repo := core.NewRepository(db.DB)
	tokens := core.NewTokenService([]byte(cfg.Token.Secret), cfg.Token.Lifetime, cfg.Token.RefreshGrace)
	limiter := core.NewMemoryRateLimiter(cfg.Activation.RateLimitWindow, cfg.Activation.RateLimitAttempts)
	activation := core.NewActivationService(repo, limiter, tokens, logger, cfg.Activation.CodeValidity)

	code, err := activation.CreateCode(context.Background(), 1, 0, true)
	if err != nil {
		return err
	}
	logger.WithField("code", code.Code).Info("Seeded demo activation code")
	return nil
}
