// File: database/postgres.go

package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/nsvirk/ibstreamapi/config"
	"github.com/nsvirk/ibstreamapi/shared/zaplogger"
)

// ConnectPostgres connects to the optional Postgres database used for the
// contract cache and service event logs. Returns (nil, nil) when no DSN is
// configured; callers run cache-less.
func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PostgresDsn == "" {
		zaplogger.Info("Postgres not configured, contract cache and event log disabled")
		return nil, nil
	}

	zaplogger.Info(config.SingleLine)
	zaplogger.Info("Initializing Postgres")

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: cfg.PostgresSchema + ".",
		},
	}

	db, err := gorm.Open(postgres.Open(cfg.PostgresDsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := db.Exec("CREATE SCHEMA IF NOT EXISTS " + cfg.PostgresSchema).Error; err != nil {
		return nil, fmt.Errorf("failed to create schema %s: %w", cfg.PostgresSchema, err)
	}

	zaplogger.Info("  * connected")
	return db, nil
}
