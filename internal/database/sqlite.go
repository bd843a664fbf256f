package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/glowcity/glow/backend/internal/beacon"
	"github.com/glowcity/glow/backend/internal/consent"
	"github.com/glowcity/glow/backend/internal/heat"
	"github.com/glowcity/glow/backend/internal/scan"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&beacon.Beacon{},
		&consent.Record{},
		&scan.ScanEvent{},
		&scan.XPLedgerEntry{},
		&heat.HeatCell{},
		&heat.HeatCellActor{},
		&heat.TrailCell{},
		&heat.TrailCellActor{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
