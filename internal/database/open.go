package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/membership"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshots"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open establishes a gorm connection for driver. SQLite connections are
// limited to one writer.
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	driver = strings.ToLower(strings.TrimSpace(driver))
	var dialector gorm.Dialector
	switch driver {
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("database driver %q is not supported", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, err
	}

	if driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if logger != nil {
		logger.Info("database opened", zap.String("driver", driver))
	}
	return db, nil
}

// MigrateMembership creates the membership and document directory tables.
// Production deployments own these tables elsewhere; this is for local stores.
func MigrateMembership(db *gorm.DB) error {
	return db.AutoMigrate(&membership.Record{}, &membership.Document{})
}

// MigrateSnapshots creates the snapshot table and applies tracked migrations.
func MigrateSnapshots(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&snapshots.Record{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
