package database

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshots"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillSnapshotHashes = "2026-10-01_backfill_snapshot_hashes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillSnapshotHashes, apply: backfillSnapshotHashes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSnapshotHashes computes the integrity digest for rows written
// before the column was populated, so loads do not report them as corrupt.
func backfillSnapshotHashes(db *gorm.DB) error {
	var records []snapshots.Record
	if err := db.Where("state_hash = ?", "").Find(&records).Error; err != nil {
		return err
	}
	for _, record := range records {
		state, err := base64.StdEncoding.DecodeString(record.StateB64)
		if err != nil {
			// Undecodable rows stay unhashed and surface as corrupt on load.
			continue
		}
		if err := db.Model(&snapshots.Record{}).
			Where("document_id = ?", record.DocumentID).
			Update("state_hash", snapshots.HashPayload(state)).Error; err != nil {
			return err
		}
	}
	return nil
}
