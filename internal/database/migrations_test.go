package database

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/membership"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshots"
	"go.uber.org/zap"
)

func TestMigrateSnapshotsBackfillsHashes(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&snapshots.Record{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	state := []byte{0x01, 0x02, 0x03}
	legacy := snapshots.Record{
		DocumentID:       "doc-1",
		StateB64:         base64.StdEncoding.EncodeToString(state),
		StateVectorB64:   "",
		StateHash:        "",
		Version:          4,
		UpdatedAtSeconds: 1,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert snapshot: %v", err)
	}

	if err := MigrateSnapshots(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored snapshots.Record
	if err := database.Where("document_id = ?", legacy.DocumentID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload snapshot: %v", err)
	}
	if stored.StateHash != snapshots.HashPayload(state) {
		testContext.Fatalf("expected hash to be backfilled, got %q", stored.StateHash)
	}

	store, err := snapshots.NewGormStore(database, nil)
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	if _, err := store.Load(context.Background(), legacy.DocumentID); err != nil {
		testContext.Fatalf("expected backfilled snapshot to load: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillSnapshotHashes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := MigrateSnapshots(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected migrations to be idempotent: %v", err)
	}
}

func TestMigrateMembershipCreatesTables(testContext *testing.T) {
	database, err := Open(DriverSQLite, filepath.Join(testContext.TempDir(), "membership.db"), nil)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := MigrateMembership(database); err != nil {
		testContext.Fatalf("failed to migrate membership: %v", err)
	}
	if !database.Migrator().HasTable(&membership.Record{}) || !database.Migrator().HasTable(&membership.Document{}) {
		testContext.Fatalf("expected membership tables")
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("mysql", "dsn", nil); err == nil {
		testContext.Fatalf("expected error for unsupported driver")
	}
	if _, err := Open(DriverSQLite, " ", nil); err == nil {
		testContext.Fatalf("expected error for empty dsn")
	}
}
