package snapshots

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const queryDocumentID = "document_id = ?"

// Record is the relational row for a document snapshot.
type Record struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null"`
	StateVectorB64   string `gorm:"column:state_vector_b64;type:text;not null"`
	StateHash        string `gorm:"column:state_hash;size:64;not null"`
	Version          int64  `gorm:"column:version;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "document_snapshots"
}

// GormStore persists snapshots in a relational table. The version column is
// the compare-and-swap token.
type GormStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormStore constructs a GormStore over db. clock may be nil.
func NewGormStore(db *gorm.DB, clock func() time.Time) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("snapshots: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormStore{db: db, clock: clock}, nil
}

// Load implements Store.
func (s *GormStore) Load(ctx context.Context, documentID string) (Snapshot, error) {
	var record Record
	err := s.db.WithContext(ctx).Where(queryDocumentID, documentID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	state, err := base64.StdEncoding.DecodeString(record.StateB64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: state: %v", ErrCorrupt, err)
	}
	if HashPayload(state) != record.StateHash {
		return Snapshot{}, fmt.Errorf("%w: state hash mismatch for %s", ErrCorrupt, documentID)
	}
	vector, err := base64.StdEncoding.DecodeString(record.StateVectorB64)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: state vector: %v", ErrCorrupt, err)
	}
	return Snapshot{
		DocumentID:  record.DocumentID,
		State:       state,
		StateVector: vector,
		Version:     formatVersion(record.Version),
		UpdatedAt:   time.Unix(record.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

// Save implements Store.
func (s *GormStore) Save(ctx context.Context, snapshot Snapshot, expectedVersion string) (string, error) {
	now := s.clock().UTC().Unix()
	record := Record{
		DocumentID:       snapshot.DocumentID,
		StateB64:         base64.StdEncoding.EncodeToString(snapshot.State),
		StateVectorB64:   base64.StdEncoding.EncodeToString(snapshot.StateVector),
		StateHash:        HashPayload(snapshot.State),
		UpdatedAtSeconds: now,
	}

	if expectedVersion == NoVersion {
		record.Version = 1
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if result.Error != nil {
			return "", result.Error
		}
		if result.RowsAffected == 0 {
			return "", ErrConflict
		}
		return formatVersion(record.Version), nil
	}

	expected, err := strconv.ParseInt(expectedVersion, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: unparseable version %q", ErrConflict, expectedVersion)
	}
	result := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("document_id = ? AND version = ?", snapshot.DocumentID, expected).
		Updates(map[string]any{
			"state_b64":        record.StateB64,
			"state_vector_b64": record.StateVectorB64,
			"state_hash":       record.StateHash,
			"version":          expected + 1,
			"updated_at_s":     now,
		})
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		return "", ErrConflict
	}
	return formatVersion(expected + 1), nil
}

func formatVersion(version int64) string {
	return strconv.FormatInt(version, 10)
}
