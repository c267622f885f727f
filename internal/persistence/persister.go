// Package persistence writes merged document state to the snapshot store and
// seeds rooms from it.
package persistence

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/collab/internal/snapshots"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultAlertThreshold = 3
	defaultSaveAttempts   = 5
	fieldDocumentID       = "document_id"
	tracerName            = "github.com/MarcoPoloResearchLab/gravity/collab/internal/persistence"
)

// Config configures a Persister.
type Config struct {
	Store snapshots.Store
	Codec codec.Codec
	// AlertThreshold is the number of documents with failing writes, or the
	// number of consecutive failures of one document, that raises an alert.
	AlertThreshold int
	// SaveAttempts bounds read-merge-write rounds lost to concurrent writers.
	SaveAttempts int
	Metrics      *metrics.Collectors
	Logger       *zap.Logger
	Tracer       trace.Tracer
}

// Persister seeds rooms from snapshots and writes merged state back with
// read-merge-compare-and-swap, so writers on different instances never drop
// each other's merged work.
type Persister struct {
	store          snapshots.Store
	codec          codec.Codec
	alertThreshold int
	saveAttempts   int
	metrics        *metrics.Collectors
	logger         *zap.Logger
	tracer         trace.Tracer

	mutex    sync.Mutex
	failures map[string]int
}

// New validates cfg and builds a Persister.
func New(cfg Config) (*Persister, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opPersisterNew, reasonMissingStore, errMissingStore)
	}
	if cfg.Codec == nil {
		return nil, newServiceError(opPersisterNew, reasonMissingCodec, errMissingCodec)
	}
	threshold := cfg.AlertThreshold
	if threshold <= 0 {
		threshold = defaultAlertThreshold
	}
	attempts := cfg.SaveAttempts
	if attempts <= 0 {
		attempts = defaultSaveAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Persister{
		store:          cfg.Store,
		codec:          cfg.Codec,
		alertThreshold: threshold,
		saveAttempts:   attempts,
		metrics:        cfg.Metrics,
		logger:         logger,
		tracer:         tracer,
		failures:       make(map[string]int),
	}, nil
}

// Load returns the stored state for documentID, or nil when none exists.
func (p *Persister) Load(ctx context.Context, documentID string) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, opLoad, trace.WithAttributes(attribute.String(fieldDocumentID, documentID)))
	defer span.End()

	snapshot, err := p.store.Load(ctx, documentID)
	if errors.Is(err, snapshots.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		p.logError(opLoad, reasonLoadFailed, err, zap.String(fieldDocumentID, documentID))
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, reasonLoadFailed)
		return nil, newServiceError(opLoad, reasonLoadFailed, err)
	}
	return snapshot.State, nil
}

// Persist merges state with whatever is stored and writes the union. It
// returns the written state, which may contain work merged by other instances.
func (p *Persister) Persist(ctx context.Context, documentID string, state []byte) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, opPersist, trace.WithAttributes(attribute.String(fieldDocumentID, documentID)))
	defer span.End()

	merged, err := p.persist(codec.ContextWithDocument(ctx, documentID), documentID, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "persist failed")
		p.recordFailure(documentID, err)
		return nil, err
	}
	p.recordSuccess(documentID)
	return merged, nil
}

func (p *Persister) persist(ctx context.Context, documentID string, state []byte) ([]byte, error) {
	for attempt := 0; attempt < p.saveAttempts; attempt++ {
		stored, err := p.store.Load(ctx, documentID)
		expectedVersion := stored.Version
		switch {
		case errors.Is(err, snapshots.ErrNotFound):
			expectedVersion = snapshots.NoVersion
		case err != nil:
			return nil, newServiceError(opPersist, reasonLoadFailed, err)
		}

		merged := state
		if len(stored.State) > 0 {
			merged, err = p.codec.Merge(ctx, state, stored.State)
			if err != nil {
				return nil, newServiceError(opPersist, reasonMergeFailed, err)
			}
		}
		vector, err := p.codec.StateVector(ctx, merged)
		if err != nil {
			return nil, newServiceError(opPersist, reasonVectorFailed, err)
		}

		_, err = p.store.Save(ctx, snapshots.Snapshot{
			DocumentID:  documentID,
			State:       merged,
			StateVector: vector,
		}, expectedVersion)
		if errors.Is(err, snapshots.ErrConflict) {
			p.metrics.SnapshotWritten(metrics.OutcomeConflict)
			p.logger.Debug("snapshot write raced another writer",
				zap.String(fieldDocumentID, documentID),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, newServiceError(opPersist, reasonSaveFailed, err)
		}
		p.metrics.SnapshotWritten(metrics.OutcomeOK)
		return merged, nil
	}
	return nil, newServiceError(opPersist, reasonConflictsExceed, snapshots.ErrConflict)
}

// FailingDocuments returns how many documents currently have failing writes.
func (p *Persister) FailingDocuments() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.failures)
}

func (p *Persister) recordFailure(documentID string, err error) {
	p.mutex.Lock()
	p.failures[documentID]++
	consecutive := p.failures[documentID]
	failing := len(p.failures)
	p.mutex.Unlock()

	p.metrics.SnapshotWritten(metrics.OutcomeError)
	p.metrics.SnapshotFailingRooms(failing)
	fields := []zap.Field{
		zap.String(fieldDocumentID, documentID),
		zap.Int("consecutive_failures", consecutive),
		zap.Int("failing_documents", failing),
	}
	if failing >= p.alertThreshold || consecutive >= p.alertThreshold {
		p.logger.Error("snapshot persistence failing, unsaved work at risk on restart",
			append(fields, zap.Bool("alert", true), zap.Error(err))...)
		return
	}
	p.logError(opPersist, "write_failed", err, fields...)
}

func (p *Persister) recordSuccess(documentID string) {
	p.mutex.Lock()
	_, wasFailing := p.failures[documentID]
	delete(p.failures, documentID)
	failing := len(p.failures)
	p.mutex.Unlock()
	if wasFailing {
		p.metrics.SnapshotFailingRooms(failing)
		p.logger.Info("snapshot persistence recovered", zap.String(fieldDocumentID, documentID))
	}
}

func (p *Persister) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	p.logger.Error("persistence operation failed", allFields...)
}
