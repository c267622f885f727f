package fanout

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultReconcileInterval = 30 * time.Second
	defaultQueueSize         = 1024
	defaultPublishTimeout    = 2 * time.Second
	directionOut             = "out"
	directionIn              = "in"
	fieldDocumentID          = "document_id"
)

// Target is the local side of fan-out, implemented by the session manager.
type Target interface {
	ApplyRemote(documentID string, update []byte) bool
	ActiveDocuments() []string
	StateVector(ctx context.Context, documentID string) ([]byte, bool, error)
	Diff(ctx context.Context, documentID string, vector []byte) ([]byte, bool, error)
}

// HubConfig configures a Hub.
type HubConfig struct {
	Bus               Bus
	InstanceID        string
	ReconcileInterval time.Duration
	QueueSize         int
	PublishTimeout    time.Duration
	Metrics           *metrics.Collectors
	Logger            *zap.Logger
}

// Hub publishes local updates, applies remote ones and periodically
// exchanges state vectors for every active document, so instances converge
// after a transport outage without replaying missed fragments.
type Hub struct {
	bus               Bus
	instanceID        string
	reconcileInterval time.Duration
	publishTimeout    time.Duration
	queue             chan Envelope
	metrics           *metrics.Collectors
	logger            *zap.Logger
}

// NewHub validates cfg and builds a Hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Bus == nil {
		return nil, errors.New("fanout: bus is required")
	}
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		return nil, errors.New("fanout: instance id is required")
	}
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	publishTimeout := cfg.PublishTimeout
	if publishTimeout <= 0 {
		publishTimeout = defaultPublishTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		bus:               cfg.Bus,
		instanceID:        instanceID,
		reconcileInterval: interval,
		publishTimeout:    publishTimeout,
		queue:             make(chan Envelope, queueSize),
		metrics:           cfg.Metrics,
		logger:            logger.With(zap.String("instance_id", instanceID)),
	}, nil
}

// PublishUpdate queues a locally merged update for other instances. It never
// blocks; when the queue is full the update is dropped and left to
// reconciliation.
func (h *Hub) PublishUpdate(documentID string, update []byte) {
	h.enqueue(Envelope{Kind: KindUpdate, DocumentID: documentID, Payload: update})
}

// AnnounceState queues the document's state vector so other instances send
// what this instance lacks.
func (h *Hub) AnnounceState(documentID string, vector []byte) {
	h.enqueue(Envelope{Kind: KindStateVector, DocumentID: documentID, Payload: vector})
}

// Run forwards envelopes until ctx ends.
func (h *Hub) Run(ctx context.Context, target Target) error {
	if target == nil {
		return errors.New("fanout: target is required")
	}
	if err := h.bus.StartForwarder(ctx, func(envelope Envelope) {
		h.receive(ctx, target, envelope)
	}); err != nil {
		return err
	}
	h.logger.Info("fan-out started")

	ticker := time.NewTicker(h.reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("fan-out stopped")
			return nil
		case envelope := <-h.queue:
			h.publish(ctx, envelope)
		case <-ticker.C:
			h.Reconcile(ctx, target)
		}
	}
}

// Reconcile announces the state vector of every active local document.
func (h *Hub) Reconcile(ctx context.Context, target Target) {
	for _, documentID := range target.ActiveDocuments() {
		vector, ok, err := target.StateVector(ctx, documentID)
		if err != nil {
			h.logger.Warn("state vector for reconciliation failed", zap.String(fieldDocumentID, documentID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		h.AnnounceState(documentID, vector)
	}
}

func (h *Hub) enqueue(envelope Envelope) {
	envelope.Origin = h.instanceID
	select {
	case h.queue <- envelope:
	default:
		h.metrics.FanoutMessage(directionOut, string(envelope.Kind), metrics.OutcomeDropped)
		h.logger.Warn("fan-out queue full, dropping envelope",
			zap.String(fieldDocumentID, envelope.DocumentID),
			zap.String("kind", string(envelope.Kind)),
		)
	}
}

func (h *Hub) publish(ctx context.Context, envelope Envelope) {
	publishCtx, cancel := context.WithTimeout(ctx, h.publishTimeout)
	defer cancel()
	if err := h.bus.Publish(publishCtx, envelope); err != nil {
		h.metrics.FanoutMessage(directionOut, string(envelope.Kind), metrics.OutcomeError)
		h.logger.Warn("fan-out publish failed",
			zap.String(fieldDocumentID, envelope.DocumentID),
			zap.String("kind", string(envelope.Kind)),
			zap.Error(err),
		)
		return
	}
	h.metrics.FanoutMessage(directionOut, string(envelope.Kind), metrics.OutcomeOK)
}

func (h *Hub) receive(ctx context.Context, target Target, envelope Envelope) {
	if envelope.Origin == h.instanceID {
		return
	}
	switch envelope.Kind {
	case KindUpdate:
		if target.ApplyRemote(envelope.DocumentID, envelope.Payload) {
			h.metrics.FanoutMessage(directionIn, string(envelope.Kind), metrics.OutcomeOK)
		}
	case KindStateVector:
		diff, ok, err := target.Diff(ctx, envelope.DocumentID, envelope.Payload)
		if err != nil {
			h.metrics.FanoutMessage(directionIn, string(envelope.Kind), metrics.OutcomeError)
			h.logger.Warn("diff for remote state vector failed",
				zap.String(fieldDocumentID, envelope.DocumentID),
				zap.String("origin", envelope.Origin),
				zap.Error(err),
			)
			return
		}
		if !ok {
			return
		}
		h.metrics.FanoutMessage(directionIn, string(envelope.Kind), metrics.OutcomeOK)
		if len(diff) > 0 {
			h.PublishUpdate(envelope.DocumentID, diff)
		}
	default:
		h.logger.Warn("unknown fan-out envelope kind", zap.String("kind", string(envelope.Kind)))
	}
}
