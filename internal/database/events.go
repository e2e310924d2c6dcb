package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/junocash/jmined/internal/database/postgres"
	"github.com/junocash/jmined/internal/miner"
	"github.com/junocash/jmined/internal/pool"
	"github.com/junocash/jmined/pkg/log"
)

// EventRecorder persists mining lifecycle events into PostgreSQL. Like the
// Kafka publisher, write failures are logged and swallowed so history
// storage can never stall the mining loop.
type EventRecorder struct {
	manager *Manager
	logger  *log.Logger
}

var _ miner.EventPublisher = (*EventRecorder)(nil)

// NewEventRecorder creates a recorder on top of the storage manager.
func NewEventRecorder(manager *Manager, logger *log.Logger) *EventRecorder {
	return &EventRecorder{
		manager: manager,
		logger:  logger.WithComponent("share_history"),
	}
}

// PublishTemplateSwitch implements miner.EventPublisher.
func (r *EventRecorder) PublishTemplateSwitch(ctx context.Context, height int64, prevHash string, reason string) {
	record := &postgres.TemplateRecord{
		Height:    height,
		PrevHash:  prevHash,
		Reason:    reason,
		AdoptedAt: time.Now(),
	}
	if err := r.manager.RecordTemplate(ctx, record); err != nil {
		r.logger.WithError(err).Warn("failed to record template switch", "height", height)
	}
}

// PublishHealth implements miner.EventPublisher. State transitions are an
// operator stream, not history; they go to the log and the Kafka topic,
// not PostgreSQL.
func (r *EventRecorder) PublishHealth(_ context.Context, state string, detail string) {
	r.logger.Warn("miner state transition", "state", state, "detail", detail)
}

// PublishShare implements miner.EventPublisher.
func (r *EventRecorder) PublishShare(ctx context.Context, share *miner.Share, status pool.ShareStatus, message string) {
	record := &postgres.ShareRecord{
		Height:      share.Height,
		NonceHex:    fmt.Sprintf("%016x", share.Nonce),
		PowHash:     share.PowHash.String(),
		HeaderHex:   share.HeaderHex,
		Status:      string(status),
		Message:     sql.NullString{String: message, Valid: message != ""},
		FoundAt:     share.FoundAt,
		SubmittedAt: time.Now(),
	}
	if err := r.manager.RecordShare(ctx, record); err != nil {
		r.logger.WithError(err).Warn("failed to record share", "height", share.Height)
	}
}
