package history

import (
	"MarginEngine/internal/domain/models"
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

const (
	subjectLiquidations = "engine.liquidations"
	subjectPositions    = "engine.positions"
)

// RecordStore reads the append-only liquidation log. The append itself rides
// inside the storage liquidation transaction, so a record is durable before
// the liquidate call that produced it returns.
type RecordStore interface {
	LiquidationsByOwner(ctx context.Context, ownerId int64) ([]models.LiquidationRecord, error)
	LiquidationsByPosition(ctx context.Context, positionId uuid.UUID) ([]models.LiquidationRecord, error)
}

type Broker interface {
	Publish(ctx context.Context, subject string, msg any) error
}

// Recorder serves liquidation-history queries and fans position lifecycle
// events out to the engine stream. Event publishing is post-commit and
// best-effort: a broker outage never fails the mutation.
type Recorder struct {
	log    *slog.Logger
	store  RecordStore
	broker Broker
}

func New(log *slog.Logger, store RecordStore, broker Broker) *Recorder {
	return &Recorder{log: log, store: store, broker: broker}
}

func (r *Recorder) LiquidationsByOwner(ctx context.Context, ownerId int64) ([]models.LiquidationRecord, error) {
	const op = "history.LiquidationsByOwner"
	records, err := r.store.LiquidationsByOwner(ctx, ownerId)
	if err != nil {
		r.log.Error("failed to query liquidations", "op", op, "owner_id", ownerId, "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

func (r *Recorder) LiquidationsByPosition(ctx context.Context, positionId uuid.UUID) ([]models.LiquidationRecord, error) {
	const op = "history.LiquidationsByPosition"
	records, err := r.store.LiquidationsByPosition(ctx, positionId)
	if err != nil {
		r.log.Error("failed to query liquidations", "op", op, "position_id", positionId, "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

// --- ledger.Events ---

type positionEvent struct {
	Kind     string          `json:"kind"`
	Position models.Position `json:"position"`
}

func (r *Recorder) PositionOpened(ctx context.Context, p models.Position) {
	r.publishPosition(ctx, "opened", p)
}

func (r *Recorder) PositionUpdated(ctx context.Context, p models.Position) {
	r.publishPosition(ctx, "updated", p)
}

func (r *Recorder) PositionClosed(ctx context.Context, p models.Position) {
	r.publishPosition(ctx, "closed", p)
}

func (r *Recorder) PositionLiquidated(ctx context.Context, rec models.LiquidationRecord) {
	const op = "history.PositionLiquidated"
	subject := fmt.Sprintf("%s.%s", subjectLiquidations, rec.Pair)
	if err := r.broker.Publish(ctx, subject, rec); err != nil {
		r.log.Error("failed to publish liquidation event", "op", op, "position_id", rec.PositionId, "err", err)
	}
	if rec.RemainingCollateral.IsNegative() {
		// Downstream insurance handling picks the shortfall up from here.
		r.log.Warn("shortfall published", "op", op,
			"position_id", rec.PositionId, "shortfall", rec.RemainingCollateral.Neg())
	}
}

func (r *Recorder) publishPosition(ctx context.Context, kind string, p models.Position) {
	const op = "history.publishPosition"
	subject := fmt.Sprintf("%s.%s", subjectPositions, kind)
	if err := r.broker.Publish(ctx, subject, positionEvent{Kind: kind, Position: p}); err != nil {
		r.log.Error("failed to publish position event", "op", op, "kind", kind, "position_id", p.Id, "err", err)
	}
}
