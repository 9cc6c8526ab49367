package settings

import (
	"MarginEngine/internal/domain/models"
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Store reads persisted leverage settings. The engine never writes them;
// account-settings functionality outside this core owns mutations.
type Store interface {
	LeverageSetting(ctx context.Context, ownerId int64) (models.LeverageSetting, error)
}

// Service resolves an owner's leverage guardrails, falling back to the
// defaults for owners who never saved any.
type Service struct {
	log   *slog.Logger
	store Store
}

func New(log *slog.Logger, store Store) *Service {
	return &Service{log: log, store: store}
}

func (s *Service) LeverageSetting(ctx context.Context, ownerId int64) (models.LeverageSetting, error) {
	const op = "settings.LeverageSetting"
	setting, err := s.store.LeverageSetting(ctx, ownerId)
	if errors.Is(err, models.ErrAccountNotFound) {
		return models.DefaultLeverageSetting(ownerId), nil
	}
	if err != nil {
		s.log.Error("failed to load leverage setting", "op", op, "owner_id", ownerId, "err", err)
		return models.LeverageSetting{}, fmt.Errorf("%s: %w", op, err)
	}
	return setting, nil
}
