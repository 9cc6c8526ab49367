package handler

import (
	"MarginEngine/internal/domain/models"
	"MarginEngine/internal/domain/models/transport"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type HistoryHandler struct {
	log     *slog.Logger
	history historyService
}

type historyService interface {
	LiquidationsByOwner(ctx context.Context, ownerId int64) ([]models.LiquidationRecord, error)
	LiquidationsByPosition(ctx context.Context, positionId uuid.UUID) ([]models.LiquidationRecord, error)
}

func NewHistoryHandler(log *slog.Logger, history historyService) *HistoryHandler {
	return &HistoryHandler{log: log, history: history}
}

func (h *HistoryHandler) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	h.Register(router)
	return router
}

// Register mounts the liquidation-history routes on a shared router.
func (h *HistoryHandler) Register(router chi.Router) {
	router.Route("/api/liquidation", func(router chi.Router) {
		router.Get("/owner/{ownerId}", h.GetByOwner)
		router.Get("/position/{positionId}", h.GetByPosition)
	})
}

func (h *HistoryHandler) GetByOwner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ownerId, err := strconv.ParseInt(chi.URLParam(r, "ownerId"), 10, 64)
	if err != nil || ownerId <= 0 {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	records, err := h.history.LiquidationsByOwner(r.Context(), ownerId)
	if err != nil {
		h.log.Error("failed to get liquidations", "error", err, "owner_id", ownerId)
		writeError(w, http.StatusInternalServerError, "failed to get liquidation history")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(toLiquidationList(records))
}

func (h *HistoryHandler) GetByPosition(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	positionId, err := uuid.Parse(chi.URLParam(r, "positionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	records, err := h.history.LiquidationsByPosition(r.Context(), positionId)
	if err != nil {
		h.log.Error("failed to get liquidations", "error", err, "position_id", positionId)
		writeError(w, http.StatusInternalServerError, "failed to get liquidation history")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(toLiquidationList(records))
}

func toLiquidationList(records []models.LiquidationRecord) transport.LiquidationListResponse {
	resp := transport.LiquidationListResponse{Records: make([]transport.LiquidationRecordResponse, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, transport.LiquidationRecordResponse{
			Id:                  rec.Id,
			PositionID:          rec.PositionId,
			OwnerID:             rec.OwnerId,
			Pair:                rec.Pair,
			Side:                rec.Side,
			EntryPrice:          rec.EntryPrice,
			LiquidationPrice:    rec.LiquidationPrice,
			MarkPrice:           rec.MarkPrice,
			Size:                rec.Size,
			Leverage:            rec.Leverage,
			Loss:                rec.Loss,
			RemainingCollateral: rec.RemainingCollateral,
			Type:                rec.Type,
			CreatedAt:           formatTime(rec.CreatedAt),
		})
	}
	return resp
}
