package handler

import (
	"MarginEngine/internal/domain/models"
	"MarginEngine/internal/domain/models/transport"
	"MarginEngine/internal/ledger"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PositionHandler struct {
	log      *slog.Logger
	engine   positionEngine
	validate *validator.Validate
}

type positionEngine interface {
	Open(ctx context.Context, req ledger.OpenParams) (models.Position, error)
	AdjustCollateral(ctx context.Context, id uuid.UUID, expectedVersion int64, delta decimal.Decimal) (models.Position, error)
	SetTriggers(ctx context.Context, id uuid.UUID, expectedVersion int64, stopLoss, takeProfit *decimal.Decimal) (models.Position, error)
	ManualClose(ctx context.Context, id uuid.UUID, expectedVersion int64) (models.Position, error)
	GetPosition(ctx context.Context, id uuid.UUID) (models.Position, error)
	OwnerPositions(ctx context.Context, ownerId int64) ([]models.Position, error)
	UnrealizedPnL(ctx context.Context, p models.Position) (decimal.Decimal, error)
}

func NewPositionHandler(log *slog.Logger, engine positionEngine, validate *validator.Validate) *PositionHandler {
	return &PositionHandler{
		log:      log,
		engine:   engine,
		validate: validate,
	}
}

func (h *PositionHandler) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	h.Register(router)
	return router
}

// Register mounts the position routes on a shared router.
func (h *PositionHandler) Register(router chi.Router) {
	router.Route("/api/position", func(router chi.Router) {
		router.Post("/open", h.PostOpen)
		router.Post("/adjust", h.PostAdjust)
		router.Post("/triggers", h.PostTriggers)
		router.Post("/close", h.PostClose)
		router.Get("/{positionId}", h.GetPosition)
		router.Get("/owner/{ownerId}", h.GetOwnerPositions)
	})
}

func (h *PositionHandler) PostOpen(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req transport.OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.log.Error("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid position parameters")
		return
	}

	p, err := h.engine.Open(r.Context(), ledger.OpenParams{
		OwnerId:    req.OwnerID,
		Pair:       req.Pair,
		Side:       req.Side,
		Leverage:   req.Leverage,
		Size:       req.Size,
		Collateral: req.Collateral,
		Mode:       req.Mode,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
	})
	if err != nil {
		h.log.Error("failed to open position", "error", err, "owner_id", req.OwnerID)
		h.writeEngineError(w, err, "failed to open position")
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(transport.OpenPositionResponse{
		PositionID:       p.Id,
		EntryPrice:       p.EntryPrice,
		LiquidationPrice: p.LiquidationPrice,
		Version:          p.Version,
	})
}

func (h *PositionHandler) PostAdjust(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req transport.AdjustCollateralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.log.Error("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid adjust parameters")
		return
	}

	p, err := h.engine.AdjustCollateral(r.Context(), req.PositionID, req.ExpectedVersion, req.Delta)
	if err != nil {
		h.log.Error("failed to adjust collateral", "error", err, "position_id", req.PositionID)
		h.writeEngineError(w, err, "failed to adjust collateral")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transport.MutationResponse{
		PositionID:       p.Id,
		Version:          p.Version,
		LiquidationPrice: p.LiquidationPrice,
	})
}

func (h *PositionHandler) PostTriggers(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req transport.SetTriggersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.log.Error("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid trigger parameters")
		return
	}

	p, err := h.engine.SetTriggers(r.Context(), req.PositionID, req.ExpectedVersion, req.StopLoss, req.TakeProfit)
	if err != nil {
		h.log.Error("failed to set triggers", "error", err, "position_id", req.PositionID)
		h.writeEngineError(w, err, "failed to set triggers")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transport.MutationResponse{
		PositionID:       p.Id,
		Version:          p.Version,
		LiquidationPrice: p.LiquidationPrice,
	})
}

func (h *PositionHandler) PostClose(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req transport.ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.log.Error("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, "position id is required")
		return
	}

	p, err := h.engine.ManualClose(r.Context(), req.PositionID, req.ExpectedVersion)
	if err != nil {
		h.log.Error("failed to close position", "error", err, "position_id", req.PositionID)
		h.writeEngineError(w, err, "failed to close position")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(toPositionResponse(p, nil))
}

func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	id, err := uuid.Parse(chi.URLParam(r, "positionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}

	p, err := h.engine.GetPosition(r.Context(), id)
	if err != nil {
		h.log.Error("failed to get position", "error", err, "position_id", id)
		h.writeEngineError(w, err, "failed to get position")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(toPositionResponse(p, h.unrealized(r.Context(), p)))
}

func (h *PositionHandler) GetOwnerPositions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ownerId, err := strconv.ParseInt(chi.URLParam(r, "ownerId"), 10, 64)
	if err != nil || ownerId <= 0 {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	positions, err := h.engine.OwnerPositions(r.Context(), ownerId)
	if err != nil {
		h.log.Error("failed to get owner positions", "error", err, "owner_id", ownerId)
		writeError(w, http.StatusInternalServerError, "failed to get positions")
		return
	}

	resp := transport.PositionListResponse{Positions: make([]transport.PositionResponse, 0, len(positions))}
	for _, p := range positions {
		resp.Positions = append(resp.Positions, toPositionResponse(p, h.unrealized(r.Context(), p)))
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func (h *PositionHandler) unrealized(ctx context.Context, p models.Position) *decimal.Decimal {
	if !p.IsOpen() {
		return nil
	}
	pnl, err := h.engine.UnrealizedPnL(ctx, p)
	if err != nil {
		return nil
	}
	return &pnl
}

func (h *PositionHandler) writeEngineError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrInvalidLeverage):
		writeError(w, http.StatusUnprocessableEntity, "leverage outside allowed range")
	case errors.Is(err, models.ErrInsufficientCollateral):
		writeError(w, http.StatusUnprocessableEntity, "collateral below required margin")
	case errors.Is(err, models.ErrInvalidSize):
		writeError(w, http.StatusUnprocessableEntity, "invalid size or trigger price")
	case errors.Is(err, models.ErrPairUnavailable):
		writeError(w, http.StatusUnprocessableEntity, "trading pair unavailable")
	case errors.Is(err, models.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, "insufficient wallet balance")
	case errors.Is(err, models.ErrVersionConflict):
		writeError(w, http.StatusConflict, "version conflict, re-read and retry")
	case errors.Is(err, models.ErrPositionNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case errors.Is(err, models.ErrPositionNotOpen):
		writeError(w, http.StatusConflict, "position is not open")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func toPositionResponse(p models.Position, unrealized *decimal.Decimal) transport.PositionResponse {
	return transport.PositionResponse{
		Id:               p.Id,
		OwnerID:          p.OwnerId,
		Pair:             p.Pair,
		Side:             p.Side,
		Leverage:         p.Leverage,
		Mode:             p.Mode,
		EntryPrice:       p.EntryPrice,
		Size:             p.Size,
		Collateral:       p.Collateral,
		LiquidationPrice: p.LiquidationPrice,
		UnrealizedPnL:    unrealized,
		RealizedPnL:      p.RealizedPnL,
		FeesAccrued:      p.FeesAccrued,
		StopLoss:         p.StopLoss,
		TakeProfit:       p.TakeProfit,
		ClosePrice:       p.ClosePrice,
		Status:           p.Status,
		Version:          p.Version,
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(transport.ErrorResponse{Error: msg})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
