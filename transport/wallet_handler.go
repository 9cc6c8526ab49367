package handler

import (
	"MarginEngine/internal/domain/models"
	"MarginEngine/internal/domain/models/transport"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type WalletHandler struct {
	log      *slog.Logger
	wallet   walletService
	settings settingsService
	validate *validator.Validate
}

type walletService interface {
	Deposit(ctx context.Context, ownerId int64, amount decimal.Decimal) (decimal.Decimal, error)
	Balance(ctx context.Context, ownerId int64) (decimal.Decimal, error)
}

type settingsService interface {
	LeverageSetting(ctx context.Context, ownerId int64) (models.LeverageSetting, error)
}

func NewWalletHandler(log *slog.Logger, wallet walletService, settings settingsService, validate *validator.Validate) *WalletHandler {
	return &WalletHandler{
		log:      log,
		wallet:   wallet,
		settings: settings,
		validate: validate,
	}
}

func (h *WalletHandler) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	h.Register(router)
	return router
}

// Register mounts the wallet and settings routes on a shared router.
func (h *WalletHandler) Register(router chi.Router) {
	router.Route("/api/wallet", func(router chi.Router) {
		router.Post("/deposit", h.PostDeposit)
		router.Get("/balance/{ownerId}", h.GetBalance)
	})
	router.Get("/api/settings/{ownerId}", h.GetLeverageSetting)
}

func (h *WalletHandler) PostDeposit(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req transport.DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.log.Error("failed to decode request", "error", err)
		writeError(w, http.StatusBadRequest, "invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.log.Error("validation failed", "error", err)
		writeError(w, http.StatusBadRequest, "invalid deposit parameters")
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	balance, err := h.wallet.Deposit(r.Context(), req.OwnerID, req.Amount)
	if err != nil {
		h.log.Error("failed to deposit", "error", err, "owner_id", req.OwnerID)
		writeError(w, http.StatusInternalServerError, "failed to deposit")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transport.BalanceResponse{OwnerID: req.OwnerID, Balance: balance})
}

func (h *WalletHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ownerId, err := strconv.ParseInt(chi.URLParam(r, "ownerId"), 10, 64)
	if err != nil || ownerId <= 0 {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	balance, err := h.wallet.Balance(r.Context(), ownerId)
	if err != nil {
		if errors.Is(err, models.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "account not found")
			return
		}
		h.log.Error("failed to get balance", "error", err, "owner_id", ownerId)
		writeError(w, http.StatusInternalServerError, "failed to get balance")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transport.BalanceResponse{OwnerID: ownerId, Balance: balance})
}

func (h *WalletHandler) GetLeverageSetting(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ownerId, err := strconv.ParseInt(chi.URLParam(r, "ownerId"), 10, 64)
	if err != nil || ownerId <= 0 {
		writeError(w, http.StatusBadRequest, "invalid owner id")
		return
	}

	setting, err := h.settings.LeverageSetting(r.Context(), ownerId)
	if err != nil {
		h.log.Error("failed to get leverage setting", "error", err, "owner_id", ownerId)
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(transport.LeverageSettingResponse{
		OwnerID:            setting.OwnerId,
		MaxLeverage:        setting.MaxLeverage,
		PreferredLeverage:  setting.PreferredLeverage,
		DefaultMode:        setting.DefaultMode,
		AutoDeleverage:     setting.AutoDeleverage,
		LiquidationWarning: setting.LiquidationWarning,
	})
}
