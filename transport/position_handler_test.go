package handler

import (
	"MarginEngine/internal/domain/models"
	"MarginEngine/internal/domain/models/transport"
	"MarginEngine/internal/ledger"
	"MarginEngine/internal/margin"
	"MarginEngine/internal/settings"
	"MarginEngine/internal/storage/memory"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopEvents struct{}

func (nopEvents) PositionOpened(context.Context, models.Position)              {}
func (nopEvents) PositionUpdated(context.Context, models.Position)             {}
func (nopEvents) PositionClosed(context.Context, models.Position)              {}
func (nopEvents) PositionLiquidated(context.Context, models.LiquidationRecord) {}

type fixedPrices map[string]decimal.Decimal

func (f fixedPrices) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	price, ok := f[symbol]
	if !ok {
		return decimal.Zero, models.ErrPairUnavailable
	}
	return price, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()

	store := memory.New()
	store.AddTradingPair("BTCUSDT")
	_, err := store.Deposit(context.Background(), 1, decimal.NewFromInt(1000))
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	prices := fixedPrices{"BTCUSDT": decimal.NewFromInt(2000)}
	engine := ledger.New(log, store, settings.New(log, store), prices,
		nopEvents{}, margin.New(decimal.RequireFromString("0.01")), decimal.Zero)

	h := NewPositionHandler(log, engine, validator.New())
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func openRequest() transport.OpenPositionRequest {
	return transport.OpenPositionRequest{
		OwnerID:    1,
		Pair:       "BTCUSDT",
		Side:       models.Long,
		Leverage:   10,
		Size:       decimal.NewFromInt(1),
		Collateral: decimal.NewFromInt(210),
		Mode:       models.Isolated,
	}
}

func TestPostOpen(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/position/open", openRequest())
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out transport.OpenPositionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.EntryPrice.Equal(decimal.NewFromInt(2000)))
	assert.True(t, out.LiquidationPrice.Equal(decimal.NewFromInt(1810)))
	assert.Equal(t, int64(0), out.Version)
}

func TestPostOpenRejectsBadLeverage(t *testing.T) {
	srv, _ := newTestServer(t)

	req := openRequest()
	req.Leverage = 21
	resp := postJSON(t, srv.URL+"/api/position/open", req)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestPostOpenRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/position/open", "application/json",
		bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdjustVersionConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/position/open", openRequest())
	var opened transport.OpenPositionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&opened))
	resp.Body.Close()

	adjust := transport.AdjustCollateralRequest{
		PositionID:      opened.PositionID,
		ExpectedVersion: 0,
		Delta:           decimal.NewFromInt(50),
	}
	resp = postJSON(t, srv.URL+"/api/position/adjust", adjust)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// replaying the stale version must conflict
	resp = postJSON(t, srv.URL+"/api/position/adjust", adjust)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCloseThenGet(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/position/open", openRequest())
	var opened transport.OpenPositionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&opened))
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/position/close", transport.ClosePositionRequest{
		PositionID:      opened.PositionID,
		ExpectedVersion: 0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var closed transport.PositionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&closed))
	resp.Body.Close()
	assert.Equal(t, models.Closed, closed.Status)

	resp, err := http.Get(srv.URL + "/api/position/" + opened.PositionID.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got transport.PositionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, models.Closed, got.Status)
	assert.Nil(t, got.UnrealizedPnL)
}

func TestGetPositionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/position/3f1d8a10-0000-0000-0000-000000000000")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOwnerPositions(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/position/open", openRequest())
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/position/owner/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list transport.PositionListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Positions, 1)
	p := list.Positions[0]
	assert.Equal(t, models.Open, p.Status)
	require.NotNil(t, p.UnrealizedPnL)
	assert.True(t, p.UnrealizedPnL.IsZero())
}
