package feed

import (
	"MarginEngine/internal/config"
	"MarginEngine/internal/domain/models"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// BinanceSource polls the upstream ticker endpoint for the configured
// symbols. It is the only piece of the engine that knows the oracle's wire
// format.
type BinanceSource struct {
	baseURL  string
	endpoint string
	symbols  []string
	log      *slog.Logger
	client   *http.Client
}

func NewBinanceSource(cfg config.OracleConfig, log *slog.Logger) *BinanceSource {
	return &BinanceSource{
		baseURL:  cfg.BaseURL,
		endpoint: cfg.Endpoint,
		symbols:  cfg.Symbols,
		log:      log,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *BinanceSource) Fetch(ctx context.Context) ([]models.PriceResponse, error) {
	const op = "feed.BinanceSource.Fetch"
	log := b.log.With("op", op)

	reqUrl := fmt.Sprintf("%s%s%s", b.baseURL, b.endpoint, b.symbolsParam())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqUrl, nil)
	if err != nil {
		log.Error("failed to create request", "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		log.Error("failed to make request", "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Error("unexpected status code", "status", resp.StatusCode, "response", string(body))
		return nil, fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode)
	}

	var prices []models.PriceResponse
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		log.Error("failed to decode response", "err", err)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return prices, nil
}

func (b *BinanceSource) symbolsParam() string {
	params := "?symbols=["
	for i, symbol := range b.symbols {
		params = fmt.Sprintf("%s\"%s\"", params, symbol)
		if i != len(b.symbols)-1 {
			params = fmt.Sprintf("%s,", params)
		}
	}
	return params + "]"
}
