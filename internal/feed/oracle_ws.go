// Package feed consumes the price oracle's websocket stream and pushes
// snapshots into market data ingestion.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/lunarfi/liquidator/internal/domain"
)

// IngestFunc receives each decoded snapshot (MarketDataService.Upsert).
type IngestFunc func(ctx context.Context, md domain.MarketData) error

// tick is the oracle's wire format. Numerics are decimal strings; optional
// fields may be empty.
type tick struct {
	Asset       string `json:"asset"`
	Price       string `json:"price"`
	Change24h   string `json:"priceChange24h,omitempty"`
	Volume24h   string `json:"volume24h,omitempty"`
	FundingRate string `json:"fundingRate,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// OracleFeed subscribes to price ticks for a set of assets and forwards them
// to the ingest function. It reconnects with a flat backoff on disconnect.
// Malformed ticks are dropped and logged, never defaulted.
type OracleFeed struct {
	wsURL   string
	source  string
	assets  []string
	ingest  IngestFunc
	backoff time.Duration
	logger  *slog.Logger
}

// NewOracleFeed creates a feed for the given oracle endpoint and asset list.
// source tags the resulting snapshots (e.g. "oracle-ws").
func NewOracleFeed(wsURL, source string, assets []string, ingest IngestFunc, logger *slog.Logger) *OracleFeed {
	return &OracleFeed{
		wsURL:   wsURL,
		source:  source,
		assets:  assets,
		ingest:  ingest,
		backoff: 2 * time.Second,
		logger:  logger.With(slog.String("component", "oracle_feed")),
	}
}

// Run connects, subscribes, and consumes ticks until ctx is cancelled.
func (f *OracleFeed) Run(ctx context.Context) error {
	if len(f.assets) == 0 {
		f.logger.Info("no assets to subscribe, exiting")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := f.runConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("oracle disconnected, reconnecting",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.backoff):
		}
	}
}

func (f *OracleFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	sub := map[string]any{
		"op":     "subscribe",
		"assets": f.assets,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	f.logger.Info("oracle feed connected",
		slog.String("url", f.wsURL),
		slog.Int("assets", len(f.assets)),
	)

	// Unblock ReadMessage when ctx is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, data)
	}
}

func (f *OracleFeed) handleMessage(ctx context.Context, data []byte) {
	var t tick
	if err := json.Unmarshal(data, &t); err != nil {
		f.logger.Debug("undecodable message dropped", slog.String("error", err.Error()))
		return
	}
	if t.Asset == "" || t.Price == "" {
		return // heartbeat or subscription ack
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		f.logger.Warn("tick with non-numeric price dropped",
			slog.String("asset", t.Asset),
			slog.String("price", t.Price),
		)
		return
	}

	md := domain.MarketData{
		Asset:       t.Asset,
		Price:       price,
		Source:      f.source,
		LastUpdated: time.Unix(t.Timestamp, 0).UTC(),
	}
	if t.Timestamp <= 0 {
		md.LastUpdated = time.Now().UTC()
	}
	md.PriceChange24h = parseOptional(t.Change24h)
	md.Volume24h = parseOptional(t.Volume24h)
	md.FundingRate = parseOptional(t.FundingRate)

	if err := f.ingest(ctx, md); err != nil {
		f.logger.Warn("ingest failed",
			slog.String("asset", t.Asset),
			slog.String("error", err.Error()),
		)
	}
}

func parseOptional(s string) decimal.NullDecimal {
	if s == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
