// internal/app/history.go
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/internal/config"
	"github.com/YaganovValera/kis-collector/internal/gateway"
	"github.com/YaganovValera/kis-collector/internal/kis"
	"github.com/YaganovValera/kis-collector/internal/model"
	"github.com/YaganovValera/kis-collector/internal/storage/timescaledb"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

// History — исторические запросы REST-клиента.
type History interface {
	DailyPrices(ctx context.Context, r kis.DailyRequest) ([]model.DailyPrice, error)
	MinuteBars(ctx context.Context, r kis.MinuteRequest) ([]model.MinuteBar, error)
}

// DailySaver сохраняет дневные свечи.
type DailySaver interface {
	SaveDailyPrices(ctx context.Context, rows []model.DailyPrice) error
}

// MinuteSaver сохраняет минутные свечи.
type MinuteSaver interface {
	SaveMinuteBars(ctx context.Context, rows []model.MinuteBar) error
}

// Daily выгружает дневные свечи, печатает их в out и, если хранилище —
// TimescaleDB, сохраняет в daily_prices.
func Daily(ctx context.Context, cfg *config.Config, log *logger.Logger, req kis.DailyRequest, out io.Writer) error {
	return withClient(ctx, cfg, log, func(c *kis.Client) error {
		return withHistoryStore(ctx, cfg, log, func(store *timescaledb.Store) error {
			var saver DailySaver
			if store != nil {
				saver = store
			}
			return fetchDaily(ctx, c, saver, req, out, log)
		})
	})
}

// Minute печатает минутные свечи одного дня и, если хранилище —
// TimescaleDB, сохраняет их в minute_prices.
func Minute(ctx context.Context, cfg *config.Config, log *logger.Logger, req kis.MinuteRequest, out io.Writer) error {
	return withClient(ctx, cfg, log, func(c *kis.Client) error {
		return withHistoryStore(ctx, cfg, log, func(store *timescaledb.Store) error {
			var saver MinuteSaver
			if store != nil {
				saver = store
			}
			return fetchMinute(ctx, c, saver, req, out, log)
		})
	})
}

// withHistoryStore подключает TimescaleDB на время команды; при другом
// хранилище fn получает nil.
func withHistoryStore(ctx context.Context, cfg *config.Config, log *logger.Logger, fn func(*timescaledb.Store) error) error {
	if !strings.EqualFold(cfg.Storage.Backend, "timescale") {
		return fn(nil)
	}
	store, err := timescaledb.Connect(ctx, cfg.Storage.Timescale, cfg.Storage.Backoff, log)
	if err != nil {
		return fmt.Errorf("timescaledb init: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func fetchDaily(ctx context.Context, h History, saver DailySaver, req kis.DailyRequest, out io.Writer, log *logger.Logger) error {
	rows, err := h.DailyPrices(ctx, req)
	if err != nil {
		return fmt.Errorf("daily prices %s: %w", req.StockCode, err)
	}
	log.Info("daily prices fetched",
		zap.String("stock_code", req.StockCode),
		zap.Int("rows", len(rows)),
	)
	if saver != nil && len(rows) > 0 {
		if err := saver.SaveDailyPrices(ctx, rows); err != nil {
			return fmt.Errorf("save daily prices: %w", err)
		}
	}
	return printJSON(out, rows)
}

func fetchMinute(ctx context.Context, h History, saver MinuteSaver, req kis.MinuteRequest, out io.Writer, log *logger.Logger) error {
	rows, err := h.MinuteBars(ctx, req)
	if err != nil {
		return fmt.Errorf("minute bars %s: %w", req.StockCode, err)
	}
	log.Info("minute bars fetched",
		zap.String("stock_code", req.StockCode),
		zap.Int("rows", len(rows)),
	)
	if saver != nil && len(rows) > 0 {
		if err := saver.SaveMinuteBars(ctx, rows); err != nil {
			return fmt.Errorf("save minute bars: %w", err)
		}
	}
	return printJSON(out, rows)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withClient поднимает очередь запросов на время одной команды.
func withClient(ctx context.Context, cfg *config.Config, log *logger.Logger, fn func(*kis.Client) error) error {
	gw, err := gateway.New(cfg.GatewayConfig(), log)
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}
	defer shutdownSafe(ctx, "gateway", func() error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.KIS.RequestTimeout)
		defer cancel()
		return gw.Shutdown(sctx)
	}, log)
	return fn(kis.New(cfg.ClientConfig(), gw, log))
}
