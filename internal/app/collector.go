// internal/app/collector.go
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/kis-collector/internal/config"
	"github.com/YaganovValera/kis-collector/internal/decoder"
	"github.com/YaganovValera/kis-collector/internal/gateway"
	"github.com/YaganovValera/kis-collector/internal/kis"
	"github.com/YaganovValera/kis-collector/internal/marketcap"
	"github.com/YaganovValera/kis-collector/internal/metrics"
	"github.com/YaganovValera/kis-collector/internal/sink"
	"github.com/YaganovValera/kis-collector/internal/storage/kafkastore"
	"github.com/YaganovValera/kis-collector/internal/storage/timescaledb"
	"github.com/YaganovValera/kis-collector/internal/stream"
	"github.com/YaganovValera/kis-collector/pkg/httpserver"
	"github.com/YaganovValera/kis-collector/pkg/logger"
	"github.com/YaganovValera/kis-collector/pkg/telemetry"
)

// Store — хранилище real-time записей с проверкой доступности.
type Store interface {
	sink.Store
	Ping(ctx context.Context) error
}

// Run собирает сервис и работает до отмены ctx.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	metrics.Register()

	// Инициализируем трассировку
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	cfg.Telemetry.Environment = cfg.KIS.Environment
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error {
		return shutdownTracer(context.WithoutCancel(ctx))
	}, log)

	// 1) Хранилище
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer shutdownSafe(ctx, "storage", closeStore, log)

	// 2) Очередь запросов и REST-клиент
	gw, err := gateway.New(cfg.GatewayConfig(), log)
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}
	defer shutdownSafe(ctx, "gateway", func() error {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.KIS.RequestTimeout)
		defer cancel()
		return gw.Shutdown(sctx)
	}, log)
	client := kis.New(cfg.ClientConfig(), gw, log)

	// 3) Рейтинг инструментов
	dir, closeDir, err := openDirectory(ctx, cfg.MarketCap, log)
	if err != nil {
		return err
	}
	defer shutdownSafe(ctx, "marketcap", closeDir, log)

	// 4) Буфер записей
	batched, err := sink.New(cfg.Sink, store, log)
	if err != nil {
		return fmt.Errorf("sink init: %w", err)
	}

	// 5) WebSocket
	handler := stream.NewHandler(cfg.Stream, dir, client, decoder.New(log), batched, log)
	sup, err := stream.NewSupervisor(cfg.Stream, stream.NewDialer(cfg.Stream.HandshakeTimeout), handler, log)
	if err != nil {
		return fmt.Errorf("stream supervisor init: %w", err)
	}

	// HTTP-сервер
	httpSrv, err := httpserver.New(cfg.HTTP, readiness(store, sup), log)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	log.Info("collector starting",
		zap.String("environment", cfg.KIS.Environment),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("marketcap", cfg.MarketCap.Source),
		zap.Int("top_n", cfg.Stream.TopN),
	)

	// Буфер живёт дольше стрима: финальный сброс идёт после того, как
	// супервизор перестал принимать кадры.
	sinkCtx, stopSink := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSink()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(gctx) })
	g.Go(func() error {
		defer stopSink()
		return sup.Run(gctx)
	})
	g.Go(func() error { return batched.Run(sinkCtx) })

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.WithContext(ctx).Info("collector stopped by context")
			return nil
		}
		return err
	}
	log.Info("collector stopped")
	return nil
}

// stater — то, что сообщает состояние WebSocket-соединения.
type stater interface {
	State() stream.State
}

// readiness: хранилище отвечает и сессия установлена.
func readiness(store interface{ Ping(context.Context) error }, sup stater) httpserver.ReadyChecker {
	return func(ctx context.Context) error {
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if st := sup.State(); st != stream.Connected {
			return fmt.Errorf("websocket %s", st)
		}
		return nil
	}
}

// openStore подключает выбранное хранилище.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "kafka":
		kcfg := cfg.Storage.Kafka
		if kcfg.Backoff.MaxElapsedTime == 0 {
			kcfg.Backoff = cfg.Storage.Backoff
		}
		s, err := kafkastore.New(ctx, kcfg, log)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka store init: %w", err)
		}
		return s, s.Close, nil

	case "timescale":
		// миграции при MigrateOnStart применяет Connect
		s, err := timescaledb.Connect(ctx, cfg.Storage.Timescale, cfg.Storage.Backoff, log)
		if err != nil {
			return nil, nil, fmt.Errorf("timescaledb init: %w", err)
		}
		return s, func() error { s.Close(); return nil }, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// openDirectory выбирает источник рейтинга. Redis дополняется
// статическим списком, если он задан.
func openDirectory(ctx context.Context, cfg config.MarketCapConfig, log *logger.Logger) (stream.Directory, func() error, error) {
	static := marketcap.FromCodes(cfg.Instruments)
	noop := func() error { return nil }

	if !strings.EqualFold(cfg.Source, "redis") {
		return static, noop, nil
	}
	r, err := marketcap.NewRedis(ctx, cfg.Redis, log)
	if err != nil {
		if len(static) == 0 {
			return nil, nil, fmt.Errorf("marketcap init: %w", err)
		}
		log.Warn("redis ranking unavailable, using static instruments", zap.Error(err))
		return static, noop, nil
	}
	if len(static) == 0 {
		return r, r.Close, nil
	}
	return marketcap.Fallback{Primary: r, Secondary: static, Log: log.Named("marketcap")}, r.Close, nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
