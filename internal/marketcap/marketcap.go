// internal/marketcap/marketcap.go
//
// Пакет marketcap отдаёт рейтинг инструментов по капитализации, по
// которому стрим выбирает, на что подписываться.
package marketcap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/internal/model"
	"github.com/YaganovValera/kis-collector/pkg/backoff"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

var tracer = otel.Tracer("collector/marketcap")

// ErrInvalidPage — отрицательная страница или неположительный лимит.
var ErrInvalidPage = errors.New("marketcap: invalid page or limit")

func bounds(page, limit int) (start, stop int64, err error) {
	if page < 0 || limit <= 0 {
		return 0, 0, ErrInvalidPage
	}
	start = int64(page) * int64(limit)
	return start, start + int64(limit) - 1, nil
}

// -----------------------------------------------------------------------------
// Redis
// -----------------------------------------------------------------------------

// Config — подключение к Redis и ключ рейтинга.
type Config struct {
	URL string `mapstructure:"url"` // redis://host:6379/0
	// Key — sorted set (score = капитализация, member = код).
	// Названия лежат в хэше Key+":names".
	Key     string         `mapstructure:"key"`
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Key == "" {
		c.Key = "kis:marketcap"
	}
}

func (c Config) validate() error {
	if c.URL == "" {
		return fmt.Errorf("marketcap: redis url required")
	}
	return nil
}

// Redis читает рейтинг из sorted set.
type Redis struct {
	client *redis.Client
	key    string
	log    *logger.Logger
}

// NewRedis подключается к Redis с повторами.
func NewRedis(ctx context.Context, cfg Config, log *logger.Logger) (*Redis, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("marketcap: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	cfg.Backoff.Operation = "redis_connect"
	ctxConn, span := tracer.Start(ctx, "Connect")
	err = backoff.Execute(ctxConn, cfg.Backoff, log, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	span.End()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("marketcap: redis connect: %w", err)
	}
	log.Info("marketcap: redis connected", zap.String("addr", opts.Addr), zap.String("key", cfg.Key))
	return newRedis(client, cfg.Key, log), nil
}

func newRedis(client *redis.Client, key string, log *logger.Logger) *Redis {
	return &Redis{client: client, key: key, log: log.Named("marketcap")}
}

// TopByMarketCap возвращает страницу page (с нуля) рейтинга по убыванию.
func (r *Redis) TopByMarketCap(ctx context.Context, page, limit int) ([]model.MarketCap, error) {
	start, stop, err := bounds(page, limit)
	if err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "TopByMarketCap", trace.WithAttributes(
		attribute.Int("page", page),
		attribute.Int("limit", limit),
	))
	defer span.End()

	zs, err := r.client.ZRevRangeWithScores(ctx, r.key, start, stop).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("marketcap: zrevrange %s: %w", r.key, err)
	}
	if len(zs) == 0 {
		return nil, nil
	}

	codes := make([]string, len(zs))
	for i, z := range zs {
		codes[i], _ = z.Member.(string)
	}
	names, err := r.client.HMGet(ctx, r.key+":names", codes...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		// без названий рейтинг всё равно пригоден
		r.log.Warn("names lookup failed", zap.Error(err))
		names = nil
	}

	out := make([]model.MarketCap, len(zs))
	for i, z := range zs {
		out[i] = model.MarketCap{Code: codes[i], MarketCap: int64(z.Score)}
		if i < len(names) {
			out[i].Name, _ = names[i].(string)
		}
	}
	return out, nil
}

// Upsert записывает рейтинг одной транзакцией.
func (r *Redis) Upsert(ctx context.Context, rows []model.MarketCap) error {
	if len(rows) == 0 {
		return nil
	}
	ctx, span := tracer.Start(ctx, "Upsert", trace.WithAttributes(attribute.Int("count", len(rows))))
	defer span.End()

	start := time.Now()
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		members := make([]redis.Z, 0, len(rows))
		names := make(map[string]any, len(rows))
		for _, row := range rows {
			members = append(members, redis.Z{Score: float64(row.MarketCap), Member: row.Code})
			if row.Name != "" {
				names[row.Code] = row.Name
			}
		}
		p.ZAdd(ctx, r.key, members...)
		if len(names) > 0 {
			p.HSet(ctx, r.key+":names", names)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marketcap: upsert: %w", err)
	}
	r.log.Debug("ranking updated", zap.Int("count", len(rows)), zap.Duration("took", time.Since(start)))
	return nil
}

// Ping проверяет соединение.
func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Close закрывает клиент.
func (r *Redis) Close() error { return r.client.Close() }

// -----------------------------------------------------------------------------
// Static
// -----------------------------------------------------------------------------

// Static — фиксированный список из конфигурации, уже упорядоченный.
type Static []model.MarketCap

// FromCodes строит Static из списка кодов; порядок сохраняется.
func FromCodes(codes []string) Static {
	out := make(Static, len(codes))
	for i, c := range codes {
		out[i] = model.MarketCap{Code: c}
	}
	return out
}

// TopByMarketCap возвращает срез списка.
func (s Static) TopByMarketCap(_ context.Context, page, limit int) ([]model.MarketCap, error) {
	start, stop, err := bounds(page, limit)
	if err != nil {
		return nil, err
	}
	if start >= int64(len(s)) {
		return nil, nil
	}
	end := min(stop+1, int64(len(s)))
	return append([]model.MarketCap(nil), s[start:end]...), nil
}

// -----------------------------------------------------------------------------
// Fallback
// -----------------------------------------------------------------------------

// Source — то, что умеет отдавать рейтинг.
type Source interface {
	TopByMarketCap(ctx context.Context, page, limit int) ([]model.MarketCap, error)
}

// Fallback спрашивает Primary, а при ошибке или пустом ответе — Secondary.
type Fallback struct {
	Primary   Source
	Secondary Source
	Log       *logger.Logger
}

func (f Fallback) TopByMarketCap(ctx context.Context, page, limit int) ([]model.MarketCap, error) {
	rows, err := f.Primary.TopByMarketCap(ctx, page, limit)
	if err == nil && len(rows) > 0 {
		return rows, nil
	}
	if errors.Is(err, ErrInvalidPage) {
		return nil, err
	}
	if f.Log != nil {
		f.Log.Warn("primary ranking unavailable, using fallback",
			zap.Int("page", page), zap.Error(err))
	}
	return f.Secondary.TopByMarketCap(ctx, page, limit)
}
