// internal/storage/timescaledb/store.go
package timescaledb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/internal/model"
	"github.com/YaganovValera/kis-collector/pkg/backoff"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

var tracer = otel.Tracer("collector/storage/timescaledb")

// migrateUp подменяется в тестах.
var migrateUp = func(ctx context.Context, dsn string, log *logger.Logger) error {
	return Migrate(ctx, dsn, "up", log)
}

// pool — подмножество *pgxpool.Pool, которым пользуется Store.
type pool interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// table — раскладка одного типа записи по колонкам.
type table struct {
	name    string
	columns []string
	row     func(model.Record) ([]any, error)
}

var tables = map[model.Kind]table{
	model.KindExecution: {
		name:    "realtime_executions",
		columns: []string{"stock_code", "ts", "price", "volume", "payload"},
		row: func(r model.Record) ([]any, error) {
			e, ok := r.(*model.RealtimeExecution)
			if !ok {
				return nil, fmt.Errorf("unexpected %T", r)
			}
			payload, err := json.Marshal(e)
			if err != nil {
				return nil, err
			}
			return []any{e.StockCode, e.ReceivedAt.UTC(), numeric(e.CurrentPrice), e.ExecVolume, payload}, nil
		},
	},
	model.KindOrderbook: {
		name:    "realtime_orderbooks",
		columns: []string{"stock_code", "ts", "best_ask", "best_bid", "payload"},
		row: func(r model.Record) ([]any, error) {
			o, ok := r.(*model.RealtimeOrderbook)
			if !ok {
				return nil, fmt.Errorf("unexpected %T", r)
			}
			payload, err := json.Marshal(o)
			if err != nil {
				return nil, err
			}
			return []any{o.StockCode, o.ReceivedAt.UTC(), numeric(o.BestAsk()), numeric(o.BestBid()), payload}, nil
		},
	},
}

// Store пишет real-time записи в hypertable-таблицы TimescaleDB.
type Store struct {
	db  pool
	log *logger.Logger
}

// Connect открывает пул (с повторами) и при MigrateOnStart применяет миграции.
func Connect(ctx context.Context, cfg Config, retry backoff.Config, log *logger.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := migrateUp(ctx, cfg.DSN, log); err != nil {
			return nil, err
		}
	}

	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("timescaledb: parse dsn: %w", err)
	}
	pgxCfg.MaxConns = cfg.MaxConns
	pgxCfg.MinConns = cfg.MinConns
	pgxCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	var db *pgxpool.Pool
	retry.Operation = "timescaledb_connect"
	err = backoff.Execute(ctx, retry, log, func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, pgxCfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		db = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("timescaledb: connect: %w", err)
	}
	log.Info("timescaledb: connected", zap.Int32("max_conns", cfg.MaxConns))
	return newStore(db, log), nil
}

func newStore(db pool, log *logger.Logger) *Store {
	return &Store{db: db, log: log.Named("timescaledb")}
}

// WriteBatch вставляет пакет одним COPY.
func (s *Store) WriteBatch(ctx context.Context, kind model.Kind, recs []model.Record) error {
	t, ok := tables[kind]
	if !ok {
		return fmt.Errorf("timescaledb: unknown kind %q", kind)
	}
	ctx, span := tracer.Start(ctx, "WriteBatch", trace.WithAttributes(
		attribute.String("table", t.name),
		attribute.Int("count", len(recs)),
	))
	defer span.End()

	rows := make([][]any, 0, len(recs))
	for _, r := range recs {
		row, err := t.row(r)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("timescaledb: %s row: %w", t.name, err)
		}
		rows = append(rows, row)
	}

	n, err := s.db.CopyFrom(ctx, pgx.Identifier{t.name}, t.columns, pgx.CopyFromRows(rows))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("timescaledb: copy into %s: %w", t.name, err)
	}
	s.log.WithContext(ctx).Debug("copy done", zap.String("table", t.name), zap.Int64("rows", n))
	return nil
}

// DeleteBefore удаляет строки с ts строго раньше cutoff.
func (s *Store) DeleteBefore(ctx context.Context, kind model.Kind, cutoff time.Time) (int64, error) {
	t, ok := tables[kind]
	if !ok {
		return 0, fmt.Errorf("timescaledb: unknown kind %q", kind)
	}
	ctx, span := tracer.Start(ctx, "DeleteBefore", trace.WithAttributes(attribute.String("table", t.name)))
	defer span.End()

	tag, err := s.db.Exec(ctx, "DELETE FROM "+pgx.Identifier{t.name}.Sanitize()+" WHERE ts < $1", cutoff.UTC())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("timescaledb: delete from %s: %w", t.name, err)
	}
	return tag.RowsAffected(), nil
}

// SaveDailyPrices сохраняет дневные свечи, перезаписывая существующие дни.
func (s *Store) SaveDailyPrices(ctx context.Context, rows []model.DailyPrice) error {
	ctx, span := tracer.Start(ctx, "SaveDailyPrices", trace.WithAttributes(attribute.Int("count", len(rows))))
	defer span.End()

	const query = `INSERT INTO daily_prices (
		stock_code, trade_date, open, high, low, close, volume, trading_value, change_rate
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (stock_code, trade_date) DO UPDATE SET
		open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
		volume = EXCLUDED.volume, trading_value = EXCLUDED.trading_value, change_rate = EXCLUDED.change_rate`

	for _, r := range rows {
		day, err := time.Parse("20060102", r.Date)
		if err != nil {
			return fmt.Errorf("timescaledb: daily price date %q: %w", r.Date, err)
		}
		if _, err := s.db.Exec(ctx, query,
			r.StockCode, day,
			numeric(r.Open), numeric(r.High), numeric(r.Low), numeric(r.Close),
			r.Volume, r.TradingValue, numeric(r.ChangeRate),
		); err != nil {
			span.RecordError(err)
			s.log.WithContext(ctx).Error("daily price upsert failed", zap.String("stock_code", r.StockCode), zap.Error(err))
			return fmt.Errorf("timescaledb: upsert daily price: %w", err)
		}
	}
	return nil
}

// SaveMinuteBars сохраняет минутные свечи, перезаписывая существующие минуты.
func (s *Store) SaveMinuteBars(ctx context.Context, rows []model.MinuteBar) error {
	ctx, span := tracer.Start(ctx, "SaveMinuteBars", trace.WithAttributes(attribute.Int("count", len(rows))))
	defer span.End()

	const query = `INSERT INTO minute_prices (
		stock_code, trade_date, trade_time, open, high, low, close, volume, trading_value
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (stock_code, trade_date, trade_time) DO UPDATE SET
		open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
		volume = EXCLUDED.volume, trading_value = EXCLUDED.trading_value`

	for _, r := range rows {
		day, err := time.Parse("20060102", r.Date)
		if err != nil {
			return fmt.Errorf("timescaledb: minute bar date %q: %w", r.Date, err)
		}
		clock, err := time.Parse("150405", r.Time)
		if err != nil {
			return fmt.Errorf("timescaledb: minute bar time %q: %w", r.Time, err)
		}
		tod := pgtype.Time{
			Microseconds: int64(clock.Hour()*3600+clock.Minute()*60+clock.Second()) * 1_000_000,
			Valid:        true,
		}
		if _, err := s.db.Exec(ctx, query,
			r.StockCode, day, tod,
			numeric(r.Open), numeric(r.High), numeric(r.Low), numeric(r.Close),
			r.Volume, r.TradingValue,
		); err != nil {
			span.RecordError(err)
			s.log.WithContext(ctx).Error("minute bar upsert failed", zap.String("stock_code", r.StockCode), zap.Error(err))
			return fmt.Errorf("timescaledb: upsert minute bar: %w", err)
		}
	}
	return nil
}

// Ping проверяет доступность БД.
func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close закрывает пул соединений.
func (s *Store) Close() { s.db.Close() }

// numeric переводит decimal в pgtype.Numeric без потери точности.
func numeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
