// internal/sink/sink.go
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	_ "time/tzdata" // Asia/Seoul без системной tzdata

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/kis-collector/internal/metrics"
	"github.com/YaganovValera/kis-collector/internal/model"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

var tracer = otel.Tracer("collector/sink")

// Store — пакетная запись и ретеншен по типу записи.
type Store interface {
	WriteBatch(ctx context.Context, kind model.Kind, recs []model.Record) error
	// DeleteBefore удаляет записи с меткой времени строго раньше cutoff.
	DeleteBefore(ctx context.Context, kind model.Kind, cutoff time.Time) (int64, error)
}

// PersistenceError — сбой записи или очистки одного типа записей.
type PersistenceError struct {
	Op    string // "write" | "sweep"
	Kind  model.Kind
	Count int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("sink: %s %s (%d records): %v", e.Op, e.Kind, e.Count, e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config задаёт периодичность сброса и окно хранения.
type Config struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Retention     time.Duration `mapstructure:"retention"`
	// SweepSchedule — cron-выражение с секундами.
	SweepSchedule string `mapstructure:"sweep_schedule"`
	Timezone      string `mapstructure:"timezone"`
	// WriteTimeout ограничивает одну пакетную запись.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c *Config) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 10 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "0 0 0 * * *"
	}
	if c.Timezone == "" {
		c.Timezone = "Asia/Seoul"
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

// -----------------------------------------------------------------------------
// BatchedSink
// -----------------------------------------------------------------------------

// BatchedSink копит записи в памяти по типам и периодически сбрасывает
// их в Store пакетами. Accept никогда не делает I/O.
type BatchedSink struct {
	cfg   Config
	store Store
	loc   *time.Location
	log   *logger.Logger
	now   func() time.Time

	mu  sync.Mutex
	buf map[model.Kind][]model.Record
}

// New проверяет конфигурацию и создаёт пустые буферы для всех типов.
func New(cfg Config, store Store, log *logger.Logger) (*BatchedSink, error) {
	cfg.applyDefaults()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("sink: timezone %q: %w", cfg.Timezone, err)
	}
	if _, err := cron.NewParser(cronFields).Parse(cfg.SweepSchedule); err != nil {
		return nil, fmt.Errorf("sink: sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	buf := make(map[model.Kind][]model.Record, len(model.Kinds()))
	for _, k := range model.Kinds() {
		buf[k] = nil
	}
	return &BatchedSink{
		cfg:   cfg,
		store: store,
		loc:   loc,
		log:   log.Named("sink"),
		now:   time.Now,
		buf:   buf,
	}, nil
}

// Accept добавляет запись в буфер её типа.
func (s *BatchedSink) Accept(rec model.Record) {
	k := rec.Kind()
	s.mu.Lock()
	s.buf[k] = append(s.buf[k], rec)
	s.mu.Unlock()
	metrics.SinkAccepted.WithLabelValues(k.String()).Inc()
}

// Pending возвращает размер буфера типа kind.
func (s *BatchedSink) Pending(kind model.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf[kind])
}

// drain атомарно забирает содержимое всех буферов.
func (s *BatchedSink) drain() map[model.Kind][]model.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.Kind][]model.Record, len(s.buf))
	for k, recs := range s.buf {
		if len(recs) > 0 {
			out[k] = recs
			s.buf[k] = nil
		}
	}
	return out
}

// Flush пишет накопленное: один WriteBatch на непустой тип, типы
// параллельно и независимо. Записи неудачного пакета не возвращаются
// в буфер.
func (s *BatchedSink) Flush(ctx context.Context) error {
	batches := s.drain()
	if len(batches) == 0 {
		return nil
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for kind, recs := range batches {
		kind, recs := kind, recs
		g.Go(func() error {
			if err := s.write(ctx, kind, recs); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *BatchedSink) write(ctx context.Context, kind model.Kind, recs []model.Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	ctx, span := tracer.Start(ctx, "sink.WriteBatch", trace.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.Int("count", len(recs)),
	))
	defer span.End()

	start := time.Now()
	err := s.store.WriteBatch(ctx, kind, recs)
	metrics.SinkFlushLatency.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		metrics.SinkFlushErrors.WithLabelValues(kind.String()).Inc()
		s.log.Error("batch write failed",
			zap.String("kind", kind.String()),
			zap.Int("count", len(recs)),
			zap.Error(err),
		)
		return &PersistenceError{Op: "write", Kind: kind, Count: len(recs), Err: err}
	}
	metrics.SinkFlushed.WithLabelValues(kind.String()).Add(float64(len(recs)))
	s.log.Debug("batch written", zap.String("kind", kind.String()), zap.Int("count", len(recs)))
	return nil
}

// Sweep удаляет по каждому типу записи старше now-Retention. Сбой одного
// типа не мешает остальным; повторов нет.
func (s *BatchedSink) Sweep(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-s.cfg.Retention)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, kind := range model.Kinds() {
		kind := kind
		g.Go(func() error {
			n, err := s.store.DeleteBefore(ctx, kind, cutoff)
			if err != nil {
				s.log.Error("retention sweep failed", zap.String("kind", kind.String()), zap.Error(err))
				mu.Lock()
				errs = append(errs, &PersistenceError{Op: "sweep", Kind: kind, Err: err})
				mu.Unlock()
				return nil
			}
			metrics.SinkSwept.WithLabelValues(kind.String()).Add(float64(n))
			s.log.Info("retention sweep",
				zap.String("kind", kind.String()),
				zap.Time("cutoff", cutoff),
				zap.Int64("deleted", n),
			)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

const cronFields = cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow

// Run сбрасывает буферы каждые FlushInterval и запускает очистку по
// расписанию. После отмены ctx выполняет финальный сброс.
func (s *BatchedSink) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(s.loc),
		cron.WithLogger(cronLogger{s.log.Named("cron")}),
	)
	if _, err := c.AddFunc(s.cfg.SweepSchedule, func() {
		_ = s.Sweep(ctx, s.now())
	}); err != nil {
		return fmt.Errorf("sink: schedule sweep: %w", err)
	}
	c.Start()
	defer func() { <-c.Stop().Done() }()

	s.log.Info("sink started",
		zap.Duration("flush_interval", s.cfg.FlushInterval),
		zap.Duration("retention", s.cfg.Retention),
		zap.String("sweep_schedule", s.cfg.SweepSchedule),
		zap.String("timezone", s.loc.String()),
	)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.Flush(ctx)
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
			err := s.Flush(final)
			cancel()
			s.log.Info("sink stopped")
			return err
		}
	}
}

// cronLogger пишет события планировщика в zap.
type cronLogger struct{ log *logger.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Sugar().Debugw(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Sugar().Errorw(msg, append(kv, "error", err)...)
}
