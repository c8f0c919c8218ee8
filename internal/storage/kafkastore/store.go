// internal/storage/kafkastore/store.go
//
// Пакет kafkastore публикует real-time записи в Kafka, по топику на тип.
// Ретеншен задаётся на стороне брокера (retention.ms топика).
package kafkastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/internal/model"
	"github.com/YaganovValera/kis-collector/pkg/backoff"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

var tracer = otel.Tracer("collector/storage/kafka")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config — параметры Sync-продьюсера.
type Config struct {
	Brokers []string `mapstructure:"brokers"`

	// RequiredAcks: "all" (дефолт) | "leader" | "none".
	RequiredAcks string        `mapstructure:"required_acks"`
	Timeout      time.Duration `mapstructure:"timeout"`

	// Compression: "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	// TopicPrefix + "." + kind — имя топика, например kis.realtime.execution.
	TopicPrefix string `mapstructure:"topic_prefix"`

	// Backoff — повторы подключения.
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "kis.realtime"
	}
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafkastore: brokers required")
	}
	return nil
}

// Topic возвращает топик для типа записи.
func (c Config) Topic(kind model.Kind) string {
	return c.TopicPrefix + "." + kind.String()
}

func buildSaramaConfig(c Config) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
		// идемпотентность допустима только при acks=all
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafkastore: invalid RequiredAcks %q", c.RequiredAcks)
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafkastore: invalid Compression %q", c.Compression)
	}
	return sc, nil
}

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store реализует sink.Store поверх Kafka.
type Store struct {
	cfg    Config
	prod   sarama.SyncProducer
	client sarama.Client
	log    *logger.Logger
}

// New подключается к кластеру с повторами и оборачивает продьюсер в otelsarama.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Store, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}
	log = log.Named("kafka")

	var (
		client sarama.Client
		prod   sarama.SyncProducer
	)
	cfg.Backoff.Operation = "kafka_connect"
	err = backoff.Execute(ctx, cfg.Backoff, log, func(context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			return err
		}
		p, err := sarama.NewSyncProducerFromClient(c)
		if err != nil {
			_ = c.Close()
			return err
		}
		client, prod = c, p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kafkastore: connect: %w", err)
	}

	log.Info("kafka producer ready",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix),
	)
	return newStore(cfg, otelsarama.WrapSyncProducer(sc, prod), client, log), nil
}

func newStore(cfg Config, prod sarama.SyncProducer, client sarama.Client, log *logger.Logger) *Store {
	return &Store{cfg: cfg, prod: prod, client: client, log: log}
}

// WriteBatch публикует пакет одним SendMessages; ключ — код инструмента,
// поэтому записи одного инструмента попадают в одну партицию по порядку.
func (s *Store) WriteBatch(ctx context.Context, kind model.Kind, recs []model.Record) error {
	topic := s.cfg.Topic(kind)
	_, span := tracer.Start(ctx, "WriteBatch", trace.WithAttributes(
		attribute.String("topic", topic),
		attribute.Int("count", len(recs)),
	))
	defer span.End()

	msgs := make([]*sarama.ProducerMessage, 0, len(recs))
	for _, r := range recs {
		value, err := json.Marshal(r)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("kafkastore: marshal %s: %w", kind, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic:     topic,
			Key:       sarama.StringEncoder(r.InstrumentCode()),
			Value:     sarama.ByteEncoder(value),
			Timestamp: r.Timestamp(),
		})
	}

	if err := s.prod.SendMessages(msgs); err != nil {
		span.RecordError(err)
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			return fmt.Errorf("kafkastore: %d of %d messages to %s failed: %w", len(perrs), len(msgs), topic, perrs[0].Err)
		}
		return fmt.Errorf("kafkastore: send to %s: %w", topic, err)
	}
	s.log.Debug("batch published", zap.String("topic", topic), zap.Int("count", len(msgs)))
	return nil
}

// DeleteBefore ничего не удаляет: срок хранения задаёт retention.ms топика.
func (s *Store) DeleteBefore(_ context.Context, kind model.Kind, cutoff time.Time) (int64, error) {
	s.log.Debug("retention delegated to broker",
		zap.String("topic", s.cfg.Topic(kind)),
		zap.Time("cutoff", cutoff),
	)
	return 0, nil
}

// Ping обновляет метаданные кластера.
func (s *Store) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "Ping")
	defer span.End()
	if s.client == nil {
		return errors.New("kafkastore: no client")
	}
	if err := s.client.RefreshMetadata(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Close закрывает продьюсер и клиент.
func (s *Store) Close() error {
	if err := s.prod.Close(); err != nil {
		s.log.Error("producer close failed", zap.Error(err))
		return err
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && !errors.Is(err, sarama.ErrClosedClient) {
			s.log.Error("client close failed", zap.Error(err))
			return err
		}
	}
	s.log.Info("kafka producer closed")
	return nil
}
