// internal/gateway/gateway.go
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/internal/metrics"
	"github.com/YaganovValera/kis-collector/pkg/backoff"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

var tracer = otel.Tracer("collector/gateway")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config задаёт endpoint брокера, учётные данные и параметры пейсинга.
type Config struct {
	BaseURL   string
	AppKey    string
	AppSecret string

	// PacingDelay — минимальный интервал между стартами запросов.
	PacingDelay time.Duration
	// QueueCapacity — сколько запросов может ждать диспетчеризации.
	QueueCapacity int
	// RequestTimeout ограничивает один HTTP-обмен.
	RequestTimeout time.Duration

	MaxIdleConns    int
	MaxConnsPerHost int
	IdleConnTimeout time.Duration

	// TokenRetry — повторы обновления токена (MaxRetries по умолчанию 3).
	TokenRetry backoff.Config
	// EagerToken запускает получение токена сразу в New.
	EagerToken bool
}

func (c *Config) applyDefaults() {
	if c.PacingDelay < 0 {
		c.PacingDelay = 0
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 500
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = 500
	}
	if c.IdleConnTimeout <= 0 {
		c.IdleConnTimeout = 20 * time.Second
	}
	if c.TokenRetry.MaxRetries == 0 {
		c.TokenRetry.MaxRetries = 3
	}
}

func (c Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("gateway: BaseURL is required")
	}
	if c.AppKey == "" || c.AppSecret == "" {
		return fmt.Errorf("gateway: AppKey and AppSecret are required")
	}
	return nil
}

// -----------------------------------------------------------------------------
// Gateway
// -----------------------------------------------------------------------------

type result struct {
	resp *http.Response
	err  error
}

// queued — запрос, ожидающий своей очереди; result получает ровно
// одно значение.
type queued struct {
	id         string
	ctx        context.Context
	req        *http.Request
	enqueuedAt time.Time
	result     chan result
}

func (q *queued) resolve(resp *http.Response, err error) {
	q.result <- result{resp: resp, err: err}
}

// Gateway пропускает все исходящие запросы к брокеру через одну
// FIFO-очередь: старты разнесены минимум на PacingDelay, сами обмены
// идут параллельно.
type Gateway struct {
	cfg    Config
	client *http.Client
	log    *logger.Logger
	tokens *TokenCache

	mu     sync.RWMutex
	closed bool
	queue  chan *queued

	// enqMu упорядочивает постановку в очередь вместе с хуком enqueued.
	enqMu sync.Mutex

	inflight sync.WaitGroup
	done     chan struct{}

	// dispatched вызывается в цикле диспетчеризации в момент старта обмена.
	dispatched func(req *http.Request, at time.Time)
	// enqueued вызывается сразу после постановки запроса в очередь.
	enqueued func(req *http.Request)
}

// New запускает цикл диспетчеризации и, при EagerToken, фоновое
// получение токена, результат которого только логируется.
func New(cfg Config, log *logger.Logger) (*Gateway, error) {
	g, err := newGateway(cfg, log, nil)
	if err != nil {
		return nil, err
	}
	go g.dispatchLoop()

	if g.cfg.EagerToken {
		go func() {
			if _, err := g.tokens.Get(context.Background()); err != nil {
				g.log.Warn("initial token fetch failed", zap.Error(err))
			}
		}()
	}

	g.log.Info("gateway started",
		zap.String("base_url", g.cfg.BaseURL),
		zap.Duration("pacing_delay", g.cfg.PacingDelay),
		zap.Int("queue_capacity", g.cfg.QueueCapacity),
	)
	return g, nil
}

// newGateway собирает Gateway без запуска цикла диспетчеризации.
func newGateway(cfg Config, log *logger.Logger, dispatched func(*http.Request, time.Time)) (*Gateway, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost
	transport.IdleConnTimeout = cfg.IdleConnTimeout

	g := &Gateway{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		log:    log.Named("gateway"),
		queue:  make(chan *queued, cfg.QueueCapacity),
		done:   make(chan struct{}),

		dispatched: dispatched,
	}
	g.tokens = newTokenCache(g.fetchToken, cfg.TokenRetry, g.log)
	return g, nil
}

// BaseURL возвращает адрес REST-API брокера.
func (g *Gateway) BaseURL() string { return g.cfg.BaseURL }

// Send ставит запрос в очередь и ждёт ответа. Переполненная очередь
// даёт *EnqueueError сразу, после Shutdown — ErrClosed. Не-2xx ответы
// возвращаются как есть; тело ответа закрывает вызывающий.
func (g *Gateway) Send(ctx context.Context, req *http.Request) (*http.Response, error) {
	q := &queued{
		id:         uuid.NewString(),
		ctx:        ctx,
		req:        req,
		enqueuedAt: time.Now(),
		result:     make(chan result, 1),
	}
	if err := g.enqueue(q); err != nil {
		return nil, err
	}

	select {
	case r := <-q.result:
		return r.resp, r.err
	case <-ctx.Done():
		go discard(q)
		return nil, ctx.Err()
	}
}

// discard закрывает тело ответа, который уже никто не ждёт.
func discard(q *queued) {
	if r := <-q.result; r.resp != nil {
		_ = r.resp.Body.Close()
	}
}

func (g *Gateway) enqueue(q *queued) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		metrics.GatewayRejected.WithLabelValues("closed").Inc()
		return ErrClosed
	}
	g.enqMu.Lock()
	defer g.enqMu.Unlock()
	select {
	case g.queue <- q:
		metrics.GatewayQueueDepth.Inc()
		if g.enqueued != nil {
			g.enqueued(q.req)
		}
		return nil
	default:
		metrics.GatewayRejected.WithLabelValues("queue_full").Inc()
		return &EnqueueError{Capacity: cap(g.queue)}
	}
}

// Do добавляет заголовки авторизации и отправляет запрос через очередь.
func (g *Gateway) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	tok, err := g.tokens.Get(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("authorization", "Bearer "+tok)
	req.Header.Set("appkey", g.cfg.AppKey)
	req.Header.Set("appsecret", g.cfg.AppSecret)
	if req.Header.Get("content-type") == "" {
		req.Header.Set("content-type", "application/json; charset=utf-8")
	}
	return g.Send(ctx, req)
}

// Token возвращает действующий bearer-токен.
func (g *Gateway) Token(ctx context.Context) (string, error) {
	return g.tokens.Get(ctx)
}

// Shutdown перестаёт принимать запросы; уже поставленные в очередь
// и выполняющиеся завершаются штатно.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.queue)
	}
	g.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		<-g.done
		g.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		g.client.CloseIdleConnections()
		g.log.Info("gateway stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: shutdown: %w", ctx.Err())
	}
}

// -----------------------------------------------------------------------------
// dispatch
// -----------------------------------------------------------------------------

func (g *Gateway) dispatchLoop() {
	defer close(g.done)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var last time.Time
	for q := range g.queue {
		metrics.GatewayQueueDepth.Dec()

		if err := q.ctx.Err(); err != nil {
			q.resolve(nil, err)
			continue
		}

		if !last.IsZero() {
			if wait := g.cfg.PacingDelay - time.Since(last); wait > 0 {
				timer.Reset(wait)
				<-timer.C
			}
		}
		last = time.Now()

		if g.dispatched != nil {
			g.dispatched(q.req, last)
		}
		g.inflight.Add(1)
		go g.exchange(q)
	}
}

func (g *Gateway) exchange(q *queued) {
	defer g.inflight.Done()

	ctx, span := tracer.Start(q.ctx, "gateway.exchange", trace.WithAttributes(
		attribute.String("request_id", q.id),
		attribute.String("http.method", q.req.Method),
		attribute.String("http.path", q.req.URL.Path),
	))
	defer span.End()

	start := time.Now()
	resp, err := g.client.Do(q.req.WithContext(ctx))
	metrics.GatewayLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.GatewayDispatches.WithLabelValues("transport_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		g.log.Warn("upstream exchange failed",
			zap.String("request_id", q.id),
			zap.String("path", q.req.URL.Path),
			zap.Error(err),
		)
		q.resolve(nil, &TransportError{Method: q.req.Method, URL: q.req.URL.String(), Err: err})
		return
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	metrics.GatewayDispatches.WithLabelValues(strconv.Itoa(resp.StatusCode/100) + "xx").Inc()
	g.log.Debug("upstream exchange",
		zap.String("request_id", q.id),
		zap.String("path", q.req.URL.Path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("queued", start.Sub(q.enqueuedAt)),
		zap.Duration("took", time.Since(start)),
	)
	q.resolve(resp, nil)
}

// -----------------------------------------------------------------------------
// token endpoint
// -----------------------------------------------------------------------------

const tokenPath = "/oauth2/tokenP"

// fetchToken выполняет один запрос токена через ту же очередь.
func (g *Gateway) fetchToken(ctx context.Context) (Token, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     g.cfg.AppKey,
		"appsecret":  g.cfg.AppSecret,
	})
	if err != nil {
		return Token{}, backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return Token{}, backoff.Permanent(err)
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")

	issuedAt := time.Now()
	resp, err := g.Send(ctx, req)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return Token{}, backoff.Permanent(err)
		}
		return Token{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return Token{}, fmt.Errorf("token endpoint status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return Token{}, fmt.Errorf("decode token response: %w", err)
	}
	return tr.token(issuedAt)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n])
}
