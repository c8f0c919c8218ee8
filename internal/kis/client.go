// internal/kis/client.go
//
// Пакет kis — REST-вызовы брокера поверх rate-limited gateway:
// ключ одобрения для WebSocket и исторические котировки.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/pkg/logger"
)

var tracer = otel.Tracer("collector/kis")

// Doer — очередь исходящих запросов. Send отправляет запрос как есть,
// Do дополнительно проставляет bearer-токен и ключи приложения.
type Doer interface {
	Send(ctx context.Context, req *http.Request) (*http.Response, error)
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Config — адреса и учётные данные одного окружения (real или mock).
type Config struct {
	BaseURL    string
	AuthDomain string
	AppKey     string
	AppSecret  string
}

// StatusError — брокер ответил не-2xx или rt_cd != "0".
type StatusError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("kis: %s: status %d, %s %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("kis: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// marshalJSON подменяется в тестах.
var marshalJSON = json.Marshal

// ErrEmptyApprovalKey — брокер вернул пустой approval_key.
var ErrEmptyApprovalKey = errors.New("kis: empty approval_key")

// Client выполняет REST-вызовы брокера.
type Client struct {
	cfg Config
	gw  Doer
	log *logger.Logger
}

// New создаёт Client. AuthDomain по умолчанию совпадает с BaseURL.
func New(cfg Config, gw Doer, log *logger.Logger) *Client {
	if cfg.AuthDomain == "" {
		cfg.AuthDomain = cfg.BaseURL
	}
	return &Client{cfg: cfg, gw: gw, log: log.Named("kis")}
}

// ApprovalKey получает ключ одобрения WebSocket-сессии.
func (c *Client) ApprovalKey(ctx context.Context) (string, error) {
	ctx, span := tracer.Start(ctx, "kis.ApprovalKey")
	defer span.End()

	body, err := marshalJSON(map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"secretkey":  c.cfg.AppSecret,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("kis: approval body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthDomain+"/oauth2/Approval", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("kis: approval request: %w", err)
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")

	resp, err := c.gw.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	var out struct {
		ApprovalKey string `json:"approval_key"`
	}
	if err := decode(resp, "approval", &out); err != nil {
		span.RecordError(err)
		return "", err
	}
	if out.ApprovalKey == "" {
		return "", ErrEmptyApprovalKey
	}
	c.log.Debug("approval key issued")
	return out.ApprovalKey, nil
}

// get выполняет авторизованный GET к REST-API с указанным tr_id.
func (c *Client) get(ctx context.Context, op, path, trID string, q url.Values, out any) error {
	ctx, span := tracer.Start(ctx, "kis."+op, trace.WithAttributes(
		attribute.String("tr_id", trID),
		attribute.String("stock_code", q.Get("FID_INPUT_ISCD")),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("kis: %s request: %w", op, err)
	}
	req.Header.Set("tr_id", trID)

	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := decode(resp, op, out); err != nil {
		span.RecordError(err)
		c.log.Warn("request failed", zap.String("op", op), zap.Error(err))
		return err
	}
	return nil
}

// decode читает тело ответа, проверяет HTTP-статус и разбирает JSON.
func decode(resp *http.Response, op string, out any) error {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("kis: %s: read body: %w", op, err)
	}
	if resp.StatusCode/100 != 2 {
		se := &StatusError{Op: op, StatusCode: resp.StatusCode}
		var env envelope
		if json.Unmarshal(raw, &env) == nil && env.MsgCode != "" {
			se.Code, se.Message = env.MsgCode, env.Msg
		} else {
			se.Message = string(raw)
		}
		return se
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("kis: %s: decode: %w", op, err)
	}
	return nil
}
