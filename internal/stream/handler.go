// internal/stream/handler.go
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/kis-collector/internal/metrics"
	"github.com/YaganovValera/kis-collector/internal/model"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

// Directory выбирает инструменты для подписки.
type Directory interface {
	TopByMarketCap(ctx context.Context, page, limit int) ([]model.MarketCap, error)
}

// ApprovalSource выдаёт ключ одобрения WebSocket-сессии.
type ApprovalSource interface {
	ApprovalKey(ctx context.Context) (string, error)
}

// FrameDecoder превращает кадр в запись.
type FrameDecoder interface {
	Decode(raw string, at time.Time) (model.Record, bool)
}

// Sink принимает записи; Accept не делает I/O.
type Sink interface {
	Accept(rec model.Record)
}

// ErrNoInstruments — список инструментов для подписки пуст.
var ErrNoInstruments = errors.New("stream: no instruments to subscribe")

const pingPongTrID = "PINGPONG"

// -----------------------------------------------------------------------------
// Subscribe frames
// -----------------------------------------------------------------------------

type frameHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"` // "1" — регистрация, "2" — отмена
	ContentType string `json:"content-type"`
}

type frameInput struct {
	TrID  string `json:"TR_ID"`
	TrKey string `json:"TR_KEY"`
}

type subscribeFrame struct {
	Header frameHeader `json:"header"`
	Body   struct {
		Input frameInput `json:"input"`
	} `json:"body"`
}

// SubscribeFrames строит по одному кадру регистрации на пару
// (инструмент, фид): сначала все фиды первого инструмента и т.д.
func SubscribeFrames(approvalKey, custType string, codes, feeds []string) ([][]byte, error) {
	out := make([][]byte, 0, len(codes)*len(feeds))
	for _, code := range codes {
		for _, feed := range feeds {
			var f subscribeFrame
			f.Header = frameHeader{ApprovalKey: approvalKey, CustType: custType, TrType: "1", ContentType: "utf-8"}
			f.Body.Input = frameInput{TrID: feed, TrKey: code}
			b, err := json.Marshal(f)
			if err != nil {
				return nil, fmt.Errorf("stream: marshal subscribe frame: %w", err)
			}
			out = append(out, b)
		}
	}
	return out, nil
}

// controlFrame — JSON-кадр брокера: ответ на регистрацию или PINGPONG.
type controlFrame struct {
	Header struct {
		TrID  string `json:"tr_id"`
		TrKey string `json:"tr_key"`
	} `json:"header"`
	Body struct {
		ResultCode string `json:"rt_cd"`
		MsgCode    string `json:"msg_cd"`
		Msg        string `json:"msg1"`
	} `json:"body"`
}

// -----------------------------------------------------------------------------
// Handler
// -----------------------------------------------------------------------------

// Handler обслуживает одну сессию: подписывается и читает кадры.
type Handler struct {
	cfg       Config
	dir       Directory
	approvals ApprovalSource
	decoder   FrameDecoder
	sink      Sink
	log       *logger.Logger
	now       func() time.Time
}

// NewHandler создаёт Handler.
func NewHandler(cfg Config, dir Directory, approvals ApprovalSource, dec FrameDecoder, sink Sink, log *logger.Logger) *Handler {
	cfg.ApplyDefaults()
	return &Handler{
		cfg:       cfg,
		dir:       dir,
		approvals: approvals,
		decoder:   dec,
		sink:      sink,
		log:       log.Named("ws-session"),
		now:       time.Now,
	}
}

// writer сериализует записи в соединение.
type writer struct {
	mu      sync.Mutex
	conn    Conn
	timeout time.Duration
}

func (w *writer) write(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteMessage(websocket.TextMessage, b)
}

// Serve реализует Session.
func (h *Handler) Serve(ctx context.Context, conn Conn, ready func()) error {
	var (
		instruments []model.MarketCap
		key         string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := h.dir.TopByMarketCap(gctx, 0, h.cfg.TopN)
		if err != nil {
			return fmt.Errorf("stream: resolve instruments: %w", err)
		}
		instruments = rows
		return nil
	})
	g.Go(func() error {
		k, err := h.approvals.ApprovalKey(gctx)
		if err != nil {
			return fmt.Errorf("stream: approval key: %w", err)
		}
		key = k
		return nil
	})
	if err := g.Wait(); err != nil {
		h.log.Error("subscription aborted", zap.Error(err))
		return err
	}
	if len(instruments) == 0 {
		return ErrNoInstruments
	}

	codes := make([]string, len(instruments))
	for i, m := range instruments {
		codes[i] = m.Code
	}
	frames, err := SubscribeFrames(key, h.cfg.CustType, codes, h.cfg.Feeds)
	if err != nil {
		return err
	}

	w := &writer{conn: conn, timeout: h.cfg.WriteTimeout}
	sg, sctx := errgroup.WithContext(ctx)
	// упавшая сторона закрывает соединение, чтобы разблокировать чтение
	stop := context.AfterFunc(sctx, func() { _ = conn.Close() })
	defer stop()

	sg.Go(func() error {
		for _, f := range frames {
			if err := sctx.Err(); err != nil {
				return err
			}
			if err := w.write(f); err != nil {
				return fmt.Errorf("stream: send subscribe: %w", err)
			}
		}
		h.log.Info("subscribed",
			zap.Int("instruments", len(codes)),
			zap.Strings("feeds", h.cfg.Feeds),
			zap.Int("frames", len(frames)),
		)
		ready()
		return nil
	})
	sg.Go(func() error { return h.receive(sctx, conn, w) })
	return sg.Wait()
}

func (h *Handler) receive(ctx context.Context, conn Conn, w *writer) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream: read: %w", err)
		}
		at := h.now()

		if len(data) > 0 && data[0] == '{' {
			h.control(data, w)
			continue
		}
		metrics.StreamFrames.WithLabelValues("data").Inc()
		if rec, ok := h.decoder.Decode(string(data), at); ok {
			h.sink.Accept(rec)
		}
	}
}

// control обрабатывает JSON-кадры: PINGPONG отражается обратно,
// остальное только логируется.
func (h *Handler) control(data []byte, w *writer) {
	var f controlFrame
	if err := json.Unmarshal(data, &f); err != nil {
		metrics.StreamFrames.WithLabelValues("invalid").Inc()
		h.log.Warn("invalid control frame", zap.Error(err))
		return
	}
	if f.Header.TrID == pingPongTrID {
		metrics.StreamFrames.WithLabelValues("pingpong").Inc()
		if err := w.write(data); err != nil {
			h.log.Warn("pingpong echo failed", zap.Error(err))
		}
		return
	}
	metrics.StreamFrames.WithLabelValues("control").Inc()
	if f.Body.ResultCode != "" && f.Body.ResultCode != "0" {
		h.log.Warn("subscription rejected",
			zap.String("tr_id", f.Header.TrID),
			zap.String("tr_key", f.Header.TrKey),
			zap.String("msg_cd", f.Body.MsgCode),
			zap.String("msg", f.Body.Msg),
		)
		return
	}
	h.log.Debug("control frame",
		zap.String("tr_id", f.Header.TrID),
		zap.String("tr_key", f.Header.TrKey),
		zap.String("msg", f.Body.Msg),
	)
}
