// internal/decoder/decoder.go
package decoder

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/internal/metrics"
	"github.com/YaganovValera/kis-collector/internal/model"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

// Идентификаторы real-time фидов брокера.
const (
	FeedExecution = "H0UNCNT0"
	FeedOrderbook = "H0UNASP0"
)

// Ширина одной записи (число полей) для каждого фида. Она же —
// минимальное число полей, при котором запись декодируется.
var recordWidth = map[string]int{
	FeedExecution: 43,
	FeedOrderbook: 68,
}

// Feeds возвращает поддерживаемые фиды.
func Feeds() []string { return []string{FeedExecution, FeedOrderbook} }

// Причины, по которым кадр не даёт записи.
var (
	ErrControlFrame = errors.New("decoder: control frame")
	ErrMalformed    = errors.New("decoder: malformed frame")
	ErrEncrypted    = errors.New("decoder: encrypted payload")
	ErrUnknownFeed  = errors.New("decoder: unknown feed")
	ErrShortRecord  = errors.New("decoder: not enough fields")
)

// Decoder превращает текстовые кадры вида
// flag|feedId|count|f0^f1^... в типизированные записи.
type Decoder struct {
	log *logger.Logger
}

// New создаёт Decoder.
func New(log *logger.Logger) *Decoder {
	return &Decoder{log: log.Named("decoder")}
}

// Decode возвращает запись и true, либо false, если кадр не несёт
// данных. Ошибки не пробрасываются: они логируются и считаются.
func (d *Decoder) Decode(raw string, at time.Time) (model.Record, bool) {
	rec, err := Parse(raw, at)
	if err == nil {
		return rec, true
	}

	reason := reasonOf(err)
	metrics.DecodeDropped.WithLabelValues(reason).Inc()
	switch {
	case errors.Is(err, ErrControlFrame):
		d.log.Debug("control frame ignored", zap.String("frame", raw))
	default:
		d.log.Warn("frame dropped",
			zap.String("reason", reason),
			zap.Error(err),
			zap.String("frame", truncate(raw, 256)),
		)
	}
	return nil, false
}

// Parse разбирает один кадр. Из пакета в несколько записей
// декодируется только первая.
func Parse(raw string, at time.Time) (model.Record, error) {
	if strings.HasPrefix(raw, "{") {
		return nil, ErrControlFrame
	}

	parts := strings.SplitN(raw, "|", 4)
	if len(parts) < 4 {
		return nil, fmt.Errorf("%w: %d of 4 sections", ErrMalformed, len(parts))
	}
	flag, feed, payload := parts[0], parts[1], parts[3]
	if flag == "1" {
		return nil, fmt.Errorf("%w: feed %s", ErrEncrypted, feed)
	}

	width, known := recordWidth[feed]
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFeed, feed)
	}

	f := fields(strings.Split(payload, "^"))
	if count, _ := strconv.Atoi(parts[2]); count > 1 && len(f) > width {
		f = f[:width]
	}
	if len(f) < width {
		return nil, fmt.Errorf("%w: feed %s has %d, want %d", ErrShortRecord, feed, len(f), width)
	}

	switch feed {
	case FeedExecution:
		return execution(f, at), nil
	default:
		return orderbook(f, at), nil
	}
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, ErrControlFrame):
		return "control"
	case errors.Is(err, ErrEncrypted):
		return "encrypted"
	case errors.Is(err, ErrUnknownFeed):
		return "unknown_feed"
	case errors.Is(err, ErrShortRecord):
		return "short_record"
	default:
		return "malformed"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// -----------------------------------------------------------------------------
// layouts
// -----------------------------------------------------------------------------

func execution(f fields, at time.Time) *model.RealtimeExecution {
	return &model.RealtimeExecution{
		StockCode:      f.str(0),
		ExecutionTime:  f.str(1),
		CurrentPrice:   f.dec(2),
		PrevDaySign:    f.str(3),
		PrevDayDiff:    f.dec(4),
		PrevDayRate:    f.dec(5),
		WeightedAvg:    f.dec(6),
		OpenPrice:      f.dec(7),
		HighPrice:      f.dec(8),
		LowPrice:       f.dec(9),
		AskPrice1:      f.dec(10),
		BidPrice1:      f.dec(11),
		ExecVolume:     f.i64(12),
		AccVolume:      f.i64(13),
		AccTradeValue:  f.i64(14),
		SellExecCount:  f.i32(15),
		BuyExecCount:   f.i32(16),
		NetBuyCount:    f.i32(17),
		ExecStrength:   f.dec(18),
		TotalSellQty:   f.i64(19),
		TotalBuyQty:    f.i64(20),
		ExecTypeCode:   f.str(21),
		BuyRate:        f.dec(22),
		VolumeRateVsYd: f.dec(23),

		OpenTime:          f.str(24),
		OpenVsCurrentSign: f.str(25),
		OpenVsCurrent:     f.dec(26),
		HighTime:          f.str(27),
		HighVsCurrentSign: f.str(28),
		HighVsCurrent:     f.dec(29),
		LowTime:           f.str(30),
		LowVsCurrentSign:  f.str(31),
		LowVsCurrent:      f.dec(32),

		BusinessDate:        f.str(33),
		MarketOperationCode: f.str(34),
		TradingHalt:         f.str(35),
		AskQty1:             f.i64(36),
		BidQty1:             f.i64(37),
		TotalAskQty:         f.i64(38),
		TotalBidQty:         f.i64(39),
		VolumeTurnoverRate:  f.dec(40),
		YdSameTimeVolume:    f.i64(41),
		YdSameTimeRate:      f.dec(42),
		TimeTypeCode:        f.str(43),
		MarketCloseCode:     f.str(44),
		VIStandardPrice:     f.dec(45),

		ReceivedAt: at,
	}
}

func orderbook(f fields, at time.Time) *model.RealtimeOrderbook {
	ob := &model.RealtimeOrderbook{
		StockCode:    f.str(0),
		BusinessTime: f.str(1),
		TimeTypeCode: f.str(2),

		TotalAskQty:         f.i64(43),
		TotalBidQty:         f.i64(44),
		OvertimeTotalAskQty: f.i64(45),
		OvertimeTotalBidQty: f.i64(46),

		ExpectedPrice:  f.dec(47),
		ExpectedQty:    f.i64(48),
		ExpectedVolume: f.i64(49),
		ExpectedDiff:   f.dec(50),
		ExpectedSign:   f.str(51),
		ExpectedRate:   f.dec(52),

		AccVolume:              f.i64(53),
		TotalAskQtyChange:      f.i64(54),
		TotalBidQtyChange:      f.i64(55),
		OvertimeTotalAskChange: f.i64(56),
		OvertimeTotalBidChange: f.i64(57),

		DealTypeCode:   f.str(58),
		KRXMidPrice:    f.dec(59),
		KRXMidTotalQty: f.i64(60),
		KRXMidTypeCode: f.str(61),
		NXTMidPrice:    f.dec(62),
		NXTMidTotalQty: f.i64(63),
		NXTMidTypeCode: f.str(64),

		ReceivedAt: at,
	}
	// ask 3..12, bid 13..22, ask qty 23..32, bid qty 33..42
	for i := 0; i < model.Depth; i++ {
		ob.AskPrices[i] = f.dec(3 + i)
		ob.BidPrices[i] = f.dec(13 + i)
		ob.AskQtys[i] = f.i64(23 + i)
		ob.BidQtys[i] = f.i64(33 + i)
	}
	return ob
}
