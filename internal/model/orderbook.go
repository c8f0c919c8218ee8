// internal/model/orderbook.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Depth — число уровней стакана в фиде H0UNASP0.
const Depth = 10

// RealtimeOrderbook — снимок 10-уровневого стакана.
type RealtimeOrderbook struct {
	StockCode    string `json:"stock_code"`
	BusinessTime string `json:"business_time"`
	TimeTypeCode string `json:"time_type_code"`

	AskPrices [Depth]decimal.Decimal `json:"ask_prices"`
	BidPrices [Depth]decimal.Decimal `json:"bid_prices"`
	AskQtys   [Depth]int64           `json:"ask_qtys"`
	BidQtys   [Depth]int64           `json:"bid_qtys"`

	TotalAskQty         int64 `json:"total_ask_qty"`
	TotalBidQty         int64 `json:"total_bid_qty"`
	OvertimeTotalAskQty int64 `json:"overtime_total_ask_qty"`
	OvertimeTotalBidQty int64 `json:"overtime_total_bid_qty"`

	ExpectedPrice  decimal.Decimal `json:"expected_execution_price"`
	ExpectedQty    int64           `json:"expected_execution_qty"`
	ExpectedVolume int64           `json:"expected_volume"`
	ExpectedDiff   decimal.Decimal `json:"expected_execution_diff"`
	ExpectedSign   string          `json:"expected_execution_sign"`
	ExpectedRate   decimal.Decimal `json:"expected_execution_rate"`

	AccVolume              int64 `json:"accumulated_volume"`
	TotalAskQtyChange      int64 `json:"total_ask_qty_change"`
	TotalBidQtyChange      int64 `json:"total_bid_qty_change"`
	OvertimeTotalAskChange int64 `json:"overtime_total_ask_change"`
	OvertimeTotalBidChange int64 `json:"overtime_total_bid_change"`

	DealTypeCode   string          `json:"stock_deal_type_code"`
	KRXMidPrice    decimal.Decimal `json:"krx_mid_price"`
	KRXMidTotalQty int64           `json:"krx_mid_total_qty"`
	KRXMidTypeCode string          `json:"krx_mid_type_code"`
	NXTMidPrice    decimal.Decimal `json:"nxt_mid_price"`
	NXTMidTotalQty int64           `json:"nxt_mid_total_qty"`
	NXTMidTypeCode string          `json:"nxt_mid_type_code"`

	ReceivedAt time.Time `json:"timestamp"`
}

func (o *RealtimeOrderbook) Kind() Kind             { return KindOrderbook }
func (o *RealtimeOrderbook) InstrumentCode() string { return o.StockCode }
func (o *RealtimeOrderbook) Timestamp() time.Time   { return o.ReceivedAt }

// BestAsk возвращает цену первого уровня продажи.
func (o *RealtimeOrderbook) BestAsk() decimal.Decimal { return o.AskPrices[0] }

// BestBid возвращает цену первого уровня покупки.
func (o *RealtimeOrderbook) BestBid() decimal.Decimal { return o.BidPrices[0] }
