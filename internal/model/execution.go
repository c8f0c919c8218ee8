// internal/model/execution.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RealtimeExecution — тик исполнения (фид H0UNCNT0).
type RealtimeExecution struct {
	StockCode      string          `json:"stock_code"`
	ExecutionTime  string          `json:"execution_time"` // HHmmss
	CurrentPrice   decimal.Decimal `json:"current_price"`
	PrevDaySign    string          `json:"prev_day_sign"`
	PrevDayDiff    decimal.Decimal `json:"prev_day_diff"`
	PrevDayRate    decimal.Decimal `json:"prev_day_rate"`
	WeightedAvg    decimal.Decimal `json:"weighted_avg_price"`
	OpenPrice      decimal.Decimal `json:"open_price"`
	HighPrice      decimal.Decimal `json:"high_price"`
	LowPrice       decimal.Decimal `json:"low_price"`
	AskPrice1      decimal.Decimal `json:"ask_price1"`
	BidPrice1      decimal.Decimal `json:"bid_price1"`
	ExecVolume     int64           `json:"execution_volume"`
	AccVolume      int64           `json:"accumulated_volume"`
	AccTradeValue  int64           `json:"accumulated_trading_value"`
	SellExecCount  int32           `json:"sell_exec_count"`
	BuyExecCount   int32           `json:"buy_exec_count"`
	NetBuyCount    int32           `json:"net_buy_exec_count"`
	ExecStrength   decimal.Decimal `json:"execution_strength"`
	TotalSellQty   int64           `json:"total_sell_qty"`
	TotalBuyQty    int64           `json:"total_buy_qty"`
	ExecTypeCode   string          `json:"execution_type_code"`
	BuyRate        decimal.Decimal `json:"buy_rate"`
	VolumeRateVsYd decimal.Decimal `json:"volume_rate_vs_yesterday"`

	OpenTime          string          `json:"open_time"`
	OpenVsCurrentSign string          `json:"open_vs_current_sign"`
	OpenVsCurrent     decimal.Decimal `json:"open_vs_current"`
	HighTime          string          `json:"high_time"`
	HighVsCurrentSign string          `json:"high_vs_current_sign"`
	HighVsCurrent     decimal.Decimal `json:"high_vs_current"`
	LowTime           string          `json:"low_time"`
	LowVsCurrentSign  string          `json:"low_vs_current_sign"`
	LowVsCurrent      decimal.Decimal `json:"low_vs_current"`

	BusinessDate        string          `json:"business_date"`
	MarketOperationCode string          `json:"market_operation_code"`
	TradingHalt         string          `json:"trading_halt_yn"`
	AskQty1             int64           `json:"ask_qty1"`
	BidQty1             int64           `json:"bid_qty1"`
	TotalAskQty         int64           `json:"total_ask_qty"`
	TotalBidQty         int64           `json:"total_bid_qty"`
	VolumeTurnoverRate  decimal.Decimal `json:"volume_turnover_rate"`
	YdSameTimeVolume    int64           `json:"yesterday_same_time_volume"`
	YdSameTimeRate      decimal.Decimal `json:"yesterday_same_time_volume_rate"`
	TimeTypeCode        string          `json:"time_type_code"`
	MarketCloseCode     string          `json:"market_close_code"`
	VIStandardPrice     decimal.Decimal `json:"vi_standard_price"`

	ReceivedAt time.Time `json:"timestamp"`
}

func (e *RealtimeExecution) Kind() Kind             { return KindExecution }
func (e *RealtimeExecution) InstrumentCode() string { return e.StockCode }
func (e *RealtimeExecution) Timestamp() time.Time   { return e.ReceivedAt }
