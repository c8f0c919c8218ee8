// internal/model/history.go
package model

import "github.com/shopspring/decimal"

// DailyPrice — дневная свеча из REST-истории.
type DailyPrice struct {
	StockCode    string          `json:"stock_code"`
	Date         string          `json:"date"` // yyyyMMdd
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       int64           `json:"volume"`
	TradingValue int64           `json:"trading_value"`
	ChangeRate   decimal.Decimal `json:"change_rate"`
}

// MinuteBar — минутная свеча внутри торгового дня.
type MinuteBar struct {
	StockCode    string          `json:"stock_code"`
	Date         string          `json:"date"` // yyyyMMdd
	Time         string          `json:"time"` // HHmmss
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Close        decimal.Decimal `json:"close"`
	Volume       int64           `json:"volume"`
	TradingValue int64           `json:"trading_value"`
}
