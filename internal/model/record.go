// internal/model/record.go
package model

import "time"

// Kind различает типы real-time записей; у каждого свой буфер и своя таблица.
type Kind string

const (
	KindExecution Kind = "execution"
	KindOrderbook Kind = "orderbook"
)

// Kinds возвращает все известные типы в фиксированном порядке.
func Kinds() []Kind { return []Kind{KindExecution, KindOrderbook} }

func (k Kind) String() string { return string(k) }

// Record — неизменяемая запись, декодированная из одного кадра.
type Record interface {
	Kind() Kind
	InstrumentCode() string
	Timestamp() time.Time
}

// MarketCap — строка рейтинга капитализации, по которой выбираются
// инструменты для подписки.
type MarketCap struct {
	Code      string `json:"code"`
	Name      string `json:"name,omitempty"`
	MarketCap int64  `json:"market_cap"`
}
