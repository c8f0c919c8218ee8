// internal/stream/config.go
package stream

import (
	"fmt"
	"time"

	"github.com/YaganovValera/kis-collector/internal/decoder"
)

// MaxSubscriptions — лимит регистраций (инструмент × фид) на одну сессию.
const MaxSubscriptions = 41

// DefaultJitter — разброс задержки переподключения по умолчанию.
const DefaultJitter = 0.2

// Config задаёт подключение к WebSocket брокера и набор подписок.
type Config struct {
	URL string `mapstructure:"url"` // ws://ops.koreainvestment.com:21000

	// Границы задержки переподключения; между ними — экспонента.
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	Multiplier float64       `mapstructure:"multiplier"`
	// Jitter — доля случайного разброса задержки, 0..1. Разброс не
	// делает задержку меньше предыдущей.
	Jitter float64 `mapstructure:"jitter"`

	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`

	TopN     int      `mapstructure:"top_n"`
	Feeds    []string `mapstructure:"feeds"`
	CustType string   `mapstructure:"cust_type"`
}

// ApplyDefaults заполняет незаданные поля.
func (c *Config) ApplyDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.TopN <= 0 {
		c.TopN = 20
	}
	if len(c.Feeds) == 0 {
		c.Feeds = decoder.Feeds()
	}
	if c.CustType == "" {
		c.CustType = "P"
	}
}

// Validate проверяет конфигурацию.
func (c Config) Validate() error {
	switch {
	case c.URL == "":
		return fmt.Errorf("stream: url is required")
	case c.MaxBackoff < c.MinBackoff:
		return fmt.Errorf("stream: max_backoff (%s) < min_backoff (%s)", c.MaxBackoff, c.MinBackoff)
	case c.Multiplier < 1:
		return fmt.Errorf("stream: multiplier must be >= 1")
	case c.Jitter < 0 || c.Jitter > 1:
		return fmt.Errorf("stream: jitter must be in [0,1]")
	case c.TopN*len(c.Feeds) > MaxSubscriptions:
		return fmt.Errorf("stream: %d instruments × %d feeds exceeds %d subscriptions per session",
			c.TopN, len(c.Feeds), MaxSubscriptions)
	}
	for _, f := range c.Feeds {
		known := false
		for _, k := range decoder.Feeds() {
			known = known || f == k
		}
		if !known {
			return fmt.Errorf("stream: unknown feed %q", f)
		}
	}
	return nil
}
