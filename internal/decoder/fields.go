// internal/decoder/fields.go
package decoder

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// fields — позиционный доступ к полям записи; индекс за пределами
// записи даёт пустую строку, а числа разбираются снисходительно:
// запятые удаляются, пустое или битое значение превращается в ноль.
type fields []string

func (f fields) str(i int) string {
	if i < 0 || i >= len(f) {
		return ""
	}
	return f[i]
}

func clean(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}

func (f fields) dec(i int) decimal.Decimal {
	s := clean(f.str(i))
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (f fields) i64(i int) int64 {
	s := clean(f.str(i))
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (f fields) i32(i int) int32 {
	s := clean(f.str(i))
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0
	}
	return int32(n)
}
