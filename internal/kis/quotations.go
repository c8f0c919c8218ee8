// internal/kis/quotations.go
package kis

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/YaganovValera/kis-collector/internal/model"
)

const (
	dailyPricePath = "/uapi/domestic-stock/v1/quotations/inquire-daily-itemchartprice"
	minuteBarPath  = "/uapi/domestic-stock/v1/quotations/inquire-time-dailychartprice"

	trDailyPrice = "FHKST03010100"
	trMinuteBar  = "FHKST03010230"

	dateLayout = "20060102"
	timeLayout = "150405"
)

// envelope — общие поля ответа REST-API.
type envelope struct {
	ResultCode string `json:"rt_cd"` // "0" — успех
	MsgCode    string `json:"msg_cd"`
	Msg        string `json:"msg1"`
}

func (e envelope) err(op string) error {
	if e.ResultCode == "" || e.ResultCode == "0" {
		return nil
	}
	return &StatusError{Op: op, StatusCode: http.StatusOK, Code: e.MsgCode, Message: e.Msg}
}

type dailyPriceRow struct {
	Date         string `json:"stck_bsop_date"`
	Close        string `json:"stck_clpr"`
	Open         string `json:"stck_oprc"`
	High         string `json:"stck_hgpr"`
	Low          string `json:"stck_lwpr"`
	Volume       string `json:"acml_vol"`
	TradingValue string `json:"acml_tr_pbmn"`
	ChangeRate   string `json:"prdy_ctrt"`
}

type minuteBarRow struct {
	Date         string `json:"stck_bsop_date"`
	Time         string `json:"stck_cntg_hour"`
	Close        string `json:"stck_prpr"`
	Open         string `json:"stck_oprc"`
	High         string `json:"stck_hgpr"`
	Low          string `json:"stck_lwpr"`
	Volume       string `json:"cntg_vol"`
	TradingValue string `json:"acml_tr_pbmn"`
}

// DailyRequest — параметры запроса дневных свечей.
type DailyRequest struct {
	StockCode string
	From, To  time.Time
	// Adjusted — цены с поправкой на корпоративные события.
	Adjusted bool
}

// DailyPrices возвращает дневные свечи за [From, To].
func (c *Client) DailyPrices(ctx context.Context, r DailyRequest) ([]model.DailyPrice, error) {
	adj := "1"
	if r.Adjusted {
		adj = "0"
	}
	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_INPUT_ISCD", r.StockCode)
	q.Set("FID_INPUT_DATE_1", r.From.Format(dateLayout))
	q.Set("FID_INPUT_DATE_2", r.To.Format(dateLayout))
	q.Set("FID_PERIOD_DIV_CODE", "D")
	q.Set("FID_ORG_ADJ_PRC", adj)

	var resp struct {
		envelope
		Output []dailyPriceRow `json:"output2"`
		Legacy []dailyPriceRow `json:"output"`
	}
	if err := c.get(ctx, "DailyPrices", dailyPricePath, trDailyPrice, q, &resp); err != nil {
		return nil, err
	}
	if err := resp.envelope.err("DailyPrices"); err != nil {
		return nil, err
	}

	rows := resp.Output
	if len(rows) == 0 {
		rows = resp.Legacy
	}
	out := make([]model.DailyPrice, 0, len(rows))
	for _, row := range rows {
		if row.Date == "" {
			continue
		}
		out = append(out, model.DailyPrice{
			StockCode:    r.StockCode,
			Date:         row.Date,
			Open:         dec(row.Open),
			High:         dec(row.High),
			Low:          dec(row.Low),
			Close:        dec(row.Close),
			Volume:       i64(row.Volume),
			TradingValue: i64(row.TradingValue),
			ChangeRate:   dec(row.ChangeRate),
		})
	}
	return out, nil
}

// MinuteRequest — параметры запроса минутных свечей одного дня.
type MinuteRequest struct {
	StockCode string
	// At — дата и время, до которого (включительно) отдаются свечи.
	At              time.Time
	IncludePast     bool
	IncludeFakeTick bool
}

// MinuteBars возвращает минутные свечи дня At, начиная с времени At назад.
func (c *Client) MinuteBars(ctx context.Context, r MinuteRequest) ([]model.MinuteBar, error) {
	q := url.Values{}
	q.Set("FID_COND_MRKT_DIV_CODE", "J")
	q.Set("FID_INPUT_ISCD", r.StockCode)
	q.Set("FID_INPUT_DATE_1", r.At.Format(dateLayout))
	q.Set("FID_INPUT_HOUR_1", r.At.Format(timeLayout))
	q.Set("FID_PW_DATA_INCU_YN", yn(r.IncludePast))
	q.Set("FID_FAKE_TICK_INCU_YN", yn(r.IncludeFakeTick))

	var resp struct {
		envelope
		Output []minuteBarRow `json:"output2"`
	}
	if err := c.get(ctx, "MinuteBars", minuteBarPath, trMinuteBar, q, &resp); err != nil {
		return nil, err
	}
	if err := resp.envelope.err("MinuteBars"); err != nil {
		return nil, err
	}

	out := make([]model.MinuteBar, 0, len(resp.Output))
	for _, row := range resp.Output {
		if row.Time == "" {
			continue
		}
		out = append(out, model.MinuteBar{
			StockCode:    r.StockCode,
			Date:         row.Date,
			Time:         row.Time,
			Open:         dec(row.Open),
			High:         dec(row.High),
			Low:          dec(row.Low),
			Close:        dec(row.Close),
			Volume:       i64(row.Volume),
			TradingValue: i64(row.TradingValue),
		})
	}
	return out, nil
}

func yn(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(s), ",", ""))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func i64(s string) int64 {
	n, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
