package broker

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// isoMillis 与 JavaScript Date.toISOString 输出一致。
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

const (
	defaultTradeType   = "Market"
	defaultTradeStatus = "Filled"

	// float64 可表示的十进制数量级边界（含次正规数）。
	maxFloatMagnitude = 310
	minFloatMagnitude = -330

	// 9999-12-31T23:59:59.999Z
	maxEpochMillis = 253402300799999
)

// NormalizeOptions 为映射时的外部输入。
type NormalizeOptions struct {
	// Account 写入每条记录的账户名。
	Account string
	// Now 用于缺失时间戳及合成 ID。
	Now time.Time
}

// NormalizeTrades 将上游任意结构映射为 Trade 列表。
// 数组依次从 trades、data 或顶层取得；每条记录都会输出，缺失字段取默认值。
func NormalizeTrades(payload any, opts NormalizeOptions) []Trade {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	records := extractRecords(payload)
	trades := make([]Trade, 0, len(records))
	for idx, rec := range records {
		trades = append(trades, normalizeRecord(rec, idx, opts))
	}
	return trades
}

func extractRecords(payload any) []any {
	source := payload
	if m, ok := payload.(map[string]any); ok {
		switch {
		case truthy(m["trades"]):
			source = m["trades"]
		case truthy(m["data"]):
			source = m["data"]
		}
	}

	records, _ := source.([]any)
	return records
}

func normalizeRecord(raw any, idx int, opts NormalizeOptions) Trade {
	m, _ := raw.(map[string]any)
	if m == nil {
		m = map[string]any{}
	}

	id := stringField(m, "id", "tradeId")
	if id == "" {
		id = fmt.Sprintf("A-%d-%d", opts.Now.UnixMilli(), idx)
	}

	ts := timestampField(m, "timestamp", "time")
	if ts == "" {
		ts = opts.Now.UTC().Format(isoMillis)
	}

	typ := stringField(m, "type")
	if typ == "" {
		typ = defaultTradeType
	}

	status := stringField(m, "status")
	if status == "" {
		status = defaultTradeStatus
	}

	return Trade{
		ID:        id,
		Timestamp: ts,
		Account:   opts.Account,
		Symbol:    stringField(m, "symbol", "instrument", "scrip", "ticker"),
		Type:      typ,
		Side:      sideField(m),
		Quantity:  numberField(m, "quantity", "qty", "quantityFilled"),
		Price:     numberField(m, "price", "rate", "fillPrice"),
		Status:    status,
	}
}

// first 返回第一个存在且非 null 的字段。
func first(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(m map[string]any, keys ...string) string {
	v, ok := first(m, keys...)
	if !ok {
		return ""
	}
	s, _ := stringValue(v)
	return s
}

func timestampField(m map[string]any, keys ...string) string {
	v, ok := first(m, keys...)
	if !ok {
		return ""
	}

	// 数值时间戳按 epoch 解释：超过 1e12 视为毫秒，否则为秒。
	var epoch float64
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return ""
		}
		epoch = f
	case float64:
		epoch = t
	default:
		s, _ := stringValue(v)
		return s
	}

	if epoch <= 0 || math.IsNaN(epoch) || math.IsInf(epoch, 0) {
		return ""
	}
	if epoch < 1e12 {
		epoch *= 1000
	}
	if epoch > maxEpochMillis {
		return ""
	}
	return time.UnixMilli(int64(epoch)).UTC().Format(isoMillis)
}

func sideField(m map[string]any) Side {
	if v, ok := first(m, "side", "buySell"); ok {
		if s, ok := stringValue(v); ok {
			if side, ok := parseSide(s); ok {
				return side
			}
		}
	}
	if tt, ok := stringValue(m["transactionType"]); ok && strings.EqualFold(strings.TrimSpace(tt), "SELL") {
		return SideSell
	}
	return SideBuy
}

func parseSide(s string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return SideBuy, true
	case "sell", "s":
		return SideSell, true
	default:
		return "", false
	}
}

// numberField 取第一个存在的字段并转为非负数，无法解析时为 0。
func numberField(m map[string]any, keys ...string) float64 {
	v, ok := first(m, keys...)
	if !ok {
		return 0
	}
	return numberValue(v)
}

func numberValue(v any) float64 {
	var f float64
	switch t := v.(type) {
	case json.Number:
		f = parseDecimal(t.String())
	case string:
		f = parseDecimal(t)
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	default:
		return 0
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return math.Abs(f)
}

func parseDecimal(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	// 先按数量级截断，超出 float64 范围的指数不交给 InexactFloat64 展开。
	magnitude := int64(d.NumDigits()) + int64(d.Exponent())
	switch {
	case magnitude > maxFloatMagnitude:
		return math.Inf(d.Sign())
	case magnitude < minFloatMagnitude:
		return 0
	}
	return d.InexactFloat64()
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}

// truthy 遵循 JSON 值的真值语义：null、false、0、"" 为假。
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
