package monitor

import (
	"time"

	"trade-mirror/internal/broker"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSessionExchange EventType = "session_exchange"
	EventTradesFetch     EventType = "trades_fetch"
	EventError           EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// EventQuery 为事件检索条件，零值表示不过滤。
type EventQuery struct {
	Type  EventType
	Since time.Time
	Limit int
}

// SessionExchangePayload 记录一次 SID 换取，仅保存脱敏后的 SID。
type SessionExchangePayload struct {
	UserID    string `json:"userId"`
	Success   bool   `json:"success"`
	SIDMasked string `json:"sidMasked,omitempty"`
	Error     string `json:"error,omitempty"`
}

// TradesFetchPayload 记录一次成交拉取。
type TradesFetchPayload struct {
	Source     broker.TradeSource `json:"source"`
	Reason     string             `json:"reason,omitempty"`
	Count      int                `json:"count"`
	TradeIDs   []string           `json:"tradeIds,omitempty"`
	Trigger    string             `json:"trigger"`
	DurationMS int64              `json:"durationMs"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
