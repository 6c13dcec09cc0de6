package broker

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Side 表示成交方向。
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Trade 为统一后的成交记录，仅由 NormalizeTrades 或样例数据构造。
type Trade struct {
	ID        string  `json:"id" yaml:"id"`
	Timestamp string  `json:"timestamp" yaml:"timestamp"`
	Account   string  `json:"account" yaml:"account"`
	Symbol    string  `json:"symbol" yaml:"symbol"`
	Type      string  `json:"type" yaml:"type"`
	Side      Side    `json:"side" yaml:"side"`
	Quantity  float64 `json:"quantity" yaml:"quantity"`
	Price     float64 `json:"price" yaml:"price"`
	Status    string  `json:"status" yaml:"status"`
}

// Credentials 是一次 SID 换取所需的用户凭据，调用方持有，本包不保存。
type Credentials struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
	TwoFA    string `json:"twoFA"`
	AppID    string `json:"appId"`
}

// Validate 一次性报告所有缺失字段。
func (c Credentials) Validate() error {
	var err error
	if c.UserID == "" {
		err = multierr.Append(err, errors.New("userId"))
	}
	if c.Password == "" {
		err = multierr.Append(err, errors.New("password"))
	}
	if c.TwoFA == "" {
		err = multierr.Append(err, errors.New("twoFA"))
	}
	if c.AppID == "" {
		err = multierr.Append(err, errors.New("appId"))
	}
	if err != nil {
		return fmt.Errorf("%w: 缺少字段 %v", ErrInvalidCredentials, err)
	}
	return nil
}

// AuthMethod 为请求鉴权方式。
type AuthMethod string

const (
	AuthHeaders AuthMethod = "headers"
	AuthBasic   AuthMethod = "basic"
	AuthHMAC    AuthMethod = "hmac"
)

// AuthContext 描述单次出站请求的鉴权材料。
// BearerToken 优先于任何 Method；SessionToken 总是附加。
type AuthContext struct {
	APIKey        string
	APISecret     string
	Method        AuthMethod
	BearerToken   string
	SessionToken  string
	SessionHeader string
}

// RetryPolicy 控制单次调用的重试。
type RetryPolicy struct {
	// MaxAttempts 为重试次数，总请求次数为 MaxAttempts+1。
	MaxAttempts    int
	InitialBackoff time.Duration
	// MaxBackoff 为 0 时不封顶。
	MaxBackoff time.Duration
	// Jitter 为 0 时退避序列完全确定。
	Jitter float64
}

// DefaultRetryPolicy 对应 3 次重试，退避 500ms/1s/2s。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
	}
}

// TradeSource 标识成交数据来源。
type TradeSource string

const (
	SourceLive     TradeSource = "live"
	SourceFallback TradeSource = "fallback"
)

// TradeResult 区分实时数据与样例数据。
type TradeResult struct {
	Source    TradeSource `json:"source"`
	Reason    string      `json:"reason,omitempty"`
	Trades    []Trade     `json:"trades"`
	FetchedAt time.Time   `json:"fetchedAt"`
}

// IsFallback 表示结果来自样例数据。
func (r TradeResult) IsFallback() bool {
	return r.Source == SourceFallback
}
