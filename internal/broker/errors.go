package broker

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

var (
	// ErrConfigurationIncomplete 表示未配置成交接口或鉴权材料，且不允许回退样例数据。
	ErrConfigurationIncomplete = errors.New("broker: configuration incomplete")
	// ErrSessionExchangeDisabled 表示未开启 SID 换取。
	ErrSessionExchangeDisabled = errors.New("broker: session exchange disabled")
	// ErrInvalidCredentials 表示凭据字段缺失。
	ErrInvalidCredentials = errors.New("broker: invalid credentials")
	// ErrResponseTooLarge 表示成功响应的响应体超出读取上限。
	ErrResponseTooLarge = errors.New("broker: response body too large")
)

// FetchError 为重试耗尽后的最终失败。StatusCode 为 0 表示网络层错误。
type FetchError struct {
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient 表示失败发生在网络层而非上游返回了错误状态码。
func (e *FetchError) Transient() bool {
	return e.StatusCode == 0
}

// SessionError 表示上游响应中找不到成功标记或 SID。
type SessionError struct {
	Payload string
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("broker: 获取 SID 失败: %s", e.Payload)
}

var upstreamStatusPattern = regexp.MustCompile(`HTTP (\d{3})`)

// UpstreamStatus 提取错误链中携带的上游 HTTP 状态码，仅返回 100-599 范围内的值。
func UpstreamStatus(err error) (int, bool) {
	if err == nil {
		return 0, false
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && validStatus(fetchErr.StatusCode) {
		return fetchErr.StatusCode, true
	}

	for _, m := range upstreamStatusPattern.FindAllStringSubmatch(err.Error(), -1) {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil && validStatus(code) {
			return code, true
		}
	}
	return 0, false
}

func validStatus(code int) bool {
	return code >= 100 && code <= 599
}
