package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"trade-mirror/internal/config"
)

const statusOK = "Ok"

// SessionAcquirer 通过凭据换取券商 SID，不缓存也不保存结果。
type SessionAcquirer struct {
	endpoint string
	enabled  bool
	policy   RetryPolicy
	fetcher  *Fetcher
	logger   *zap.Logger
}

// NewSessionAcquirer 创建 SID 换取组件。
func NewSessionAcquirer(cfg config.AliceConfig, policy RetryPolicy, fetcher *Fetcher, logger *zap.Logger) *SessionAcquirer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetcher == nil {
		fetcher = NewFetcher(nil, logger)
	}
	endpoint := cfg.SessionEndpoint
	if endpoint == "" {
		endpoint = config.DefaultSessionEndpoint
	}
	return &SessionAcquirer{
		endpoint: endpoint,
		enabled:  cfg.AllowSessionExchange,
		policy:   policy,
		fetcher:  fetcher,
		logger:   logger,
	}
}

// Enabled 表示是否允许换取 SID。
func (s *SessionAcquirer) Enabled() bool {
	return s.enabled
}

// ObtainSession 提交凭据并返回 SID。响应 stat 为 "Ok" 或携带 sessionID/sessionId 时视为成功。
func (s *SessionAcquirer) ObtainSession(ctx context.Context, creds Credentials) (string, error) {
	if !s.enabled {
		return "", ErrSessionExchangeDisabled
	}
	if err := creds.Validate(); err != nil {
		return "", err
	}

	body, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("broker: 序列化凭据失败: %w", err)
	}

	resp, err := s.fetcher.Fetch(ctx, Request{
		Method: http.MethodPost,
		URL:    s.endpoint,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}, s.policy)
	if err != nil {
		return "", err
	}

	raw := strings.TrimSpace(string(resp.Body))
	payload := map[string]any{}
	if raw != "" {
		dec := json.NewDecoder(bytes.NewReader(resp.Body))
		dec.UseNumber()
		if decodeErr := dec.Decode(&payload); decodeErr != nil {
			s.logger.Warn("SID 响应不是合法 JSON", zap.Error(decodeErr))
			payload = map[string]any{}
		}
	}
	if raw == "" {
		raw = "{}"
	}

	sid := firstNonEmptyString(payload, "sessionID", "sessionId")
	if sid != "" {
		s.logger.Info("SID 换取成功",
			zap.String("user_id", creds.UserID),
			zap.String("sid", MaskToken(sid)),
		)
		return sid, nil
	}

	stat, _ := stringValue(payload["stat"])
	if stat == statusOK {
		s.logger.Warn("SID 响应状态成功但缺少 sessionID", zap.String("user_id", creds.UserID))
	}

	return "", &SessionError{Payload: raw}
}

// MaskToken 仅保留前 6 位与后 4 位，过短的令牌整体隐藏。
func MaskToken(token string) string {
	if len(token) <= 10 {
		return "***"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func firstNonEmptyString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := stringValue(m[k]); ok && s != "" {
			return s
		}
	}
	return ""
}
