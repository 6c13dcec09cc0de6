package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"trade-mirror/internal/config"
)

const (
	reasonNoEndpoint    = "未配置成交接口"
	reasonNoCredentials = "缺少 API key 与访问令牌"
)

// TradeService 拉取主账户成交并映射为 Trade。每次调用都会重新请求，不做缓存。
type TradeService struct {
	cfg          config.AliceConfig
	policy       RetryPolicy
	fetcher      *Fetcher
	logger       *zap.Logger
	now          func() time.Time
	readFile     func(string) ([]byte, error)
	sessionToken string
}

// NewTradeService 创建成交服务。
func NewTradeService(cfg config.AliceConfig, policy RetryPolicy, fetcher *Fetcher, logger *zap.Logger) *TradeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fetcher == nil {
		fetcher = NewFetcher(nil, logger)
	}
	return &TradeService{
		cfg:          cfg,
		policy:       policy,
		fetcher:      fetcher,
		logger:       logger,
		now:          time.Now,
		readFile:     os.ReadFile,
		sessionToken: strings.TrimSpace(cfg.SessionToken),
	}
}

// WithSessionToken 返回携带调用方 SID 的副本，原实例不受影响。
func (s *TradeService) WithSessionToken(token string) *TradeService {
	clone := *s
	clone.sessionToken = strings.TrimSpace(token)
	return &clone
}

// GetMasterTrades 拉取主账户成交。
// 未配置接口或缺少鉴权材料时返回样例数据（AllowFallback 关闭时返回 ErrConfigurationIncomplete）；
// 网络失败原样返回 Fetcher 的错误。
func (s *TradeService) GetMasterTrades(ctx context.Context) (TradeResult, error) {
	endpoint := s.cfg.TradesURL()
	if endpoint == "" {
		return s.fallback(reasonNoEndpoint)
	}

	token := s.bearerToken()
	if s.cfg.APIKey == "" && token == "" && s.sessionToken == "" {
		return s.fallback(reasonNoCredentials)
	}

	now := s.now()
	headers, err := BuildHeaders(AuthContext{
		APIKey:        s.cfg.APIKey,
		APISecret:     s.cfg.APISecret,
		Method:        ParseAuthMethod(s.cfg.AuthMethod),
		BearerToken:   token,
		SessionToken:  s.sessionToken,
		SessionHeader: s.cfg.SessionHeaderName,
	}, endpoint, nil, now)
	if err != nil {
		return TradeResult{}, err
	}

	resp, err := s.fetcher.Fetch(ctx, Request{
		Method: http.MethodGet,
		URL:    endpoint,
		Header: headers,
	}, s.policy)
	if err != nil {
		return TradeResult{}, err
	}

	var payload any
	if len(bytes.TrimSpace(resp.Body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(resp.Body))
		dec.UseNumber()
		if decodeErr := dec.Decode(&payload); decodeErr != nil {
			s.logger.Warn("成交响应不是合法 JSON，按空列表处理", zap.Error(decodeErr))
			payload = nil
		}
	}

	trades := NormalizeTrades(payload, NormalizeOptions{
		Account: s.cfg.MasterAccount,
		Now:     now,
	})

	s.logger.Debug("成交拉取完成",
		zap.String("source", string(SourceLive)),
		zap.Int("count", len(trades)),
	)

	return TradeResult{
		Source:    SourceLive,
		Trades:    trades,
		FetchedAt: now.UTC(),
	}, nil
}

func (s *TradeService) fallback(reason string) (TradeResult, error) {
	if !s.cfg.AllowFallback {
		return TradeResult{}, fmt.Errorf("%w: %s", ErrConfigurationIncomplete, reason)
	}

	s.logger.Info("使用样例成交数据", zap.String("reason", reason))
	return TradeResult{
		Source:    SourceFallback,
		Reason:    reason,
		Trades:    SampleMasterTrades(),
		FetchedAt: s.now().UTC(),
	}, nil
}

// bearerToken 配置中的令牌优先，其次读取令牌文件。
func (s *TradeService) bearerToken() string {
	if token := strings.TrimSpace(s.cfg.OAuthToken); token != "" {
		return token
	}
	if s.cfg.OAuthTokenFile == "" {
		return ""
	}

	data, err := s.readFile(s.cfg.OAuthTokenFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("读取令牌文件失败",
				zap.String("path", s.cfg.OAuthTokenFile),
				zap.Error(err),
			)
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}
