package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"trade-mirror/internal/config"
)

const (
	maxResponseBytes = 32 << 20
	maxErrorBytes    = 64 << 10
	maxBackoffShift  = 20
)

// Doer 为 *http.Client 的最小抽象。
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request 描述一次出站请求。Body 以字节保存，每次重试都会重新发送。
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response 为成功响应，Body 已完整读取。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Sleeper 在两次重试之间等待，ctx 结束时应立即返回。
type Sleeper func(ctx context.Context, d time.Duration) error

// Fetcher 对 HTTP 调用做有限次数的指数退避重试。
type Fetcher struct {
	client  Doer
	logger  *zap.Logger
	sleep   Sleeper
	maxBody int64
}

// FetcherOption 调整 Fetcher 行为。
type FetcherOption func(*Fetcher)

// WithSleeper 替换重试等待实现。
func WithSleeper(sleep Sleeper) FetcherOption {
	return func(f *Fetcher) {
		if sleep != nil {
			f.sleep = sleep
		}
	}
}

// NewFetcher 创建 Fetcher，client 为空时使用 http.DefaultClient。
func NewFetcher(client Doer, logger *zap.Logger, opts ...FetcherOption) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		client:  client,
		logger:  logger,
		sleep:   sleepContext,
		maxBody: maxResponseBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// RetryPolicyFromConfig 将配置转换为重试策略。
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Jitter:         cfg.Jitter,
	}
}

// Fetch 执行请求；非 2xx 视为失败。第 i 次失败后等待 InitialBackoff*2^i 再重试，
// 重试 MaxAttempts 次后返回最后一次失败的 *FetchError。
func (f *Fetcher) Fetch(ctx context.Context, req Request, policy RetryPolicy) (*Response, error) {
	policy = policy.normalized()
	delays := policy.backOff()

	for attempt := 0; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		httpReq, err := req.build(ctx)
		if err != nil {
			return nil, fmt.Errorf("broker: 构造请求失败: %w", err)
		}

		start := time.Now()
		resp, fetchErr := f.do(httpReq)
		latency := time.Since(start)
		if fetchErr == nil {
			if attempt > 0 {
				f.logger.Info("上游调用重试后成功",
					zap.String("url", httpReq.URL.Redacted()),
					zap.Int("attempts", attempt+1),
					zap.Duration("latency", latency),
				)
			}
			return resp, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		fetchErr.Attempts = attempt + 1
		if attempt >= policy.MaxAttempts {
			f.logger.Error("上游调用失败",
				zap.String("url", httpReq.URL.Redacted()),
				zap.Int("attempts", fetchErr.Attempts),
				zap.Int("status", fetchErr.StatusCode),
				zap.Duration("latency", latency),
				zap.Error(fetchErr),
			)
			return nil, fetchErr
		}

		wait := delays.NextBackOff()
		f.logger.Warn("上游调用失败，等待重试",
			zap.String("url", httpReq.URL.Redacted()),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(fetchErr),
		)

		if err := f.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (f *Fetcher) do(req *http.Request) (*Response, *FetchError) {
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, &FetchError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(b)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, &FetchError{Message: fmt.Sprintf("读取响应失败: %v", err), Err: err}
	}
	if int64(len(body)) > f.maxBody {
		return nil, &FetchError{
			Message: fmt.Sprintf("响应体超过 %d 字节", f.maxBody),
			Err:     ErrResponseTooLarge,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func (r Request) build(ctx context.Context) (*http.Request, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	if r.URL == "" {
		return nil, errors.New("url 不能为空")
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vals := range r.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy().InitialBackoff
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// backOff 生成 InitialBackoff*2^i 序列；未设置 MaxBackoff 时上限取整个序列的最大值，不截断。
func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	ceiling := p.MaxBackoff
	if ceiling <= 0 {
		shift := p.MaxAttempts
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		ceiling = p.InitialBackoff << shift
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxInterval = ceiling
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
