package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trade-mirror/internal/broker"
	"trade-mirror/internal/config"
	"trade-mirror/internal/monitor"
	"trade-mirror/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	monitor  *monitor.Service
	sessions *broker.SessionAcquirer
	trades   *broker.TradeService
}

// New 创建 App 实例。opts 透传给底层 Fetcher，测试中用于替换等待函数。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store, opts ...broker.FetcherOption) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: 配置不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	monitorSvc, err := monitor.NewService(store, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	client := &http.Client{Timeout: cfg.Alice.RequestTimeout}
	fetcher := broker.NewFetcher(client, logger.Named("fetcher"), opts...)
	policy := broker.RetryPolicyFromConfig(cfg.Retry)

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		monitor:  monitorSvc,
		sessions: broker.NewSessionAcquirer(cfg.Alice, policy, fetcher, logger.Named("session")),
		trades:   broker.NewTradeService(cfg.Alice, policy, fetcher, logger.Named("trades")),
	}, nil
}

// Sessions 返回 SID 换取组件。
func (a *App) Sessions() *broker.SessionAcquirer { return a.sessions }

// Trades 返回成交服务。
func (a *App) Trades() *broker.TradeService { return a.trades }

// Monitor 返回监控服务。
func (a *App) Monitor() *monitor.Service { return a.monitor }

// Handler 返回对外 HTTP 路由。
func (a *App) Handler() http.Handler {
	return newServer(a).routes()
}

// Run 启动 HTTP 接口与成交轮询，直到 ctx 结束或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("成交镜像服务已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("trades_url", a.cfg.Alice.TradesURL()),
		zap.String("auth_method", a.cfg.Alice.AuthMethod),
		zap.Bool("session_exchange", a.sessions.Enabled()),
		zap.Bool("poller", a.cfg.Poller.Enabled),
	)

	g, gctx := errgroup.WithContext(ctx)

	srv := newServer(a)
	g.Go(func() error {
		return srv.serve(gctx, a.cfg.Server)
	})

	if a.cfg.Poller.Enabled {
		p := newPoller(a.trades, a.monitor, a.cfg.Poller.Interval, a.logger.Named("poller"))
		p.retention = a.cfg.Poller.EventRetention
		g.Go(func() error {
			return p.run(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}
