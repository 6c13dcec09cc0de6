package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"trade-mirror/internal/broker"
	"trade-mirror/internal/monitor"
)

const defaultPollInterval = 30 * time.Second

type tradeSource interface {
	GetMasterTrades(ctx context.Context) (broker.TradeResult, error)
}

// poller 定时拉取主账户成交并记录监控事件，不缓存结果。
type poller struct {
	trades    tradeSource
	monitor   *monitor.Service
	interval  time.Duration
	retention time.Duration
	logger    *zap.Logger
}

func newPoller(trades tradeSource, monitorSvc *monitor.Service, interval time.Duration, logger *zap.Logger) *poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &poller{
		trades:   trades,
		monitor:  monitorSvc,
		interval: interval,
		logger:   logger,
	}
}

func (p *poller) run(ctx context.Context) error {
	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *poller) tick(ctx context.Context) {
	start := time.Now()
	result, err := p.trades.GetMasterTrades(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("成交拉取失败", zap.Error(err))
		p.monitor.RecordError(ctx, "成交拉取失败", err, map[string]interface{}{"trigger": "poller"})
		return
	}

	if result.IsFallback() {
		p.logger.Warn("成交接口不可用，使用样例数据", zap.String("reason", result.Reason))
	} else {
		p.logger.Info("成交拉取完成", zap.Int("count", len(result.Trades)))
	}
	p.monitor.RecordTrades(ctx, "poller", result, time.Since(start))
	p.prune(ctx)
}

func (p *poller) prune(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	removed, err := p.monitor.Prune(ctx, time.Now().Add(-p.retention))
	if err != nil {
		p.logger.Warn("清理过期监控事件失败", zap.Error(err))
		return
	}
	if removed > 0 {
		p.logger.Debug("已清理过期监控事件", zap.Int64("removed", removed))
	}
}
