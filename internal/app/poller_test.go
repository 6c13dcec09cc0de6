package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-mirror/internal/broker"
	"trade-mirror/internal/monitor"
)

type tradeSourceFunc func(ctx context.Context) (broker.TradeResult, error)

func (f tradeSourceFunc) GetMasterTrades(ctx context.Context) (broker.TradeResult, error) {
	return f(ctx)
}

func TestPoller_TickRecordsResult(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	p := newPoller(a.Trades(), a.Monitor(), time.Minute, nil)

	p.tick(context.Background())

	events, err := a.Monitor().ListEvents(context.Background(), monitor.EventQuery{Type: monitor.EventTradesFetch, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPoller_TickRecordsError(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	src := tradeSourceFunc(func(context.Context) (broker.TradeResult, error) {
		return broker.TradeResult{}, &broker.FetchError{StatusCode: 503, Message: "down"}
	})
	p := newPoller(src, a.Monitor(), time.Minute, nil)

	p.tick(context.Background())

	events, err := a.Monitor().ListEvents(context.Background(), monitor.EventQuery{Type: monitor.EventError, Limit: 10})
	require.NoError(t, err)
	require.Len(t, events, 1)

	trades, err := a.Monitor().ListEvents(context.Background(), monitor.EventQuery{Type: monitor.EventTradesFetch, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	src := tradeSourceFunc(func(context.Context) (broker.TradeResult, error) {
		if calls.Add(1) >= 3 {
			cancel()
		}
		return broker.TradeResult{Source: broker.SourceLive}, nil
	})
	p := newPoller(src, a.Monitor(), 5*time.Millisecond, nil)

	done := make(chan error, 1)
	go func() { done <- p.run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("poller 未在取消后退出")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestNewPoller_DefaultInterval(t *testing.T) {
	p := newPoller(tradeSourceFunc(func(context.Context) (broker.TradeResult, error) {
		return broker.TradeResult{}, errors.New("unused")
	}), nil, 0, nil)
	assert.Equal(t, defaultPollInterval, p.interval)
}

func TestPoller_PrunesExpiredEvents(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, a.Monitor().Record(ctx, monitor.Event{
		Type:      monitor.EventError,
		Timestamp: old,
		Payload:   monitor.ErrorPayload{Message: "stale"},
	}))

	p := newPoller(a.Trades(), a.Monitor(), time.Minute, nil)
	p.retention = 24 * time.Hour
	p.tick(ctx)

	events, err := a.Monitor().ListEvents(ctx, monitor.EventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, monitor.EventTradesFetch, events[0].Type)
}
