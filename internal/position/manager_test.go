package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/internal/notify"
	"github.com/skalibog/bfat/internal/risk"
	"github.com/skalibog/bfat/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExchange struct {
	mu          sync.Mutex
	balance     float64
	balanceErr  error
	leverageErr error
	orderErr    error
	orders      []fakeOrder
	prices      map[string]float64
}

type fakeOrder struct {
	symbol     string
	side       string
	amount     float64
	reduceOnly bool
}

func (f *fakeExchange) SetLeverage(context.Context, string, int) error {
	return f.leverageErr
}

func (f *fakeExchange) CreateMarketOrder(_ context.Context, symbol, side string, amount float64, reduceOnly bool) (models.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return models.OrderResult{}, f.orderErr
	}
	f.orders = append(f.orders, fakeOrder{symbol, side, amount, reduceOnly})
	return models.OrderResult{OrderID: "42", Status: "FILLED"}, nil
}

func (f *fakeExchange) FetchBalance(context.Context) (float64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeExchange) FetchTicker(_ context.Context, symbol string) (models.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[symbol]
	if !ok {
		return models.Ticker{}, errors.New("нет цены")
	}
	return models.Ticker{Symbol: symbol, LastPrice: price}, nil
}

type memHistory struct {
	mu      sync.Mutex
	records []models.TradeHistoryRecord
	fail    bool
}

func (h *memHistory) Append(rec models.TradeHistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("диск заполнен")
	}
	h.records = append(h.records, rec)
	return nil
}

func (h *memHistory) Records() ([]models.TradeHistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.TradeHistoryRecord(nil), h.records...), nil
}

func (h *memHistory) Close() error { return nil }

func (h *memHistory) count(action models.HistoryAction) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.records {
		if r.Action == action {
			n++
		}
	}
	return n
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(event notify.Event, _ interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.TradingConfig {
	cfg := config.Default().Trading
	cfg.DryRun = false
	cfg.PositionSizeUSD = 10
	cfg.MaxPositionAge = 3600
	cfg.TrailingActivationPct = 1.0
	cfg.TrailingDistanceMultiplier = 0.8
	return cfg
}

func newTestManager(t *testing.T) (*Manager, *fakeExchange, *memHistory, *recordingNotifier) {
	t.Helper()
	ex := &fakeExchange{balance: 1000, prices: map[string]float64{}}
	hist := &memHistory{}
	n := &recordingNotifier{}
	m := NewManager(testConfig(), ex, hist, nil, n)
	m.now = func() time.Time { return t0 }
	return m, ex, hist, n
}

func opportunity(symbol string, dir models.Direction) models.Opportunity {
	return models.Opportunity{Symbol: symbol, Direction: dir, Score: 80}
}

func longSizing() risk.Sizing {
	return risk.Sizing{
		Leverage:     5,
		EntryPrice:   100,
		StopLoss:     95,
		TakeProfit:   110,
		Amount:       2,
		StopDistance: 5,
	}
}

func shortSizing() risk.Sizing {
	return risk.Sizing{
		Leverage:     5,
		EntryPrice:   100,
		StopLoss:     105,
		TakeProfit:   90,
		Amount:       2,
		StopDistance: 5,
	}
}

func TestOpen_PlacesOrderAndRecords(t *testing.T) {
	m, ex, hist, n := newTestManager(t)

	pos, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)

	assert.Equal(t, models.StatusOpen, pos.Status)
	assert.NotEmpty(t, pos.ID)
	assert.Equal(t, "42", pos.OrderID)
	assert.Equal(t, t0, pos.OpenedAt)
	assert.InDelta(t, 4.0, pos.TrailDistance, 1e-9)
	assert.Nil(t, pos.TrailingStop)

	require.Len(t, ex.orders, 1)
	assert.Equal(t, fakeOrder{"BTCUSDT", "BUY", 2, false}, ex.orders[0])
	assert.Equal(t, 1, hist.count(models.ActionOpen))
	assert.Equal(t, []string{"BTCUSDT"}, m.OpenSymbols())
	assert.Equal(t, []notify.Event{notify.EventPositionOpened}, n.events)
}

func TestOpen_RejectsDuplicateSymbol(t *testing.T) {
	m, _, hist, _ := newTestManager(t)

	_, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)

	_, err = m.Open(context.Background(), opportunity("BTCUSDT", models.Short), shortSizing())
	assert.ErrorIs(t, err, models.ErrPositionExists)
	assert.Equal(t, 1, m.Count())
	assert.Equal(t, 1, hist.count(models.ActionOpen))
}

func TestOpen_ExecutionFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fakeExchange)
	}{
		{"insufficient balance", func(f *fakeExchange) { f.balance = 5 }},
		{"balance error", func(f *fakeExchange) { f.balanceErr = errors.New("timeout") }},
		{"leverage rejected", func(f *fakeExchange) { f.leverageErr = errors.New("leverage not valid") }},
		{"order rejected", func(f *fakeExchange) { f.orderErr = errors.New("margin is insufficient") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ex, hist, n := newTestManager(t)
			tt.setup(ex)

			_, err := m.Open(context.Background(), opportunity("ETHUSDT", models.Long), longSizing())
			assert.ErrorIs(t, err, models.ErrExecution)
			assert.Zero(t, m.Count())
			assert.Empty(t, hist.records)
			assert.Equal(t, []notify.Event{notify.EventOpenFailed}, n.events)
		})
	}
}

func TestOpen_DryRunSkipsExchange(t *testing.T) {
	m, ex, hist, _ := newTestManager(t)
	m.config.DryRun = true
	ex.balance = 0

	pos, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)
	assert.Empty(t, pos.OrderID)
	assert.Empty(t, ex.orders)
	assert.Equal(t, 1, hist.count(models.ActionOpen))
}

func TestMonitor_TakeProfit(t *testing.T) {
	m, ex, hist, _ := newTestManager(t)
	pos, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)

	closed, err := m.Monitor(context.Background(), pos.ID, 111, t0.Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, models.StatusClosed, closed.Status)
	assert.Equal(t, models.ReasonTakeProfit, closed.CloseReason)
	assert.Equal(t, 110.0, closed.PnL)
	assert.Equal(t, 111.0, closed.ExitPrice)
	require.NotNil(t, closed.ClosedAt)
	assert.Zero(t, m.Count())

	require.Len(t, ex.orders, 2)
	assert.Equal(t, fakeOrder{"BTCUSDT", "SELL", 2, true}, ex.orders[1])

	assert.Equal(t, 1, hist.count(models.ActionClose))
	last := hist.records[len(hist.records)-1]
	assert.Equal(t, models.ReasonTakeProfit, last.CloseReason)
	assert.Equal(t, 110.0, last.PnL)
}

func TestMonitor_ExitOrder(t *testing.T) {
	tests := []struct {
		name   string
		side   models.Direction
		sizing risk.Sizing
		price  float64
		at     time.Time
		want   models.CloseReason
	}{
		{"long stop loss", models.Long, longSizing(), 94, t0.Add(time.Minute), models.ReasonStopLoss},
		{"long take profit wins over age", models.Long, longSizing(), 110, t0.Add(2 * time.Hour), models.ReasonTakeProfit},
		{"long max duration", models.Long, longSizing(), 100.5, t0.Add(2 * time.Hour), models.ReasonMaxDuration},
		{"short take profit", models.Short, shortSizing(), 89, t0.Add(time.Minute), models.ReasonTakeProfit},
		{"short stop loss", models.Short, shortSizing(), 105, t0.Add(time.Minute), models.ReasonStopLoss},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _, _, _ := newTestManager(t)
			pos, err := m.Open(context.Background(), opportunity("SOLUSDT", tt.side), tt.sizing)
			require.NoError(t, err)

			got, err := m.Monitor(context.Background(), pos.ID, tt.price, tt.at)
			require.NoError(t, err)
			assert.Equal(t, models.StatusClosed, got.Status)
			assert.Equal(t, tt.want, got.CloseReason)
		})
	}
}

func TestMonitor_ShortPnL(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	pos, err := m.Open(context.Background(), opportunity("SOLUSDT", models.Short), shortSizing())
	require.NoError(t, err)

	got, err := m.Monitor(context.Background(), pos.ID, 106, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonStopLoss, got.CloseReason)
	assert.Equal(t, -60.0, got.PnL)
}

func TestClose_Idempotent(t *testing.T) {
	m, ex, hist, _ := newTestManager(t)
	pos, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)

	first, err := m.Close(context.Background(), pos.ID, 101, models.ReasonShutdown)
	require.NoError(t, err)
	second, err := m.Close(context.Background(), pos.ID, 99, models.ReasonStopLoss)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, models.ReasonShutdown, second.CloseReason)
	assert.Equal(t, 1, hist.count(models.ActionClose))
	assert.Len(t, ex.orders, 2)

	again, err := m.Monitor(context.Background(), pos.ID, 120, t0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, again.Status)
	assert.Equal(t, 1, hist.count(models.ActionClose))
}

func TestClose_GatewayFailureKeepsPositionOpen(t *testing.T) {
	m, ex, hist, _ := newTestManager(t)
	pos, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)

	ex.orderErr = errors.New("service unavailable")
	_, err = m.Monitor(context.Background(), pos.ID, 94, t0)
	assert.ErrorIs(t, err, models.ErrExecution)
	assert.Equal(t, 1, m.Count())
	assert.Zero(t, hist.count(models.ActionClose))

	ex.orderErr = nil
	got, err := m.Monitor(context.Background(), pos.ID, 94, t0)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonStopLoss, got.CloseReason)
	assert.Equal(t, 1, hist.count(models.ActionClose))
}

func TestClose_UnknownID(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	_, err := m.Close(context.Background(), "missing", 1, models.ReasonShutdown)
	assert.Error(t, err)
}

func TestTrailingStop_LongRatchetsUp(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	pos, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)
	ctx := context.Background()

	got, err := m.Monitor(ctx, pos.ID, 100.5, t0)
	require.NoError(t, err)
	assert.Nil(t, got.TrailingStop, "ниже порога активации")

	prices := []float64{106, 108, 107, 109, 108.5}
	var last float64
	for _, price := range prices {
		got, err = m.Monitor(ctx, pos.ID, price, t0)
		require.NoError(t, err)
		require.Equal(t, models.StatusOpen, got.Status)
		require.NotNil(t, got.TrailingStop)
		assert.GreaterOrEqual(t, *got.TrailingStop, last)
		last = *got.TrailingStop
	}
	assert.InDelta(t, 105.0, last, 1e-9)

	got, err = m.Monitor(ctx, pos.ID, 104.9, t0)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonTrailingStop, got.CloseReason)
}

func TestTrailingStop_ShortRatchetsDown(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	pos, err := m.Open(context.Background(), opportunity("ETHUSDT", models.Short), shortSizing())
	require.NoError(t, err)
	ctx := context.Background()

	prices := []float64{97, 94, 95, 92, 93}
	last := 1e9
	for _, price := range prices {
		got, err := m.Monitor(ctx, pos.ID, price, t0)
		require.NoError(t, err)
		require.Equal(t, models.StatusOpen, got.Status)
		require.NotNil(t, got.TrailingStop)
		assert.LessOrEqual(t, *got.TrailingStop, last)
		last = *got.TrailingStop
	}
	assert.InDelta(t, 96.0, last, 1e-9)

	got, err := m.Monitor(ctx, pos.ID, 96.5, t0)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonTrailingStop, got.CloseReason)
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	pos, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)
	_, err = m.Monitor(context.Background(), pos.ID, 106, t0)
	require.NoError(t, err)

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	require.NotNil(t, snap[0].TrailingStop)
	*snap[0].TrailingStop = 0
	snap[0].StopLoss = 0

	again := m.Snapshot()
	assert.InDelta(t, 102.0, *again[0].TrailingStop, 1e-9)
	assert.Equal(t, 95.0, again[0].StopLoss)
}

func TestHistoryFailureDoesNotFailOperations(t *testing.T) {
	m, _, hist, _ := newTestManager(t)
	hist.fail = true

	pos, err := m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)
	_, err = m.Close(context.Background(), pos.ID, 100, models.ReasonShutdown)
	require.NoError(t, err)
	assert.Zero(t, m.Count())
}

func TestMonitorAllAndCloseAll(t *testing.T) {
	m, ex, _, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Open(ctx, opportunity("BTCUSDT", models.Long), longSizing())
	require.NoError(t, err)
	_, err = m.Open(ctx, opportunity("ETHUSDT", models.Short), shortSizing())
	require.NoError(t, err)
	_, err = m.Open(ctx, opportunity("XRPUSDT", models.Long), longSizing())
	require.NoError(t, err)

	ex.prices = map[string]float64{"BTCUSDT": 111, "ETHUSDT": 99}
	assert.Equal(t, 1, m.MonitorAll(ctx, ex))
	assert.Equal(t, []string{"ETHUSDT", "XRPUSDT"}, m.OpenSymbols())

	ex.prices["XRPUSDT"] = 100
	assert.Equal(t, 2, m.CloseAll(ctx, ex, models.ReasonShutdown))
	assert.Zero(t, m.Count())
}

func TestRestore(t *testing.T) {
	hist := &memHistory{}
	open := models.Position{ID: "a", Symbol: "BTCUSDT", Side: models.Long, EntryPrice: 100, StopLoss: 95, TakeProfit: 110, Amount: 1, Leverage: 3, Status: models.StatusOpen}
	done := models.Position{ID: "b", Symbol: "ETHUSDT", Side: models.Short, EntryPrice: 100, StopLoss: 105, TakeProfit: 90, Amount: 1, Leverage: 3, Status: models.StatusOpen}
	hist.records = []models.TradeHistoryRecord{
		{Action: models.ActionOpen, Position: open, Timestamp: t0},
		{Action: models.ActionOpen, Position: done, Timestamp: t0},
		{Action: models.ActionClose, Position: done, Timestamp: t0, CloseReason: models.ReasonStopLoss},
	}

	m := NewManager(testConfig(), &fakeExchange{}, hist, nil, nil)
	n, err := m.Restore()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"BTCUSDT"}, m.OpenSymbols())

	_, err = m.Open(context.Background(), opportunity("BTCUSDT", models.Long), longSizing())
	assert.ErrorIs(t, err, models.ErrPositionExists)
}

func TestRestore_ClosedPositionsStayIdempotent(t *testing.T) {
	hist := &memHistory{}
	done := models.Position{ID: "b", Symbol: "ETHUSDT", Side: models.Short, EntryPrice: 100, Amount: 1, Leverage: 3, Status: models.StatusOpen}
	hist.records = []models.TradeHistoryRecord{
		{Action: models.ActionOpen, Position: done, Timestamp: t0},
		{Action: models.ActionClose, Position: done, Timestamp: t0.Add(time.Hour), CloseReason: models.ReasonStopLoss, ExitPrice: 105, PnL: -15},
	}

	ex := &fakeExchange{}
	m := NewManager(testConfig(), ex, hist, nil, nil)
	_, err := m.Restore()
	require.NoError(t, err)

	got, err := m.Close(context.Background(), "b", 90, models.ReasonShutdown)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, models.ReasonStopLoss, got.CloseReason)
	assert.Equal(t, 105.0, got.ExitPrice)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, t0.Add(time.Hour), *got.ClosedAt)

	assert.Empty(t, ex.orders)
	assert.Equal(t, 1, hist.count(models.ActionClose))
}

func TestClosedPositionsAreBounded(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	m.closedLimit = 2

	var ids []string
	for _, symbol := range []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"} {
		pos, err := m.Open(context.Background(), opportunity(symbol, models.Long), longSizing())
		require.NoError(t, err)
		_, err = m.Close(context.Background(), pos.ID, 101, models.ReasonShutdown)
		require.NoError(t, err)
		ids = append(ids, pos.ID)
	}

	assert.Len(t, m.closed, 2)
	assert.Equal(t, ids[1:], m.closedOrder)

	_, err := m.Close(context.Background(), ids[0], 101, models.ReasonShutdown)
	assert.Error(t, err, "самая старая закрытая позиция вытеснена")
	_, err = m.Close(context.Background(), ids[2], 101, models.ReasonShutdown)
	assert.NoError(t, err)
}

func TestPnL(t *testing.T) {
	assert.Equal(t, 110.0, PnL(models.Long, 100, 111, 2, 5))
	assert.Equal(t, -110.0, PnL(models.Short, 100, 111, 2, 5))
	assert.Equal(t, 0.3, PnL(models.Long, 0.1, 0.2, 3, 1))
}
