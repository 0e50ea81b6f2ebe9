package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/internal/notify"
	"github.com/skalibog/bfat/internal/risk"
	"github.com/skalibog/bfat/internal/storage"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
)

// closedLimit сколько закрытых позиций помнить для повторных Close/Monitor
const closedLimit = 1000

// Executor исполняет ордера на бирже
type Executor interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, reduceOnly bool) (models.OrderResult, error)
	FetchBalance(ctx context.Context) (float64, error)
}

// PriceSource источник текущей цены для мониторинга
type PriceSource interface {
	FetchTicker(ctx context.Context, symbol string) (models.Ticker, error)
}

// Notifier получает события жизненного цикла позиций
type Notifier interface {
	Notify(event notify.Event, payload interface{})
}

// Manager владеет набором открытых позиций.
// Изменения (Open, Monitor, Close) выполняются последовательно под ops,
// читатели (API, UI, ранжирование) берут копии под mu.
type Manager struct {
	config   config.TradingConfig
	exchange Executor
	history  storage.History
	recorder storage.Recorder
	notifier Notifier
	now      func() time.Time

	ops       sync.Mutex
	mu        sync.RWMutex
	positions map[string]*models.Position

	closed      map[string]models.Position
	closedOrder []string
	closedLimit int
}

// NewManager создает менеджер позиций
func NewManager(cfg config.TradingConfig, exchange Executor, history storage.History, recorder storage.Recorder, notifier Notifier) *Manager {
	if recorder == nil {
		recorder = storage.NopRecorder{}
	}
	if notifier == nil {
		notifier = notify.NewDispatcher(0)
	}
	return &Manager{
		config:    cfg,
		exchange:  exchange,
		history:   history,
		recorder:  recorder,
		notifier:  notifier,
		now:       time.Now,
		positions:   make(map[string]*models.Position),
		closed:      make(map[string]models.Position),
		closedLimit: closedLimit,
	}
}

// Restore восстанавливает открытые позиции из истории сделок
func (m *Manager) Restore() (int, error) {
	records, err := m.history.Records()
	if err != nil {
		return 0, err
	}

	m.ops.Lock()
	defer m.ops.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range records {
		if rec.Action != models.ActionClose {
			continue
		}
		pos := rec.Position
		pos.Status = models.StatusClosed
		pos.CloseReason = rec.CloseReason
		pos.ExitPrice = rec.ExitPrice
		pos.PnL = rec.PnL
		if pos.ClosedAt == nil {
			closedAt := rec.Timestamp
			pos.ClosedAt = &closedAt
		}
		m.rememberClosedLocked(pos)
	}

	restored := 0
	for _, p := range storage.OpenPositions(records) {
		if _, exists := m.positions[p.Symbol]; exists {
			logger.Warn("Пропущена дублирующая позиция из истории",
				zap.String("symbol", p.Symbol), zap.String("id", p.ID))
			continue
		}
		pos := p
		pos.Status = models.StatusOpen
		m.positions[pos.Symbol] = &pos
		restored++
	}

	if restored > 0 {
		logger.Info("Восстановлены открытые позиции", zap.Int("count", restored))
	}
	return restored, nil
}

// Open открывает позицию по кандидату. Ошибка биржи возвращается как ErrExecution,
// позиция при этом не попадает в набор и запись в историю не пишется.
func (m *Manager) Open(ctx context.Context, opp models.Opportunity, sizing risk.Sizing) (models.Position, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	if _, exists := m.lookup(opp.Symbol); exists {
		return models.Position{}, fmt.Errorf("%w: %s", models.ErrPositionExists, opp.Symbol)
	}

	pos := models.Position{
		ID:            uuid.NewString(),
		Symbol:        opp.Symbol,
		Side:          opp.Direction,
		EntryPrice:    sizing.EntryPrice,
		Amount:        sizing.Amount,
		Leverage:      sizing.Leverage,
		StopLoss:      sizing.StopLoss,
		TakeProfit:    sizing.TakeProfit,
		TrailDistance: sizing.StopDistance * m.config.TrailingDistanceMultiplier,
		OpenedAt:      m.now(),
		Status:        models.StatusOpenPending,
		Score:         opp.Score,
	}

	if !m.config.DryRun {
		orderID, err := m.place(ctx, pos)
		if err != nil {
			logger.Error("Не удалось открыть позицию", zap.String("symbol", pos.Symbol), zap.Error(err))
			m.notifier.Notify(notify.EventOpenFailed, notify.Failure{Symbol: pos.Symbol, Error: err.Error()})
			return models.Position{}, err
		}
		pos.OrderID = orderID
	}

	pos.Status = models.StatusOpen

	m.mu.Lock()
	stored := pos
	m.positions[pos.Symbol] = &stored
	m.mu.Unlock()

	m.record(ctx, models.TradeHistoryRecord{
		Action:    models.ActionOpen,
		Position:  pos,
		Timestamp: pos.OpenedAt,
	})

	logger.Info("Открыта позиция",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("amount", pos.Amount),
		zap.Int("leverage", pos.Leverage),
		zap.Float64("stop_loss", pos.StopLoss),
		zap.Float64("take_profit", pos.TakeProfit),
		zap.Float64("score", pos.Score),
		zap.Bool("dry_run", m.config.DryRun))
	m.notifier.Notify(notify.EventPositionOpened, pos)

	return pos, nil
}

// place проверяет баланс, выставляет плечо и размещает рыночный ордер
func (m *Manager) place(ctx context.Context, pos models.Position) (string, error) {
	balance, err := m.exchange.FetchBalance(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: ошибка получения баланса: %w", models.ErrExecution, err)
	}
	if balance < m.config.PositionSizeUSD {
		return "", fmt.Errorf("%w: недостаточно средств: %.2f < %.2f USDT", models.ErrExecution, balance, m.config.PositionSizeUSD)
	}

	if err := m.exchange.SetLeverage(ctx, pos.Symbol, pos.Leverage); err != nil {
		return "", fmt.Errorf("%w: ошибка установки плеча %dx: %w", models.ErrExecution, pos.Leverage, err)
	}

	order, err := m.exchange.CreateMarketOrder(ctx, pos.Symbol, pos.Side.OrderSide(), pos.Amount, false)
	if err != nil {
		return "", fmt.Errorf("%w: ордер отклонен: %w", models.ErrExecution, err)
	}
	return order.OrderID, nil
}

// Monitor проверяет позицию по текущей цене: тейк-профит, стоп-лосс, трейлинг-стоп,
// возраст, затем подтягивает трейлинг-стоп. Возвращает актуальное состояние позиции.
func (m *Manager) Monitor(ctx context.Context, id string, price float64, now time.Time) (models.Position, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	pos, ok := m.lookupID(id)
	if !ok {
		if closed, done := m.closedByID(id); done {
			return closed, nil
		}
		return models.Position{}, fmt.Errorf("позиция %s не найдена", id)
	}

	if reason, hit := m.exitReason(pos, price, now); hit {
		return m.closeLocked(ctx, pos, price, reason, now)
	}

	m.ratchet(pos, price)
	return m.copyOf(pos), nil
}

func (m *Manager) exitReason(pos models.Position, price float64, now time.Time) (models.CloseReason, bool) {
	long := pos.Side == models.Long

	switch {
	case long && price >= pos.TakeProfit, !long && price <= pos.TakeProfit:
		return models.ReasonTakeProfit, true
	case long && price <= pos.StopLoss, !long && price >= pos.StopLoss:
		return models.ReasonStopLoss, true
	case pos.TrailingStop != nil && long && price <= *pos.TrailingStop,
		pos.TrailingStop != nil && !long && price >= *pos.TrailingStop:
		return models.ReasonTrailingStop, true
	case now.Sub(pos.OpenedAt) > m.config.MaxPositionAgeDuration():
		return models.ReasonMaxDuration, true
	}
	return "", false
}

// ratchet подтягивает трейлинг-стоп. Стоп только ужесточается.
func (m *Manager) ratchet(pos models.Position, price float64) {
	if pos.TrailDistance <= 0 || pos.UnrealizedPct(price) < m.config.TrailingActivationPct {
		return
	}

	candidate := price - pos.TrailDistance
	if pos.Side == models.Short {
		candidate = price + pos.TrailDistance
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.positions[pos.Symbol]
	if !ok || stored.ID != pos.ID {
		return
	}

	current := stored.TrailingStop
	if current != nil {
		if pos.Side == models.Long && candidate <= *current {
			return
		}
		if pos.Side == models.Short && candidate >= *current {
			return
		}
	}

	stored.TrailingStop = &candidate
	logger.Debug("Подтянут трейлинг-стоп",
		zap.String("symbol", pos.Symbol),
		zap.Float64("price", price),
		zap.Float64("trailing_stop", candidate))
}

// Close закрывает позицию по цене выхода. Повторный вызов для закрытой позиции ничего не делает.
func (m *Manager) Close(ctx context.Context, id string, price float64, reason models.CloseReason) (models.Position, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	pos, ok := m.lookupID(id)
	if !ok {
		if closed, done := m.closedByID(id); done {
			return closed, nil
		}
		return models.Position{}, fmt.Errorf("позиция %s не найдена", id)
	}
	return m.closeLocked(ctx, pos, price, reason, m.now())
}

func (m *Manager) closeLocked(ctx context.Context, pos models.Position, price float64, reason models.CloseReason, now time.Time) (models.Position, error) {
	if !m.config.DryRun {
		if _, err := m.exchange.CreateMarketOrder(ctx, pos.Symbol, pos.Side.CloseSide(), pos.Amount, true); err != nil {
			logger.Error("Не удалось закрыть позицию",
				zap.String("symbol", pos.Symbol),
				zap.String("reason", string(reason)),
				zap.Error(err))
			return pos, fmt.Errorf("%w: ошибка закрытия %s: %w", models.ErrExecution, pos.Symbol, err)
		}
	}

	closedAt := now
	pos.Status = models.StatusClosed
	pos.ClosedAt = &closedAt
	pos.ExitPrice = price
	pos.PnL = PnL(pos.Side, pos.EntryPrice, price, pos.Amount, pos.Leverage)
	pos.CloseReason = reason

	m.mu.Lock()
	delete(m.positions, pos.Symbol)
	m.rememberClosedLocked(pos)
	m.mu.Unlock()

	m.record(ctx, models.TradeHistoryRecord{
		Action:      models.ActionClose,
		Position:    pos,
		Timestamp:   closedAt,
		CloseReason: reason,
		ExitPrice:   price,
		PnL:         pos.PnL,
	})

	logger.Info("Закрыта позиция",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.String("reason", string(reason)),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("exit", price),
		zap.Float64("pnl", pos.PnL))
	m.notifier.Notify(notify.EventPositionClosed, pos)

	return pos, nil
}

// MonitorAll проверяет все открытые позиции по текущим ценам. Возвращает число закрытых.
func (m *Manager) MonitorAll(ctx context.Context, prices PriceSource) int {
	closed := 0
	for _, pos := range m.Snapshot() {
		if ctx.Err() != nil {
			break
		}

		ticker, err := prices.FetchTicker(ctx, pos.Symbol)
		if err != nil {
			logger.Warn("Нет цены для мониторинга позиции", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}

		updated, err := m.Monitor(ctx, pos.ID, ticker.LastPrice, m.now())
		if err != nil {
			logger.Warn("Ошибка мониторинга позиции", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		if updated.Status == models.StatusClosed {
			closed++
		}
	}
	return closed
}

// CloseAll закрывает все открытые позиции по текущим ценам
func (m *Manager) CloseAll(ctx context.Context, prices PriceSource, reason models.CloseReason) int {
	closed := 0
	for _, pos := range m.Snapshot() {
		ticker, err := prices.FetchTicker(ctx, pos.Symbol)
		if err != nil {
			logger.Error("Нет цены для закрытия позиции", zap.String("symbol", pos.Symbol), zap.Error(err))
			continue
		}
		if _, err := m.Close(ctx, pos.ID, ticker.LastPrice, reason); err != nil {
			continue
		}
		closed++
	}
	return closed
}

// Snapshot возвращает копии открытых позиций, отсортированные по символу
func (m *Manager) Snapshot() []models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, m.copyOfLocked(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// OpenSymbols символы с открытыми позициями
func (m *Manager) OpenSymbols() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	symbols := make([]string, 0, len(m.positions))
	for symbol := range m.positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Count число открытых позиций
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// PnL реализованный результат сделки в валюте котировки с учетом плеча
func PnL(side models.Direction, entry, exit, amount float64, leverage int) float64 {
	pnl := decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromFloat(amount)).
		Mul(decimal.NewFromInt(int64(leverage)))
	if side == models.Short {
		pnl = pnl.Neg()
	}
	return pnl.Round(8).InexactFloat64()
}

// record пишет запись в историю. Ошибка сохранения только логируется.
func (m *Manager) record(ctx context.Context, rec models.TradeHistoryRecord) {
	if err := m.history.Append(rec); err != nil {
		logger.Error("Ошибка записи истории сделок",
			zap.String("symbol", rec.Position.Symbol),
			zap.String("action", string(rec.Action)),
			zap.Error(fmt.Errorf("%w: %w", models.ErrPersistence, err)))
	}
	if err := m.recorder.SaveTradeEvent(ctx, rec); err != nil {
		logger.Warn("Ошибка записи события сделки", zap.String("symbol", rec.Position.Symbol), zap.Error(err))
	}
}

func (m *Manager) lookup(symbol string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return m.copyOfLocked(p), true
}

func (m *Manager) lookupID(id string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.positions {
		if p.ID == id {
			return m.copyOfLocked(p), true
		}
	}
	return models.Position{}, false
}

// rememberClosedLocked сохраняет закрытую позицию, вытесняя самые старые сверх closedLimit
func (m *Manager) rememberClosedLocked(pos models.Position) {
	if _, ok := m.closed[pos.ID]; !ok {
		m.closedOrder = append(m.closedOrder, pos.ID)
	}
	m.closed[pos.ID] = pos

	for len(m.closedOrder) > max(m.closedLimit, 1) {
		delete(m.closed, m.closedOrder[0])
		m.closedOrder = m.closedOrder[1:]
	}
}

func (m *Manager) closedByID(id string) (models.Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.closed[id]
	return p, ok
}

func (m *Manager) copyOf(pos models.Position) models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if stored, ok := m.positions[pos.Symbol]; ok && stored.ID == pos.ID {
		return m.copyOfLocked(stored)
	}
	return pos
}

func (m *Manager) copyOfLocked(p *models.Position) models.Position {
	cp := *p
	if p.TrailingStop != nil {
		ts := *p.TrailingStop
		cp.TrailingStop = &ts
	}
	return cp
}
