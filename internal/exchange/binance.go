package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Коды Binance, при которых стоит подождать и повторить запрос
const (
	codeTooManyRequests = -1003
	codeTooManyOrders   = -1015
)

// SymbolInfo параметры торгуемого контракта
type SymbolInfo struct {
	Symbol            string
	Status            string
	QuoteAsset        string
	QuantityPrecision int
}

// BinanceClient клиент фьючерсов Binance USDT-M.
// Все запросы проходят через общий ограничитель частоты.
type BinanceClient struct {
	futures    *futures.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    backoff.Backoff

	mu        sync.RWMutex
	precision map[string]int
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BinanceConfig) *BinanceClient {
	if cfg.Testnet {
		futures.UseTestnet = true
	}

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &BinanceClient{
		futures:    futures.NewClient(cfg.APIKey, cfg.APISecret),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		maxRetries: cfg.MaxRetries,
		backoff: backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		precision: make(map[string]int),
	}
}

// FetchOHLCV получает свечи от старых к новым
func (c *BinanceClient) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	var klines []*futures.Kline
	err := c.call(ctx, "klines", func() (err error) {
		klines, err = c.futures.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка получения свечей %s %s: %w", models.ErrDataUnavailable, symbol, interval, err)
	}

	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		candle, err := parseKline(symbol, interval, k)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", models.ErrDataUnavailable, symbol, interval, err)
		}
		candles = append(candles, candle)
	}

	return candles, nil
}

// FetchTicker получает 24-часовую статистику по символу
func (c *BinanceClient) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	var stats []*futures.PriceChangeStats
	err := c.call(ctx, "ticker", func() (err error) {
		stats, err = c.futures.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return models.Ticker{}, fmt.Errorf("%w: ошибка получения тикера %s: %w", models.ErrDataUnavailable, symbol, err)
	}
	if len(stats) == 0 {
		return models.Ticker{}, fmt.Errorf("%w: тикер %s не найден", models.ErrDataUnavailable, symbol)
	}

	return parseTicker(stats[0])
}

// FetchTickers получает 24-часовую статистику по всем символам
func (c *BinanceClient) FetchTickers(ctx context.Context) (map[string]models.Ticker, error) {
	var stats []*futures.PriceChangeStats
	err := c.call(ctx, "tickers", func() (err error) {
		stats, err = c.futures.NewListPriceChangeStatsService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка получения тикеров: %w", models.ErrDataUnavailable, err)
	}

	tickers := make(map[string]models.Ticker, len(stats))
	for _, s := range stats {
		t, err := parseTicker(s)
		if err != nil {
			logger.Debug("Пропущен тикер", zap.String("symbol", s.Symbol), zap.Error(err))
			continue
		}
		tickers[t.Symbol] = t
	}

	return tickers, nil
}

// Symbols получает список контрактов и запоминает точность объема
func (c *BinanceClient) Symbols(ctx context.Context) (map[string]SymbolInfo, error) {
	var info *futures.ExchangeInfo
	err := c.call(ctx, "exchangeInfo", func() (err error) {
		info, err = c.futures.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка получения списка контрактов: %w", models.ErrDataUnavailable, err)
	}

	symbols := make(map[string]SymbolInfo, len(info.Symbols))
	c.mu.Lock()
	for _, s := range info.Symbols {
		symbols[s.Symbol] = SymbolInfo{
			Symbol:            s.Symbol,
			Status:            s.Status,
			QuoteAsset:        s.QuoteAsset,
			QuantityPrecision: s.QuantityPrecision,
		}
		c.precision[s.Symbol] = s.QuantityPrecision
	}
	c.mu.Unlock()

	return symbols, nil
}

// SetLeverage устанавливает плечо по символу
func (c *BinanceClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	err := c.call(ctx, "leverage", func() error {
		_, err := c.futures.NewChangeLeverageService().
			Symbol(symbol).
			Leverage(leverage).
			Do(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: ошибка установки плеча %dx для %s: %w", models.ErrExecution, leverage, symbol, err)
	}
	return nil
}

// CreateMarketOrder размещает рыночный ордер. Объем округляется вниз до точности контракта.
func (c *BinanceClient) CreateMarketOrder(ctx context.Context, symbol, side string, amount float64, reduceOnly bool) (models.OrderResult, error) {
	quantity, err := c.formatQuantity(ctx, symbol, amount)
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: %w", models.ErrExecution, err)
	}

	var resp *futures.CreateOrderResponse
	err = c.call(ctx, "order", func() (err error) {
		svc := c.futures.NewCreateOrderService().
			Symbol(symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeMarket).
			Quantity(quantity).
			NewClientOrderID("bfat-" + uuid.NewString()[:18])
		if reduceOnly {
			svc = svc.ReduceOnly(true)
		}
		resp, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return models.OrderResult{}, fmt.Errorf("%w: ордер %s %s %s отклонен: %w", models.ErrExecution, side, quantity, symbol, err)
	}

	logger.Info("Размещен рыночный ордер",
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.String("quantity", quantity),
		zap.Int64("order_id", resp.OrderID))

	return models.OrderResult{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  string(resp.Status),
	}, nil
}

// FetchBalance доступный баланс USDT
func (c *BinanceClient) FetchBalance(ctx context.Context) (float64, error) {
	var balances []*futures.Balance
	err := c.call(ctx, "balance", func() (err error) {
		balances, err = c.futures.NewGetBalanceService().Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: ошибка получения баланса: %w", models.ErrExecution, err)
	}

	for _, b := range balances {
		if b.Asset == "USDT" {
			available, err := strconv.ParseFloat(b.AvailableBalance, 64)
			if err != nil {
				return 0, fmt.Errorf("%w: некорректный баланс %q", models.ErrExecution, b.AvailableBalance)
			}
			return available, nil
		}
	}
	return 0, nil
}

// call выполняет запрос с учетом лимита частоты. При ответе о превышении
// лимита ждет с экспоненциальной задержкой и повторяет; прочие ошибки не повторяются.
func (c *BinanceClient) call(ctx context.Context, name string, fn func() error) error {
	b := c.backoff
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn()
		if err == nil || !isRateLimited(err) || attempt >= c.maxRetries {
			return err
		}

		delay := b.Duration()
		logger.Warn("Превышен лимит запросов Binance, повтор",
			zap.String("request", name),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *BinanceClient) formatQuantity(ctx context.Context, symbol string, amount float64) (string, error) {
	c.mu.RLock()
	prec, ok := c.precision[symbol]
	c.mu.RUnlock()

	if !ok {
		symbols, err := c.Symbols(ctx)
		if err != nil {
			return "", err
		}
		info, found := symbols[symbol]
		if !found {
			return "", fmt.Errorf("контракт %s не найден", symbol)
		}
		prec = info.QuantityPrecision
	}

	return FormatQuantity(amount, prec)
}

// FormatQuantity округляет объем вниз до precision знаков
func FormatQuantity(amount float64, precision int) (string, error) {
	q := decimal.NewFromFloat(amount).Truncate(int32(precision))
	if !q.IsPositive() {
		return "", fmt.Errorf("объем %v меньше минимального шага (точность %d)", amount, precision)
	}
	return q.String(), nil
}

func isRateLimited(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeTooManyRequests || apiErr.Code == codeTooManyOrders
	}
	return false
}

func parseKline(symbol, interval string, k *futures.Kline) (models.Candle, error) {
	values := make([]float64, 5)
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.Candle{}, fmt.Errorf("некорректное значение свечи %q: %w", s, err)
		}
		values[i] = v
	}

	return models.Candle{
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		CloseTime: time.UnixMilli(k.CloseTime),
	}, nil
}

func parseTicker(s *futures.PriceChangeStats) (models.Ticker, error) {
	last, err := strconv.ParseFloat(s.LastPrice, 64)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("некорректная цена %q: %w", s.LastPrice, err)
	}
	volume, err := strconv.ParseFloat(s.QuoteVolume, 64)
	if err != nil {
		return models.Ticker{}, fmt.Errorf("некорректный объем %q: %w", s.QuoteVolume, err)
	}

	return models.Ticker{
		Symbol:      s.Symbol,
		LastPrice:   last,
		QuoteVolume: volume,
	}, nil
}
