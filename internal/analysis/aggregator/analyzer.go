package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skalibog/bfat/internal/analysis/fusion"
	"github.com/skalibog/bfat/internal/analysis/technical"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/internal/workerpool"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MarketData источник свечей
type MarketData interface {
	FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error)
}

// Result итог анализа вселенной символов за один цикл
type Result struct {
	Opportunities []models.Opportunity
	Analyzed      int
	Failed        int
	Dropped       int
}

type symbolResult struct {
	symbol string
	opp    models.Opportunity
	found  bool
	err    error
}

// Analyzer прогоняет символы через индикаторы и слияние сигналов на пуле воркеров
type Analyzer struct {
	config    config.AnalysisConfig
	scan      config.ScanConfig
	market    MarketData
	pool      *workerpool.Pool
	technical *technical.Engine
	fusion    *fusion.Engine
	intervals []string
	now       func() time.Time
}

// NewAnalyzer создает анализатор
func NewAnalyzer(cfg config.AnalysisConfig, scan config.ScanConfig, market MarketData, pool *workerpool.Pool) *Analyzer {
	return &Analyzer{
		config:    cfg,
		scan:      scan,
		market:    market,
		pool:      pool,
		technical: technical.NewEngine(cfg.Indicators),
		fusion:    fusion.NewEngine(cfg.Fusion),
		intervals: requiredIntervals(cfg.Pairs),
		now:       time.Now,
	}
}

// Scan анализирует символы пачками на пуле воркеров.
// По истечении мягкого дедлайна возвращает то, что успели посчитать.
// Результат отсортирован по символу и не зависит от порядка завершения воркеров.
func (a *Analyzer) Scan(ctx context.Context, symbols []string) (Result, error) {
	var result Result
	if len(symbols) == 0 {
		return result, nil
	}

	deadline := a.scan.CycleDeadlineDuration()
	scanCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	results := make(chan symbolResult, len(symbols))
	var wg sync.WaitGroup
	submitted := 0

	for _, batch := range batches(symbols, a.scan.BatchSize) {
		wg.Add(1)
		err := a.pool.Submit(scanCtx, func(jobCtx context.Context) {
			defer wg.Done()
			for _, symbol := range batch {
				if jobCtx.Err() != nil {
					return
				}
				opp, found, err := a.analyzeSymbol(jobCtx, symbol)
				results <- symbolResult{symbol: symbol, opp: opp, found: found, err: err}
			}
		})
		if err != nil {
			wg.Done()
			if errors.Is(err, models.ErrPoolClosed) {
				return result, err
			}
			logger.Warn("Пачка символов не поставлена в очередь", zap.Int("batch", len(batch)), zap.Error(err))
			break
		}
		submitted += len(batch)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-scanCtx.Done():
		logger.Warn("Истек дедлайн анализа, используются частичные результаты",
			zap.Duration("deadline", deadline))
	}

	collected := 0
collect:
	for {
		select {
		case r := <-results:
			if r.err != nil && (errors.Is(r.err, context.DeadlineExceeded) || errors.Is(r.err, context.Canceled)) {
				continue
			}
			collected++
			switch {
			case r.err != nil:
				result.Failed++
				logger.Warn("Символ пропущен", zap.String("symbol", r.symbol), zap.Error(r.err))
			case r.found:
				result.Analyzed++
				result.Opportunities = append(result.Opportunities, r.opp)
			default:
				result.Analyzed++
			}
		default:
			break collect
		}
	}
	result.Dropped = len(symbols) - collected

	sort.Slice(result.Opportunities, func(i, j int) bool {
		return result.Opportunities[i].Symbol < result.Opportunities[j].Symbol
	})

	logger.Info("Анализ символов завершен",
		zap.Int("symbols", len(symbols)),
		zap.Int("submitted", submitted),
		zap.Int("analyzed", result.Analyzed),
		zap.Int("failed", result.Failed),
		zap.Int("dropped", result.Dropped),
		zap.Int("candidates", len(result.Opportunities)))

	return result, nil
}

// analyzeSymbol считает сигналы по всем нужным таймфреймам и выбирает лучшую пару
func (a *Analyzer) analyzeSymbol(ctx context.Context, symbol string) (models.Opportunity, bool, error) {
	signals := make([]models.TimeframeSignal, len(a.intervals))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(a.scan.FetchConcurrency, 1))

	for i, interval := range a.intervals {
		g.Go(func() error {
			candles, err := a.market.FetchOHLCV(gctx, symbol, interval, a.scan.CandleLimit)
			if err != nil {
				return fmt.Errorf("%w: свечи %s %s: %w", models.ErrDataUnavailable, symbol, interval, err)
			}

			snap, err := a.technical.Compute(candles)
			if err != nil {
				return fmt.Errorf("%s %s: %w", symbol, interval, err)
			}
			snap.Interval = interval

			signals[i] = models.TimeframeSignal{
				Interval: interval,
				Signal:   a.fusion.Classify(snap),
				Snapshot: snap,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return models.Opportunity{}, false, err
	}

	byInterval := make(map[string]models.TimeframeSignal, len(signals))
	for _, s := range signals {
		byInterval[s.Interval] = s
	}

	var best models.Opportunity
	found := false
	for _, pair := range a.config.Pairs {
		opp, ok := a.fusion.Fuse(symbol, byInterval[pair.Lower], byInterval[pair.Higher], pair)
		if !ok {
			continue
		}
		if !found || opp.Score > best.Score {
			best = opp
			found = true
		}
	}

	if !found {
		logger.Debug("Нет согласованного сигнала", zap.String("symbol", symbol))
		return models.Opportunity{}, false, nil
	}

	best.Timestamp = a.now()
	logger.Debug("Найден кандидат",
		zap.String("symbol", symbol),
		zap.String("direction", string(best.Direction)),
		zap.String("pair", best.Pair),
		zap.Float64("score", best.Score))
	return best, true, nil
}

// requiredIntervals уникальные таймфреймы всех пар в порядке объявления
func requiredIntervals(pairs []config.TimeframePair) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range pairs {
		for _, interval := range []string{p.Lower, p.Higher} {
			if !seen[interval] {
				seen[interval] = true
				out = append(out, interval)
			}
		}
	}
	return out
}

func batches(symbols []string, size int) [][]string {
	if size <= 0 {
		size = len(symbols)
	}
	var out [][]string
	for start := 0; start < len(symbols); start += size {
		end := min(start+size, len(symbols))
		out = append(out, symbols[start:end])
	}
	return out
}
