package aggregator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/internal/workerpool"
	"github.com/skalibog/bfat/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trend int

const (
	up trend = iota
	down
	broken
	short
	slow
)

// fakeMarket отдает синтетические свечи по заданному тренду символа и таймфрейма
type fakeMarket struct {
	trends map[string]map[string]trend
}

func (m *fakeMarket) FetchOHLCV(ctx context.Context, symbol, interval string, limit int) ([]models.Candle, error) {
	switch m.trends[symbol][interval] {
	case broken:
		return nil, errors.New("503 service unavailable")
	case short:
		return series(symbol, interval, 10, 1), nil
	case slow:
		<-ctx.Done()
		return nil, ctx.Err()
	case down:
		return series(symbol, interval, 120, -1), nil
	default:
		return series(symbol, interval, 120, 1), nil
	}
}

func series(symbol, interval string, n int, step float64) []models.Candle {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]models.Candle, n)
	for i := range candles {
		c := 300 + step*float64(i)
		candles[i] = models.Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: start.Add(time.Duration(i) * time.Minute),
			Open:     c - step/2,
			High:     c + 1,
			Low:      c - 1,
			Close:    c,
			Volume:   100,
		}
	}
	return candles
}

func all(t trend) map[string]trend {
	return map[string]trend{"15m": t, "1h": t, "4h": t}
}

// testAnalysisConfig оставляет только EMA-фактор, чтобы сигнал синтетических рядов был предсказуем
func testAnalysisConfig() config.AnalysisConfig {
	cfg := config.Default().Analysis
	cfg.Fusion.Weights = config.FactorWeights{EMATrend: 1}
	return cfg
}

func newTestAnalyzer(t *testing.T, market MarketData, workers int) *Analyzer {
	t.Helper()
	pool := workerpool.New(workers, 4)
	t.Cleanup(pool.Close)

	scan := config.Default().Scan
	scan.BatchSize = 2
	scan.FetchConcurrency = 2

	a := NewAnalyzer(testAnalysisConfig(), scan, market, pool)
	a.now = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	return a
}

func universe() *fakeMarket {
	return &fakeMarket{trends: map[string]map[string]trend{
		"AAAUSDT": all(up),
		"BBBUSDT": {"15m": up, "1h": down, "4h": down},
		"CCCUSDT": {"15m": up, "1h": down, "4h": up},
		"DDDUSDT": {"15m": up, "1h": broken, "4h": up},
		"EEEUSDT": all(short),
	}}
}

func TestScan_FusesBestPairPerSymbol(t *testing.T) {
	a := newTestAnalyzer(t, universe(), 2)

	res, err := a.Scan(context.Background(), []string{"EEEUSDT", "CCCUSDT", "AAAUSDT", "DDDUSDT", "BBBUSDT"})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Analyzed)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Dropped)
	require.Len(t, res.Opportunities, 2)

	aaa := res.Opportunities[0]
	assert.Equal(t, "AAAUSDT", aaa.Symbol)
	assert.Equal(t, models.Long, aaa.Direction)
	assert.Equal(t, "intraday", aaa.Pair, "при равном скоре выигрывает первая пара")
	assert.InDelta(t, 97.5, aaa.Score, 1e-9)
	assert.Equal(t, "15m", aaa.Entry.Interval)
	assert.Equal(t, "1h", aaa.Trend.Interval)
	assert.Equal(t, 419.0, aaa.Price)
	assert.False(t, aaa.Timestamp.IsZero())

	bbb := res.Opportunities[1]
	assert.Equal(t, "BBBUSDT", bbb.Symbol)
	assert.Equal(t, models.Short, bbb.Direction)
	assert.Equal(t, "swing", bbb.Pair)
	assert.Equal(t, "1h", bbb.Entry.Interval)
	assert.Equal(t, "4h", bbb.Trend.Interval)
	assert.Equal(t, models.StrongShort, bbb.Entry.Signal.Category)
}

func TestScan_DeterministicAcrossPoolSizes(t *testing.T) {
	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT"}
	reversed := []string{"EEEUSDT", "DDDUSDT", "CCCUSDT", "BBBUSDT", "AAAUSDT"}

	one, err := newTestAnalyzer(t, universe(), 1).Scan(context.Background(), symbols)
	require.NoError(t, err)
	many, err := newTestAnalyzer(t, universe(), 4).Scan(context.Background(), reversed)
	require.NoError(t, err)

	assert.Equal(t, one, many)
}

func TestScan_SoftDeadlineKeepsPartialResults(t *testing.T) {
	market := universe()
	market.trends["SLOWUSDT"] = all(slow)
	a := newTestAnalyzer(t, market, 2)
	a.scan.BatchSize = 1

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := a.Scan(ctx, []string{"AAAUSDT", "SLOWUSDT"})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, res.Analyzed)
	assert.Equal(t, 1, res.Dropped)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Opportunities, 1)
	assert.Equal(t, "AAAUSDT", res.Opportunities[0].Symbol)
}

func TestScan_ClosedPool(t *testing.T) {
	a := newTestAnalyzer(t, universe(), 1)
	a.pool.Close()

	_, err := a.Scan(context.Background(), []string{"AAAUSDT"})
	assert.ErrorIs(t, err, models.ErrPoolClosed)
}

func TestRequiredIntervals(t *testing.T) {
	assert.Equal(t, []string{"15m", "1h", "4h"}, requiredIntervals(config.Default().Analysis.Pairs))
}

func TestBatches(t *testing.T) {
	got := batches([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, got)
	assert.Len(t, batches([]string{"a", "b"}, 0), 1)
}
