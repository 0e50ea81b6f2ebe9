package fusion

import (
	"testing"
	"time"

	"github.com/skalibog/bfat/internal/analysis/technical"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return NewEngine(config.Default().Analysis.Fusion)
}

func defaultPair() config.TimeframePair {
	return config.Default().Analysis.Pairs[0]
}

// bullishSnapshot: EMA 1, MACD 1, RSI 0.5, объем 0.7, стохастик 0.3 => S = 0.725
func bullishSnapshot() models.IndicatorSnapshot {
	return models.IndicatorSnapshot{
		Interval:    "1h",
		Open:        105,
		Close:       110,
		RSI:         60,
		MACD:        2,
		MACDSignal:  1,
		MACDHist:    1,
		EMA:         map[int]float64{9: 108, 20: 105, 50: 100, 200: 90},
		BBUpper:     120,
		BBMiddle:    105,
		BBLower:     90,
		ATR:         2,
		StochK:      60,
		StochD:      50,
		VolumeAvg:   100,
		VolumeRatio: 1.6,
	}
}

func bearishSnapshot() models.IndicatorSnapshot {
	return models.IndicatorSnapshot{
		Interval:    "15m",
		Open:        95,
		Close:       90,
		RSI:         40,
		MACD:        -2,
		MACDSignal:  -1,
		MACDHist:    -1,
		EMA:         map[int]float64{9: 92, 20: 95, 50: 100, 200: 110},
		BBUpper:     110,
		BBMiddle:    95,
		BBLower:     80,
		ATR:         2,
		StochK:      40,
		StochD:      50,
		VolumeAvg:   100,
		VolumeRatio: 1.6,
	}
}

func signalOf(category models.SignalCategory, strength float64) models.TimeframeSignal {
	return models.TimeframeSignal{Signal: models.Signal{Category: category, Strength: strength}}
}

func TestClassify_Bullish(t *testing.T) {
	e := newTestEngine()

	sig := e.Classify(bullishSnapshot())

	assert.Equal(t, models.StrongLong, sig.Category)
	assert.InDelta(t, 0.725, sig.Score, 1e-9)
	assert.InDelta(t, 0.725, sig.Strength, 1e-9)
	require.Len(t, sig.Factors, 5, "полоса Боллинджера в середине не дает вклада")
	assert.Contains(t, sig.Factors[0], "EMA")
	assert.Contains(t, sig.Factors[1], "MACD")
	assert.Contains(t, sig.Factors[2], "RSI")
	assert.Contains(t, sig.Factors[4], "Стохастик")
}

func TestClassify_BearishMirrorsBullish(t *testing.T) {
	e := newTestEngine()

	sig := e.Classify(bearishSnapshot())

	assert.Equal(t, models.StrongShort, sig.Category)
	assert.InDelta(t, -0.725, sig.Score, 1e-9)
	assert.InDelta(t, 0.725, sig.Strength, 1e-9)
}

func TestClassify_IsDeterministic(t *testing.T) {
	e := newTestEngine()
	snap := bullishSnapshot()

	assert.Equal(t, e.Classify(snap), e.Classify(snap))
}

func TestClassify_PartialEMAStack(t *testing.T) {
	snap := bullishSnapshot()
	delete(snap.EMA, 200)

	f := emaTrendFactor(snap)
	assert.Equal(t, 0.75, f.value)

	snap.EMA = map[int]float64{9: 90, 20: 100}
	assert.Zero(t, emaTrendFactor(snap).value, "без EMA50 фактор не считается")
}

func TestCategoryFor_PartitionsRange(t *testing.T) {
	e := newTestEngine()
	order := map[models.SignalCategory]int{
		models.StrongShort: 0,
		models.ShortSignal: 1,
		models.Neutral:     2,
		models.LongSignal:  3,
		models.StrongLong:  4,
	}

	seen := make(map[models.SignalCategory]bool)
	prev := -1
	for i := -1000; i <= 1000; i++ {
		cat := e.CategoryFor(float64(i) / 1000)
		idx, ok := order[cat]
		require.True(t, ok, "неизвестная категория %q", cat)
		require.GreaterOrEqual(t, idx, prev, "категории должны идти монотонно")
		prev = idx
		seen[cat] = true
	}
	assert.Len(t, seen, 5)

	assert.Equal(t, models.StrongLong, e.CategoryFor(0.7))
	assert.Equal(t, models.LongSignal, e.CategoryFor(0.6999))
	assert.Equal(t, models.LongSignal, e.CategoryFor(0.3))
	assert.Equal(t, models.Neutral, e.CategoryFor(0.2999))
	assert.Equal(t, models.Neutral, e.CategoryFor(-0.2999))
	assert.Equal(t, models.ShortSignal, e.CategoryFor(-0.3))
	assert.Equal(t, models.StrongShort, e.CategoryFor(-0.7))
}

func TestFuse_Aligned(t *testing.T) {
	e := newTestEngine()
	snap := bullishSnapshot()
	lower := models.TimeframeSignal{Interval: "15m", Signal: e.Classify(snap), Snapshot: snap}
	higher := models.TimeframeSignal{Interval: "1h", Signal: e.Classify(snap), Snapshot: snap}

	opp, ok := e.Fuse("BTCUSDT", lower, higher, defaultPair())
	require.True(t, ok)

	// 100 * (0.6*0.725 + 0.4*0.725) * 1.3
	assert.InDelta(t, 94.25, opp.Score, 1e-9)
	assert.Equal(t, opp.Score, opp.TechnicalScore)
	assert.Equal(t, models.Long, opp.Direction)
	assert.Equal(t, "BTCUSDT", opp.Symbol)
	assert.Equal(t, "intraday", opp.Pair)
	assert.Equal(t, 110.0, opp.Price)
	assert.Equal(t, 2.0, opp.ATR)
}

func TestFuse_ScoreClamped(t *testing.T) {
	e := newTestEngine()

	opp, ok := e.Fuse("ETHUSDT", signalOf(models.StrongShort, 1), signalOf(models.StrongShort, 1), defaultPair())
	require.True(t, ok)
	assert.Equal(t, 100.0, opp.Score)
	assert.Equal(t, models.Short, opp.Direction)
}

func TestFuse_MisalignedYieldsNothing(t *testing.T) {
	e := newTestEngine()
	cases := []struct {
		name   string
		lower  models.TimeframeSignal
		higher models.TimeframeSignal
	}{
		{"бычий тренд, медвежий вход", signalOf(models.ShortSignal, 0.5), signalOf(models.LongSignal, 0.5)},
		{"медвежий тренд, бычий вход", signalOf(models.StrongLong, 0.8), signalOf(models.StrongShort, 0.8)},
		{"нейтральный вход", signalOf(models.Neutral, 0.1), signalOf(models.LongSignal, 0.5)},
		{"нейтральный тренд", signalOf(models.LongSignal, 0.5), signalOf(models.Neutral, 0.2)},
		{"оба нейтральны", signalOf(models.Neutral, 0.1), signalOf(models.Neutral, 0.1)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := e.Fuse("BTCUSDT", tc.lower, tc.higher, defaultPair())
			assert.False(t, ok)
		})
	}
}

// Падающий вход с перепроданным RSI и ценой под нижней полосой против бычьего тренда
func TestFuse_OversoldEntryAgainstBullishTrend(t *testing.T) {
	e := newTestEngine()

	lowerSnap := bearishSnapshot()
	lowerSnap.RSI = 25
	lowerSnap.BBLower = 91
	lowerSnap.VolumeRatio = 1
	lowerSnap.StochK, lowerSnap.StochD = 10, 15
	lower := models.TimeframeSignal{Interval: "15m", Signal: e.Classify(lowerSnap), Snapshot: lowerSnap}

	higherSnap := bullishSnapshot()
	higher := models.TimeframeSignal{Interval: "1h", Signal: e.Classify(higherSnap), Snapshot: higherSnap}
	require.Equal(t, models.Long, higher.Signal.Category.Direction())

	_, ok := e.Fuse("BTCUSDT", lower, higher, defaultPair())
	assert.False(t, ok)
}

func TestFuse_FallingCandlesAgainstBullishTrend(t *testing.T) {
	e := newTestEngine()
	ind := technical.NewEngine(config.Default().Analysis.Indicators)

	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]models.Candle, 40)
	for i := range candles {
		c := 200 - float64(i)
		candles[i] = models.Candle{
			Symbol: "BTCUSDT", Interval: "15m",
			OpenTime: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:     c + 0.5, High: c + 1, Low: c - 1, Close: c, Volume: 100,
		}
	}

	snap, err := ind.Compute(candles)
	require.NoError(t, err)
	lower := models.TimeframeSignal{Interval: "15m", Signal: e.Classify(snap), Snapshot: snap}
	assert.NotEqual(t, models.Long, lower.Signal.Category.Direction())

	_, ok := e.Fuse("BTCUSDT", lower, signalOf(models.StrongLong, 0.9), defaultPair())
	assert.False(t, ok)
}
