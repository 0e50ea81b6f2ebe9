package technical

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/models"
)

// Engine рассчитывает набор индикаторов по ряду свечей одного таймфрейма.
// Не имеет состояния и безопасен для одновременного использования.
type Engine struct {
	config config.IndicatorConfig
}

// NewEngine создает движок индикаторов
func NewEngine(cfg config.IndicatorConfig) *Engine {
	return &Engine{
		config: cfg,
	}
}

// MinCandles минимальное число свечей для расчета
func (e *Engine) MinCandles() int {
	return config.MinCandles(e.config)
}

// Compute рассчитывает снимок индикаторов на последней свече.
// Свечи должны идти от старых к новым.
func (e *Engine) Compute(candles []models.Candle) (models.IndicatorSnapshot, error) {
	if len(candles) < e.MinCandles() {
		return models.IndicatorSnapshot{}, fmt.Errorf("%w: %d из %d", models.ErrInsufficientData, len(candles), e.MinCandles())
	}

	// Подготавливаем данные для анализа
	opens := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	volumes := make([]float64, len(candles))

	for i, c := range candles {
		if !finite(c.Open, c.High, c.Low, c.Close, c.Volume) || c.Close <= 0 {
			return models.IndicatorSnapshot{}, fmt.Errorf("%w: некорректная свеча %d", models.ErrDataUnavailable, i)
		}
		opens[i] = c.Open
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
		volumes[i] = c.Volume
	}

	last := len(candles) - 1
	snap := models.IndicatorSnapshot{
		Interval: candles[last].Interval,
		Open:     opens[last],
		Close:    closes[last],
		EMA:      make(map[int]float64, len(e.config.EMAPeriods)),
	}

	snap.RSI = lastOf(talib.Rsi(closes, e.config.RSIPeriod))

	macd, signal, hist := talib.Macd(closes, e.config.MACDFast, e.config.MACDSlow, e.config.MACDSignal)
	snap.MACD = lastOf(macd)
	snap.MACDSignal = lastOf(signal)
	snap.MACDHist = lastOf(hist)

	// EMA длиннее ряда не считаем
	for _, period := range e.config.EMAPeriods {
		if period <= 1 || period > len(closes) {
			continue
		}
		snap.EMA[period] = lastOf(talib.Ema(closes, period))
	}

	// Полосы Боллинджера по типичной цене
	typical := talib.TypPrice(highs, lows, closes)
	upper, middle, lower := talib.BBands(typical, e.config.BBPeriod, e.config.BBStdDev, e.config.BBStdDev, talib.SMA)
	snap.BBUpper = lastOf(upper)
	snap.BBMiddle = lastOf(middle)
	snap.BBLower = lastOf(lower)

	snap.ATR = e.averageTrueRange(highs, lows, closes)

	k, d := talib.Stoch(highs, lows, closes, e.config.StochK, e.config.StochD, talib.SMA, e.config.StochD, talib.SMA)
	snap.StochK = lastOf(k)
	snap.StochD = lastOf(d)

	snap.VolumeAvg = lastOf(talib.Sma(volumes, e.config.VolumePeriod))
	if snap.VolumeAvg > 0 {
		snap.VolumeRatio = volumes[last] / snap.VolumeAvg
	}

	return snap, nil
}

// averageTrueRange среднее арифметическое последних atr_period истинных диапазонов
func (e *Engine) averageTrueRange(highs, lows, closes []float64) float64 {
	tr := talib.TRange(highs, lows, closes)
	period := e.config.ATRPeriod
	// первый элемент TRange не определен
	if period > len(tr)-1 {
		period = len(tr) - 1
	}
	if period <= 0 {
		return 0
	}

	sum := 0.0
	for _, v := range tr[len(tr)-period:] {
		sum += v
	}
	return sum / float64(period)
}

func lastOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
