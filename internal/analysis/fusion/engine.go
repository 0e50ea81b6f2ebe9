package fusion

import (
	"fmt"
	"math"

	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/models"
)

// Периоды EMA, из которых строится оценка тренда
const (
	emaFast  = 9
	emaMid   = 20
	emaSlow  = 50
	emaTrend = 200
)

// Engine превращает снимок индикаторов в направленный сигнал
// и объединяет сигналы двух таймфреймов в кандидата на сделку
type Engine struct {
	config config.FusionConfig
}

// NewEngine создает движок объединения сигналов
func NewEngine(cfg config.FusionConfig) *Engine {
	return &Engine{
		config: cfg,
	}
}

// factor вклад одного нормализованного фактора
type factor struct {
	value  float64
	weight float64
	reason string
}

// Classify рассчитывает взвешенный скор по факторам и категорию сигнала
func (e *Engine) Classify(snap models.IndicatorSnapshot) models.Signal {
	w := e.config.Weights
	factors := []factor{
		withWeight(emaTrendFactor(snap), w.EMATrend),
		withWeight(macdFactor(snap), w.MACD),
		withWeight(rsiFactor(snap), w.RSI),
		withWeight(bollingerFactor(snap), w.Bollinger),
		withWeight(volumeFactor(snap), w.Volume),
		withWeight(stochasticFactor(snap), w.Stochastic),
	}

	score := 0.0
	reasons := make([]string, 0, len(factors))
	for _, f := range factors {
		score += f.value * f.weight
		if f.value != 0 {
			reasons = append(reasons, f.reason)
		}
	}
	score = clamp(score, -1, 1)

	return models.Signal{
		Category: e.CategoryFor(score),
		Strength: math.Abs(score),
		Score:    score,
		Factors:  reasons,
	}
}

// CategoryFor отображает скор [-1,1] в одну из пяти категорий
func (e *Engine) CategoryFor(score float64) models.SignalCategory {
	switch {
	case score >= e.config.StrongThreshold:
		return models.StrongLong
	case score >= e.config.Threshold:
		return models.LongSignal
	case score <= -e.config.StrongThreshold:
		return models.StrongShort
	case score <= -e.config.Threshold:
		return models.ShortSignal
	default:
		return models.Neutral
	}
}

// Fuse объединяет сигнал входа младшего таймфрейма с трендом старшего.
// Кандидат появляется только если оба указывают в одну сторону.
func (e *Engine) Fuse(symbol string, lower, higher models.TimeframeSignal, pair config.TimeframePair) (models.Opportunity, bool) {
	direction := lower.Signal.Category.Direction()
	if direction == "" || direction != higher.Signal.Category.Direction() {
		return models.Opportunity{}, false
	}

	base := 100 * (pair.Weights.Entry*lower.Signal.Strength + pair.Weights.Trend*higher.Signal.Strength)
	score := clamp(base*e.config.AlignmentBonus, 0, 100)

	return models.Opportunity{
		Symbol:         symbol,
		Direction:      direction,
		Score:          score,
		TechnicalScore: score,
		Pair:           pair.Name,
		Entry:          lower,
		Trend:          higher,
		Price:          lower.Snapshot.Close,
		ATR:            lower.Snapshot.ATR,
	}, true
}

func withWeight(f factor, weight float64) factor {
	f.weight = weight
	return f
}

// emaTrendFactor оценивает выстроенность EMA относительно цены
func emaTrendFactor(s models.IndicatorSnapshot) factor {
	e9, ok9 := s.EMA[emaFast]
	e20, ok20 := s.EMA[emaMid]
	e50, ok50 := s.EMA[emaSlow]
	e200, ok200 := s.EMA[emaTrend]
	if !ok9 || !ok20 || !ok50 {
		return factor{}
	}
	c := s.Close

	switch {
	case ok200 && c > e9 && e9 > e20 && e20 > e50 && e50 > e200:
		return factor{value: 1, reason: "EMA: полная бычья структура 9>20>50>200"}
	case ok200 && c < e9 && e9 < e20 && e20 < e50 && e50 < e200:
		return factor{value: -1, reason: "EMA: полная медвежья структура 9<20<50<200"}
	case c > e9 && e9 > e20 && e20 > e50:
		return factor{value: 0.75, reason: "EMA: цена над 9>20>50"}
	case c < e9 && e9 < e20 && e20 < e50:
		return factor{value: -0.75, reason: "EMA: цена под 9<20<50"}
	case c > e20 && e20 > e50:
		return factor{value: 0.4, reason: "EMA: цена над EMA20>EMA50"}
	case c < e20 && e20 < e50:
		return factor{value: -0.4, reason: "EMA: цена под EMA20<EMA50"}
	case c > e50:
		return factor{value: 0.25, reason: "EMA: цена над EMA50"}
	case c < e50:
		return factor{value: -0.25, reason: "EMA: цена под EMA50"}
	}
	return factor{}
}

func macdFactor(s models.IndicatorSnapshot) factor {
	switch {
	case s.MACD > s.MACDSignal && s.MACDHist > 0:
		return factor{value: 1, reason: "MACD: бычье пересечение, гистограмма растет"}
	case s.MACD < s.MACDSignal && s.MACDHist < 0:
		return factor{value: -1, reason: "MACD: медвежье пересечение, гистограмма падает"}
	case s.MACD > s.MACDSignal:
		return factor{value: 0.5, reason: "MACD выше сигнальной линии"}
	case s.MACD < s.MACDSignal:
		return factor{value: -0.5, reason: "MACD ниже сигнальной линии"}
	}
	return factor{}
}

func rsiFactor(s models.IndicatorSnapshot) factor {
	switch {
	case s.RSI > 70:
		return factor{value: -1, reason: fmt.Sprintf("RSI перекуплен (%.1f)", s.RSI)}
	case s.RSI < 30:
		return factor{value: 1, reason: fmt.Sprintf("RSI перепродан (%.1f)", s.RSI)}
	case s.RSI > 55:
		return factor{value: 0.5, reason: fmt.Sprintf("RSI бычий импульс (%.1f)", s.RSI)}
	case s.RSI < 45:
		return factor{value: -0.5, reason: fmt.Sprintf("RSI медвежий импульс (%.1f)", s.RSI)}
	}
	return factor{}
}

func bollingerFactor(s models.IndicatorSnapshot) factor {
	pos := s.BBPosition()
	switch {
	case pos > 90:
		return factor{value: -1, reason: fmt.Sprintf("Цена у верхней полосы Боллинджера (%.0f%%)", pos)}
	case pos < 10:
		return factor{value: 1, reason: fmt.Sprintf("Цена у нижней полосы Боллинджера (%.0f%%)", pos)}
	case pos > 80:
		return factor{value: -0.5, reason: fmt.Sprintf("Цена в верхней зоне Боллинджера (%.0f%%)", pos)}
	case pos < 20:
		return factor{value: 0.5, reason: fmt.Sprintf("Цена в нижней зоне Боллинджера (%.0f%%)", pos)}
	}
	return factor{}
}

// volumeFactor всплеск объема подтверждает направление свечи
func volumeFactor(s models.IndicatorSnapshot) factor {
	change := s.VolumeChangePct()
	bullish := s.Close >= s.Open
	switch {
	case change > 100:
		if bullish {
			return factor{value: 1, reason: fmt.Sprintf("Всплеск объема +%.0f%% на бычьей свече", change)}
		}
		return factor{value: -1, reason: fmt.Sprintf("Всплеск объема +%.0f%% на медвежьей свече", change)}
	case change > 50:
		if bullish {
			return factor{value: 0.7, reason: fmt.Sprintf("Рост объема +%.0f%% на бычьей свече", change)}
		}
		return factor{value: -0.7, reason: fmt.Sprintf("Рост объема +%.0f%% на медвежьей свече", change)}
	case change > 20:
		return factor{value: 0.3, reason: fmt.Sprintf("Объем выше среднего (+%.0f%%)", change)}
	case change < -50:
		return factor{value: -0.3, reason: fmt.Sprintf("Объем упал (%.0f%%)", change)}
	}
	return factor{}
}

func stochasticFactor(s models.IndicatorSnapshot) factor {
	k, d := s.StochK, s.StochD
	switch {
	case k > 80 && d > 80:
		return factor{value: -0.7, reason: fmt.Sprintf("Стохастик перекуплен (K=%.0f)", k)}
	case k < 20 && d < 20:
		return factor{value: 0.7, reason: fmt.Sprintf("Стохастик перепродан (K=%.0f)", k)}
	case k > d && k < 80:
		return factor{value: 0.3, reason: "Стохастик: K выше D"}
	case k < d && k > 20:
		return factor{value: -0.3, reason: "Стохастик: K ниже D"}
	}
	return factor{}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
