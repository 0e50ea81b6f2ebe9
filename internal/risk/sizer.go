package risk

import (
	"fmt"
	"math"

	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/models"
)

// Sizing параметры сделки для одного кандидата
type Sizing struct {
	Leverage           int     `json:"leverage"`
	EntryPrice         float64 `json:"entry_price"`
	StopLoss           float64 `json:"stop_loss"`
	TakeProfit         float64 `json:"take_profit"`
	Amount             float64 `json:"amount"`
	StopDistance       float64 `json:"stop_distance"`
	TakeProfitDistance float64 `json:"take_profit_distance"`
	VolatilityFactor   float64 `json:"volatility_factor"`
}

// Sizer рассчитывает плечо, стоп-лосс, тейк-профит и объем позиции
type Sizer struct {
	config config.TradingConfig
}

// NewSizer создает калькулятор риска
func NewSizer(cfg config.TradingConfig) *Sizer {
	return &Sizer{
		config: cfg,
	}
}

// Size рассчитывает параметры сделки по кандидату, текущей цене и ATR
func (s *Sizer) Size(opp models.Opportunity, price, atr float64) (Sizing, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return Sizing{}, fmt.Errorf("%w: некорректная цена %v для %s", models.ErrDataUnavailable, price, opp.Symbol)
	}
	if atr <= 0 || math.IsNaN(atr) || math.IsInf(atr, 0) {
		return Sizing{}, fmt.Errorf("%w: некорректный ATR %v для %s", models.ErrDataUnavailable, atr, opp.Symbol)
	}

	volatility := clamp(1-(atr/price)*10, 0.5, 1.5)
	leverage := int(math.Floor(math.Max(1, float64(s.baseLeverage(opp.Score))*volatility)))
	leverage = min(max(leverage, 1), s.config.MaxLeverage)

	stopDistance := atr * stopMultiplier(opp.Entry.Signal.Category)
	tpDistance := stopDistance * s.config.RiskRewardRatio

	sizing := Sizing{
		Leverage:           leverage,
		EntryPrice:         price,
		Amount:             s.config.PositionSizeUSD / price * sizeMultiplier(opp.Score),
		StopDistance:       stopDistance,
		TakeProfitDistance: tpDistance,
		VolatilityFactor:   volatility,
	}

	switch opp.Direction {
	case models.Long:
		sizing.StopLoss = price - stopDistance
		sizing.TakeProfit = price + tpDistance
		if sizing.StopLoss <= 0 {
			return Sizing{}, fmt.Errorf("стоп-лосс %s вне допустимого диапазона: ATR %v слишком велик", opp.Symbol, atr)
		}
	case models.Short:
		sizing.StopLoss = price + stopDistance
		sizing.TakeProfit = price - tpDistance
		if sizing.TakeProfit <= 0 {
			return Sizing{}, fmt.Errorf("тейк-профит %s вне допустимого диапазона: ATR %v слишком велик", opp.Symbol, atr)
		}
	default:
		return Sizing{}, fmt.Errorf("неизвестное направление %q для %s", opp.Direction, opp.Symbol)
	}

	return sizing, nil
}

// baseLeverage ступень плеча по скору, ограниченная max_leverage
func (s *Sizer) baseLeverage(score float64) int {
	var lev int
	switch {
	case score > 85:
		lev = 10
	case score > 75:
		lev = 7
	case score > 65:
		lev = 5
	default:
		lev = 3
	}
	return min(lev, s.config.MaxLeverage)
}

// stopMultiplier множитель ATR для стопа по силе сигнала входа
func stopMultiplier(category models.SignalCategory) float64 {
	switch {
	case category.IsStrong():
		return 2.0
	case category == models.Neutral || category == "":
		return 1.0
	default:
		return 1.5
	}
}

func sizeMultiplier(score float64) float64 {
	switch {
	case score > 90:
		return 1.2
	case score >= 80:
		return 1.0
	default:
		return 0.8
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
