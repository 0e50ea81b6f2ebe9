package models

import (
	"time"
)

// Candle представляет свечу
type Candle struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// Ticker представляет 24-часовую статистику по символу
type Ticker struct {
	Symbol      string  `json:"symbol"`
	LastPrice   float64 `json:"last_price"`
	QuoteVolume float64 `json:"quote_volume"`
}

// OrderResult результат размещения рыночного ордера
type OrderResult struct {
	OrderID string
	Status  string
}

// IndicatorSnapshot набор индикаторов по одному таймфрейму на последней свече
type IndicatorSnapshot struct {
	Interval    string          `json:"interval"`
	Open        float64         `json:"open"`
	Close       float64         `json:"close"`
	RSI         float64         `json:"rsi"`
	MACD        float64         `json:"macd"`
	MACDSignal  float64         `json:"macd_signal"`
	MACDHist    float64         `json:"macd_hist"`
	EMA         map[int]float64 `json:"ema"`
	BBUpper     float64         `json:"bb_upper"`
	BBMiddle    float64         `json:"bb_middle"`
	BBLower     float64         `json:"bb_lower"`
	ATR         float64         `json:"atr"`
	StochK      float64         `json:"stoch_k"`
	StochD      float64         `json:"stoch_d"`
	VolumeAvg   float64         `json:"volume_avg"`
	VolumeRatio float64         `json:"volume_ratio"`
}

// BBPosition положение цены внутри полос Боллинджера в процентах (%B * 100).
// При нулевой ширине полосы возвращает 50.
func (s IndicatorSnapshot) BBPosition() float64 {
	width := s.BBUpper - s.BBLower
	if width <= 0 {
		return 50
	}
	return (s.Close - s.BBLower) / width * 100
}

// VolumeChangePct изменение объема последней свечи относительно среднего, в процентах
func (s IndicatorSnapshot) VolumeChangePct() float64 {
	if s.VolumeAvg <= 0 {
		return 0
	}
	return (s.VolumeRatio - 1) * 100
}

// Direction направление сделки
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// OrderSide сторона ордера на открытие позиции
func (d Direction) OrderSide() string {
	if d == Short {
		return "SELL"
	}
	return "BUY"
}

// CloseSide сторона ордера на закрытие позиции
func (d Direction) CloseSide() string {
	if d == Short {
		return "BUY"
	}
	return "SELL"
}

// SignalCategory категория сигнала таймфрейма
type SignalCategory string

const (
	StrongLong  SignalCategory = "STRONG_LONG"
	LongSignal  SignalCategory = "LONG"
	Neutral     SignalCategory = "NEUTRAL"
	ShortSignal SignalCategory = "SHORT"
	StrongShort SignalCategory = "STRONG_SHORT"
)

// Direction направление, на которое указывает категория. Для NEUTRAL пустая строка.
func (c SignalCategory) Direction() Direction {
	switch c {
	case StrongLong, LongSignal:
		return Long
	case StrongShort, ShortSignal:
		return Short
	}
	return ""
}

// IsStrong true для STRONG_LONG и STRONG_SHORT
func (c SignalCategory) IsStrong() bool {
	return c == StrongLong || c == StrongShort
}

// Signal направленный сигнал одного таймфрейма
type Signal struct {
	Category SignalCategory `json:"category"`
	Strength float64        `json:"strength"`
	Score    float64        `json:"score"`
	Factors  []string       `json:"factors"`
}

// TimeframeSignal сигнал вместе с таймфреймом и снимком индикаторов, из которого он получен
type TimeframeSignal struct {
	Interval string            `json:"interval"`
	Signal   Signal            `json:"signal"`
	Snapshot IndicatorSnapshot `json:"snapshot"`
}

// AdvisoryResult ответ внешнего AI-советника
type AdvisoryResult struct {
	Confidence     float64 `json:"confidence"`
	Recommendation string  `json:"recommendation"`
	Rationale      string  `json:"rationale"`
}

// Opportunity кандидат на сделку. Живет в пределах одного цикла сканирования.
type Opportunity struct {
	Symbol         string          `json:"symbol"`
	Direction      Direction       `json:"direction"`
	Score          float64         `json:"score"`
	TechnicalScore float64         `json:"technical_score"`
	Advisory       *AdvisoryResult `json:"advisory,omitempty"`
	Pair           string          `json:"pair"`
	Entry          TimeframeSignal `json:"entry"`
	Trend          TimeframeSignal `json:"trend"`
	Price          float64         `json:"price"`
	ATR            float64         `json:"atr"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TrendStrength сила тренда старшего таймфрейма
func (o Opportunity) TrendStrength() float64 {
	return o.Trend.Signal.Strength
}

// Signals сигналы по всем таймфреймам, от младшего к старшему
func (o Opportunity) Signals() []TimeframeSignal {
	return []TimeframeSignal{o.Entry, o.Trend}
}

// PositionStatus состояние позиции
type PositionStatus string

const (
	StatusOpenPending PositionStatus = "OPEN_PENDING"
	StatusOpen        PositionStatus = "OPEN"
	StatusClosed      PositionStatus = "CLOSED"
)

// CloseReason причина закрытия позиции
type CloseReason string

const (
	ReasonTakeProfit   CloseReason = "take_profit"
	ReasonStopLoss     CloseReason = "stop_loss"
	ReasonTrailingStop CloseReason = "trailing_stop"
	ReasonMaxDuration  CloseReason = "max_duration"
	ReasonShutdown     CloseReason = "shutdown"
)

// Position открытая или закрытая позиция
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          Direction      `json:"side"`
	EntryPrice    float64        `json:"entry_price"`
	Amount        float64        `json:"amount"`
	Leverage      int            `json:"leverage"`
	StopLoss      float64        `json:"stop_loss"`
	TakeProfit    float64        `json:"take_profit"`
	TrailingStop  *float64       `json:"trailing_stop"`
	TrailDistance float64        `json:"trail_distance"`
	OpenedAt      time.Time      `json:"opened_at"`
	Status        PositionStatus `json:"status"`
	OrderID       string         `json:"order_id,omitempty"`
	Score         float64        `json:"score"`
	ClosedAt      *time.Time     `json:"closed_at,omitempty"`
	ExitPrice     float64        `json:"exit_price,omitempty"`
	PnL           float64        `json:"pnl,omitempty"`
	CloseReason   CloseReason    `json:"close_reason,omitempty"`
}

// UnrealizedPct нереализованное движение цены в пользу позиции, в процентах от входа
func (p Position) UnrealizedPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == Short {
		return -move
	}
	return move
}

// HistoryAction тип записи истории сделок
type HistoryAction string

const (
	ActionOpen  HistoryAction = "OPEN"
	ActionClose HistoryAction = "CLOSE"
)

// TradeHistoryRecord запись журнала сделок (только добавление)
type TradeHistoryRecord struct {
	Action      HistoryAction `json:"action"`
	Position    Position      `json:"position"`
	Timestamp   time.Time     `json:"timestamp"`
	CloseReason CloseReason   `json:"close_reason,omitempty"`
	ExitPrice   float64       `json:"exit_price,omitempty"`
	PnL         float64       `json:"pnl,omitempty"`
}

// CycleReport итог одного цикла сканирования
type CycleReport struct {
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Universe   int           `json:"universe"`
	Analyzed   int           `json:"analyzed"`
	Failed     int           `json:"failed"`
	Candidates int           `json:"candidates"`
	Ranked     int           `json:"ranked"`
	Opened     int           `json:"opened"`
	Closed     int           `json:"closed"`
}

// OpportunityRecord точка истории кандидата из хранилища временных рядов
type OpportunityRecord struct {
	Symbol         string    `json:"symbol"`
	Direction      Direction `json:"direction"`
	Pair           string    `json:"pair"`
	Score          float64   `json:"score"`
	TechnicalScore float64   `json:"technical_score"`
	Price          float64   `json:"price"`
	Timestamp      time.Time `json:"timestamp"`
}
