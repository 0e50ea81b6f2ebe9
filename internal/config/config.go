package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения.
// Загружается один раз при старте и дальше передается по значению.
type Config struct {
	Binance  BinanceConfig  `yaml:"binance"`
	Trading  TradingConfig  `yaml:"trading"`
	Scan     ScanConfig     `yaml:"scan"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Advisory AdvisoryConfig `yaml:"advisory"`
	Storage  StorageConfig  `yaml:"storage"`
	History  HistoryConfig  `yaml:"history"`
	Notify   NotifyConfig   `yaml:"notify"`
	API      APIConfig      `yaml:"api"`
	UI       UIConfig       `yaml:"ui"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// BinanceConfig содержит настройки подключения к Binance
type BinanceConfig struct {
	APIKey            string  `yaml:"api_key"`
	APISecret         string  `yaml:"api_secret"`
	Testnet           bool    `yaml:"testnet"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	MaxRetries        int     `yaml:"max_retries"`
}

// TradingConfig содержит настройки торговли
type TradingConfig struct {
	PositionSizeUSD            float64 `yaml:"position_size_usd"`
	ProfitTargetUSD            float64 `yaml:"profit_target_usd"`
	MaxLossUSD                 float64 `yaml:"max_loss_usd"`
	MaxPositions               int     `yaml:"max_positions"`
	MaxLeverage                int     `yaml:"max_leverage"`
	MinScore                   float64 `yaml:"min_score"`
	ScanInterval               int     `yaml:"scan_interval"`
	MaxPositionAge             int     `yaml:"max_position_age"`
	RiskRewardRatio            float64 `yaml:"risk_reward_ratio"`
	TrailingActivationPct      float64 `yaml:"trailing_activation_pct"`
	TrailingDistanceMultiplier float64 `yaml:"trailing_distance_multiplier"`
	DryRun                     bool    `yaml:"dry_run"`
	CloseOnShutdown            bool    `yaml:"close_on_shutdown"`
}

// ScanIntervalDuration интервал между циклами
func (t TradingConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(t.ScanInterval) * time.Second
}

// MaxPositionAgeDuration максимальное время жизни позиции
func (t TradingConfig) MaxPositionAgeDuration() time.Duration {
	return time.Duration(t.MaxPositionAge) * time.Second
}

// ScanConfig настройки отбора символов и параллельного анализа
type ScanConfig struct {
	QuoteAsset       string   `yaml:"quote_asset"`
	MinPrice         float64  `yaml:"min_price"`
	MinVolume        float64  `yaml:"min_volume"`
	Blacklist        []string `yaml:"blacklist"`
	MaxSymbols       int      `yaml:"max_symbols"`
	Workers          int      `yaml:"workers"`
	QueueSize        int      `yaml:"queue_size"`
	BatchSize        int      `yaml:"batch_size"`
	FetchConcurrency int      `yaml:"fetch_concurrency"`
	CandleLimit      int      `yaml:"candle_limit"`
	CycleDeadline    int      `yaml:"cycle_deadline"`
}

// CycleDeadlineDuration мягкий дедлайн фазы анализа
func (s ScanConfig) CycleDeadlineDuration() time.Duration {
	return time.Duration(s.CycleDeadline) * time.Second
}

// AnalysisConfig настройки аналитических модулей
type AnalysisConfig struct {
	Indicators IndicatorConfig `yaml:"indicators"`
	Fusion     FusionConfig    `yaml:"fusion"`
	Pairs      []TimeframePair `yaml:"pairs"`
}

// IndicatorConfig периоды индикаторов
type IndicatorConfig struct {
	RSIPeriod    int     `yaml:"rsi_period"`
	MACDFast     int     `yaml:"macd_fast"`
	MACDSlow     int     `yaml:"macd_slow"`
	MACDSignal   int     `yaml:"macd_signal"`
	BBPeriod     int     `yaml:"bb_period"`
	BBStdDev     float64 `yaml:"bb_std_dev"`
	ATRPeriod    int     `yaml:"atr_period"`
	EMAPeriods   []int   `yaml:"ema_periods"`
	StochK       int     `yaml:"stoch_k"`
	StochD       int     `yaml:"stoch_d"`
	VolumePeriod int     `yaml:"volume_period"`
}

// FusionConfig веса факторов и пороги категорий
type FusionConfig struct {
	Weights         FactorWeights `yaml:"weights"`
	StrongThreshold float64       `yaml:"strong_threshold"`
	Threshold       float64       `yaml:"threshold"`
	AlignmentBonus  float64       `yaml:"alignment_bonus"`
}

// FactorWeights веса нормализованных факторов сигнала
type FactorWeights struct {
	EMATrend   float64 `yaml:"ema_trend"`
	MACD       float64 `yaml:"macd"`
	RSI        float64 `yaml:"rsi"`
	Bollinger  float64 `yaml:"bollinger_position"`
	Volume     float64 `yaml:"volume_change"`
	Stochastic float64 `yaml:"stochastic"`
}

// Sum сумма весов
func (w FactorWeights) Sum() float64 {
	return w.EMATrend + w.MACD + w.RSI + w.Bollinger + w.Volume + w.Stochastic
}

// TimeframePair пара таймфреймов: младший дает точку входа, старший тренд
type TimeframePair struct {
	Name    string      `yaml:"name"`
	Lower   string      `yaml:"lower"`
	Higher  string      `yaml:"higher"`
	Weights PairWeights `yaml:"weights"`
}

// PairWeights вклад сигналов младшего и старшего таймфрейма в базовый скор
type PairWeights struct {
	Entry float64 `yaml:"entry"`
	Trend float64 `yaml:"trend"`
}

// AdvisoryConfig настройки внешнего AI-советника
type AdvisoryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Endpoint       string  `yaml:"endpoint"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	MaxTokens      int     `yaml:"max_tokens"`
	TopK           int     `yaml:"top_k"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Weight         float64 `yaml:"weight"`
}

// Timeout таймаут одного запроса к советнику
func (a AdvisoryConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// StorageConfig настройки хранения временных рядов
type StorageConfig struct {
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
}

// HistoryConfig настройки журнала сделок
type HistoryConfig struct {
	Type string `yaml:"type"` // json или sqlite
	Path string `yaml:"path"`
}

// NotifyConfig настройки уведомлений
type NotifyConfig struct {
	TimeoutSeconds int       `yaml:"timeout_seconds"`
	FCM            FCMConfig `yaml:"fcm"`
}

// FCMConfig настройки Firebase Cloud Messaging
type FCMConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CredentialsPath string `yaml:"credentials_path"`
	Topic           string `yaml:"topic"`
}

// APIConfig настройки HTTP API статуса
type APIConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// UIConfig настройки пользовательского интерфейса
type UIConfig struct {
	Enabled     bool `yaml:"enabled"`
	RefreshRate int  `yaml:"refresh_rate_ms"`
}

// LoggingConfig настройки логирования
type LoggingConfig struct {
	Level    string `yaml:"level"`
	File     string `yaml:"file"`
	JSONFile string `yaml:"json_file"`
	Console  bool   `yaml:"console"`
}

// DefaultBlacklist шаблоны символов, которые никогда не торгуются: фиат, плечевые токены, стейблкоины
var DefaultBlacklist = []string{
	"EUR", "TRY", "GBP", "AUD", "RUB", "JPY", "CAD",
	"UPUSDT", "DOWNUSDT", "BULLUSDT", "BEARUSDT",
	"BUSDUSDT", "TUSDUSDT", "DAIUSDT", "USDCUSDT", "USDDUSDT", "FDUSDUSDT",
	"BIDR", "BKRW", "IDRT", "UAH", "NGN", "BVND",
}

// Default возвращает конфигурацию по умолчанию
func Default() Config {
	return Config{
		Binance: BinanceConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			MaxRetries:        3,
		},
		Trading: TradingConfig{
			PositionSizeUSD:            10,
			ProfitTargetUSD:            10,
			MaxLossUSD:                 4,
			MaxPositions:               3,
			MaxLeverage:                10,
			MinScore:                   60,
			ScanInterval:               300,
			MaxPositionAge:             86400,
			RiskRewardRatio:            2.0,
			TrailingActivationPct:      1.0,
			TrailingDistanceMultiplier: 0.8,
			DryRun:                     true,
		},
		Scan: ScanConfig{
			QuoteAsset:       "USDT",
			MinPrice:         0.00001,
			MinVolume:        1000000,
			Blacklist:        DefaultBlacklist,
			MaxSymbols:       100,
			Workers:          defaultWorkers(),
			QueueSize:        16,
			BatchSize:        10,
			FetchConcurrency: 2,
			CandleLimit:      250,
			CycleDeadline:    120,
		},
		Analysis: AnalysisConfig{
			Indicators: IndicatorConfig{
				RSIPeriod:    14,
				MACDFast:     12,
				MACDSlow:     26,
				MACDSignal:   9,
				BBPeriod:     20,
				BBStdDev:     2.0,
				ATRPeriod:    14,
				EMAPeriods:   []int{9, 20, 21, 50, 200},
				StochK:       14,
				StochD:       3,
				VolumePeriod: 20,
			},
			Fusion: FusionConfig{
				Weights: FactorWeights{
					EMATrend:   0.35,
					MACD:       0.20,
					RSI:        0.15,
					Bollinger:  0.10,
					Volume:     0.10,
					Stochastic: 0.10,
				},
				StrongThreshold: 0.7,
				Threshold:       0.3,
				AlignmentBonus:  1.3,
			},
			Pairs: []TimeframePair{
				{Name: "intraday", Lower: "15m", Higher: "1h", Weights: PairWeights{Entry: 0.6, Trend: 0.4}},
				{Name: "swing", Lower: "1h", Higher: "4h", Weights: PairWeights{Entry: 0.6, Trend: 0.4}},
			},
		},
		Advisory: AdvisoryConfig{
			Enabled:        false,
			Endpoint:       "https://api.anthropic.com/v1/messages",
			Model:          "claude-sonnet-4-20250514",
			MaxTokens:      512,
			TopK:           3,
			TimeoutSeconds: 20,
			Weight:         0.4,
		},
		Storage: StorageConfig{
			Type: "none",
		},
		History: HistoryConfig{
			Type: "json",
			Path: "trade_history.json",
		},
		Notify: NotifyConfig{
			TimeoutSeconds: 10,
			FCM:            FCMConfig{Topic: "trades"},
		},
		API: APIConfig{
			Addr: ":8080",
		},
		UI: UIConfig{
			Enabled:     true,
			RefreshRate: 1000,
		},
		Logging: LoggingConfig{
			Level:    "info",
			File:     "app.log",
			JSONFile: "app.json.log",
		},
	}
}

func defaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		return 1
	}
	return n
}

// Load загружает конфигурацию из файла, накладывает переменные окружения и проверяет ее
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: ошибка чтения файла конфигурации: %v", models.ErrConfiguration, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: ошибка разбора файла конфигурации: %v", models.ErrConfiguration, err)
	}

	// .env не обязателен
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Не удалось прочитать .env", zap.Error(err))
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logger.Info("Загружена конфигурация",
		zap.String("path", path),
		zap.Int("max_positions", cfg.Trading.MaxPositions),
		zap.Int("max_leverage", cfg.Trading.MaxLeverage),
		zap.Float64("min_score", cfg.Trading.MinScore),
		zap.Bool("dry_run", cfg.Trading.DryRun))
	return cfg, nil
}

// applyEnv переопределяет секреты из окружения
func (c *Config) applyEnv() {
	setFromEnv(&c.Binance.APIKey, "BINANCE_API_KEY")
	setFromEnv(&c.Binance.APISecret, "BINANCE_API_SECRET")
	setFromEnv(&c.Advisory.APIKey, "ADVISORY_API_KEY")
	setFromEnv(&c.Storage.Token, "INFLUX_TOKEN")
	setFromEnv(&c.Notify.FCM.CredentialsPath, "FCM_CREDENTIALS_PATH")
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate проверяет пороги и лимиты. Любая ошибка оборачивает models.ErrConfiguration.
func (c Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Binance.RequestsPerSecond > 0, "binance.requests_per_second должен быть > 0")
	check(c.Binance.MaxRetries >= 0, "binance.max_retries не может быть отрицательным")

	t := c.Trading
	check(t.MinScore >= 0 && t.MinScore <= 100, "min_score должен быть в [0,100], получено %v", t.MinScore)
	check(t.MaxLeverage > 0, "max_leverage должен быть > 0, получено %d", t.MaxLeverage)
	check(t.MaxPositions > 0, "max_positions должен быть > 0, получено %d", t.MaxPositions)
	check(t.PositionSizeUSD > 0, "position_size_usd должен быть > 0")
	check(t.RiskRewardRatio > 0, "risk_reward_ratio должен быть > 0")
	check(t.ScanInterval > 0, "scan_interval должен быть > 0")
	check(t.MaxPositionAge > 0, "max_position_age должен быть > 0")
	check(t.TrailingActivationPct >= 0, "trailing_activation_pct не может быть отрицательным")
	check(t.TrailingDistanceMultiplier > 0, "trailing_distance_multiplier должен быть > 0")

	s := c.Scan
	check(s.Workers > 0, "scan.workers должен быть > 0")
	check(s.QueueSize >= 0, "scan.queue_size не может быть отрицательным")
	check(s.BatchSize > 0, "scan.batch_size должен быть > 0")
	check(s.FetchConcurrency > 0, "scan.fetch_concurrency должен быть > 0")
	check(s.CycleDeadline > 0, "scan.cycle_deadline должен быть > 0")

	ind := c.Analysis.Indicators
	check(ind.RSIPeriod > 1 && ind.BBPeriod > 1 && ind.ATRPeriod > 0, "периоды RSI/BB/ATR должны быть положительными")
	check(ind.MACDFast > 0 && ind.MACDFast < ind.MACDSlow && ind.MACDSignal > 0, "некорректные периоды MACD")
	check(ind.StochK > 0 && ind.StochD > 0 && ind.VolumePeriod > 0, "некорректные периоды стохастика/объема")
	check(s.CandleLimit > MinCandles(ind), "scan.candle_limit должен быть больше %d", MinCandles(ind))

	f := c.Analysis.Fusion
	check(math.Abs(f.Weights.Sum()-1) < 1e-6, "сумма весов факторов должна быть 1, получено %v", f.Weights.Sum())
	check(f.Threshold > 0 && f.Threshold < f.StrongThreshold && f.StrongThreshold <= 1,
		"пороги должны удовлетворять 0 < threshold < strong_threshold <= 1")
	check(f.AlignmentBonus >= 1, "alignment_bonus должен быть >= 1")

	check(len(c.Analysis.Pairs) > 0, "не задано ни одной пары таймфреймов")
	for _, p := range c.Analysis.Pairs {
		check(p.Lower != "" && p.Higher != "" && p.Lower != p.Higher, "пара %q: нужны два разных таймфрейма", p.Name)
		check(p.Weights.Entry >= 0 && p.Weights.Trend >= 0 && math.Abs(p.Weights.Entry+p.Weights.Trend-1) < 1e-6,
			"пара %q: веса entry+trend должны давать 1", p.Name)
	}

	a := c.Advisory
	check(a.Weight >= 0 && a.Weight <= 1, "advisory.weight должен быть в [0,1]")
	if a.Enabled {
		check(a.TopK > 0, "advisory.top_k должен быть > 0")
		check(a.TimeoutSeconds > 0, "advisory.timeout_seconds должен быть > 0")
	}

	check(c.History.Type == "json" || c.History.Type == "sqlite", "history.type должен быть json или sqlite")
	check(c.History.Path != "", "history.path не задан")
	check(c.Storage.Type == "none" || c.Storage.Type == "influxdb", "storage.type должен быть none или influxdb")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", models.ErrConfiguration, problems)
	}
	return nil
}

// MinCandles минимальное число свечей, достаточное для всех индикаторов
func MinCandles(ind IndicatorConfig) int {
	return max(ind.RSIPeriod, ind.BBPeriod, ind.ATRPeriod, ind.MACDSlow+ind.MACDSignal, ind.StochK+ind.StochD+3, ind.VolumePeriod) + 1
}
