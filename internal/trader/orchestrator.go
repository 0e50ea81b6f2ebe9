package trader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skalibog/bfat/internal/analysis/aggregator"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/internal/exchange"
	"github.com/skalibog/bfat/internal/notify"
	"github.com/skalibog/bfat/internal/position"
	"github.com/skalibog/bfat/internal/ranking"
	"github.com/skalibog/bfat/internal/risk"
	"github.com/skalibog/bfat/internal/storage"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Market биржевые данные, нужные циклу
type Market interface {
	FetchTickers(ctx context.Context) (map[string]models.Ticker, error)
	Symbols(ctx context.Context) (map[string]exchange.SymbolInfo, error)
	FetchTicker(ctx context.Context, symbol string) (models.Ticker, error)
}

// Scanner анализ вселенной символов
type Scanner interface {
	Scan(ctx context.Context, symbols []string) (aggregator.Result, error)
}

// Advisor внешний AI-советник
type Advisor interface {
	Analyze(ctx context.Context, symbol string, summary models.Opportunity, timeout time.Duration) (models.AdvisoryResult, error)
}

// Positions менеджер позиций
type Positions interface {
	Open(ctx context.Context, opp models.Opportunity, sizing risk.Sizing) (models.Position, error)
	MonitorAll(ctx context.Context, prices position.PriceSource) int
	OpenSymbols() []string
	Count() int
}

// Orchestrator управляет циклами сканирования и торговли
type Orchestrator struct {
	config    config.Config
	market    Market
	scanner   Scanner
	advisor   Advisor
	positions Positions
	ranker    *ranking.Ranker
	sizer     *risk.Sizer
	recorder  storage.Recorder
	notifier  position.Notifier
	now       func() time.Time

	cycle sync.Mutex

	mu         sync.RWMutex
	lastReport *models.CycleReport
	ranked     []models.Opportunity
}

// NewOrchestrator создает оркестратор. advisor может быть nil.
func NewOrchestrator(cfg config.Config, market Market, scanner Scanner, advisor Advisor, positions Positions, recorder storage.Recorder, notifier position.Notifier) *Orchestrator {
	if recorder == nil {
		recorder = storage.NopRecorder{}
	}
	if notifier == nil {
		notifier = notify.NewDispatcher(0)
	}
	return &Orchestrator{
		config:    cfg,
		market:    market,
		scanner:   scanner,
		advisor:   advisor,
		positions: positions,
		ranker:    ranking.NewRanker(cfg.Trading),
		sizer:     risk.NewSizer(cfg.Trading),
		recorder:  recorder,
		notifier:  notifier,
		now:       time.Now,
	}
}

// Run выполняет циклы до отмены контекста, выдерживая scan_interval между ними
func (o *Orchestrator) Run(ctx context.Context) error {
	interval := o.config.Trading.ScanIntervalDuration()
	logger.Info("Запуск торгового цикла", zap.Duration("interval", interval))

	for {
		if _, err := o.RunCycle(ctx); err != nil && !errors.Is(err, models.ErrCycleInProgress) {
			logger.Error("Цикл завершился с ошибкой", zap.Error(err))
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("Торговый цикл остановлен")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle выполняет один цикл: вселенная, анализ, ранжирование, советник,
// открытие позиций и мониторинг открытых. Циклы не пересекаются.
func (o *Orchestrator) RunCycle(ctx context.Context) (report models.CycleReport, err error) {
	if !o.cycle.TryLock() {
		return models.CycleReport{}, models.ErrCycleInProgress
	}
	defer o.cycle.Unlock()

	report = models.CycleReport{Started: o.now()}
	defer func() {
		report.Duration = o.now().Sub(report.Started)
		o.finish(ctx, report)
	}()

	symbols, err := o.universe(ctx)
	if err != nil {
		o.notifier.Notify(notify.EventCycleFailed, notify.Failure{Error: err.Error()})
		report.Closed = o.positions.MonitorAll(ctx, o.market)
		return report, err
	}
	report.Universe = len(symbols)

	result, err := o.scanner.Scan(ctx, symbols)
	if err != nil {
		o.notifier.Notify(notify.EventCycleFailed, notify.Failure{Error: err.Error()})
		report.Closed = o.positions.MonitorAll(ctx, o.market)
		return report, err
	}
	report.Analyzed = result.Analyzed
	report.Failed = result.Failed
	report.Candidates = len(result.Opportunities)

	for _, opp := range result.Opportunities {
		if err := o.recorder.SaveOpportunity(ctx, opp); err != nil {
			logger.Warn("Ошибка записи кандидата", zap.String("symbol", opp.Symbol), zap.Error(err))
		}
	}

	ranked := o.ranker.Rank(result.Opportunities, o.positions.OpenSymbols())
	ranked = o.advise(ctx, ranked)
	report.Ranked = len(ranked)

	o.mu.Lock()
	o.ranked = ranked
	o.mu.Unlock()

	report.Opened = o.open(ctx, ranked)
	report.Closed = o.positions.MonitorAll(ctx, o.market)

	return report, nil
}

// universe отбирает торгуемые символы по котируемой валюте, статусу, цене, объему и черному списку
func (o *Orchestrator) universe(ctx context.Context) ([]string, error) {
	tickers, err := o.market.FetchTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тикеров: %w", err)
	}
	infos, err := o.market.Symbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка контрактов: %w", err)
	}

	return filterUniverse(o.config.Scan, tickers, infos), nil
}

func filterUniverse(cfg config.ScanConfig, tickers map[string]models.Ticker, infos map[string]exchange.SymbolInfo) []string {
	candidates := make([]models.Ticker, 0, len(tickers))
	for symbol, t := range tickers {
		if !strings.HasSuffix(symbol, cfg.QuoteAsset) {
			continue
		}
		if info, ok := infos[symbol]; !ok || info.Status != "TRADING" {
			continue
		}
		if t.LastPrice < cfg.MinPrice || t.QuoteVolume < cfg.MinVolume {
			continue
		}
		if blacklisted(symbol, cfg.Blacklist) {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].QuoteVolume != candidates[j].QuoteVolume {
			return candidates[i].QuoteVolume > candidates[j].QuoteVolume
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
	if cfg.MaxSymbols > 0 && len(candidates) > cfg.MaxSymbols {
		candidates = candidates[:cfg.MaxSymbols]
	}

	symbols := make([]string, len(candidates))
	for i, t := range candidates {
		symbols[i] = t.Symbol
	}
	return symbols
}

func blacklisted(symbol string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(symbol, p) {
			return true
		}
	}
	return false
}

// advise запрашивает советника только для первых top_k кандидатов и смешивает скор.
// При ошибке или таймауте остается технический скор.
func (o *Orchestrator) advise(ctx context.Context, ranked []models.Opportunity) []models.Opportunity {
	cfg := o.config.Advisory
	if o.advisor == nil || !cfg.Enabled || cfg.TopK <= 0 || len(ranked) == 0 {
		return ranked
	}

	top := min(cfg.TopK, len(ranked))
	var g errgroup.Group
	for i := 0; i < top; i++ {
		g.Go(func() error {
			opp := ranked[i]
			res, err := o.advisor.Analyze(ctx, opp.Symbol, opp, cfg.Timeout())
			if err != nil {
				logger.Warn("Советник недоступен, используется технический скор",
					zap.String("symbol", opp.Symbol),
					zap.Bool("timeout", errors.Is(err, models.ErrAdvisoryTimeout)),
					zap.Error(err))
				return nil
			}

			ranked[i].Advisory = &res
			ranked[i].Score = BlendScore(opp.TechnicalScore, res.Confidence, cfg.Weight)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(ranked, func(i, j int) bool { return ranking.Less(ranked[i], ranked[j]) })
	return ranked
}

// BlendScore итоговый скор: technical×(1−w) + confidence×w
func BlendScore(technical, confidence, weight float64) float64 {
	return technical*(1-weight) + confidence*weight
}

// open открывает позиции по ранжированным кандидатам, пока есть свободные слоты
func (o *Orchestrator) open(ctx context.Context, ranked []models.Opportunity) int {
	opened := 0
	for _, opp := range ranked {
		if ctx.Err() != nil || o.positions.Count() >= o.config.Trading.MaxPositions {
			break
		}

		sizing, err := o.sizer.Size(opp, opp.Price, opp.ATR)
		if err != nil {
			logger.Warn("Кандидат пропущен: ошибка расчета риска", zap.String("symbol", opp.Symbol), zap.Error(err))
			continue
		}

		if _, err := o.positions.Open(ctx, opp, sizing); err != nil {
			logger.Warn("Кандидат пропущен", zap.String("symbol", opp.Symbol), zap.Error(err))
			continue
		}
		opened++
	}
	return opened
}

func (o *Orchestrator) finish(ctx context.Context, report models.CycleReport) {
	o.mu.Lock()
	o.lastReport = &report
	o.mu.Unlock()

	if err := o.recorder.SaveCycleReport(ctx, report); err != nil {
		logger.Warn("Ошибка записи отчета цикла", zap.Error(err))
	}

	logger.Info("Цикл завершен",
		zap.Duration("duration", report.Duration),
		zap.Int("universe", report.Universe),
		zap.Int("analyzed", report.Analyzed),
		zap.Int("failed", report.Failed),
		zap.Int("candidates", report.Candidates),
		zap.Int("ranked", report.Ranked),
		zap.Int("opened", report.Opened),
		zap.Int("closed", report.Closed))
}

// LastReport отчет последнего завершенного цикла
func (o *Orchestrator) LastReport() (models.CycleReport, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.lastReport == nil {
		return models.CycleReport{}, false
	}
	return *o.lastReport, true
}

// Ranked кандидаты последнего цикла после ранжирования
func (o *Orchestrator) Ranked() []models.Opportunity {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]models.Opportunity(nil), o.ranked...)
}
