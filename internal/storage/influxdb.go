// internal/storage/influxdb.go
package storage

import (
	"context"
	"fmt"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/models"
)

// Recorder интерфейс записи временных рядов: кандидаты, сделки, статистика циклов
type Recorder interface {
	SaveOpportunity(ctx context.Context, opp models.Opportunity) error
	SaveTradeEvent(ctx context.Context, rec models.TradeHistoryRecord) error
	SaveCycleReport(ctx context.Context, report models.CycleReport) error
	GetOpportunityHistory(ctx context.Context, symbol string, limit int) ([]models.OpportunityRecord, error)
	Close()
}

// NewRecorder создает хранилище по конфигурации. Тип none дает NopRecorder.
func NewRecorder(cfg config.StorageConfig) (Recorder, error) {
	switch cfg.Type {
	case "influxdb":
		return NewInfluxDBStorage(cfg)
	case "none", "":
		return NopRecorder{}, nil
	default:
		return nil, fmt.Errorf("%w: неизвестный тип хранилища %q", models.ErrConfiguration, cfg.Type)
	}
}

// InfluxDBStorage реализует интерфейс Recorder с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBStorage{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

// SaveOpportunity сохраняет кандидата на сделку
func (s *InfluxDBStorage) SaveOpportunity(ctx context.Context, opp models.Opportunity) error {
	return s.write(ctx, opportunityPoint(opp))
}

// SaveTradeEvent сохраняет открытие или закрытие позиции
func (s *InfluxDBStorage) SaveTradeEvent(ctx context.Context, rec models.TradeHistoryRecord) error {
	return s.write(ctx, tradePoint(rec))
}

// SaveCycleReport сохраняет статистику цикла сканирования
func (s *InfluxDBStorage) SaveCycleReport(ctx context.Context, report models.CycleReport) error {
	return s.write(ctx, cyclePoint(report))
}

func (s *InfluxDBStorage) write(ctx context.Context, p *write.Point) error {
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("%w: ошибка записи в InfluxDB: %w", models.ErrPersistence, err)
	}
	return nil
}

// GetOpportunityHistory получает историю кандидатов по символу, новые первыми
func (s *InfluxDBStorage) GetOpportunityHistory(ctx context.Context, symbol string, limit int) ([]models.OpportunityRecord, error) {
	result, err := s.queryAPI.Query(ctx, opportunityHistoryQuery(s.bucket, symbol, limit))
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории кандидатов: %w", err)
	}

	var records []models.OpportunityRecord
	for result.Next() {
		record := result.Record()

		direction, _ := record.ValueByKey("direction").(string)
		pair, _ := record.ValueByKey("pair").(string)
		score, _ := record.ValueByKey("score").(float64)
		technical, _ := record.ValueByKey("technical_score").(float64)
		price, _ := record.ValueByKey("price").(float64)

		records = append(records, models.OpportunityRecord{
			Symbol:         symbol,
			Direction:      models.Direction(direction),
			Pair:           pair,
			Score:          score,
			TechnicalScore: technical,
			Price:          price,
			Timestamp:      record.Time(),
		})
	}

	// Проверяем на ошибки при обработке результатов
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return records, nil
}

func opportunityPoint(opp models.Opportunity) *write.Point {
	fields := map[string]interface{}{
		"score":           opp.Score,
		"technical_score": opp.TechnicalScore,
		"price":           opp.Price,
		"atr":             opp.ATR,
		"entry_strength":  opp.Entry.Signal.Strength,
		"trend_strength":  opp.Trend.Signal.Strength,
		"factors":         strings.Join(opp.Entry.Signal.Factors, "; "),
	}
	if opp.Advisory != nil {
		fields["advisory_confidence"] = opp.Advisory.Confidence
		fields["advisory_recommendation"] = opp.Advisory.Recommendation
	}

	return influxdb2.NewPoint(
		"opportunities",
		map[string]string{
			"symbol":    opp.Symbol,
			"direction": string(opp.Direction),
			"pair":      opp.Pair,
		},
		fields,
		opp.Timestamp,
	)
}

func tradePoint(rec models.TradeHistoryRecord) *write.Point {
	p := rec.Position
	fields := map[string]interface{}{
		"position_id": p.ID,
		"entry_price": p.EntryPrice,
		"amount":      p.Amount,
		"leverage":    p.Leverage,
		"stop_loss":   p.StopLoss,
		"take_profit": p.TakeProfit,
		"score":       p.Score,
	}
	if rec.Action == models.ActionClose {
		fields["exit_price"] = rec.ExitPrice
		fields["pnl"] = rec.PnL
		fields["reason"] = string(rec.CloseReason)
	}

	return influxdb2.NewPoint(
		"trades",
		map[string]string{
			"symbol": p.Symbol,
			"side":   string(p.Side),
			"action": string(rec.Action),
		},
		fields,
		rec.Timestamp,
	)
}

func cyclePoint(report models.CycleReport) *write.Point {
	return influxdb2.NewPoint(
		"scan_cycles",
		map[string]string{},
		map[string]interface{}{
			"duration_ms": report.Duration.Milliseconds(),
			"universe":    report.Universe,
			"analyzed":    report.Analyzed,
			"failed":      report.Failed,
			"candidates":  report.Candidates,
			"ranked":      report.Ranked,
			"opened":      report.Opened,
			"closed":      report.Closed,
		},
		report.Started,
	)
}

func opportunityHistoryQuery(bucket, symbol string, limit int) string {
	return fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "opportunities")
			|> filter(fn: (r) => r.symbol == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, bucket, symbol, limit)
}

// NopRecorder ничего не сохраняет; используется, когда хранилище не настроено
type NopRecorder struct{}

func (NopRecorder) SaveOpportunity(context.Context, models.Opportunity) error       { return nil }
func (NopRecorder) SaveTradeEvent(context.Context, models.TradeHistoryRecord) error { return nil }
func (NopRecorder) SaveCycleReport(context.Context, models.CycleReport) error       { return nil }
func (NopRecorder) Close()                                                          {}
func (NopRecorder) GetOpportunityHistory(context.Context, string, int) ([]models.OpportunityRecord, error) {
	return nil, nil
}
