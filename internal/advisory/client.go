package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
)

const (
	anthropicVersion = "2023-06-01"

	systemPrompt = `Ты аналитик криптовалютных фьючерсов. По техническим данным оцени сделку.
Ответь только JSON без пояснений: {"confidence": 0-100, "recommendation": "LONG"|"SHORT"|"WAIT", "rationale": "кратко"}`
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Client клиент внешнего AI-советника (Anthropic Messages API)
type Client struct {
	config     config.AdvisoryConfig
	httpClient *http.Client
}

// NewClient создает клиент советника
func NewClient(cfg config.AdvisoryConfig) *Client {
	return &Client{
		config:     cfg,
		httpClient: &http.Client{},
	}
}

// Analyze запрашивает оценку кандидата. Истечение таймаута возвращается как ErrAdvisoryTimeout.
func (c *Client) Analyze(ctx context.Context, symbol string, summary models.Opportunity, timeout time.Duration) (models.AdvisoryResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	prompt, err := buildPrompt(symbol, summary)
	if err != nil {
		return models.AdvisoryResult{}, err
	}

	text, err := c.complete(ctx, prompt)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.AdvisoryResult{}, fmt.Errorf("%w: %s: %w", models.ErrAdvisoryTimeout, symbol, err)
		}
		return models.AdvisoryResult{}, err
	}

	result, err := parseResult(text)
	if err != nil {
		return models.AdvisoryResult{}, fmt.Errorf("ответ советника для %s: %w", symbol, err)
	}

	logger.Debug("Получена оценка советника",
		zap.String("symbol", symbol),
		zap.Float64("confidence", result.Confidence),
		zap.String("recommendation", result.Recommendation))
	return result, nil
}

func (c *Client) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     c.config.Model,
		MaxTokens: c.config.MaxTokens,
		System:    systemPrompt,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.config.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ошибка запроса к советнику: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("ошибка разбора ответа (статус %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("ошибка API советника: %s: %s", parsed.Error.Type, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("советник вернул статус %d", resp.StatusCode)
	}

	for _, block := range parsed.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", errors.New("пустой ответ советника")
}

func buildPrompt(symbol string, opp models.Opportunity) (string, error) {
	type timeframe struct {
		Interval string   `json:"interval"`
		Category string   `json:"category"`
		Strength float64  `json:"strength"`
		Factors  []string `json:"factors"`
		RSI      float64  `json:"rsi"`
		MACDHist float64  `json:"macd_hist"`
		ATR      float64  `json:"atr"`
		BBPos    float64  `json:"bb_position"`
		StochK   float64  `json:"stoch_k"`
		VolRatio float64  `json:"volume_ratio"`
	}

	frames := make([]timeframe, 0, 2)
	for _, s := range opp.Signals() {
		frames = append(frames, timeframe{
			Interval: s.Interval,
			Category: string(s.Signal.Category),
			Strength: s.Signal.Strength,
			Factors:  s.Signal.Factors,
			RSI:      s.Snapshot.RSI,
			MACDHist: s.Snapshot.MACDHist,
			ATR:      s.Snapshot.ATR,
			BBPos:    s.Snapshot.BBPosition(),
			StochK:   s.Snapshot.StochK,
			VolRatio: s.Snapshot.VolumeRatio,
		})
	}

	data, err := json.MarshalIndent(map[string]interface{}{
		"symbol":          symbol,
		"direction":       opp.Direction,
		"price":           opp.Price,
		"technical_score": opp.TechnicalScore,
		"timeframes":      frames,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации сводки: %w", err)
	}
	return "Технический анализ:\n" + string(data), nil
}

// parseResult извлекает JSON из ответа модели, в том числе обернутый в блок кода
func parseResult(text string) (models.AdvisoryResult, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return models.AdvisoryResult{}, fmt.Errorf("не найден JSON в ответе: %q", text)
	}

	var result models.AdvisoryResult
	if err := json.Unmarshal([]byte(text[start:end+1]), &result); err != nil {
		return models.AdvisoryResult{}, fmt.Errorf("некорректный JSON: %w", err)
	}
	result.Confidence = math.Max(0, math.Min(100, result.Confidence))
	result.Recommendation = strings.ToUpper(strings.TrimSpace(result.Recommendation))
	return result, nil
}
