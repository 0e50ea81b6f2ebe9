package ranking

import (
	"sort"

	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/models"
)

// Ranker отбирает и упорядочивает кандидатов с учетом ограничений портфеля
type Ranker struct {
	config config.TradingConfig
}

// NewRanker создает ранжировщик
func NewRanker(cfg config.TradingConfig) *Ranker {
	return &Ranker{
		config: cfg,
	}
}

// Rank фильтрует кандидатов по min_score, убирает уже открытые символы и дубликаты,
// сортирует по убыванию скора и обрезает до числа свободных слотов.
// Результат не зависит от порядка входных данных.
func (r *Ranker) Rank(opps []models.Opportunity, openSymbols []string) []models.Opportunity {
	slots := r.config.MaxPositions - len(openSymbols)
	if slots <= 0 {
		return nil
	}

	open := make(map[string]struct{}, len(openSymbols))
	for _, s := range openSymbols {
		open[s] = struct{}{}
	}

	candidates := make([]models.Opportunity, 0, len(opps))
	for _, o := range opps {
		if o.Score < r.config.MinScore {
			continue
		}
		if _, ok := open[o.Symbol]; ok {
			continue
		}
		candidates = append(candidates, o)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return Less(candidates[i], candidates[j])
	})

	// после сортировки лучший кандидат по символу идет первым
	result := make([]models.Opportunity, 0, min(slots, len(candidates)))
	seen := make(map[string]struct{}, len(candidates))
	for _, o := range candidates {
		if len(result) == slots {
			break
		}
		if _, ok := seen[o.Symbol]; ok {
			continue
		}
		seen[o.Symbol] = struct{}{}
		result = append(result, o)
	}
	return result
}

// Less порядок ранжирования: скор по убыванию, затем сила старшего тренда, затем символ
func Less(a, b models.Opportunity) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.TrendStrength() != b.TrendStrength() {
		return a.TrendStrength() > b.TrendStrength()
	}
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	return a.Direction < b.Direction
}
