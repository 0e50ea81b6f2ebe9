package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/models"
)

// History журнал сделок, только добавление.
// Реализации сериализуют одновременные вызовы Append.
type History interface {
	Append(rec models.TradeHistoryRecord) error
	Records() ([]models.TradeHistoryRecord, error)
	Close() error
}

// NewHistory создает журнал по конфигурации
func NewHistory(cfg config.HistoryConfig) (History, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteHistory(cfg.Path)
	case "json", "":
		return NewJSONHistory(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: неизвестный тип истории %q", models.ErrConfiguration, cfg.Type)
	}
}

// JSONHistory хранит журнал в JSON-файле: массив записей.
// Файл целиком читается при старте и переписывается при каждом добавлении.
type JSONHistory struct {
	mu      sync.Mutex
	path    string
	records []models.TradeHistoryRecord
	dirty   bool
}

// NewJSONHistory открывает журнал. Отсутствующий или пустой файл дает пустой журнал.
func NewJSONHistory(path string) (*JSONHistory, error) {
	h := &JSONHistory{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return h, nil
	case err != nil:
		return nil, fmt.Errorf("%w: ошибка чтения %s: %v", models.ErrPersistence, path, err)
	}

	if len(data) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(data, &h.records); err != nil {
		return nil, fmt.Errorf("%w: повреждена история %s: %v", models.ErrPersistence, path, err)
	}
	return h, nil
}

// Append добавляет запись и переписывает файл. При ошибке записи запись
// остается в памяти и попадет на диск при следующем добавлении.
func (h *JSONHistory) Append(rec models.TradeHistoryRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, rec)
	h.dirty = true

	if err := h.flush(); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

// Records копия всех записей в порядке добавления
func (h *JSONHistory) Records() ([]models.TradeHistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.TradeHistoryRecord, len(h.records))
	copy(out, h.records)
	return out, nil
}

// Close пытается сохранить несохраненные записи
func (h *JSONHistory) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return nil
	}
	return h.flush()
}

// flush пишет во временный файл рядом и атомарно подменяет основной
func (h *JSONHistory) flush() error {
	data, err := json.MarshalIndent(h.records, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: ошибка сериализации: %v", models.ErrPersistence, err)
	}

	dir := filepath.Dir(h.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(h.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: ошибка создания временного файла: %v", models.ErrPersistence, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: ошибка записи: %v", models.ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	if err := os.Rename(tmpName, h.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: ошибка замены файла истории: %v", models.ErrPersistence, err)
	}
	return nil
}

// OpenPositions восстанавливает открытые позиции: записи OPEN без парной CLOSE
func OpenPositions(records []models.TradeHistoryRecord) []models.Position {
	open := make(map[string]models.Position)
	var order []string

	for _, rec := range records {
		switch rec.Action {
		case models.ActionOpen:
			if _, ok := open[rec.Position.ID]; !ok {
				order = append(order, rec.Position.ID)
			}
			open[rec.Position.ID] = rec.Position
		case models.ActionClose:
			delete(open, rec.Position.ID)
		}
	}

	positions := make([]models.Position, 0, len(open))
	for _, id := range order {
		if p, ok := open[id]; ok {
			positions = append(positions, p)
		}
	}
	return positions
}
