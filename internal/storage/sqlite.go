package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/skalibog/bfat/pkg/models"
	_ "modernc.org/sqlite" // драйвер SQLite
)

var historySchema = []string{
	`CREATE TABLE IF NOT EXISTS trade_history (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		action      TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		position_id TEXT NOT NULL,
		payload     TEXT NOT NULL,
		timestamp   INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trade_history_position ON trade_history(position_id)`,
}

// SQLiteHistory журнал сделок в таблице SQLite, только вставки
type SQLiteHistory struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteHistory открывает (и при необходимости создает) базу по пути
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	if path == "" {
		return nil, errors.New("путь к базе истории пуст")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: ошибка создания каталога: %v", models.ErrPersistence, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка открытия sqlite: %v", models.ErrPersistence, err)
	}
	// один писатель
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	for _, stmt := range historySchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: ошибка создания схемы: %v", models.ErrPersistence, err)
		}
	}

	return &SQLiteHistory{db: db}, nil
}

// Append вставляет запись
func (h *SQLiteHistory) Append(rec models.TradeHistoryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: ошибка сериализации: %v", models.ErrPersistence, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = h.db.Exec(
		`INSERT INTO trade_history(action, symbol, position_id, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
		string(rec.Action), rec.Position.Symbol, rec.Position.ID, string(payload), rec.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: ошибка вставки: %v", models.ErrPersistence, err)
	}
	return nil
}

// Records все записи в порядке вставки
func (h *SQLiteHistory) Records() ([]models.TradeHistoryRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.Query(`SELECT payload FROM trade_history ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: ошибка чтения истории: %v", models.ErrPersistence, err)
	}
	defer rows.Close()

	var records []models.TradeHistoryRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}

		var rec models.TradeHistoryRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("%w: повреждена запись: %v", models.ErrPersistence, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	return records, nil
}

// Close закрывает базу
func (h *SQLiteHistory) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
