package models

import (
	"errors"
	"fmt"
)

// Категории ошибок. Проверяются через errors.Is.
var (
	ErrDataUnavailable  = errors.New("данные недоступны")
	ErrInsufficientData = fmt.Errorf("%w: недостаточно свечей", ErrDataUnavailable)
	ErrExecution        = errors.New("ошибка исполнения")
	ErrAdvisoryTimeout  = errors.New("таймаут AI-советника")
	ErrPersistence      = errors.New("ошибка сохранения истории")
	ErrConfiguration    = errors.New("ошибка конфигурации")

	ErrPositionExists  = errors.New("по символу уже есть открытая позиция")
	ErrCycleInProgress = errors.New("цикл сканирования уже выполняется")

	ErrPoolSaturated = errors.New("пул воркеров переполнен")
	ErrPoolClosed    = errors.New("пул воркеров закрыт")
)
