package notify

import (
	"context"
	"sync"
	"time"

	"github.com/skalibog/bfat/pkg/logger"
	"go.uber.org/zap"
)

// Event тип уведомления
type Event string

const (
	EventPositionOpened Event = "position_opened"
	EventPositionClosed Event = "position_closed"
	EventOpenFailed     Event = "open_failed"
	EventCycleFailed    Event = "cycle_failed"
)

// Failure полезная нагрузка событий об ошибках
type Failure struct {
	Symbol string `json:"symbol,omitempty"`
	Error  string `json:"error"`
}

// Sink получатель уведомлений
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event, payload interface{}) error
}

// Dispatcher рассылает уведомления по всем получателям, не блокируя вызывающего.
// Ошибки получателей только логируются.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher создает рассыльщик с таймаутом на одну отправку
func NewDispatcher(timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
	}
}

// Notify отправляет событие всем получателям в фоне
func (d *Dispatcher) Notify(event Event, payload interface{}) {
	for _, sink := range d.sinks {
		d.wg.Add(1)
		go func(s Sink) {
			defer d.wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()

			if err := s.Send(ctx, event, payload); err != nil {
				logger.Warn("Не удалось отправить уведомление",
					zap.String("sink", s.Name()),
					zap.String("event", string(event)),
					zap.Error(err))
			}
		}(sink)
	}
}

// Wait дожидается завершения отправок в полете
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// LogSink пишет уведомления в лог
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, event Event, payload interface{}) error {
	logger.Info("Уведомление", zap.String("event", string(event)), zap.Any("payload", payload))
	return nil
}
