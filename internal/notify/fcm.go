package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type messageSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSink отправляет push-уведомления в топик Firebase Cloud Messaging
type FCMSink struct {
	client messageSender
	topic  string
}

// NewFCMSink инициализирует клиент Firebase по файлу учетных данных
func NewFCMSink(ctx context.Context, cfg config.FCMConfig) (*FCMSink, error) {
	if cfg.CredentialsPath == "" {
		return nil, errors.New("не задан путь к учетным данным Firebase")
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsPath))
	if err != nil {
		return nil, fmt.Errorf("ошибка инициализации Firebase: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения клиента FCM: %w", err)
	}

	logger.Info("Firebase Cloud Messaging инициализирован", zap.String("topic", cfg.Topic))
	return &FCMSink{client: client, topic: cfg.Topic}, nil
}

func (s *FCMSink) Name() string { return "fcm" }

// Send отправляет событие в топик
func (s *FCMSink) Send(ctx context.Context, event Event, payload interface{}) error {
	msg, err := buildMessage(s.topic, event, payload)
	if err != nil {
		return err
	}

	id, err := s.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("ошибка отправки FCM: %w", err)
	}

	logger.Debug("Отправлено FCM уведомление", zap.String("event", string(event)), zap.String("message_id", id))
	return nil
}

func buildMessage(topic string, event Event, payload interface{}) (*messaging.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации уведомления: %w", err)
	}

	title, body := summary(event, payload)
	return &messaging.Message{
		Topic: topic,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{
			"event":   string(event),
			"payload": string(data),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}, nil
}

func summary(event Event, payload interface{}) (string, string) {
	switch p := payload.(type) {
	case models.Position:
		switch event {
		case EventPositionOpened:
			return "Открыта позиция " + p.Symbol,
				fmt.Sprintf("%s %s по %.6g, плечо %dx, SL %.6g, TP %.6g", p.Side, p.Symbol, p.EntryPrice, p.Leverage, p.StopLoss, p.TakeProfit)
		case EventPositionClosed:
			return "Закрыта позиция " + p.Symbol,
				fmt.Sprintf("%s %s по %.6g (%s), PnL %.2f USDT", p.Side, p.Symbol, p.ExitPrice, p.CloseReason, p.PnL)
		}
	case Failure:
		if p.Symbol != "" {
			return fmt.Sprintf("%s: %s", event, p.Symbol), p.Error
		}
		return string(event), p.Error
	}
	return string(event), fmt.Sprintf("%v", payload)
}
