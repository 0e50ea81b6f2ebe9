package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skalibog/bfat/internal/advisory"
	"github.com/skalibog/bfat/internal/analysis/aggregator"
	"github.com/skalibog/bfat/internal/api"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/internal/exchange"
	"github.com/skalibog/bfat/internal/notify"
	"github.com/skalibog/bfat/internal/position"
	"github.com/skalibog/bfat/internal/storage"
	"github.com/skalibog/bfat/internal/trader"
	"github.com/skalibog/bfat/internal/ui"
	"github.com/skalibog/bfat/internal/workerpool"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	once := flag.Bool("once", false, "выполнить один цикл и выйти")
	flag.Parse()

	if err := run(*configPath, *once); err != nil {
		fmt.Fprintf(os.Stderr, "bfat: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool) error {
	// До загрузки конфигурации пишем в файлы по умолчанию
	defaults := config.Default().Logging
	if err := logger.Init(logger.Options{Level: defaults.Level, File: defaults.File, JSONFile: defaults.JSONFile, Console: true, Truncate: true}); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.String("path", configPath), zap.Error(err))
	}

	// Консольный вывод ломает терминальный интерфейс
	showUI := cfg.UI.Enabled && !once
	if err := logger.Init(logger.Options{
		Level:    cfg.Logging.Level,
		File:     cfg.Logging.File,
		JSONFile: cfg.Logging.JSONFile,
		Console:  cfg.Logging.Console && !showUI,
	}); err != nil {
		return err
	}
	defer logger.GetLogger().Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := exchange.NewBinanceClient(cfg.Binance)

	recorder, err := storage.NewRecorder(cfg.Storage)
	if err != nil {
		return err
	}
	defer recorder.Close()

	history, err := storage.NewHistory(cfg.History)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.Error("Ошибка закрытия истории сделок", zap.Error(err))
		}
	}()

	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.Notify.FCM.Enabled {
		fcm, err := notify.NewFCMSink(ctx, cfg.Notify.FCM)
		if err != nil {
			logger.Warn("Push-уведомления отключены", zap.Error(err))
		} else {
			sinks = append(sinks, fcm)
		}
	}
	dispatcher := notify.NewDispatcher(time.Duration(cfg.Notify.TimeoutSeconds)*time.Second, sinks...)
	defer dispatcher.Wait()

	var advisor trader.Advisor
	if cfg.Advisory.Enabled {
		advisor = advisory.NewClient(cfg.Advisory)
	}

	pool := workerpool.New(cfg.Scan.Workers, cfg.Scan.QueueSize)
	defer pool.Close()

	analyzer := aggregator.NewAnalyzer(cfg.Analysis, cfg.Scan, client, pool)

	manager := position.NewManager(cfg.Trading, client, history, recorder, dispatcher)
	restored, err := manager.Restore()
	if err != nil {
		return err
	}

	orchestrator := trader.NewOrchestrator(cfg, client, analyzer, advisor, manager, recorder, dispatcher)

	logger.Info("BFAT запущен",
		zap.Bool("dry_run", cfg.Trading.DryRun),
		zap.Bool("testnet", cfg.Binance.Testnet),
		zap.Int("restored_positions", restored),
		zap.Int("workers", pool.Workers()),
		zap.Bool("advisory", advisor != nil))

	if once {
		_, err := orchestrator.RunCycle(ctx)
		shutdown(cfg, manager, client)
		return err
	}

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API, cfg.Trading.DryRun, orchestrator, manager, history, recorder)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("HTTP API остановлен с ошибкой", zap.Error(err))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := orchestrator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Торговый цикл остановлен с ошибкой", zap.Error(err))
		}
	}()

	if showUI {
		if err := ui.NewTermUI(cfg.UI, cfg.Logging.JSONFile, orchestrator, manager).Run(ctx); err != nil {
			logger.Error("Ошибка UI", zap.Error(err))
		}
		// Выход из интерфейса завершает бота
		cancel()
	}

	<-ctx.Done()
	logger.Info("Завершение работы...")
	<-done

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Ошибка остановки HTTP API", zap.Error(err))
		}
	}

	shutdown(cfg, manager, client)
	return nil
}

// shutdown закрывает открытые позиции, если это разрешено конфигурацией
func shutdown(cfg config.Config, manager *position.Manager, prices position.PriceSource) {
	if !cfg.Trading.CloseOnShutdown || manager.Count() == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	closed := manager.CloseAll(ctx, prices, models.ReasonShutdown)
	logger.Info("Позиции закрыты при остановке", zap.Int("closed", closed))
}
