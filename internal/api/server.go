package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/skalibog/bfat/internal/config"
	"github.com/skalibog/bfat/internal/storage"
	"github.com/skalibog/bfat/pkg/logger"
	"github.com/skalibog/bfat/pkg/models"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// Trader состояние торгового цикла
type Trader interface {
	RunCycle(ctx context.Context) (models.CycleReport, error)
	LastReport() (models.CycleReport, bool)
	Ranked() []models.Opportunity
}

// PositionReader чтение открытых позиций
type PositionReader interface {
	Snapshot() []models.Position
}

// Server HTTP API статуса бота
type Server struct {
	config     config.APIConfig
	dryRun     bool
	router     *gin.Engine
	httpServer *http.Server
	trader     Trader
	positions  PositionReader
	history    storage.History
	recorder   storage.Recorder
}

// NewServer создает сервер и регистрирует маршруты
func NewServer(cfg config.APIConfig, dryRun bool, trader Trader, positions PositionReader, history storage.History, recorder storage.Recorder) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(requestLogger())
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	router.Use(cors.New(corsConfig))

	if recorder == nil {
		recorder = storage.NopRecorder{}
	}

	s := &Server{
		config:    cfg,
		dryRun:    dryRun,
		router:    router,
		trader:    trader,
		positions: positions,
		history:   history,
		recorder:  recorder,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/opportunities", s.handleOpportunities)
		api.GET("/opportunities/:symbol/history", s.handleOpportunityHistory)
		api.GET("/history", s.handleHistory)
		api.POST("/scan", s.handleScan)
	}
}

// Handler возвращает http.Handler роутера
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start запускает HTTP сервер. Блокируется до остановки.
// После Shutdown возвращает nil сразу.
func (s *Server) Start() error {
	logger.Info("Запуск HTTP API", zap.String("addr", s.config.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ошибка запуска HTTP API: %w", err)
	}
	return nil
}

// Shutdown останавливает сервер
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("Остановка HTTP API")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(c *gin.Context) {
	report, ok := s.trader.LastReport()
	data := gin.H{
		"dry_run":        s.dryRun,
		"open_positions": len(s.positions.Snapshot()),
		"has_cycle":      ok,
	}
	if ok {
		data["last_cycle"] = report
	}
	successResponse(c, data)
}

func (s *Server) handlePositions(c *gin.Context) {
	successResponse(c, s.positions.Snapshot())
}

func (s *Server) handleOpportunities(c *gin.Context) {
	successResponse(c, s.trader.Ranked())
}

func (s *Server) handleHistory(c *gin.Context) {
	records, err := s.history.Records()
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, records)
}

func (s *Server) handleOpportunityHistory(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			errorResponse(c, http.StatusBadRequest, fmt.Sprintf("limit должен быть в диапазоне 1..%d", maxHistoryLimit))
			return
		}
		limit = n
	}

	records, err := s.recorder.GetOpportunityHistory(c.Request.Context(), symbol, limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, records)
}

// handleScan запускает цикл вручную. Цикл не прерывается при обрыве соединения.
func (s *Server) handleScan(c *gin.Context) {
	report, err := s.trader.RunCycle(context.WithoutCancel(c.Request.Context()))
	switch {
	case errors.Is(err, models.ErrCycleInProgress):
		errorResponse(c, http.StatusConflict, err.Error())
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, err.Error())
	default:
		successResponse(c, report)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("HTTP запрос",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
