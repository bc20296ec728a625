package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/annel0/zonesync/internal/logging"
	"github.com/annel0/zonesync/internal/middleware"
	"github.com/annel0/zonesync/internal/netid"
	"github.com/annel0/zonesync/internal/owner"
	"github.com/annel0/zonesync/internal/zone"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Level - состояние уровня, которое читает API. Реализуется replication.Session.
type Level interface {
	Loop() *owner.Loop
	Store() *zone.Store
	Registry() *netid.Registry
	Pending() int
}

// Config содержит конфигурацию для REST сервера
type Config struct {
	Port   string // адрес для запуска сервера, например ":8088"
	Level  Level
	Role   string
	PeerID string
	// Metrics - регистр для HTTP-метрик и /metrics; nil - дефолтный
	Metrics *prometheus.Registry
	// ReadTimeout ограничивает ожидание горутины-владельца
	ReadTimeout time.Duration
	// TokenHash - bcrypt-хэш токена для /api; пусто - без авторизации
	TokenHash string
}

// GenericResponse представляет общий ответ API
type GenericResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RestServer - административный HTTP сервер только для чтения
type RestServer struct {
	router  *gin.Engine
	level   Level
	cfg     Config
	metrics *ServerMetrics
	log     *logging.Logger

	httpServer *http.Server
}

// NewRestServer создает новый REST API сервер
func NewRestServer(cfg Config) *RestServer {
	if cfg.Port == "" {
		cfg.Port = ":8088"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}

	gin.SetMode(gin.ReleaseMode)

	router := gin.New()        // без стандартного logger/recovery
	router.Use(gin.Recovery()) // добавим только recovery

	// === Observability middleware ===
	router.Use(otelgin.Middleware("zonesync_admin"))
	router.Use(middleware.NewRequestLogger().Handler())

	promMw := middleware.NewPrometheusMiddleware("zonesync_admin", cfg.Metrics)
	router.Use(promMw.Handler())
	promMw.RegisterMetricsEndpoint(router)

	rs := &RestServer{
		router:  router,
		level:   cfg.Level,
		cfg:     cfg,
		metrics: NewServerMetrics(),
		log:     logging.GetAPILogger(),
	}
	rs.setupRoutes()
	return rs
}

// Handler возвращает http.Handler сервера (для тестов и встраивания)
func (rs *RestServer) Handler() http.Handler { return rs.router }

func (rs *RestServer) setupRoutes() {
	rs.router.GET("/health", rs.handleHealth)

	api := rs.router.Group("/api")
	api.Use(rs.tokenMiddleware())
	{
		api.GET("/zones", rs.handleZones)
		api.GET("/zones/:index", rs.handleZone)
		api.GET("/identifiers", rs.handleIdentifiers)
	}
}

// read выполняет fn в горутине-владельце уровня
func (rs *RestServer) read(c *gin.Context, fn func()) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), rs.cfg.ReadTimeout)
	defer cancel()

	if err := rs.level.Loop().Do(ctx, fn); err != nil {
		rs.log.Warn("Чтение состояния уровня не выполнено: %v", err)
		c.JSON(http.StatusServiceUnavailable, GenericResponse{
			Success: false,
			Message: "Уровень недоступен",
		})
		return false
	}
	return true
}

func (rs *RestServer) handleHealth(c *gin.Context) {
	var zones, ids, pending int
	if !rs.read(c, func() {
		zones = rs.level.Store().ZoneCount()
		ids = rs.level.Registry().Len()
		pending = rs.level.Pending()
	}) {
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"time":        time.Now().Unix(),
		"role":        rs.cfg.Role,
		"peer":        rs.cfg.PeerID,
		"zones":       zones,
		"identifiers": ids,
		"pending":     pending,
		"process":     rs.metrics.Snapshot(),
	})
}

func (rs *RestServer) handleZones(c *gin.Context) {
	var views []ZoneView
	if !rs.read(c, func() {
		zones := rs.level.Store().Zones()
		views = make([]ZoneView, 0, len(zones))
		for _, z := range zones {
			views = append(views, zoneView(z, false))
		}
	}) {
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Зон: %d", len(views)),
		Data:    views,
	})
}

func (rs *RestServer) handleZone(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, GenericResponse{
			Success: false,
			Message: "Индекс зоны должен быть неотрицательным числом",
		})
		return
	}

	var view ZoneView
	var found bool
	if !rs.read(c, func() {
		z, ok := rs.level.Store().Zone(index)
		if !ok {
			return
		}
		view, found = zoneView(z, true), true
	}) {
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, GenericResponse{
			Success: false,
			Message: fmt.Sprintf("Зона %d не найдена", index),
		})
		return
	}
	c.JSON(http.StatusOK, GenericResponse{Success: true, Message: "ok", Data: view})
}

func (rs *RestServer) handleIdentifiers(c *gin.Context) {
	var views []IdentifierView
	if !rs.read(c, func() {
		reg := rs.level.Registry()
		ids := reg.IDs()
		views = make([]IdentifierView, 0, len(ids))
		for _, id := range ids {
			v, bound := reg.Get(id)
			views = append(views, identifierView(id, v, bound))
		}
	}) {
		return
	}
	c.JSON(http.StatusOK, GenericResponse{
		Success: true,
		Message: fmt.Sprintf("Идентификаторов: %d", len(views)),
		Data:    views,
	})
}

// Start запускает HTTP сервер в отдельной горутине
func (rs *RestServer) Start() error {
	rs.httpServer = &http.Server{
		Addr:              rs.cfg.Port,
		Handler:           rs.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := rs.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rs.log.Error("❌ Ошибка административного API: %v", err)
		}
	}()

	rs.log.Info("✅ Административный API запущен на %s", rs.cfg.Port)
	rs.log.Info("📋 Доступные эндпоинты:")
	rs.log.Info("   GET  /health")
	rs.log.Info("   GET  /api/zones")
	rs.log.Info("   GET  /api/zones/:index")
	rs.log.Info("   GET  /api/identifiers")
	rs.log.Info("   GET  /metrics")
	return nil
}

// Stop останавливает сервер, дожидаясь активных запросов
func (rs *RestServer) Stop(ctx context.Context) error {
	if rs.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := rs.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("остановка административного API: %w", err)
	}
	rs.log.Info("🛑 Административный API остановлен")
	return nil
}
