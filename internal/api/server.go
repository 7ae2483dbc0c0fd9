// Package api exposes the ops HTTP surface: strategy catalog management,
// episode and signal inspection, and health. Mutating routes are JWT-guarded.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"cl-range-bot/internal/database"
	"cl-range-bot/internal/events"
	"cl-range-bot/internal/logging"
)

const recentEventsCap = 200

// CacheInvalidator drops cached catalog entries after a strategy edit.
// Nil-safe at the call sites so the server runs without Redis.
type CacheInvalidator interface {
	InvalidateStrategies(ctx context.Context, symbol, cfgHash string)
	IsHealthy() bool
}

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
	AllowOrigins   []string
}

// Server is the ops API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	db         *database.DB
	cache      CacheInvalidator
	bus        *events.Bus
	tokens     *TokenManager
	logger     *logging.Logger

	mu     sync.Mutex
	recent []events.Event
}

// NewServer builds the router and wires all routes.
func NewServer(cfg ServerConfig, db *database.DB, cache CacheInvalidator, bus *events.Bus, tokens *TokenManager, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		db:     db,
		cache:  cache,
		bus:    bus,
		tokens: tokens,
		logger: logger,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}

	if bus != nil {
		bus.SubscribeAll(s.recordEvent)
	}
	if tokens != nil && !tokens.Enabled() {
		logger.Warn("api auth disabled, mutating routes are open")
	}

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api")
	v1.GET("/strategies", s.handleListStrategies)
	v1.GET("/strategies/:id", s.handleGetStrategy)
	v1.GET("/strategies/:id/episodes", s.handleListEpisodes)
	v1.GET("/signals", s.handleListSignals)
	v1.GET("/events/recent", s.handleRecentEvents)

	protected := v1.Group("")
	protected.Use(Middleware(s.tokens))
	protected.POST("/strategies", s.handleUpsertStrategy)
	protected.POST("/strategies/:id/pause", s.handleSetStatus(database.StrategyStatusPaused))
	protected.POST("/strategies/:id/resume", s.handleSetStatus(database.StrategyStatusActive))
}

// Start serves HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("api server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// recordEvent keeps a bounded ring of recent events for the ops UI.
func (s *Server) recordEvent(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, e)
	if len(s.recent) > recentEventsCap {
		s.recent = s.recent[len(s.recent)-recentEventsCap:]
	}
}
