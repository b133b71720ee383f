// Package api exposes a read-only HTTP status surface for the engine.
// It never places or cancels orders; control stays with the engine loop.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"aster-trading-bot/internal/database"
	"aster-trading-bot/internal/logging"
	"aster-trading-bot/internal/marketdata"
	"aster-trading-bot/internal/orders"
)

// EngineAPI is what the engine exposes to the status server.
type EngineAPI interface {
	Status() map[string]interface{}
	SymbolStatuses() []orders.SymbolStatus
	MarketSnapshot(symbol string) (marketdata.Snapshot, bool)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string
	Port           int
	ProductionMode bool
}

// Server is the read-only status HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	engine     EngineAPI
	db         *database.DB
	log        *logging.Logger
}

func NewServer(config ServerConfig, engine EngineAPI, db *database.DB) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		engine: engine,
		db:     db,
		log:    logging.Default().WithComponent("api"),
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/positions", s.handlePositions)
		api.GET("/market/:symbol", s.handleMarket)
		api.GET("/trades", s.handleTrades)
		api.GET("/trades/summary", s.handleTradeSummary)
	}
}

// Start runs the HTTP server until it fails or is shut down.
func (s *Server) Start() error {
	s.log.Info("status server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
