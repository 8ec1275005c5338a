// Package web serves diagnostics and the condition-producer API over HTTP.
package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vitos/crypto_paper_trader/internal/domain"
	"github.com/vitos/crypto_paper_trader/internal/infrastructure/storage"
	"github.com/vitos/crypto_paper_trader/internal/usecase"
)

type Server struct {
	router *http.ServeMux
	server *http.Server
	feed   domain.Feed
	engine *usecase.ExecutionEngine
	store  *storage.SQLiteStore
	logger *zap.Logger
}

func NewServer(
	port int,
	feed domain.Feed,
	engine *usecase.ExecutionEngine,
	store *storage.SQLiteStore,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router: http.NewServeMux(),
		feed:   feed,
		engine: engine,
		store:  store,
		logger: logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /api/feed/status", s.handleFeedStatus)
	s.router.HandleFunc("GET /api/feed/health", s.handleFeedHealth)
	s.router.HandleFunc("GET /api/prices", s.handlePrices)

	s.router.HandleFunc("GET /api/engine/status", s.handleEngineStatus)
	s.router.HandleFunc("GET /api/engine/exposure", s.handleEngineExposure)
	s.router.HandleFunc("GET /api/engine/health", s.handleEngineHealth)

	s.router.HandleFunc("GET /api/positions", s.handleListPositions)
	s.router.HandleFunc("POST /api/positions/{id}/close", s.handleClosePosition)

	s.router.HandleFunc("GET /api/conditions", s.handleListConditions)
	s.router.HandleFunc("PUT /api/conditions", s.handleSetConditions)
	s.router.HandleFunc("POST /api/conditions", s.handleAddCondition)
	s.router.HandleFunc("DELETE /api/conditions/{id}", s.handleDeleteCondition)

	s.router.HandleFunc("GET /api/trades", s.handleListTrades)
	s.router.HandleFunc("POST /api/state/save", s.handleSaveState)

	s.router.Handle("GET /metrics", promhttp.Handler())
}

func (s *Server) Start() error {
	s.logger.Info("web server listening", zap.String("addr", s.server.Addr))
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
