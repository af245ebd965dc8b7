package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
	"github.com/vitos/grid_trade_bot/internal/usecase"
)

// StatusProvider is implemented by usecase.GridBot.
type StatusProvider interface {
	Status() usecase.BotStatus
}

// Server is the read-only status API.
type Server struct {
	router    *http.ServeMux
	server    *http.Server
	bot       StatusProvider
	tradeRepo domain.TradeRepository
	logger    *zap.Logger
}

// NewServer builds the API. tradeRepo may be nil when no journal is configured.
func NewServer(port int, bot StatusProvider, tradeRepo domain.TradeRepository, logger *zap.Logger) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		bot:       bot,
		tradeRepo: tradeRepo,
		logger:    logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.HandleFunc("GET /orders", s.handleOrders)
	s.router.HandleFunc("GET /fills", s.handleFills)
	s.router.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Serve is Start on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
