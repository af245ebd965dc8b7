package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

const (
	defaultFillsLimit = 50
	maxFillsLimit     = 500
)

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.bot.Status())
}

// handleOrders lists tracked orders, optionally filtered by ?side= and ?position_type=.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	side := domain.Side(r.URL.Query().Get("side"))
	pt := domain.PositionType(r.URL.Query().Get("position_type"))

	orders := make([]domain.Order, 0)
	for _, o := range s.bot.Status().Orders {
		if side != "" && o.Side != side {
			continue
		}
		if pt != "" && o.PositionType != pt {
			continue
		}
		orders = append(orders, o)
	}
	s.writeJSON(w, orders)
}

func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	if s.tradeRepo == nil {
		http.Error(w, "Fill journal disabled", http.StatusNotFound)
		return
	}

	limit := defaultFillsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		if n > maxFillsLimit {
			n = maxFillsLimit
		}
		limit = n
	}

	symbol := r.URL.Query().Get("symbol")
	if symbol == "" {
		symbol = s.bot.Status().Symbol
	}

	fills, err := s.tradeRepo.ListFills(r.Context(), symbol, limit)
	if err != nil {
		s.logger.Error("Failed to list fills", zap.Error(err))
		http.Error(w, "Failed to list fills", http.StatusInternalServerError)
		return
	}
	if fills == nil {
		fills = []*domain.Fill{}
	}
	s.writeJSON(w, fills)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.bot.Status()
	if !st.Running {
		http.Error(w, "not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
