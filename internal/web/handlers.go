package web

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/crypto_paper_trader/internal/domain"
)

func (s *Server) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// --- Feed diagnostics ---

func (s *Server) handleFeedStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.feed.Status())
}

func (s *Server) handleFeedHealth(w http.ResponseWriter, r *http.Request) {
	health := s.feed.Health()
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, health)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.feed.GetAllPrices())
}

// --- Engine diagnostics ---

func (s *Server) handleEngineStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleEngineExposure(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Exposure())
}

func (s *Server) handleEngineHealth(w http.ResponseWriter, r *http.Request) {
	health := s.engine.Health()
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	s.respondJSON(w, status, health)
}

// --- Positions ---

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Positions())
}

// handleClosePosition exits one position manually. The close price defaults
// to the cached feed price for the position's coin and may be overridden in
// the request body.
func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Price float64 `json:"price"`
	}
	// Body is optional.
	_ = json.NewDecoder(r.Body).Decode(&body)

	price := body.Price
	if price <= 0 {
		for _, p := range s.engine.Positions() {
			if p.ID == id {
				if tick, ok := s.feed.GetPrice(p.Coin); ok {
					price = tick.Price
				}
				break
			}
		}
	}
	if price <= 0 {
		http.Error(w, "no price available for position", http.StatusBadRequest)
		return
	}

	if err := s.engine.ClosePosition(id, price, time.Now()); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"closed": id})
}

// --- Conditions ---

func (s *Server) handleListConditions(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Conditions())
}

// handleSetConditions atomically replaces the active set. The condition
// producer receives only the accepted count back.
func (s *Server) handleSetConditions(w http.ResponseWriter, r *http.Request) {
	var list []domain.Condition
	if err := json.NewDecoder(r.Body).Decode(&list); err != nil {
		http.Error(w, "invalid conditions payload", http.StatusBadRequest)
		return
	}
	accepted := s.engine.SetConditions(list)
	s.respondJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

func (s *Server) handleAddCondition(w http.ResponseWriter, r *http.Request) {
	var c domain.Condition
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "invalid condition payload", http.StatusBadRequest)
		return
	}
	id, err := s.engine.AddCondition(c)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleDeleteCondition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.engine.RemoveCondition(id) {
		http.Error(w, "condition not found", http.StatusNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"removed": id})
}

// --- Journal and state ---

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context(), 100)
	if err != nil {
		s.logger.Error("failed to list trades", zap.Error(err))
		http.Error(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, trades)
}

func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SaveState(r.Context()); err != nil {
		s.logger.Error("failed to save state", zap.Error(err))
		http.Error(w, "failed to save state", http.StatusInternalServerError)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"saved": true})
}
