package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/round"
	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// Round define as operações da rodada usadas pelo handler HTTP
type Round interface {
	Snapshot(ctx context.Context) (round.Snapshot, error)
	PlaceBet(ctx context.Context, identity string, items []round.StakeItem) (round.Receipt, error)
}

type Limiter interface {
	Allow(ctx context.Context, identity string) error
}

// RoundResponse é o snapshot público da rodada
type RoundResponse struct {
	RoundID    string `json:"roundId"`
	Generation uint64 `json:"generation"`
	events.State
}

type BetResponse struct {
	Generation  uint64  `json:"generation"`
	Identity    string  `json:"identity"`
	Added       float64 `json:"added"`
	Contributed float64 `json:"contributed"`
	TotalValue  float64 `json:"totalValue"`
	Phase       string  `json:"phase"`
}

type Server struct {
	log     *zap.Logger
	round   Round
	limiter Limiter
	users   func(http.Handler) http.Handler
	ws      http.HandlerFunc
}

// NewServer monta a API; users autentica POST /v1/bets e ws (opcional) atende /ws
func NewServer(log *zap.Logger, rnd Round, limiter Limiter, users func(http.Handler) http.Handler, ws http.HandlerFunc) *Server {
	return &Server{log: log.Named("http"), round: rnd, limiter: limiter, users: users, ws: ws}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/v1/round", s.getRound)
	r.With(s.users).Post("/v1/bets", s.placeBet)
	if s.ws != nil {
		r.Get("/ws", s.ws)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) getRound(w http.ResponseWriter, r *http.Request) {
	snap, err := s.round.Snapshot(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, RoundResponse{
		RoundID:    snap.RoundID,
		Generation: snap.Generation,
		State:      snap.State(),
	})
}

func (s *Server) placeBet(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req events.PlaceBet
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(r.Context(), identity); err != nil {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
			return
		}
	}

	receipt, err := s.round.PlaceBet(r.Context(), identity, round.ItemsFromWire(req.Items))
	if err != nil {
		writeJSON(w, betStatus(err), map[string]string{"error": err.Error()})
		if !round.IsRejection(err) {
			s.log.Warn("bet failed", zap.String("identity", identity), zap.Error(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, BetResponse{
		Generation:  receipt.Generation,
		Identity:    receipt.Identity,
		Added:       receipt.Added,
		Contributed: receipt.Contributed,
		TotalValue:  receipt.TotalValue,
		Phase:       string(receipt.Phase),
	})
}

func betStatus(err error) int {
	switch {
	case errors.Is(err, round.ErrRoundSpinning), errors.Is(err, round.ErrDuplicateItem):
		return http.StatusConflict
	case round.IsRejection(err):
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}
