package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/internal/wallet-service/dto"
	"github.com/radieske/jackpot-platform-poc/internal/wallet-service/repo"
)

// Repo define a interface de operações de carteira usadas pelo handler HTTP
type Repo interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	Adjust(ctx context.Context, userID string, delta int64) (int64, error)
	Withdraw(ctx context.Context, userID string, amount int64) (repo.Withdrawal, int64, error)
	LinkAddress(ctx context.Context, userID, address string) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]repo.Transaction, error)
	ListWithdrawals(ctx context.Context, statuses []string, limit int) ([]repo.Withdrawal, error)
}

// limites das listagens (padrão, máximo)
var (
	userTxLimit  = [2]int{50, 200}
	adminTxLimit = [2]int{100, 500}
)

const withdrawalsLimit = 200

// Server expõe endpoints HTTP para operações de carteira (wallet)
type Server struct {
	log      *zap.Logger
	repo     Repo
	sessions *auth.Sessions
	login    auth.Resolver
	users    func(http.Handler) http.Handler
	admin    func(http.Handler) http.Handler
}

// NewServer instancia o servidor HTTP de wallet.
// login identifica quem troca initData por sessão; users e admin protegem as rotas.
func NewServer(log *zap.Logger, r Repo, sessions *auth.Sessions, login auth.Resolver, users, admin func(http.Handler) http.Handler) *Server {
	return &Server{log: log.Named("http"), repo: r, sessions: sessions, login: login, users: users, admin: admin}
}

// Router retorna o router HTTP com as rotas da API de wallet
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/auth/telegram", s.authTelegram)

	r.Route("/wallet", func(r chi.Router) {
		r.Use(s.users)
		r.Get("/balance", s.balance)
		r.Post("/withdraw", s.withdraw)
		r.Post("/link", s.link)
		r.Get("/history", s.history)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.admin)
		r.Get("/balance", s.adminBalance)
		r.Post("/balance/adjust", s.adminAdjust)
		r.Get("/tx/list", s.adminTxList)
		r.Get("/tx/user", s.adminTxUser)
		r.Get("/withdrawals", s.adminWithdrawals)
	})
	return r
}

// writeJSON serializa e envia resposta JSON
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// limitFrom lê ?limit= aplicando padrão e teto
func limitFrom(r *http.Request, bounds [2]int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return bounds[0]
	}
	return min(n, bounds[1])
}

// authTelegram troca initData (header, query ou corpo) por um token de sessão
func (s *Server) authTelegram(w http.ResponseWriter, r *http.Request) {
	var req dto.LoginRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid body")
			return
		}
	}
	if req.InitData != "" {
		r.Header.Set(auth.HeaderInitData, req.InitData)
	}

	uid, err := s.login.Identify(r)
	if err != nil {
		s.log.Debug("telegram login rejected", zap.Error(err))
		writeErr(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	token, exp, err := s.sessions.Issue(uid)
	if err != nil {
		s.log.Error("issue session failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "session error")
		return
	}
	writeJSON(w, http.StatusOK, dto.LoginResponse{Token: token, UID: uid, ExpiresAt: exp.UnixMilli()})
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.IdentityFrom(r.Context())
	bal, err := s.repo.GetBalance(r.Context(), uid)
	if err != nil {
		s.internal(w, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, dto.BalanceResponse{Balance: bal})
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.IdentityFrom(r.Context())
	var req dto.WithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Amount <= 0 {
		writeErr(w, http.StatusBadRequest, "amount>0")
		return
	}

	wd, bal, err := s.repo.Withdraw(r.Context(), uid, req.Amount)
	switch {
	case errors.Is(err, repo.ErrInsufficientFunds), errors.Is(err, repo.ErrNoAddress), errors.Is(err, repo.ErrInvalidAmount):
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.internal(w, "withdraw", err)
		return
	}
	s.log.Info("withdrawal requested", zap.String("uid", uid), zap.Int64("amount", req.Amount), zap.String("wid", wd.ID))
	writeJSON(w, http.StatusOK, dto.WithdrawResponse{Balance: bal, WithdrawalID: wd.ID})
}

func (s *Server) link(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.IdentityFrom(r.Context())
	var req dto.LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid body")
		return
	}
	addr := strings.TrimSpace(req.Address)
	if addr == "" {
		writeErr(w, http.StatusBadRequest, "address required")
		return
	}
	if err := s.repo.LinkAddress(r.Context(), uid, addr); err != nil {
		s.internal(w, "link address", err)
		return
	}
	writeJSON(w, http.StatusOK, dto.LinkResponse{OK: true, Address: addr})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.IdentityFrom(r.Context())
	list, err := s.repo.ListTransactions(r.Context(), uid, limitFrom(r, userTxLimit))
	if err != nil {
		s.internal(w, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// uidParam exige ?uid=
func uidParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := strings.TrimSpace(r.URL.Query().Get("uid"))
	if uid == "" {
		writeErr(w, http.StatusBadRequest, "uid required")
		return "", false
	}
	return uid, true
}

func (s *Server) adminBalance(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(w, r)
	if !ok {
		return
	}
	bal, err := s.repo.GetBalance(r.Context(), uid)
	if err != nil {
		s.internal(w, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, dto.BalanceResponse{UID: uid, Balance: bal})
}

func (s *Server) adminAdjust(w http.ResponseWriter, r *http.Request) {
	var req dto.AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" || req.Delta == 0 {
		writeErr(w, http.StatusBadRequest, "uid & delta")
		return
	}
	bal, err := s.repo.Adjust(r.Context(), req.UID, req.Delta)
	switch {
	case errors.Is(err, repo.ErrInsufficientFunds):
		writeErr(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.internal(w, "adjust balance", err)
		return
	}
	s.log.Info("balance adjusted", zap.String("uid", req.UID), zap.Int64("delta", req.Delta), zap.Int64("balance", bal))
	writeJSON(w, http.StatusOK, dto.BalanceResponse{UID: req.UID, Balance: bal})
}

func (s *Server) adminTxList(w http.ResponseWriter, r *http.Request) {
	list, err := s.repo.ListTransactions(r.Context(), "", limitFrom(r, adminTxLimit))
	if err != nil {
		s.internal(w, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) adminTxUser(w http.ResponseWriter, r *http.Request) {
	uid, ok := uidParam(w, r)
	if !ok {
		return
	}
	list, err := s.repo.ListTransactions(r.Context(), uid, limitFrom(r, adminTxLimit))
	if err != nil {
		s.internal(w, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// adminWithdrawals aceita ?status=pending|sent|fail (separados por vírgula)
func (s *Server) adminWithdrawals(w http.ResponseWriter, r *http.Request) {
	var statuses []string
	for _, st := range strings.Split(r.URL.Query().Get("status"), ",") {
		if st = strings.TrimSpace(st); st != "" {
			statuses = append(statuses, st)
		}
	}
	list, err := s.repo.ListWithdrawals(r.Context(), statuses, withdrawalsLimit)
	if err != nil {
		s.internal(w, "list withdrawals", err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	writeErr(w, http.StatusInternalServerError, "internal error")
}
