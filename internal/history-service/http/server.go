package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/history"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	defaultTopN      = 10
)

// Store são as operações do histórico expostas pela API
type Store interface {
	List(limit int) []history.Record
	Len() int
	Top(n int) []history.Winner
	Player(identity string) history.PlayerStats
	Backup() (string, error)
	Clear() (string, error)
	Prune(days int) (history.PruneResult, error)
	Restore(id string) (int, error)
	BackupPath(id string) (string, error)
}

type Server struct {
	log   *zap.Logger
	store Store
	admin func(http.Handler) http.Handler
}

// NewServer monta a API; admin protege as rotas /admin/history
func NewServer(log *zap.Logger, store Store, admin func(http.Handler) http.Handler) *Server {
	return &Server{log: log.Named("http"), store: store, admin: admin}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/history", s.list)

	r.Route("/admin/history", func(r chi.Router) {
		r.Use(s.admin)
		r.Get("/download", s.download)
		r.Post("/clear", s.clear)
		r.Get("/top", s.top)
		r.Get("/player", s.player)
		r.Post("/backup", s.backup)
		r.Post("/prune", s.prune)
		r.Post("/restore", s.restore)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryInt lê um inteiro da query; ausente retorna def
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxListLimit)
	writeJSON(w, http.StatusOK, s.store.List(limit))
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	path, err := s.store.BackupPath(r.URL.Query().Get("id"))
	switch {
	case errors.Is(err, history.ErrInvalidBackupID):
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeErr(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, path)
}

func (s *Server) clear(w http.ResponseWriter, _ *http.Request) {
	name, err := s.store.Clear()
	if err != nil {
		s.log.Error("history clear failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "clear failed")
		return
	}
	s.log.Info("history cleared", zap.String("backup", name))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "backup": name})
}

func (s *Server) top(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", defaultTopN)
	if err != nil || n <= 0 {
		writeErr(w, http.StatusBadRequest, "invalid n")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Top(n))
}

func (s *Server) player(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := q.Get("identity")
	if identity == "" {
		identity = q.Get("name")
	}
	if identity == "" {
		writeErr(w, http.StatusBadRequest, "identity required")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Player(identity))
}

func (s *Server) backup(w http.ResponseWriter, _ *http.Request) {
	name, err := s.store.Backup()
	if err != nil {
		s.log.Error("history backup failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "backup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "backup": name, "records": s.store.Len()})
}

func (s *Server) prune(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days", 0)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid days")
		return
	}
	res, err := s.store.Prune(days)
	switch {
	case errors.Is(err, history.ErrInvalidDays):
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.log.Error("history prune failed", zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "prune failed")
		return
	}
	s.log.Info("history pruned", zap.Int("days", days), zap.Int("removed", res.Removed))
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeErr(w, http.StatusBadRequest, "id required")
		return
	}
	n, err := s.store.Restore(id)
	switch {
	case errors.Is(err, history.ErrInvalidBackupID):
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, history.ErrBackupNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.log.Error("history restore failed", zap.String("id", id), zap.Error(err))
		writeErr(w, http.StatusInternalServerError, "restore failed")
		return
	}
	s.log.Info("history restored", zap.String("id", id), zap.Int("records", n))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "restored": n})
}
