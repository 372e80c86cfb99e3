// Package gateway roteia a API pública para os serviços internos.
package gateway

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
)

// Targets são as URLs base dos upstreams
type Targets struct {
	Jackpot string
	History string
	Wallet  string
}

type Gateway struct {
	log *zap.Logger

	OnProxyError func(upstream string) // métricas
}

func New(log *zap.Logger) *Gateway {
	return &Gateway{log: log.Named("gateway")}
}

// Router monta as rotas:
//
//	/api/jackpot/*   -> jackpot-service  (sem o prefixo)
//	/ws              -> jackpot-service  (WebSocket)
//	/api/history     -> history-service  /history
//	/admin/history/* -> history-service
//	/api/wallet/*    -> wallet-service   /wallet/*
//	/api/auth/*      -> wallet-service   /auth/*
//	/admin/wallet/*  -> wallet-service   /admin/*
func (g *Gateway) Router(t Targets) (http.Handler, error) {
	jackpot, err := g.proxy("jackpot", t.Jackpot)
	if err != nil {
		return nil, err
	}
	history, err := g.proxy("history", t.History)
	if err != nil {
		return nil, err
	}
	wallet, err := g.proxy("wallet", t.Wallet)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(withCORS)

	r.Handle("/api/jackpot/*", rewrite("/api/jackpot", "", jackpot))
	r.Handle("/ws", jackpot)

	r.Handle("/api/history", rewrite("/api", "", history))
	r.Handle("/admin/history/*", history)

	r.Handle("/api/wallet/*", rewrite("/api", "", wallet))
	r.Handle("/api/auth/*", rewrite("/api", "", wallet))
	r.Handle("/admin/wallet/*", rewrite("/admin/wallet", "/admin", wallet))

	return r, nil
}

func (g *Gateway) proxy(name, target string) (*httputil.ReverseProxy, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid %s upstream %q", name, target)
	}
	rp := httputil.NewSingleHostReverseProxy(u)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.log.Warn("upstream error", zap.String("upstream", name), zap.String("path", r.URL.Path), zap.Error(err))
		if g.OnProxyError != nil {
			g.OnProxyError(name)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream unavailable"}`))
	}
	return rp, nil
}

// rewrite troca o prefixo strip por prefix antes de encaminhar
func rewrite(strip, prefix string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = prefix + strings.TrimPrefix(r.URL.Path, strip)
		r2.URL.RawPath = ""
		next.ServeHTTP(w, r2)
	})
}

var allowedHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	auth.HeaderInitData,
	auth.HeaderAdminToken,
	auth.HeaderDevIdentity,
}, ", ")

func withCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
