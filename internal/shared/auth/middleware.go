package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"

	"go.uber.org/zap"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	HeaderInitData    = "X-Telegram-Init-Data"
	HeaderAdminToken  = "X-Admin-Token"
	HeaderDevIdentity = "X-Identity"
)

// Resolver identifica o usuário de uma requisição.
// Ordem: Bearer (sessão), initData do Telegram e, só em modo dev, identidade declarada.
// Query params (token, initData, identity) cobrem clientes WebSocket que não enviam headers.
type Resolver struct {
	Sessions *Sessions
	Telegram *TelegramVerifier // nil = modo dev
}

func (res Resolver) DevMode() bool { return res.Telegram == nil }

func (res Resolver) Identify(r *http.Request) (string, error) {
	q := r.URL.Query()

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = q.Get("token")
	}
	if token != "" && res.Sessions != nil {
		return res.Sessions.Parse(token)
	}

	initData := r.Header.Get(HeaderInitData)
	if initData == "" {
		initData = q.Get("initData")
	}
	if res.Telegram != nil {
		u, err := res.Telegram.Verify(initData)
		if err != nil {
			return "", err
		}
		return u.Identity(), nil
	}

	if id := r.Header.Get(HeaderDevIdentity); id != "" {
		return id, nil
	}
	if id := q.Get("identity"); id != "" {
		return id, nil
	}
	return "", ErrUnauthenticated
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, ctxKey{}, identity)
}

// IdentityFrom retorna a identidade colocada por RequireUser
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// RequireUser rejeita com 401 requisições sem identidade válida
func RequireUser(res Resolver, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := res.Identify(r)
			if err != nil {
				log.Debug("unauthenticated request", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// AdminGuard autoriza administradores por token fixo ou por initData de um id listado
type AdminGuard struct {
	Token    string
	AdminIDs []string
	Telegram *TelegramVerifier
}

func (g AdminGuard) Allowed(r *http.Request) bool {
	if g.Token != "" {
		got := r.Header.Get(HeaderAdminToken)
		if subtle.ConstantTimeCompare([]byte(got), []byte(g.Token)) == 1 {
			return true
		}
	}
	if g.Telegram != nil && len(g.AdminIDs) > 0 {
		if u, err := g.Telegram.Verify(r.Header.Get(HeaderInitData)); err == nil {
			return slices.Contains(g.AdminIDs, u.Identity())
		}
	}
	return false
}

// RequireAdmin rejeita com 403 quem não passa no AdminGuard
func RequireAdmin(g AdminGuard, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Allowed(r) {
				log.Warn("admin access denied", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
