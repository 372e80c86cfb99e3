package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/internal/wallet-service/dto"
	"github.com/radieske/jackpot-platform-poc/internal/wallet-service/repo"
)

const (
	botToken   = "123:TEST"
	adminToken = "admin-s3cret"
)

// memRepo replica as regras do ledger Postgres em memória
type memRepo struct {
	mu          sync.Mutex
	balances    map[string]int64
	addrs       map[string]string
	txs         []repo.Transaction
	withdrawals []repo.Withdrawal
	lastLimit   int
}

func newMemRepo() *memRepo {
	return &memRepo{balances: map[string]int64{}, addrs: map[string]string{}}
}

func (m *memRepo) GetBalance(_ context.Context, uid string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[uid], nil
}

func (m *memRepo) Adjust(_ context.Context, uid string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[uid]+delta < 0 {
		return 0, repo.ErrInsufficientFunds
	}
	m.balances[uid] += delta
	t := repo.Transaction{ID: int64(len(m.txs) + 1), UserID: uid, Type: repo.TxAdminAdd, Amount: delta}
	if delta < 0 {
		t.Type, t.Amount = repo.TxAdminSub, -delta
	}
	m.txs = append(m.txs, t)
	return m.balances[uid], nil
}

func (m *memRepo) Withdraw(_ context.Context, uid string, amount int64) (repo.Withdrawal, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[uid] < amount {
		return repo.Withdrawal{}, 0, repo.ErrInsufficientFunds
	}
	if m.addrs[uid] == "" {
		return repo.Withdrawal{}, 0, repo.ErrNoAddress
	}
	m.balances[uid] -= amount
	wd := repo.Withdrawal{ID: "wd-" + strconv.Itoa(len(m.withdrawals)+1), UserID: uid, Amount: amount, To: m.addrs[uid], Status: repo.WithdrawalPending}
	m.withdrawals = append(m.withdrawals, wd)
	m.txs = append(m.txs, repo.Transaction{ID: int64(len(m.txs) + 1), UserID: uid, Type: repo.TxWithdraw, Amount: amount, Status: repo.WithdrawalPending})
	return wd, m.balances[uid], nil
}

func (m *memRepo) LinkAddress(_ context.Context, uid, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs[uid] = addr
	return nil
}

func (m *memRepo) ListTransactions(_ context.Context, uid string, limit int) ([]repo.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	out := []repo.Transaction{}
	for i := len(m.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if uid == "" || m.txs[i].UserID == uid {
			out = append(out, m.txs[i])
		}
	}
	return out, nil
}

func (m *memRepo) ListWithdrawals(_ context.Context, statuses []string, limit int) ([]repo.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []repo.Withdrawal{}
	for i := len(m.withdrawals) - 1; i >= 0 && len(out) < limit; i-- {
		if len(statuses) == 0 || slices.Contains(statuses, m.withdrawals[i].Status) {
			out = append(out, m.withdrawals[i])
		}
	}
	return out, nil
}

type fixture struct {
	h     http.Handler
	repo  *memRepo
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	sessions := auth.NewSessions("jwt-secret", 30*24*time.Hour, clock)
	tg := auth.NewTelegramVerifier(botToken, 24*time.Hour, clock)
	log := zap.NewNop()

	users := auth.RequireUser(auth.Resolver{Sessions: sessions, Telegram: tg}, log)
	admin := auth.RequireAdmin(auth.AdminGuard{Token: adminToken}, log)
	r := newMemRepo()
	srv := NewServer(log, r, sessions, auth.Resolver{Telegram: tg}, users, admin)
	return fixture{h: srv.Router(), repo: r, clock: clock}
}

func (f fixture) initData(uid int64) string {
	v := url.Values{}
	v.Set("auth_date", strconv.FormatInt(f.clock.Now().Unix(), 10))
	v.Set("user", `{"id":`+strconv.FormatInt(uid, 10)+`}`)
	return auth.SignInitData(botToken, v)
}

func (f fixture) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f fixture) login(t *testing.T, uid int64) map[string]string {
	t.Helper()
	body, _ := json.Marshal(dto.LoginRequest{InitData: f.initData(uid)})
	rec := f.do(http.MethodPost, "/auth/telegram", string(body), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d body = %s", rec.Code, rec.Body)
	}
	var resp dto.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.UID != strconv.FormatInt(uid, 10) || resp.ExpiresAt != f.clock.Now().Add(30*24*time.Hour).UnixMilli() {
		t.Fatalf("login = %+v", resp)
	}
	return map[string]string{"Authorization": "Bearer " + resp.Token}
}

var asAdmin = map[string]string{auth.HeaderAdminToken: adminToken}

func TestLoginRejectsBadInitData(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodPost, "/auth/telegram", `{"initData":"user=%7B%22id%22%3A1%7D&hash=00"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/wallet/balance", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("balance without auth = %d", rec.Code)
	}
}

func TestWithdrawFlow(t *testing.T) {
	f := newFixture(t)
	user := f.login(t, 42)

	// initData direto também autentica as rotas de usuário
	rec := f.do(http.MethodGet, "/wallet/balance", "", map[string]string{auth.HeaderInitData: f.initData(42)})
	if rec.Code != http.StatusOK {
		t.Fatalf("balance status = %d", rec.Code)
	}

	if rec := f.do(http.MethodPost, "/admin/balance/adjust", `{"uid":"42","delta":1000}`, asAdmin); rec.Code != http.StatusOK {
		t.Fatalf("adjust status = %d", rec.Code)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"zero amount", `{"amount":0}`, http.StatusBadRequest},
		{"no address", `{"amount":100}`, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if rec := f.do(http.MethodPost, "/wallet/withdraw", tc.body, user); rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}

	if rec := f.do(http.MethodPost, "/wallet/link", `{"address":"  UQabc  "}`, user); rec.Code != http.StatusOK {
		t.Fatalf("link status = %d", rec.Code)
	}
	if f.repo.addrs["42"] != "UQabc" {
		t.Fatalf("address = %q", f.repo.addrs["42"])
	}

	if rec := f.do(http.MethodPost, "/wallet/withdraw", `{"amount":5000}`, user); rec.Code != http.StatusBadRequest {
		t.Fatalf("overdraft status = %d", rec.Code)
	}

	rec = f.do(http.MethodPost, "/wallet/withdraw", `{"amount":300}`, user)
	var wd dto.WithdrawResponse
	if err := json.NewDecoder(rec.Body).Decode(&wd); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK || wd.Balance != 700 || wd.WithdrawalID == "" {
		t.Fatalf("withdraw = %d %+v", rec.Code, wd)
	}

	rec = f.do(http.MethodGet, "/wallet/history", "", user)
	var txs []repo.Transaction
	_ = json.NewDecoder(rec.Body).Decode(&txs)
	if len(txs) != 2 || txs[0].Type != repo.TxWithdraw || txs[1].Type != repo.TxAdminAdd {
		t.Fatalf("history = %+v", txs)
	}

	rec = f.do(http.MethodGet, "/admin/withdrawals?status=pending", "", asAdmin)
	var wds []repo.Withdrawal
	_ = json.NewDecoder(rec.Body).Decode(&wds)
	if len(wds) != 1 || wds[0].To != "UQabc" || wds[0].Amount != 300 {
		t.Fatalf("withdrawals = %+v", wds)
	}
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(http.MethodGet, "/admin/balance?uid=7", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("no token status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/admin/balance", "", asAdmin); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing uid status = %d", rec.Code)
	}

	f.do(http.MethodPost, "/admin/balance/adjust", `{"uid":"7","delta":50}`, asAdmin)
	if rec := f.do(http.MethodPost, "/admin/balance/adjust", `{"uid":"7","delta":-80}`, asAdmin); rec.Code != http.StatusConflict {
		t.Fatalf("negative balance status = %d", rec.Code)
	}
	rec := f.do(http.MethodPost, "/admin/balance/adjust", `{"uid":"7","delta":-20}`, asAdmin)
	var bal dto.BalanceResponse
	_ = json.NewDecoder(rec.Body).Decode(&bal)
	if bal.UID != "7" || bal.Balance != 30 {
		t.Fatalf("adjust = %+v", bal)
	}

	limits := []struct {
		target string
		want   int
	}{
		{"/admin/tx/list", 100},
		{"/admin/tx/list?limit=10", 10},
		{"/admin/tx/list?limit=9999", 500},
		{"/admin/tx/user?uid=7&limit=abc", 100},
	}
	for _, tc := range limits {
		if rec := f.do(http.MethodGet, tc.target, "", asAdmin); rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", tc.target, rec.Code)
		}
		if f.repo.lastLimit != tc.want {
			t.Errorf("%s limit = %d, want %d", tc.target, f.repo.lastLimit, tc.want)
		}
	}

	rec = f.do(http.MethodGet, "/admin/tx/user?uid=7", "", asAdmin)
	var txs []repo.Transaction
	_ = json.NewDecoder(rec.Body).Decode(&txs)
	if len(txs) != 2 || txs[0].Type != repo.TxAdminSub || txs[0].Amount != 20 {
		t.Fatalf("tx/user = %+v", txs)
	}
}

func TestUserHistoryLimit(t *testing.T) {
	f := newFixture(t)
	user := f.login(t, 5)
	for _, tc := range []struct {
		q    string
		want int
	}{{"", 50}, {"?limit=300", 200}} {
		f.do(http.MethodGet, "/wallet/history"+tc.q, "", user)
		if f.repo.lastLimit != tc.want {
			t.Errorf("limit%s = %d, want %d", tc.q, f.repo.lastLimit, tc.want)
		}
	}
}
