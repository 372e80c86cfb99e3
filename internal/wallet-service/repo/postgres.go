package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Tipos de transação do ledger
const (
	TxWithdraw = "withdraw"
	TxAdminAdd = "admin_add"
	TxAdminSub = "admin_sub"
)

const (
	WithdrawalPending = "pending"
	WithdrawalSent    = "sent"
	WithdrawalFailed  = "fail"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNoAddress         = errors.New("no linked address")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// Valores em nano unidades (1 TON = 1e9)
type Transaction struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"ts"`
}

type Withdrawal struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Amount    int64     `json:"amount"`
	To        string    `json:"to"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"ts"`
}

// Postgres implementa o ledger de carteira em banco
type Postgres struct{ db *sql.DB }

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

const schema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id      TEXT PRIMARY KEY,
	balance_nano BIGINT NOT NULL DEFAULT 0 CHECK (balance_nano >= 0),
	address      TEXT NOT NULL DEFAULT '',
	version      BIGINT NOT NULL DEFAULT 1,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS wallet_tx (
	id          BIGSERIAL PRIMARY KEY,
	user_id     TEXT NOT NULL,
	type        TEXT NOT NULL,
	amount_nano BIGINT NOT NULL,
	status      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS wallet_tx_user_idx ON wallet_tx(user_id, id DESC);
CREATE TABLE IF NOT EXISTS wallet_withdrawals (
	id          UUID PRIMARY KEY,
	user_id     TEXT NOT NULL,
	amount_nano BIGINT NOT NULL,
	to_address  TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);`

// EnsureSchema cria as tabelas se ainda não existirem
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure wallet schema: %w", err)
	}
	return nil
}

// GetBalance retorna o saldo; usuário sem carteira tem saldo zero
func (p *Postgres) GetBalance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	err := p.db.QueryRowContext(ctx, `SELECT balance_nano FROM wallets WHERE user_id=$1`, userID).Scan(&bal)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return bal, err
}

// lockWallet garante a linha da carteira e a trava para a transação corrente
func lockWallet(ctx context.Context, tx *sql.Tx, userID string) (balance int64, address string, err error) {
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO wallets(user_id) VALUES($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return 0, "", err
	}
	err = tx.QueryRowContext(ctx,
		`SELECT balance_nano, address FROM wallets WHERE user_id=$1 FOR UPDATE`, userID).Scan(&balance, &address)
	return balance, address, err
}

func insertTx(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, t Transaction) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO wallet_tx(user_id, type, amount_nano, status) VALUES($1,$2,$3,$4)`,
		t.UserID, t.Type, t.Amount, t.Status)
	return err
}

// Adjust soma delta ao saldo (ajuste administrativo) e registra admin_add/admin_sub.
// Saldo negativo é rejeitado com ErrInsufficientFunds.
func (p *Postgres) Adjust(ctx context.Context, userID string, delta int64) (int64, error) {
	if delta == 0 {
		return 0, ErrInvalidAmount
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	bal, _, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if bal+delta < 0 {
		return 0, ErrInsufficientFunds
	}
	bal += delta
	if _, err = tx.ExecContext(ctx,
		`UPDATE wallets SET balance_nano=$1, version=version+1, updated_at=now() WHERE user_id=$2`, bal, userID); err != nil {
		return 0, err
	}

	t := Transaction{UserID: userID, Type: TxAdminAdd, Amount: delta}
	if delta < 0 {
		t.Type, t.Amount = TxAdminSub, -delta
	}
	if err = insertTx(ctx, tx, t); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return bal, nil
}

// AppendTransaction registra uma linha no ledger sem mexer no saldo
func (p *Postgres) AppendTransaction(ctx context.Context, t Transaction) error {
	return insertTx(ctx, p.db, t)
}

// Withdraw debita o saldo e cria um saque pendente para o endereço vinculado
func (p *Postgres) Withdraw(ctx context.Context, userID string, amount int64) (Withdrawal, int64, error) {
	if amount <= 0 {
		return Withdrawal{}, 0, ErrInvalidAmount
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Withdrawal{}, 0, err
	}
	defer tx.Rollback()

	bal, addr, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return Withdrawal{}, 0, err
	}
	if bal < amount {
		return Withdrawal{}, 0, ErrInsufficientFunds
	}
	if addr == "" {
		return Withdrawal{}, 0, ErrNoAddress
	}

	bal -= amount
	if _, err = tx.ExecContext(ctx,
		`UPDATE wallets SET balance_nano=$1, version=version+1, updated_at=now() WHERE user_id=$2`, bal, userID); err != nil {
		return Withdrawal{}, 0, err
	}

	wd := Withdrawal{
		ID:     uuid.New().String(),
		UserID: userID,
		Amount: amount,
		To:     addr,
		Status: WithdrawalPending,
	}
	if err = tx.QueryRowContext(ctx,
		`INSERT INTO wallet_withdrawals(id, user_id, amount_nano, to_address, status)
		 VALUES($1,$2,$3,$4,$5) RETURNING created_at`,
		wd.ID, wd.UserID, wd.Amount, wd.To, wd.Status).Scan(&wd.CreatedAt); err != nil {
		return Withdrawal{}, 0, err
	}
	if err = insertTx(ctx, tx, Transaction{UserID: userID, Type: TxWithdraw, Amount: amount, Status: WithdrawalPending}); err != nil {
		return Withdrawal{}, 0, err
	}
	if err = tx.Commit(); err != nil {
		return Withdrawal{}, 0, err
	}
	return wd, bal, nil
}

// LinkAddress vincula (ou troca) o endereço de saque do usuário
func (p *Postgres) LinkAddress(ctx context.Context, userID, address string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO wallets(user_id, address) VALUES($1,$2)
		 ON CONFLICT (user_id) DO UPDATE SET address=EXCLUDED.address, updated_at=now()`,
		userID, address)
	return err
}

// ListTransactions retorna as últimas transações, mais recentes primeiro; userID vazio lista todas
func (p *Postgres) ListTransactions(ctx context.Context, userID string, limit int) ([]Transaction, error) {
	query := `SELECT id, user_id, type, amount_nano, status, created_at FROM wallet_tx`
	args := []any{limit}
	if userID != "" {
		query += ` WHERE user_id=$2`
		args = append(args, userID)
	}
	query += ` ORDER BY id DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListWithdrawals filtra por status (vazio = todos), mais recentes primeiro
func (p *Postgres) ListWithdrawals(ctx context.Context, statuses []string, limit int) ([]Withdrawal, error) {
	query := `SELECT id, user_id, amount_nano, to_address, status, created_at FROM wallet_withdrawals`
	args := []any{limit}
	if len(statuses) > 0 {
		query += ` WHERE status = ANY($2)`
		args = append(args, pq.Array(statuses))
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Withdrawal{}
	for rows.Next() {
		var w Withdrawal
		if err := rows.Scan(&w.ID, &w.UserID, &w.Amount, &w.To, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
