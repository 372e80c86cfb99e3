// Package auth verifica identidades de usuários e administradores antes de chegarem aos serviços.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	ErrMissingInitData = errors.New("telegram init data missing")
	ErrBadSignature    = errors.New("telegram init data signature mismatch")
	ErrExpired         = errors.New("telegram init data expired")
	ErrNoUser          = errors.New("telegram init data has no user")
)

type TelegramUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Identity é o id Telegram como string, usado como identidade em todo o sistema
func (u TelegramUser) Identity() string { return strconv.FormatInt(u.ID, 10) }

// TelegramVerifier valida o initData de um WebApp do Telegram
type TelegramVerifier struct {
	secret []byte
	maxAge time.Duration
	clock  clockwork.Clock
}

// NewTelegramVerifier deriva a chave do token do bot; maxAge <= 0 desliga a checagem de idade
func NewTelegramVerifier(botToken string, maxAge time.Duration, clock clockwork.Clock) *TelegramVerifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TelegramVerifier{
		secret: webAppSecret(botToken),
		maxAge: maxAge,
		clock:  clock,
	}
}

// Verify confere a assinatura e a idade do initData e retorna o usuário
func (v *TelegramVerifier) Verify(initData string) (TelegramUser, error) {
	if initData == "" {
		return TelegramUser{}, ErrMissingInitData
	}
	values, err := url.ParseQuery(initData)
	if err != nil {
		return TelegramUser{}, fmt.Errorf("parse init data: %w", err)
	}

	got, err := hex.DecodeString(values.Get("hash"))
	if err != nil || !hmac.Equal(got, sign(v.secret, values)) {
		return TelegramUser{}, ErrBadSignature
	}

	if v.maxAge > 0 {
		ts, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil {
			return TelegramUser{}, fmt.Errorf("auth_date: %w", ErrExpired)
		}
		if v.clock.Now().Sub(time.Unix(ts, 0)) > v.maxAge {
			return TelegramUser{}, ErrExpired
		}
	}

	raw := values.Get("user")
	if raw == "" {
		return TelegramUser{}, ErrNoUser
	}
	var u TelegramUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil || u.ID == 0 {
		return TelegramUser{}, ErrNoUser
	}
	return u, nil
}

// SignInitData gera um initData assinado como o Telegram faria (simulador e testes)
func SignInitData(botToken string, values url.Values) string {
	out := url.Values{}
	for k, vs := range values {
		if k != "hash" {
			out[k] = vs
		}
	}
	out.Set("hash", hex.EncodeToString(sign(webAppSecret(botToken), out)))
	return out.Encode()
}

func webAppSecret(botToken string) []byte {
	mac := hmac.New(sha256.New, []byte("WebAppData"))
	mac.Write([]byte(botToken))
	return mac.Sum(nil)
}

// sign calcula o HMAC da data-check-string: pares k=v ordenados, sem hash, unidos por \n
func sign(secret []byte, values url.Values) []byte {
	pairs := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		pairs = append(pairs, k+"="+values.Get(k))
	}
	sort.Strings(pairs)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return mac.Sum(nil)
}
