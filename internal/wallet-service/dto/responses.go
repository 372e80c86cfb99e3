package dto

type LoginResponse struct {
	Token     string `json:"token"`
	UID       string `json:"uid"`
	ExpiresAt int64  `json:"expiresAt"` // unix ms
}

type BalanceResponse struct {
	UID     string `json:"uid,omitempty"`
	Balance int64  `json:"balance"`
}

type WithdrawResponse struct {
	Balance      int64  `json:"balance"`
	WithdrawalID string `json:"wid"`
}

type LinkResponse struct {
	OK      bool   `json:"ok"`
	Address string `json:"address"`
}
