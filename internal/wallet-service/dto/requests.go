package dto

// Valores em nano unidades

type LoginRequest struct {
	InitData string `json:"initData"`
}

type WithdrawRequest struct {
	Amount int64 `json:"amount"`
}

type LinkRequest struct {
	Address string `json:"address"`
}

type AdjustRequest struct {
	UID   string `json:"uid"`
	Delta int64  `json:"delta"`
}
