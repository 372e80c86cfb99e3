package events

import "time"

// Evento publicado no tópico "round_settled" quando uma rodada é liquidada.
type RoundSettled struct {
	RoundID      string               `json:"round_id"`
	Generation   uint64               `json:"generation"`
	Winner       string               `json:"winner"`
	Total        float64              `json:"total"`
	Participants []SettledParticipant `json:"participants"`
	SettledAt    time.Time            `json:"settled_at"`
	TsUnixMs     int64                `json:"ts_unix_ms"`
}

type SettledParticipant struct {
	Identity string      `json:"identity"`
	Value    float64     `json:"value"`
	Items    []StakeItem `json:"items"`
}
