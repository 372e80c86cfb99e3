package events

import "encoding/json"

// Tipos de mensagem trocados entre o jackpot-service e os observadores (WebSocket)
const (
	TypeState          = "state"
	TypeCountdownStart = "countdownStart"
	TypeCountdownTick  = "countdownTick"
	TypeSpinStart      = "spinStart"
	TypeSpinEnd        = "spinEnd"
	TypeBetRejected    = "betRejected"
	TypeBetAccepted    = "betAccepted"
	TypePong           = "pong"

	TypePlaceBet = "placeBet"
	TypePing     = "ping"
)

// Message é o envelope enviado aos observadores.
// Generation identifica a rodada a que o evento pertence.
type Message struct {
	Type       string `json:"type"`
	Generation uint64 `json:"generation"`
	Data       any    `json:"data,omitempty"`
}

// Inbound é o envelope recebido dos clientes; Data é decodificado conforme Type
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type StakeItem struct {
	ID            string  `json:"id"`
	DeclaredValue float64 `json:"declaredValue"`
	DisplayRef    string  `json:"displayRef"`
}

type Participant struct {
	Identity         string      `json:"identity"`
	ContributedValue float64     `json:"contributedValue"`
	Items            []StakeItem `json:"items"`
	DisplayColor     string      `json:"displayColor"`
}

// State é o snapshot completo da rodada. EndsAt (unix ms) só existe em COUNTDOWN.
type State struct {
	Phase        string        `json:"phase"`
	Participants []Participant `json:"participants"`
	TotalValue   float64       `json:"totalValue"`
	EndsAt       *int64        `json:"endsAt"`
}

type CountdownStart struct {
	EndsAt int64 `json:"endsAt"`
}

// CountdownTick carrega o tempo restante em milissegundos
type CountdownTick struct {
	Remaining int64 `json:"remaining"`
}

type SpinStart struct {
	Participants []Participant `json:"participants"`
	Winner       Participant   `json:"winner"`
}

type SpinEnd struct {
	Winner Participant `json:"winner"`
	Total  float64     `json:"total"`
}

// PlaceBet é o payload de entrada de uma aposta
type PlaceBet struct {
	Identity string      `json:"identity"`
	Items    []StakeItem `json:"items"`
}

type BetRejected struct {
	Error string `json:"error"`
}

type BetAccepted struct {
	Identity   string  `json:"identity"`
	TotalValue float64 `json:"totalValue"`
}
