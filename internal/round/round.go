// Package round implementa o ciclo de vida de uma rodada de jackpot:
// máquina de estados, sorteio ponderado e recebimento de apostas.
package round

import (
	"math"
	"time"
)

type Phase string

const (
	PhaseWaiting   Phase = "WAITING"
	PhaseCountdown Phase = "COUNTDOWN"
	PhaseSpinning  Phase = "SPINNING"
)

// palette das cores exibidas por participante, atribuídas pela ordem de entrada
var palette = [...]string{
	"#fee440", "#d4af37", "#8ac926", "#1982c4",
	"#ffca3a", "#6a4c93", "#d79a59", "#218380",
}

type StakeItem struct {
	ID            string
	DeclaredValue float64
	DisplayRef    string
}

type Participant struct {
	Identity         string
	ContributedValue float64
	Items            []StakeItem
	DisplayColor     string
}

// Round é o estado de uma geração. Só o goroutine da Machine lê ou altera.
type Round struct {
	ID           string
	Generation   uint64
	Phase        Phase
	Participants []Participant
	TotalValue   float64
	EndsAt       time.Time // zero fora de COUNTDOWN
	Winner       string    // definido ao entrar em SPINNING

	index   map[string]int      // identity -> posição em Participants
	itemIDs map[string]struct{} // itens já aceitos nesta geração
}

func newRound(id string, generation uint64) *Round {
	return &Round{
		ID:         id,
		Generation: generation,
		Phase:      PhaseWaiting,
		index:      make(map[string]int),
		itemIDs:    make(map[string]struct{}),
	}
}

// join retorna a posição do participante, criando-o na primeira aposta
func (r *Round) join(identity string) int {
	if i, ok := r.index[identity]; ok {
		return i
	}
	i := len(r.Participants)
	r.Participants = append(r.Participants, Participant{
		Identity:     identity,
		DisplayColor: palette[i%len(palette)],
	})
	r.index[identity] = i
	return i
}

func (r *Round) hasItem(id string) bool {
	_, ok := r.itemIDs[id]
	return ok
}

func (r *Round) participant(identity string) (Participant, bool) {
	i, ok := r.index[identity]
	if !ok {
		return Participant{}, false
	}
	return r.Participants[i], true
}

// consistent confere totalValue contra a soma das contribuições e cada contribuição contra seus itens
func (r *Round) consistent() bool {
	var sum float64
	for _, p := range r.Participants {
		var items float64
		for _, it := range p.Items {
			items += it.DeclaredValue
		}
		if !approxEqual(items, p.ContributedValue) {
			return false
		}
		sum += p.ContributedValue
	}
	return approxEqual(sum, r.TotalValue)
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
