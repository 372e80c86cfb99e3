package round

import (
	"time"

	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// Snapshot é uma cópia independente da rodada, segura para uso fora do loop
type Snapshot struct {
	RoundID      string
	Generation   uint64
	Phase        Phase
	Participants []Participant
	TotalValue   float64
	EndsAt       time.Time
	Winner       string
}

func (r *Round) snapshot() Snapshot {
	ps := make([]Participant, len(r.Participants))
	for i, p := range r.Participants {
		ps[i] = p
		ps[i].Items = append([]StakeItem(nil), p.Items...)
	}
	return Snapshot{
		RoundID:      r.ID,
		Generation:   r.Generation,
		Phase:        r.Phase,
		Participants: ps,
		TotalValue:   r.TotalValue,
		EndsAt:       r.EndsAt,
		Winner:       r.Winner,
	}
}

// State converte o snapshot para o contrato enviado aos observadores
func (s Snapshot) State() events.State {
	st := events.State{
		Phase:        string(s.Phase),
		Participants: wireParticipants(s.Participants),
		TotalValue:   s.TotalValue,
	}
	if s.Phase == PhaseCountdown && !s.EndsAt.IsZero() {
		ms := s.EndsAt.UnixMilli()
		st.EndsAt = &ms
	}
	return st
}

func (r *Round) state() events.State {
	return r.snapshot().State()
}

// settled monta o registro de liquidação entregue ao Recorder
func (r *Round) settled(at time.Time) events.RoundSettled {
	ps := make([]events.SettledParticipant, len(r.Participants))
	for i, p := range r.Participants {
		ps[i] = events.SettledParticipant{
			Identity: p.Identity,
			Value:    p.ContributedValue,
			Items:    wireItems(p.Items),
		}
	}
	return events.RoundSettled{
		RoundID:      r.ID,
		Generation:   r.Generation,
		Winner:       r.Winner,
		Total:        r.TotalValue,
		Participants: ps,
		SettledAt:    at.UTC(),
		TsUnixMs:     at.UnixMilli(),
	}
}

func wireParticipants(ps []Participant) []events.Participant {
	out := make([]events.Participant, len(ps))
	for i, p := range ps {
		out[i] = wireParticipant(p)
	}
	return out
}

func wireParticipant(p Participant) events.Participant {
	return events.Participant{
		Identity:         p.Identity,
		ContributedValue: p.ContributedValue,
		Items:            wireItems(p.Items),
		DisplayColor:     p.DisplayColor,
	}
}

func wireItems(items []StakeItem) []events.StakeItem {
	out := make([]events.StakeItem, len(items))
	for i, it := range items {
		out[i] = events.StakeItem{ID: it.ID, DeclaredValue: it.DeclaredValue, DisplayRef: it.DisplayRef}
	}
	return out
}

// ItemsFromWire converte os itens recebidos de um transporte
func ItemsFromWire(items []events.StakeItem) []StakeItem {
	out := make([]StakeItem, len(items))
	for i, it := range items {
		out[i] = StakeItem{ID: it.ID, DeclaredValue: it.DeclaredValue, DisplayRef: it.DisplayRef}
	}
	return out
}
