// Package relay espelha os eventos da rodada no Redis e os reproduz em réplicas somente leitura.
package relay

import (
	"encoding/json"
	"fmt"

	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// Envelope é um evento espelhado. Epoch identifica a instância do jackpot-service
// e Seq ordena os eventos dentro dela.
type Envelope struct {
	Epoch      string          `json:"epoch"`
	Seq        uint64          `json:"seq"`
	Type       string          `json:"type"`
	Generation uint64          `json:"generation"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Message devolve o envelope no formato enviado aos observadores
func (e Envelope) Message() events.Message {
	m := events.Message{Type: e.Type, Generation: e.Generation}
	if len(e.Data) > 0 {
		m.Data = e.Data
	}
	return m
}

// Snapshot é o estado projetado após o evento Seq; gravado na chave de estado
type Snapshot struct {
	Epoch      string       `json:"epoch"`
	Seq        uint64       `json:"seq"`
	Generation uint64       `json:"generation"`
	State      events.State `json:"state"`
}

// Projector reconstrói o estado da rodada a partir da sequência de eventos
type Projector struct {
	snap Snapshot
}

func NewProjector() *Projector {
	return &Projector{snap: Snapshot{State: events.State{Phase: "WAITING", Participants: []events.Participant{}}}}
}

func (p *Projector) Snapshot() Snapshot { return p.snap }

// Reset substitui o estado projetado
func (p *Projector) Reset(s Snapshot) {
	if s.State.Participants == nil {
		s.State.Participants = []events.Participant{}
	}
	p.snap = s
}

// Gap indica que env não é o sucessor imediato do último evento aplicado
func (p *Projector) Gap(env Envelope) bool {
	return env.Epoch != p.snap.Epoch || env.Seq != p.snap.Seq+1
}

// Stale indica um evento já refletido no estado atual
func (p *Projector) Stale(env Envelope) bool {
	return env.Epoch == p.snap.Epoch && env.Seq <= p.snap.Seq
}

// Apply avança o estado com env. Eventos antigos são ignorados (retorna false).
func (p *Projector) Apply(env Envelope) (bool, error) {
	if p.Stale(env) {
		return false, nil
	}

	st := p.snap.State
	switch env.Type {
	case events.TypeState:
		var next events.State
		if err := json.Unmarshal(env.Data, &next); err != nil {
			return false, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if next.Participants == nil {
			next.Participants = []events.Participant{}
		}
		st = next
	case events.TypeCountdownStart:
		var cs events.CountdownStart
		if err := json.Unmarshal(env.Data, &cs); err != nil {
			return false, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		st.Phase = "COUNTDOWN"
		st.EndsAt = &cs.EndsAt
	case events.TypeSpinStart:
		var ss events.SpinStart
		if err := json.Unmarshal(env.Data, &ss); err != nil {
			return false, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		st.Phase = "SPINNING"
		st.EndsAt = nil
		st.Participants = ss.Participants
	}

	p.snap = Snapshot{Epoch: env.Epoch, Seq: env.Seq, Generation: env.Generation, State: st}
	return true, nil
}

// StateMessage é o snapshot inicial entregue a um novo observador
func (p *Projector) StateMessage() events.Message {
	return events.Message{Type: events.TypeState, Generation: p.snap.Generation, Data: p.snap.State}
}
