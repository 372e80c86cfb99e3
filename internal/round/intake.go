package round

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// Receipt confirma uma aposta aceita
type Receipt struct {
	Generation  uint64
	Identity    string
	Added       float64 // valor desta aposta
	Contributed float64 // total do participante na rodada
	TotalValue  float64 // pote após a aposta
	Phase       Phase   // fase após reavaliar o limiar
}

// PlaceBet valida e aplica uma aposta como um passo atômico da máquina.
// Em caso de erro a rodada não é alterada. Identity deve ter sido verificada pelo transporte.
func (m *Machine) PlaceBet(ctx context.Context, identity string, items []StakeItem) (Receipt, error) {
	if err := validateBet(identity, items); err != nil {
		m.rejected(err)
		return Receipt{}, err
	}

	// cópia: o chamador pode reutilizar o slice
	owned := make([]StakeItem, len(items))
	copy(owned, items)

	reply := make(chan betResult, 1)
	if err := m.send(ctx, placeBet{ctx: ctx, identity: identity, items: owned, reply: reply}); err != nil {
		return Receipt{}, err
	}
	// na fila, a resposta do loop é a única verdade sobre a aposta
	select {
	case res := <-reply:
		return res.receipt, res.err
	case <-m.done:
		return Receipt{}, ErrMachineStopped
	}
}

// validateBet cobre as regras que não dependem do estado da rodada
func validateBet(identity string, items []StakeItem) error {
	if identity == "" {
		return ErrMissingIdentity
	}
	if len(items) == 0 {
		return ErrNoItems
	}
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it.ID == "" {
			return ErrMissingItemID
		}
		if math.IsNaN(it.DeclaredValue) || math.IsInf(it.DeclaredValue, 0) || it.DeclaredValue <= 0 {
			return fmt.Errorf("item %q: %w", it.ID, ErrInvalidValue)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("item %q: %w", it.ID, ErrDuplicateItem)
		}
		seen[it.ID] = struct{}{}
	}
	return nil
}

// applyBet roda no loop: valida contra a rodada, altera, reavalia a fase e transmite
func (m *Machine) applyBet(identity string, items []StakeItem) (Receipt, error) {
	r := m.round
	if r.Phase == PhaseSpinning {
		m.rejected(ErrRoundSpinning)
		return Receipt{}, ErrRoundSpinning
	}
	for _, it := range items {
		if r.hasItem(it.ID) {
			err := fmt.Errorf("item %q: %w", it.ID, ErrDuplicateItem)
			m.rejected(err)
			return Receipt{}, err
		}
	}

	i := r.join(identity)
	p := &r.Participants[i]
	var added float64
	for _, it := range items {
		p.Items = append(p.Items, it)
		r.itemIDs[it.ID] = struct{}{}
		added += it.DeclaredValue
	}
	p.ContributedValue += added
	r.TotalValue += added

	if !r.consistent() {
		m.violation("round totals inconsistent after bet", ErrInvariantViolation)
		return Receipt{}, ErrInvariantViolation
	}

	receipt := Receipt{
		Generation:  r.Generation,
		Identity:    identity,
		Added:       added,
		Contributed: p.ContributedValue,
		TotalValue:  r.TotalValue,
	}

	before := r.Phase
	m.evaluate()
	receipt.Phase = r.Phase

	m.emit(events.TypeState, r.state())
	if before == PhaseWaiting && r.Phase == PhaseCountdown {
		m.emit(events.TypeCountdownStart, events.CountdownStart{EndsAt: r.EndsAt.UnixMilli()})
	}

	m.log.Debug("bet accepted",
		zap.Uint64("generation", r.Generation),
		zap.String("identity", identity),
		zap.Int("items", len(items)),
		zap.Float64("added", added),
		zap.Float64("total", r.TotalValue),
	)
	if m.hooks.OnBetAccepted != nil {
		m.hooks.OnBetAccepted(added)
	}
	return receipt, nil
}

func (m *Machine) rejected(err error) {
	if m.hooks.OnBetRejected == nil {
		return
	}
	m.hooks.OnBetRejected(rejectReason(err))
}

// rejectReason é o rótulo de métrica para o erro
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingIdentity):
		return "missing_identity"
	case errors.Is(err, ErrNoItems):
		return "no_items"
	case errors.Is(err, ErrMissingItemID):
		return "missing_item_id"
	case errors.Is(err, ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, ErrDuplicateItem):
		return "duplicate_item"
	case errors.Is(err, ErrRoundSpinning):
		return "spinning"
	default:
		return "other"
	}
}
