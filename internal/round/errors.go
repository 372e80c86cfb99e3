package round

import "errors"

// Erros de validação retornados a quem submeteu a aposta; nenhum deles altera a rodada
var (
	ErrMissingIdentity = errors.New("identity is required")
	ErrNoItems         = errors.New("bet must contain at least one item")
	ErrMissingItemID   = errors.New("item id is required")
	ErrInvalidValue    = errors.New("item value must be a finite positive number")
	ErrDuplicateItem   = errors.New("item already staked in this round")
	ErrRoundSpinning   = errors.New("round is spinning, bets are closed")
)

var (
	ErrNoParticipants = errors.New("no participants to select from")
	ErrEmptyPot       = errors.New("pot total must be a finite positive number")

	ErrInvariantViolation = errors.New("round total drifted from participant contributions")
	ErrMachineStopped     = errors.New("round machine stopped")
)

// IsRejection indica se err é uma recusa de aposta (erro do cliente, não do servidor)
func IsRejection(err error) bool {
	for _, target := range []error{
		ErrMissingIdentity, ErrNoItems, ErrMissingItemID,
		ErrInvalidValue, ErrDuplicateItem, ErrRoundSpinning,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
