package round

import (
	crand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand/v2"
)

// Source fornece números uniformes em [0, 1). *rand.Rand satisfaz a interface.
type Source interface {
	Float64() float64
}

// NewSource cria um PCG semeado pelo sistema operacional
func NewSource() *rand.Rand {
	var seed [16]byte
	if _, err := crand.Read(seed[:]); err != nil {
		// crypto/rand não falha em plataformas suportadas
		panic(err)
	}
	return rand.New(rand.NewPCG(
		binary.LittleEndian.Uint64(seed[:8]),
		binary.LittleEndian.Uint64(seed[8:]),
	))
}

// Select escolhe um participante com probabilidade proporcional à sua contribuição.
// Sorteia t em [0, total) e percorre as somas acumuladas na ordem de entrada,
// devolvendo o primeiro cuja soma alcança t. Se o arredondamento impedir, o último vence.
func Select(participants []Participant, total float64, src Source) (string, error) {
	if len(participants) == 0 {
		return "", ErrNoParticipants
	}
	if !(total > 0) || math.IsInf(total, 0) {
		return "", ErrEmptyPot
	}

	t := src.Float64() * total
	var acc float64
	for _, p := range participants {
		acc += p.ContributedValue
		if acc >= t {
			return p.Identity, nil
		}
	}
	return participants[len(participants)-1].Identity, nil
}
