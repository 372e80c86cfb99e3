package topics

const (
	// Rodadas
	RoundSettled = "round_settled"

	// DLQs
	RoundSettledDLQ = "round_settled_dlq"

	// Canais Redis Pub/Sub
	RoundBroadcast = "jackpot_round_broadcast"
)
