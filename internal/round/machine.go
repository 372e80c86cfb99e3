package round

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/broadcast"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// Config define limiares e janelas de tempo da rodada
type Config struct {
	MinParticipants  int           // participantes para iniciar a contagem
	Countdown        time.Duration // duração da contagem, nunca estendida
	TickInterval     time.Duration // intervalo dos countdownTick
	SpinDuration     time.Duration // entre spinStart e spinEnd
	AnnounceDuration time.Duration // entre spinEnd e o reset
	InboxSize        int
	SubscriberBuffer int
}

func DefaultConfig() Config {
	return Config{
		MinParticipants:  2,
		Countdown:        45 * time.Second,
		TickInterval:     time.Second,
		SpinDuration:     6 * time.Second,
		AnnounceDuration: 3 * time.Second,
		InboxSize:        64,
		SubscriberBuffer: 64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinParticipants < 1 {
		c.MinParticipants = d.MinParticipants
	}
	if c.Countdown <= 0 {
		c.Countdown = d.Countdown
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.SpinDuration < 0 {
		c.SpinDuration = d.SpinDuration
	}
	if c.AnnounceDuration < 0 {
		c.AnnounceDuration = d.AnnounceDuration
	}
	if c.InboxSize <= 0 {
		c.InboxSize = d.InboxSize
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = d.SubscriberBuffer
	}
	return c
}

// Hooks para métricas; todos opcionais. OnBetRejected também é chamado pelo goroutine de quem aposta.
type Hooks struct {
	OnBetAccepted        func(value float64)
	OnBetRejected        func(reason string)
	OnCountdownStarted   func()
	OnSettled            func(total float64, participants int)
	OnReset              func(generation uint64)
	OnInvariantViolation func()
	OnSubscriberDropped  func()
}

// Recorder recebe cada rodada liquidada. Record não pode bloquear.
type Recorder interface {
	Record(events.RoundSettled)
}

// Publisher recebe cada evento emitido aos observadores, na mesma ordem (ex.: espelho no Redis).
// Publish não pode bloquear.
type Publisher interface {
	Publish(events.Message)
}

type Option func(*Machine)

func WithClock(c clockwork.Clock) Option { return func(m *Machine) { m.clock = c } }

func WithSource(src Source) Option { return func(m *Machine) { m.rng = src } }

func WithRecorder(r Recorder) Option { return func(m *Machine) { m.recorder = r } }

func WithPublisher(p Publisher) Option { return func(m *Machine) { m.mirror = p } }

func WithHooks(h Hooks) Option { return func(m *Machine) { m.hooks = h } }

// Machine é a dona exclusiva da rodada. Apostas, disparos de timer, inscrições e
// consultas passam pela inbox e são processados um a um pelo loop.
type Machine struct {
	cfg      Config
	log      *zap.Logger
	clock    clockwork.Clock
	rng      Source
	hub      *broadcast.Channel
	recorder Recorder
	mirror   Publisher
	hooks    Hooks

	inbox  chan machineMsg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// estado do loop
	round *Round
	task  *task
	seq   uint64
}

type machineMsg interface{ isMachineMsg() }

type placeBet struct {
	ctx      context.Context
	identity string
	items    []StakeItem
	reply    chan betResult
}

type betResult struct {
	receipt Receipt
	err     error
}

type subscribe struct {
	id    string
	reply chan subscribeResult
}

type subscribeResult struct {
	sub *broadcast.Subscription
	err error
}

type unsubscribe struct{ id string }

type getSnapshot struct{ reply chan Snapshot }

// inspect roda fn dentro do loop; usado em testes para ler ou corromper o estado sem corrida
type inspect struct {
	fn   func(*Round)
	done chan struct{}
}

func (placeBet) isMachineMsg()    {}
func (subscribe) isMachineMsg()   {}
func (unsubscribe) isMachineMsg() {}
func (getSnapshot) isMachineMsg() {}
func (inspect) isMachineMsg()     {}
func (taskFired) isMachineMsg()   {}

// NewMachine cria a máquina e inicia o loop; ele termina quando parent é cancelado ou Stop é chamado
func NewMachine(parent context.Context, log *zap.Logger, cfg Config, opts ...Option) *Machine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	m := &Machine{
		cfg:    cfg,
		log:    log.Named("round"),
		clock:  clockwork.NewRealClock(),
		inbox:  make(chan machineMsg, cfg.InboxSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = NewSource()
	}
	m.hub = broadcast.NewChannel(m.log, cfg.SubscriberBuffer)
	m.hub.OnDrop = m.hooks.OnSubscriberDropped
	m.round = newRound(uuid.NewString(), 0)

	go m.loop()
	return m
}

// Broadcast expõe o canal de observadores (Len para métricas)
func (m *Machine) Broadcast() *broadcast.Channel { return m.hub }

func (m *Machine) Done() <-chan struct{} { return m.done }

// Stop encerra o loop, cancela o agendamento pendente e desconecta os observadores
func (m *Machine) Stop() {
	m.cancel()
	<-m.done
}

// Subscribe registra um observador; o primeiro item recebido é sempre o snapshot atual
func (m *Machine) Subscribe(ctx context.Context, id string) (*broadcast.Subscription, error) {
	reply := make(chan subscribeResult, 1)
	if err := m.send(ctx, subscribe{id: id, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.sub, res.err
	case <-m.done:
		return nil, ErrMachineStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Machine) Unsubscribe(id string) {
	select {
	case m.inbox <- unsubscribe{id: id}:
	case <-m.done:
	}
}

// Snapshot retorna uma cópia do estado atual
func (m *Machine) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := m.send(ctx, getSnapshot{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-m.done:
		return Snapshot{}, ErrMachineStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (m *Machine) send(ctx context.Context, msg machineMsg) error {
	select {
	case m.inbox <- msg:
		return nil
	case <-m.done:
		return ErrMachineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) loop() {
	defer close(m.done)
	m.log.Info("round machine started",
		zap.Int("min_participants", m.cfg.MinParticipants),
		zap.Duration("countdown", m.cfg.Countdown),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.shutdown()
			return

		case msg := <-m.inbox:
			switch msg := msg.(type) {
			case placeBet:
				// chamador desistiu antes da vez: nada é aplicado
				if err := msg.ctx.Err(); err != nil {
					msg.reply <- betResult{err: err}
					continue
				}
				receipt, err := m.applyBet(msg.identity, msg.items)
				msg.reply <- betResult{receipt: receipt, err: err}

			case subscribe:
				sub, err := m.hub.Attach(msg.id, m.message(events.TypeState, m.round.state()))
				msg.reply <- subscribeResult{sub: sub, err: err}

			case unsubscribe:
				m.hub.Detach(msg.id)

			case getSnapshot:
				msg.reply <- m.round.snapshot()

			case inspect:
				msg.fn(m.round)
				close(msg.done)

			case taskFired:
				if m.claim(msg) {
					m.runTask(msg.kind)
				}
			}
		}
	}
}

func (m *Machine) shutdown() {
	m.cancelTask()
	m.hub.Close()
	m.log.Info("round machine stopped", zap.Uint64("generation", m.round.Generation))
}

func (m *Machine) runTask(kind taskKind) {
	switch kind {
	case taskCountdown:
		m.countdownStep()
	case taskSpinEnd:
		m.finishSpin()
	case taskReset:
		m.reset()
	}
}

// evaluate move WAITING para COUNTDOWN quando o limiar é atingido
func (m *Machine) evaluate() {
	r := m.round
	if r.Phase != PhaseWaiting || len(r.Participants) < m.cfg.MinParticipants || !(r.TotalValue > 0) {
		return
	}

	r.Phase = PhaseCountdown
	r.EndsAt = m.clock.Now().Add(m.cfg.Countdown)
	m.scheduleCountdownStep()

	m.log.Info("countdown started",
		zap.Uint64("generation", r.Generation),
		zap.Time("ends_at", r.EndsAt),
		zap.Int("participants", len(r.Participants)),
	)
	if m.hooks.OnCountdownStarted != nil {
		m.hooks.OnCountdownStarted()
	}
}

func (m *Machine) scheduleCountdownStep() {
	remaining := m.round.EndsAt.Sub(m.clock.Now())
	m.schedule(taskCountdown, min(m.cfg.TickInterval, remaining))
}

func (m *Machine) countdownStep() {
	remaining := m.round.EndsAt.Sub(m.clock.Now())
	if remaining <= 0 {
		m.startSpin()
		return
	}
	m.emit(events.TypeCountdownTick, events.CountdownTick{Remaining: remaining.Milliseconds()})
	m.scheduleCountdownStep()
}

// startSpin sorteia o vencedor uma única vez por geração
func (m *Machine) startSpin() {
	r := m.round
	winner, err := Select(r.Participants, r.TotalValue, m.rng)
	if err != nil {
		// contagem só começa com pote positivo; chegar aqui é estado corrompido
		m.violation("selection failed at countdown expiry", err)
		return
	}

	r.Phase = PhaseSpinning
	r.EndsAt = time.Time{}
	r.Winner = winner

	p, _ := r.participant(winner)
	m.emit(events.TypeSpinStart, events.SpinStart{
		Participants: wireParticipants(r.Participants),
		Winner:       wireParticipant(p),
	})
	m.log.Info("winner selected",
		zap.Uint64("generation", r.Generation),
		zap.String("winner", winner),
		zap.Float64("total", r.TotalValue),
	)
	m.schedule(taskSpinEnd, m.cfg.SpinDuration)
}

func (m *Machine) finishSpin() {
	r := m.round
	p, _ := r.participant(r.Winner)
	m.emit(events.TypeSpinEnd, events.SpinEnd{Winner: wireParticipant(p), Total: r.TotalValue})

	if m.recorder != nil {
		m.recorder.Record(r.settled(m.clock.Now()))
	}
	if m.hooks.OnSettled != nil {
		m.hooks.OnSettled(r.TotalValue, len(r.Participants))
	}
	m.schedule(taskReset, m.cfg.AnnounceDuration)
}

// reset descarta a rodada atual e inicia a próxima geração
func (m *Machine) reset() {
	m.cancelTask()
	m.round = newRound(uuid.NewString(), m.round.Generation+1)
	m.emit(events.TypeState, m.round.state())

	m.log.Info("round reset", zap.Uint64("generation", m.round.Generation))
	if m.hooks.OnReset != nil {
		m.hooks.OnReset(m.round.Generation)
	}
}

func (m *Machine) violation(msg string, err error) {
	m.log.Error(msg,
		zap.Error(err),
		zap.Uint64("generation", m.round.Generation),
		zap.Float64("total", m.round.TotalValue),
		zap.Int("participants", len(m.round.Participants)),
	)
	if m.hooks.OnInvariantViolation != nil {
		m.hooks.OnInvariantViolation()
	}
	m.reset()
}

func (m *Machine) message(typ string, data any) events.Message {
	return events.Message{Type: typ, Generation: m.round.Generation, Data: data}
}

// emit entrega o evento aos observadores locais e ao espelho, nessa ordem
func (m *Machine) emit(typ string, data any) {
	msg := m.message(typ, data)
	m.hub.Publish(msg)
	if m.mirror != nil {
		m.mirror.Publish(msg)
	}
}
