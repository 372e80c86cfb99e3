package round

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/broadcast"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

func testConfig() Config {
	return Config{
		MinParticipants:  2,
		Countdown:        3 * time.Second,
		TickInterval:     time.Second,
		SpinDuration:     6 * time.Second,
		AnnounceDuration: 3 * time.Second,
		SubscriberBuffer: 64,
	}
}

type chanRecorder chan events.RoundSettled

func (c chanRecorder) Record(s events.RoundSettled) { c <- s }

func newTestMachine(t *testing.T, cfg Config, opts ...Option) (*Machine, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts = append([]Option{WithClock(clock), WithSource(fixedSource(0.5))}, opts...)
	m := NewMachine(context.Background(), zap.NewNop(), cfg, opts...)
	t.Cleanup(m.Stop)
	return m, clock
}

func mustSubscribe(t *testing.T, m *Machine, id string) *broadcast.Subscription {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sub, err := m.Subscribe(ctx, id)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return sub
}

func recv(t *testing.T, sub *broadcast.Subscription) events.Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for event")
	}
	return events.Message{}
}

func recvType(t *testing.T, sub *broadcast.Subscription, typ string) events.Message {
	t.Helper()
	msg := recv(t, sub)
	if msg.Type != typ {
		t.Fatalf("event = %q, want %q", msg.Type, typ)
	}
	return msg
}

func recvNone(t *testing.T, sub *broadcast.Subscription) {
	t.Helper()
	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected event %q", msg.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func bet(t *testing.T, m *Machine, identity string, items ...StakeItem) Receipt {
	t.Helper()
	r, err := m.PlaceBet(context.Background(), identity, items)
	if err != nil {
		t.Fatalf("bet from %s: %v", identity, err)
	}
	return r
}

func item(id string, v float64) StakeItem {
	return StakeItem{ID: id, DeclaredValue: v, DisplayRef: "img/" + id + ".png"}
}

// advance espera o agendamento pendente existir antes de mover o relógio
func advance(t *testing.T, clock *clockwork.FakeClock, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("no pending timer: %v", err)
	}
	clock.Advance(d)
}

func snapshot(t *testing.T, m *Machine) Snapshot {
	t.Helper()
	s, err := m.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	bet(t, m, "alice", item("a1", 10))

	sub := mustSubscribe(t, m, "obs")
	msg := recvType(t, sub, events.TypeState)
	st := msg.Data.(events.State)
	if st.Phase != string(PhaseWaiting) || len(st.Participants) != 1 || st.TotalValue != 10 {
		t.Fatalf("unexpected snapshot: %+v", st)
	}
	if st.EndsAt != nil {
		t.Fatalf("endsAt must be absent while waiting")
	}
	if msg.Generation != 0 {
		t.Fatalf("generation = %d, want 0", msg.Generation)
	}
	recvNone(t, sub)
}

func TestScenarioACountdownStartsAtSecondBet(t *testing.T) {
	m, clock := newTestMachine(t, testConfig())
	sub := mustSubscribe(t, m, "obs")
	recvType(t, sub, events.TypeState)

	r := bet(t, m, "alice", item("a1", 10))
	if r.Phase != PhaseWaiting {
		t.Fatalf("phase after first bet = %s", r.Phase)
	}
	recvType(t, sub, events.TypeState)

	r = bet(t, m, "bob", item("b1", 30))
	if r.Phase != PhaseCountdown || r.TotalValue != 40 {
		t.Fatalf("receipt = %+v", r)
	}

	st := recvType(t, sub, events.TypeState).Data.(events.State)
	wantEnds := clock.Now().Add(3 * time.Second).UnixMilli()
	if st.EndsAt == nil || *st.EndsAt != wantEnds {
		t.Fatalf("state endsAt = %v, want %d", st.EndsAt, wantEnds)
	}
	if st.Participants[0].DisplayColor != palette[0] || st.Participants[1].DisplayColor != palette[1] {
		t.Fatalf("colors not assigned by join order: %+v", st.Participants)
	}

	cs := recvType(t, sub, events.TypeCountdownStart).Data.(events.CountdownStart)
	if cs.EndsAt != wantEnds {
		t.Fatalf("countdownStart endsAt = %d, want %d", cs.EndsAt, wantEnds)
	}
}

func TestScenarioBLateBetKeepsDeadline(t *testing.T) {
	// 0.9 * 60 = 54 cai na faixa de carol (40, 60]
	m, clock := newTestMachine(t, testConfig(), WithSource(fixedSource(0.9)))
	sub := mustSubscribe(t, m, "obs")
	recvType(t, sub, events.TypeState)

	bet(t, m, "alice", item("a1", 10))
	bet(t, m, "bob", item("b1", 30))
	recvType(t, sub, events.TypeState)
	st := recvType(t, sub, events.TypeState).Data.(events.State)
	deadline := *st.EndsAt
	recvType(t, sub, events.TypeCountdownStart)

	advance(t, clock, time.Second)
	tick := recvType(t, sub, events.TypeCountdownTick).Data.(events.CountdownTick)
	if tick.Remaining != 2000 {
		t.Fatalf("remaining = %d, want 2000", tick.Remaining)
	}

	r := bet(t, m, "carol", item("c1", 20))
	if r.TotalValue != 60 || r.Phase != PhaseCountdown {
		t.Fatalf("receipt = %+v", r)
	}
	st = recvType(t, sub, events.TypeState).Data.(events.State)
	if *st.EndsAt != deadline {
		t.Fatalf("deadline moved: %d -> %d", deadline, *st.EndsAt)
	}

	advance(t, clock, time.Second)
	recvType(t, sub, events.TypeCountdownTick)
	advance(t, clock, time.Second)

	spin := recvType(t, sub, events.TypeSpinStart).Data.(events.SpinStart)
	if len(spin.Participants) != 3 || spin.Winner.Identity != "carol" {
		t.Fatalf("spinStart = %+v", spin)
	}
	if spin.Winner.ContributedValue != 20 {
		t.Fatalf("winner payload = %+v", spin.Winner)
	}
}

func TestScenarioCBetDuringSpinRejected(t *testing.T) {
	rec := make(chanRecorder, 1)
	m, clock := newTestMachine(t, testConfig(), WithRecorder(rec))
	sub := mustSubscribe(t, m, "obs")
	recvType(t, sub, events.TypeState)

	bet(t, m, "alice", item("a1", 10))
	bet(t, m, "bob", item("b1", 30))
	recvType(t, sub, events.TypeState)
	recvType(t, sub, events.TypeState)
	recvType(t, sub, events.TypeCountdownStart)

	for range 2 {
		advance(t, clock, time.Second)
		recvType(t, sub, events.TypeCountdownTick)
	}
	advance(t, clock, time.Second)
	spin := recvType(t, sub, events.TypeSpinStart).Data.(events.SpinStart)

	_, err := m.PlaceBet(context.Background(), "carol", []StakeItem{item("c1", 100)})
	if !errors.Is(err, ErrRoundSpinning) {
		t.Fatalf("err = %v, want ErrRoundSpinning", err)
	}
	recvNone(t, sub)

	advance(t, clock, 6*time.Second)
	end := recvType(t, sub, events.TypeSpinEnd).Data.(events.SpinEnd)
	if end.Total != 40 || end.Winner.Identity != spin.Winner.Identity {
		t.Fatalf("spinEnd = %+v, spinStart winner %q", end, spin.Winner.Identity)
	}

	select {
	case settled := <-rec:
		if settled.Total != 40 || len(settled.Participants) != 2 || settled.Winner != spin.Winner.Identity {
			t.Fatalf("settled = %+v", settled)
		}
	case <-time.After(time.Second):
		t.Fatalf("round not recorded")
	}
}

func TestResetStartsNextGeneration(t *testing.T) {
	var resets atomic.Int32
	m, clock := newTestMachine(t, testConfig(), WithHooks(Hooks{
		OnReset: func(uint64) { resets.Add(1) },
	}))
	sub := mustSubscribe(t, m, "obs")
	recvType(t, sub, events.TypeState)

	bet(t, m, "alice", item("a1", 10))
	bet(t, m, "bob", item("b1", 30))
	for _, typ := range []string{events.TypeState, events.TypeState, events.TypeCountdownStart} {
		recvType(t, sub, typ)
	}
	for range 2 {
		advance(t, clock, time.Second)
		recvType(t, sub, events.TypeCountdownTick)
	}
	advance(t, clock, time.Second)
	recvType(t, sub, events.TypeSpinStart)
	advance(t, clock, 6*time.Second)
	recvType(t, sub, events.TypeSpinEnd)
	advance(t, clock, 3*time.Second)

	msg := recvType(t, sub, events.TypeState)
	st := msg.Data.(events.State)
	if msg.Generation != 1 || st.Phase != string(PhaseWaiting) || len(st.Participants) != 0 || st.TotalValue != 0 {
		t.Fatalf("after reset: gen=%d state=%+v", msg.Generation, st)
	}
	if resets.Load() != 1 {
		t.Fatalf("resets = %d", resets.Load())
	}

	// ids de itens valem por geração
	r := bet(t, m, "alice", item("a1", 5))
	if r.Generation != 1 || r.TotalValue != 5 {
		t.Fatalf("receipt = %+v", r)
	}
}

func TestCountdownStartsOnlyOnce(t *testing.T) {
	var started atomic.Int32
	cfg := testConfig()
	m, _ := newTestMachine(t, cfg, WithHooks(Hooks{
		OnCountdownStarted: func() { started.Add(1) },
	}))
	sub := mustSubscribe(t, m, "obs")
	recvType(t, sub, events.TypeState)

	bet(t, m, "alice", item("a1", 10))
	bet(t, m, "bob", item("b1", 30))
	bet(t, m, "carol", item("c1", 5))
	bet(t, m, "alice", item("a2", 1))

	var types []string
	for range 5 {
		types = append(types, recv(t, sub).Type)
	}
	want := []string{events.TypeState, events.TypeState, events.TypeCountdownStart, events.TypeState, events.TypeState}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	if started.Load() != 1 {
		t.Fatalf("countdown started %d times", started.Load())
	}
}

func TestPlaceBetValidation(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	bet(t, m, "alice", item("a1", 10))

	tests := []struct {
		name     string
		identity string
		items    []StakeItem
		want     error
	}{
		{"missing identity", "", []StakeItem{item("x", 1)}, ErrMissingIdentity},
		{"no items", "bob", nil, ErrNoItems},
		{"missing item id", "bob", []StakeItem{item("", 1)}, ErrMissingItemID},
		{"zero value", "bob", []StakeItem{item("x", 0)}, ErrInvalidValue},
		{"negative value", "bob", []StakeItem{item("x", -1)}, ErrInvalidValue},
		{"duplicate inside bet", "bob", []StakeItem{item("x", 1), item("x", 2)}, ErrDuplicateItem},
		{"item owned by other participant", "bob", []StakeItem{item("b1", 1), item("a1", 1)}, ErrDuplicateItem},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.PlaceBet(context.Background(), tc.identity, tc.items)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if !IsRejection(err) {
				t.Fatalf("IsRejection(%v) = false", err)
			}
		})
	}

	s := snapshot(t, m)
	if len(s.Participants) != 1 || s.TotalValue != 10 || len(s.Participants[0].Items) != 1 {
		t.Fatalf("rejected bets mutated the round: %+v", s)
	}
}

func TestRepeatBetsAccumulate(t *testing.T) {
	m, _ := newTestMachine(t, Config{MinParticipants: 5})
	bet(t, m, "alice", item("a1", 10))
	bet(t, m, "bob", item("b1", 2.5))
	r := bet(t, m, "alice", item("a2", 4), item("a3", 1))

	if r.Added != 5 || r.Contributed != 15 || r.TotalValue != 17.5 {
		t.Fatalf("receipt = %+v", r)
	}
	s := snapshot(t, m)
	if s.Participants[0].Identity != "alice" || len(s.Participants[0].Items) != 3 {
		t.Fatalf("participant order or items wrong: %+v", s.Participants)
	}
}

func TestConcurrentBetsAreAtomic(t *testing.T) {
	m, _ := newTestMachine(t, Config{MinParticipants: 1000})

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.PlaceBet(context.Background(), fmt.Sprintf("p%d", i%10), []StakeItem{item(fmt.Sprintf("i%d", i), 1)})
			if err != nil {
				t.Errorf("bet %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	s := snapshot(t, m)
	if s.TotalValue != n || len(s.Participants) != 10 {
		t.Fatalf("total=%v participants=%d", s.TotalValue, len(s.Participants))
	}
	seen := map[string]bool{}
	for _, p := range s.Participants {
		if seen[p.Identity] {
			t.Fatalf("duplicate participant %s", p.Identity)
		}
		seen[p.Identity] = true
	}
}

func TestStaleTaskIsDiscarded(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	sub := mustSubscribe(t, m, "obs")
	recvType(t, sub, events.TypeState)
	bet(t, m, "alice", item("a1", 10))
	recvType(t, sub, events.TypeState)

	// disparo de uma geração antiga e outro sem agendamento pendente
	m.inbox <- taskFired{gen: 7, seq: 1, kind: taskReset}
	m.inbox <- taskFired{gen: 0, seq: 99, kind: taskCountdown}

	s := snapshot(t, m)
	if s.Generation != 0 || s.Phase != PhaseWaiting || s.TotalValue != 10 {
		t.Fatalf("stale task changed the round: %+v", s)
	}
	recvNone(t, sub)
}

func TestInvariantViolationForcesReset(t *testing.T) {
	var violations atomic.Int32
	m, _ := newTestMachine(t, testConfig(), WithHooks(Hooks{
		OnInvariantViolation: func() { violations.Add(1) },
	}))
	bet(t, m, "alice", item("a1", 10))

	done := make(chan struct{})
	m.inbox <- inspect{fn: func(r *Round) { r.TotalValue += 3 }, done: done}
	<-done

	_, err := m.PlaceBet(context.Background(), "bob", []StakeItem{item("b1", 1)})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
	s := snapshot(t, m)
	if s.Generation != 1 || len(s.Participants) != 0 {
		t.Fatalf("round not reset: %+v", s)
	}
	if violations.Load() != 1 {
		t.Fatalf("violations = %d", violations.Load())
	}
}

func TestCancelledQueuedBetIsNotApplied(t *testing.T) {
	m, _ := newTestMachine(t, testConfig())
	bet(t, m, "alice", item("a1", 5))

	// segura o loop até a aposta estar na fila e o contexto cancelado
	running := make(chan struct{})
	release := make(chan struct{})
	held := make(chan struct{})
	m.inbox <- inspect{fn: func(*Round) { close(running); <-release }, done: held}
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		receipt Receipt
		err     error
	}
	out := make(chan result, 1)
	go func() {
		rc, err := m.PlaceBet(ctx, "bob", []StakeItem{item("b1", 10)})
		out <- result{rc, err}
	}()

	deadline := time.Now().Add(time.Second)
	for len(m.inbox) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("bet never reached the inbox")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	close(release)
	<-held

	var res result
	select {
	case res = <-out:
	case <-time.After(time.Second):
		t.Fatalf("PlaceBet did not return")
	}
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}

	s := snapshot(t, m)
	if s.TotalValue != 5 || len(s.Participants) != 1 {
		t.Fatalf("cancelled bet changed the round: %+v", s)
	}
	// os itens continuam livres para uma nova tentativa
	bet(t, m, "bob", item("b1", 10))
	if got := snapshot(t, m).TotalValue; got != 15 {
		t.Fatalf("total after retry = %v, want 15", got)
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.SubscriberBuffer = 1
	cfg.MinParticipants = 100
	m, _ := newTestMachine(t, cfg)

	slow := mustSubscribe(t, m, "slow")
	fast := mustSubscribe(t, m, "fast")
	recvType(t, fast, events.TypeState)

	bet(t, m, "alice", item("a1", 1))
	recvType(t, fast, events.TypeState)

	// slow ainda tem o snapshot na fila; o evento seguinte não coube
	recvType(t, slow, events.TypeState)
	select {
	case _, ok := <-slow.C():
		if ok {
			t.Fatalf("slow subscriber should have been closed")
		}
	case <-time.After(time.Second):
		t.Fatalf("slow subscriber not closed")
	}

	// reconectar entrega um snapshot novo
	again := mustSubscribe(t, m, "slow")
	st := recvType(t, again, events.TypeState).Data.(events.State)
	if st.TotalValue != 1 {
		t.Fatalf("fresh snapshot total = %v", st.TotalValue)
	}
}

func TestStopClosesSubscribersAndRejectsBets(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMachine(context.Background(), zap.NewNop(), testConfig(), WithClock(clock))
	sub := mustSubscribe(t, m, "obs")
	recvType(t, sub, events.TypeState)

	m.Stop()

	if _, ok := <-sub.C(); ok {
		t.Fatalf("subscription still open after stop")
	}
	if _, err := m.PlaceBet(context.Background(), "alice", []StakeItem{item("a1", 1)}); !errors.Is(err, ErrMachineStopped) {
		t.Fatalf("err = %v, want ErrMachineStopped", err)
	}
}
