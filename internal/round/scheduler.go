package round

import (
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type taskKind int

const (
	taskCountdown taskKind = iota // tick ou expiração da contagem
	taskSpinEnd
	taskReset
)

func (k taskKind) String() string {
	switch k {
	case taskCountdown:
		return "countdown"
	case taskSpinEnd:
		return "spin_end"
	case taskReset:
		return "reset"
	default:
		return "unknown"
	}
}

// task é o único agendamento pendente da máquina.
// gen e seq acompanham o disparo para que callbacks atrasados sejam descartados.
type task struct {
	gen   uint64
	seq   uint64
	kind  taskKind
	timer clockwork.Timer
	stop  chan struct{}
}

// taskFired é enviado pelo goroutine do timer para a inbox da máquina
type taskFired struct {
	gen  uint64
	seq  uint64
	kind taskKind
}

// schedule substitui o agendamento pendente por um novo, disparando após d
func (m *Machine) schedule(kind taskKind, d time.Duration) {
	m.cancelTask()
	if d < 0 {
		d = 0
	}

	m.seq++
	t := &task{
		gen:   m.round.Generation,
		seq:   m.seq,
		kind:  kind,
		timer: m.clock.NewTimer(d),
		stop:  make(chan struct{}),
	}
	m.task = t

	go func() {
		select {
		case <-t.timer.Chan():
			select {
			case m.inbox <- taskFired{gen: t.gen, seq: t.seq, kind: t.kind}:
			case <-t.stop:
			case <-m.ctx.Done():
			}
		case <-t.stop:
		case <-m.ctx.Done():
		}
	}()

	m.log.Debug("task scheduled",
		zap.Uint64("generation", t.gen),
		zap.Uint64("seq", t.seq),
		zap.Stringer("kind", kind),
		zap.Duration("in", d),
	)
}

// cancelTask para o timer pendente e libera o goroutine que o aguarda
func (m *Machine) cancelTask() {
	if m.task == nil {
		return
	}
	m.task.timer.Stop()
	close(m.task.stop)
	m.task = nil
}

// claim aceita o disparo apenas se ele corresponde ao agendamento pendente da geração atual
func (m *Machine) claim(f taskFired) bool {
	t := m.task
	if t == nil || f.gen != m.round.Generation || f.gen != t.gen || f.seq != t.seq || f.kind != t.kind {
		m.log.Debug("stale task discarded",
			zap.Uint64("generation", f.gen),
			zap.Uint64("seq", f.seq),
			zap.Stringer("kind", f.kind),
			zap.Uint64("current_generation", m.round.Generation),
		)
		return false
	}
	m.task = nil
	return true
}
