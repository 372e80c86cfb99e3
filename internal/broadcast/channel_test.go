package broadcast

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

func msg(typ string, gen uint64) events.Message {
	return events.Message{Type: typ, Generation: gen}
}

func drain(sub *Subscription) []events.Message {
	var out []events.Message
	for {
		select {
		case m, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestAttachQueuesInitialSnapshotBeforeEvents(t *testing.T) {
	c := NewChannel(zap.NewNop(), 4)
	sub, err := c.Attach("a", msg(events.TypeState, 3))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	c.Publish(msg(events.TypeCountdownTick, 3))

	got := drain(sub)
	if len(got) != 2 || got[0].Type != events.TypeState || got[1].Type != events.TypeCountdownTick {
		t.Fatalf("got %+v", got)
	}
}

func TestAttachWithoutIDGeneratesOne(t *testing.T) {
	c := NewChannel(zap.NewNop(), 1)
	a, _ := c.Attach("", msg(events.TypeState, 0))
	b, _ := c.Attach("", msg(events.TypeState, 0))
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("ids %q %q", a.ID(), b.ID())
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestAttachSameIDReplacesPrevious(t *testing.T) {
	c := NewChannel(zap.NewNop(), 2)
	old, _ := c.Attach("a", msg(events.TypeState, 0))
	drain(old)
	fresh, _ := c.Attach("a", msg(events.TypeState, 0))

	if _, ok := <-old.C(); ok {
		t.Fatalf("old subscription should be closed")
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
	if got := drain(fresh); len(got) != 1 {
		t.Fatalf("fresh got %d messages", len(got))
	}
}

func TestPublishDropsFullSubscriber(t *testing.T) {
	drops := 0
	c := NewChannel(zap.NewNop(), 1)
	c.OnDrop = func() { drops++ }

	slow, _ := c.Attach("slow", msg(events.TypeState, 0))
	fast, _ := c.Attach("fast", msg(events.TypeState, 0))
	drain(fast)

	if n := c.Publish(msg(events.TypeCountdownTick, 0)); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if drops != 1 || c.Len() != 1 {
		t.Fatalf("drops=%d len=%d", drops, c.Len())
	}

	got := drain(slow)
	if len(got) != 1 || got[0].Type != events.TypeState {
		t.Fatalf("slow kept %+v", got)
	}
	if _, ok := <-slow.C(); ok {
		t.Fatalf("slow should be closed")
	}
}

func TestDetachAndClose(t *testing.T) {
	c := NewChannel(zap.NewNop(), 1)
	a, _ := c.Attach("a", msg(events.TypeState, 0))
	b, _ := c.Attach("b", msg(events.TypeState, 0))

	c.Detach("a")
	c.Detach("a")
	drain(a)
	if _, ok := <-a.C(); ok {
		t.Fatalf("a should be closed")
	}

	c.Close()
	c.Close()
	drain(b)
	if _, ok := <-b.C(); ok {
		t.Fatalf("b should be closed")
	}
	if _, err := c.Attach("c", msg(events.TypeState, 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
