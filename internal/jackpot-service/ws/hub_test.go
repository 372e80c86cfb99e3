package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radieske/jackpot-platform-poc/internal/round"
	"github.com/radieske/jackpot-platform-poc/internal/shared/auth"
	"github.com/radieske/jackpot-platform-poc/pkg/contracts/events"
)

// wire é a forma decodificada de events.Message no cliente
type wire struct {
	Type       string         `json:"type"`
	Generation uint64         `json:"generation"`
	Data       map[string]any `json:"data"`
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) error { return errors.New("rate limit exceeded") }

func newTestServer(t *testing.T, trustPayload bool, limiter Limiter) *httptest.Server {
	t.Helper()
	m := round.NewMachine(context.Background(), zap.NewNop(), round.Config{MinParticipants: 2})
	t.Cleanup(m.Stop)

	hub := NewHub(zap.NewNop(), m, auth.Resolver{}, limiter, nil)
	hub.TrustPayloadIdentity = trustPayload
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) wire {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg wire
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

// readUntil lê até encontrar typ, devolvendo também os tipos vistos antes
func readUntil(t *testing.T, conn *websocket.Conn, typ string) (wire, []string) {
	t.Helper()
	var seen []string
	for range 10 {
		msg := read(t, conn)
		if msg.Type == typ {
			return msg, seen
		}
		seen = append(seen, msg.Type)
	}
	t.Fatalf("never received %q, saw %v", typ, seen)
	return wire{}, nil
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var msg wire
	if err := conn.ReadJSON(&msg); err == nil {
		t.Fatalf("unexpected message %q", msg.Type)
	}
}

func send(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"type": typ, "data": data}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func betPayload(id string, value float64) map[string]any {
	return map[string]any{
		"items": []map[string]any{{"id": id, "declaredValue": value, "displayRef": "gift.png"}},
	}
}

func TestSnapshotFirstThenBroadcast(t *testing.T) {
	srv := newTestServer(t, false, nil)
	alice := dial(t, srv, "?identity=alice")
	watcher := dial(t, srv, "")

	if msg := read(t, alice); msg.Type != events.TypeState || msg.Data["phase"] != "WAITING" {
		t.Fatalf("first message = %+v", msg)
	}
	read(t, watcher)

	send(t, alice, events.TypePlaceBet, betPayload("g1", 12.5))

	ack, _ := readUntil(t, alice, events.TypeBetAccepted)
	if ack.Data["identity"] != "alice" || ack.Data["totalValue"] != 12.5 {
		t.Fatalf("ack = %+v", ack.Data)
	}

	st := read(t, watcher)
	if st.Type != events.TypeState || st.Data["totalValue"] != 12.5 {
		t.Fatalf("watcher got %+v", st)
	}
	ps := st.Data["participants"].([]any)
	if len(ps) != 1 || ps[0].(map[string]any)["identity"] != "alice" {
		t.Fatalf("participants = %v", ps)
	}
}

func TestRejectionGoesOnlyToSubmitter(t *testing.T) {
	srv := newTestServer(t, false, nil)
	alice := dial(t, srv, "?identity=alice")
	watcher := dial(t, srv, "")
	read(t, alice)
	read(t, watcher)

	send(t, alice, events.TypePlaceBet, betPayload("g1", -5))
	rej := read(t, alice)
	if rej.Type != events.TypeBetRejected || !strings.Contains(rej.Data["error"].(string), "finite positive") {
		t.Fatalf("rejection = %+v", rej)
	}
	expectSilence(t, watcher)
}

func TestAnonymousCannotBet(t *testing.T) {
	srv := newTestServer(t, false, nil)
	anon := dial(t, srv, "")
	read(t, anon)

	send(t, anon, events.TypePlaceBet, map[string]any{"identity": "mallory", "items": betPayload("g1", 1)["items"]})
	rej := read(t, anon)
	if rej.Type != events.TypeBetRejected || !strings.Contains(rej.Data["error"].(string), "unauthorized") {
		t.Fatalf("got %+v", rej)
	}
}

func TestPayloadIdentityTrustedInDevMode(t *testing.T) {
	srv := newTestServer(t, true, nil)
	conn := dial(t, srv, "")
	read(t, conn)

	send(t, conn, events.TypePlaceBet, map[string]any{"identity": "bob", "items": betPayload("g1", 3)["items"]})
	ack, _ := readUntil(t, conn, events.TypeBetAccepted)
	if ack.Data["identity"] != "bob" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestRateLimitedBetRejected(t *testing.T) {
	srv := newTestServer(t, false, denyAll{})
	conn := dial(t, srv, "?identity=alice")
	read(t, conn)

	send(t, conn, events.TypePlaceBet, betPayload("g1", 1))
	rej := read(t, conn)
	if rej.Type != events.TypeBetRejected || rej.Data["error"] != "rate limit exceeded" {
		t.Fatalf("got %+v", rej)
	}
}

func TestPingPongAndUnknownType(t *testing.T) {
	srv := newTestServer(t, false, nil)
	conn := dial(t, srv, "")
	read(t, conn)

	send(t, conn, events.TypePing, nil)
	if msg := read(t, conn); msg.Type != events.TypePong {
		t.Fatalf("got %q, want pong", msg.Type)
	}

	send(t, conn, "dance", nil)
	if msg := read(t, conn); msg.Type != events.TypeBetRejected {
		t.Fatalf("got %q, want betRejected", msg.Type)
	}
}

func TestFullDirectQueueClosesConnection(t *testing.T) {
	conns := make(chan *websocket.Conn, 1)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	peer := dial(t, srv, "")

	var serverConn *websocket.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never upgraded")
	}

	cfg := DefaultConfig()
	cfg.WriteWait = 50 * time.Millisecond
	hub := NewHub(zap.NewNop(), nil, auth.Resolver{}, nil, nil).WithConfig(cfg)

	// ninguém drena a fila: a resposta não cabe
	c := &client{id: "c1", conn: serverConn, direct: make(chan events.Message, 1), done: make(chan struct{})}
	c.direct <- events.Message{Type: events.TypePong}

	hub.reply(c, events.TypeBetAccepted, events.BetAccepted{Identity: "alice", TotalValue: 1})

	select {
	case <-c.done:
	default:
		t.Fatalf("connection kept open after reply could not be queued")
	}
	_ = peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := peer.ReadMessage(); err == nil {
		t.Fatalf("peer still connected")
	}
}
