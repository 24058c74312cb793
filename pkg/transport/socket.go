package transport

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// SocketConfig configures a SocketTransport's reconnect and heartbeat
// behavior (§4.3: "reconnection with capped exponential backoff (base
// 100ms, cap 5s, jitter ±10%); heartbeats every H seconds (default 30),
// liveness lost after 3 missed heartbeats").
type SocketConfig struct {
	URL                  string
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	HeartbeatInterval    time.Duration
	MissedHeartbeatLimit int
	Dialer               *websocket.Dialer
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeatLimit <= 0 {
		c.MissedHeartbeatLimit = 3
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	return c
}

// SocketTransport is the "Socket" variant (§4.3): a long-lived framed
// connection over a websocket, ordered-per-peer and duplex, with capped
// exponential backoff reconnection and heartbeat-based liveness.
type SocketTransport struct {
	statusBroadcaster

	cfg SocketConfig

	mu          sync.Mutex
	conn        *websocket.Conn
	closed      chan struct{}
	inbox       chan Message
	outbox      chan Message
	missedBeats int
}

func NewSocketTransport(cfg SocketConfig) *SocketTransport {
	t := &SocketTransport{
		cfg:    cfg.withDefaults(),
		closed: make(chan struct{}),
		inbox:  make(chan Message, 256),
		outbox: make(chan Message, 256),
	}
	t.init()
	return t
}

func (t *SocketTransport) Connect(ctx context.Context) error {
	t.set(Connecting)
	go t.run(ctx)
	return nil
}

// run owns the connection lifecycle: dial, then fan writer/reader/
// heartbeat goroutines, reconnecting with backoff on any failure. It
// exits once Disconnect closes t.closed.
func (t *SocketTransport) run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		conn, _, err := t.cfg.Dialer.DialContext(ctx, t.cfg.URL, nil)
		if err != nil {
			t.set(Degraded)
			if !t.sleepBackoff(ctx, attempt) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		t.mu.Lock()
		t.conn = conn
		t.missedBeats = 0
		t.mu.Unlock()
		t.set(Connected)

		t.serve(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()

		select {
		case <-t.closed:
			return
		default:
			t.set(Degraded)
		}
	}
}

// sleepBackoff waits base*2^attempt capped at cfg.BackoffCap, jittered
// ±10%, and reports false if ctx or t.closed fired first.
func (t *SocketTransport) sleepBackoff(ctx context.Context, attempt int) bool {
	d := t.cfg.BackoffBase << attempt
	if d > t.cfg.BackoffCap || d <= 0 {
		d = t.cfg.BackoffCap
	}
	jitter := time.Duration(float64(d) * 0.1 * (rand.Float64()*2 - 1))
	d += jitter
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-t.closed:
		return false
	}
}

// serve runs the read loop, write loop and heartbeat ticker for one
// connection, blocking until any of them observes a fatal error.
func (t *SocketTransport) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	go func() {
		defer stop()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case t.inbox <- Message{Body: data}:
			case <-done:
				return
			}
		}
	}()

	go func() {
		defer stop()
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
				t.mu.Lock()
				t.missedBeats++
				missed := t.missedBeats
				t.mu.Unlock()
				if missed > t.cfg.MissedHeartbeatLimit {
					return
				}
			case <-done:
				return
			}
		}
	}()
	conn.SetPongHandler(func(string) error {
		t.mu.Lock()
		t.missedBeats = 0
		t.mu.Unlock()
		return nil
	})

	go func() {
		defer stop()
		for {
			select {
			case msg := <-t.outbox:
				if err := conn.WriteMessage(websocket.BinaryMessage, msg.Body); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	case <-t.closed:
	}
	conn.Close()
	<-done
}

func (t *SocketTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	if conn != nil {
		conn.Close()
	}
	t.set(Disconnected)
	return nil
}

func (t *SocketTransport) Send(ctx context.Context, msg Message) error {
	if t.get() != Connected && t.get() != Degraded {
		return xerrors.New(xerrors.TransportUnavailable, "socket transport not connected")
	}
	select {
	case t.outbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *SocketTransport) Receive() <-chan Message { return t.inbox }

func (t *SocketTransport) StatusChanges() <-chan Status { return t.subscribe() }

func (t *SocketTransport) Status() Status { return t.get() }

func (t *SocketTransport) Capabilities() Capabilities {
	return Capabilities{Duplex: true, Broadcast: false, OrderedPerPeer: true, BinarySafe: true}
}
