package transport

import (
	"context"
	"sync"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/xerrors"
)

// InMemoryTransport is the "InMemory" variant (§4.3): an ordered,
// broadcast, duplex loopback used for tests and for wiring two
// in-process replicas together (see cmd/replicad).
type InMemoryTransport struct {
	statusBroadcaster

	mu    sync.Mutex
	peers []*InMemoryTransport
	inbox chan Message
}

// NewInMemoryBus creates n InMemoryTransport endpoints, each broadcasting
// every Send to all the others -- the "broadcast: true" capability.
func NewInMemoryBus(n int) []*InMemoryTransport {
	out := make([]*InMemoryTransport, n)
	for i := range out {
		out[i] = &InMemoryTransport{inbox: make(chan Message, 256)}
		out[i].init()
	}
	for i := range out {
		for j := range out {
			if i != j {
				out[i].peers = append(out[i].peers, out[j])
			}
		}
	}
	return out
}

func (t *InMemoryTransport) Connect(context.Context) error {
	t.set(Connected)
	return nil
}

func (t *InMemoryTransport) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set(Disconnected)
	return nil
}

func (t *InMemoryTransport) Send(ctx context.Context, msg Message) error {
	if t.get() != Connected {
		return xerrors.New(xerrors.TransportUnavailable, "in-memory transport not connected")
	}
	t.mu.Lock()
	peers := append([]*InMemoryTransport(nil), t.peers...)
	t.mu.Unlock()
	for _, p := range peers {
		if p.get() != Connected {
			continue
		}
		select {
		case p.inbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *InMemoryTransport) Receive() <-chan Message { return t.inbox }

func (t *InMemoryTransport) StatusChanges() <-chan Status { return t.subscribe() }

func (t *InMemoryTransport) Status() Status { return t.get() }

func (t *InMemoryTransport) Capabilities() Capabilities {
	return Capabilities{Duplex: true, Broadcast: true, OrderedPerPeer: true, BinarySafe: true}
}
