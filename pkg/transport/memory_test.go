package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/transport"
)

func TestInMemoryTransportBroadcastsToAllPeers(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewInMemoryBus(3)
	for _, peer := range bus {
		require.NoError(t, peer.Connect(ctx))
	}

	require.NoError(t, bus[0].Send(ctx, transport.Message{Body: []byte("hi")}))

	for _, peer := range bus[1:] {
		select {
		case msg := <-peer.Receive():
			require.Equal(t, "hi", string(msg.Body))
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast message")
		}
	}

	select {
	case <-bus[0].Receive():
		t.Fatal("sender must not receive its own broadcast")
	default:
	}
}

func TestInMemoryTransportRejectsSendWhenDisconnected(t *testing.T) {
	ctx := context.Background()
	bus := transport.NewInMemoryBus(2)
	err := bus[0].Send(ctx, transport.Message{Body: []byte("x")})
	require.Error(t, err)
}

func TestInMemoryTransportCapabilities(t *testing.T) {
	bus := transport.NewInMemoryBus(1)
	caps := bus[0].Capabilities()
	require.True(t, caps.Duplex)
	require.True(t, caps.Broadcast)
	require.True(t, caps.OrderedPerPeer)
}
