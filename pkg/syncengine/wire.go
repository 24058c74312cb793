package syncengine

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
)

// Kind discriminates the small message vocabulary the engine exchanges
// over a Transport (spec.md §4.4).
type Kind string

const (
	KindSync     Kind = "sync"
	KindAck      Kind = "ack"
	KindPresence Kind = "presence"
	KindHeartbeat Kind = "heartbeat"
	KindResume   Kind = "resume"
)

// WireOp is one CRDT operation as carried on the wire: the collection and
// variant it targets plus the registry-encoded operation body (see
// crdt.Registry.EncodeOperation).
type WireOp struct {
	Collection string              `msgpack:"collection"`
	Variant    crdt.VariantTag     `msgpack:"variant"`
	RecordID   string              `msgpack:"record_id"`
	ID         ids.OperationId     `msgpack:"id"`
	Origin     ids.ReplicaId       `msgpack:"origin"`
	Body       []byte              `msgpack:"body"`
}

type syncPayload struct {
	Ops []WireOp `msgpack:"ops"`
}

type ackPayload struct {
	Replica ids.ReplicaId   `msgpack:"replica"`
	OpID    ids.OperationId `msgpack:"op_id"`
}

// Presence is the liveness/identity payload peers exchange (spec.md §4.4
// "On Presence(peer, presence)").
type Presence struct {
	Replica ids.ReplicaId `msgpack:"replica"`
	Online  bool          `msgpack:"online"`
}

type presencePayload struct {
	Presence Presence `msgpack:"presence"`
}

type heartbeatPayload struct {
	Replica ids.ReplicaId       `msgpack:"replica"`
	At      ids.LogicalTimestamp `msgpack:"at"`
}

// resumePayload asks Target to stream every self-originated op it holds
// with an OperationId greater than Cursor, in OperationId order, back to
// Requester (spec.md §4.4 "On connect: send Resume(cursor)...").
type resumePayload struct {
	Requester ids.ReplicaId   `msgpack:"requester"`
	Target    ids.ReplicaId   `msgpack:"target"`
	Cursor    ids.OperationId `msgpack:"cursor"`
}

// envelope is the single wire-level type actually sent over a Transport;
// Payload is re-decoded according to Kind.
type envelope struct {
	Kind    Kind   `msgpack:"kind"`
	Payload []byte `msgpack:"payload"`
}

func encodeEnvelope(kind Kind, payload any) ([]byte, error) {
	p, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("syncengine: encode %s payload: %w", kind, err)
	}
	return msgpack.Marshal(envelope{Kind: kind, Payload: p})
}

func decodeEnvelope(body []byte) (Kind, []byte, error) {
	var env envelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("syncengine: decode envelope: %w", err)
	}
	return env.Kind, env.Payload, nil
}
