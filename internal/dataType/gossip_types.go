package dataType

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// GossipMessage is the SendMessage request body exchanged between nodes.
type GossipMessage struct {
	MessageID  string  `json:"message_id"`  // opaque id, the only dedup key
	SenderAddr string  `json:"sender_addr"` // immediate sender, equals the receiver's own address for an originate
	SentAt     int64   `json:"sent_at"`     // unix nanoseconds at the sender
	Weight     float64 `json:"weight"`      // simulated latency of the edge it travelled, ms
	Round      int     `json:"round"`       // hop count since origination
}

type AckStatus string

const (
	AckInitiated  AckStatus = "initiated"
	AckPropagated AckStatus = "propagated"
	AckDuplicate  AckStatus = "duplicate"
	AckUpdated    AckStatus = "updated"
	AckRejected   AckStatus = "rejected"
	AckError      AckStatus = "error"
)

// Acknowledgment is returned by both RPCs. Failures are reported here, never as transport errors.
type Acknowledgment struct {
	Status AckStatus `json:"status"`
	Detail string    `json:"detail"`
}

func (a Acknowledgment) OK() bool {
	return a.Status != AckRejected && a.Status != AckError
}

// UpdateNeighborsRequest is the UpdateNeighbors request body.
type UpdateNeighborsRequest struct {
	Edges []NeighborEdge `json:"edges"`
}

type EventKind string

const (
	EventInitiate  EventKind = "initiate"
	EventReceived  EventKind = "received"
	EventDuplicate EventKind = "duplicate"
)

// GossipEvent is one sighting of a message at a node.
type GossipEvent struct {
	MessageID          string
	SenderAddr         string
	ReceiverAddr       string
	ReceivedAt         time.Time
	PropagationTime    *float64 // ms, only for received
	IncomingEdgeWeight *float64 // ms, absent for initiate
	Round              int
	Kind               EventKind
	Detail             string
}

// MarshalLogObject lets the event be written as one flat JSON line.
func (e GossipEvent) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("message_id", e.MessageID)
	enc.AddString("sender_addr", e.SenderAddr)
	enc.AddString("receiver_addr", e.ReceiverAddr)
	enc.AddInt64("received_at", e.ReceivedAt.UnixNano())
	if e.PropagationTime != nil {
		enc.AddFloat64("propagation_time", *e.PropagationTime)
	} else {
		_ = enc.AddReflected("propagation_time", nil)
	}
	if e.IncomingEdgeWeight != nil {
		enc.AddFloat64("incoming_edge_weight", *e.IncomingEdgeWeight)
	} else {
		_ = enc.AddReflected("incoming_edge_weight", nil)
	}
	enc.AddInt("round", e.Round)
	enc.AddString("event_kind", string(e.Kind))
	enc.AddString("detail", e.Detail)
	return nil
}
