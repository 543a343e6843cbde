// Package wire defines the envelope exchanged between peers over the room
// transport. Every payload is self-describing JSON so that any transport
// capable of carrying opaque bytes can carry the protocol.
package wire

import (
	"encoding/json"

	"github.com/atelierhq/livesync/pkg/errors"
)

// KindSync is the message kind used by the sync handshake. It is the only
// kind that may be sent to an expired peer, and the only kind a peer may
// broadcast while its own state is not up to date.
const KindSync = "sync"

// Sync handshake statuses carried in SyncPayload.Status.
const (
	// SyncAsk requests the remote peer's sync status.
	SyncAsk = "ask"
	// SyncRequest asks the elected master to consolidate with the git remote.
	SyncRequest = "request"
	// SyncExpired informs the remote peer that we expired it and that it
	// should re-handshake before sending anything else.
	SyncExpired = "expired"
	// SyncReply carries the sender's last recorded sync timestamp and
	// footprint in response to an ask.
	SyncReply = "reply"
)

// Message is a regular protocol message. Index is a strictly increasing,
// gapless sequence number assigned at send time, scoped to the
// (sender identity, receiver identity) pair and starting at 0.
type Message struct {
	Index uint64          `json:"index"`
	Kind  string          `json:"kind"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Receipt acknowledges exactly one Message index.
type Receipt struct {
	Receipt bool   `json:"receipt"`
	Index   uint64 `json:"index"`
}

// SyncPayload is the data carried by KindSync messages.
type SyncPayload struct {
	Status string `json:"status"`

	// Timestamp and Footprint are set on SyncReply: the sender's last
	// recorded git sync commit timestamp (unix seconds, 0 when it never
	// synced) and footprint.
	Timestamp int64  `json:"timestamp,omitempty"`
	Footprint string `json:"footprint,omitempty"`

	// StepIndex is the sender's current local edit step, so that followers
	// can track how far behind the master they are.
	StepIndex uint64 `json:"stepIndex,omitempty"`
}

// Encode serializes the message for the transport.
func (m Message) Encode() ([]byte, error) {
	if m.Kind == "" {
		return nil, errors.MissingFieldError{Field: "kind"}
	}
	return json.Marshal(m)
}

// Encode serializes the receipt for the transport.
func (r Receipt) Encode() ([]byte, error) {
	r.Receipt = true
	return json.Marshal(r)
}

// NewReceipt builds the acknowledgment for the given message index.
func NewReceipt(index uint64) Receipt {
	return Receipt{Receipt: true, Index: index}
}

// Decode parses a transport payload. Exactly one of the returned message and
// receipt is non-nil on success.
func Decode(data []byte) (*Message, *Receipt, error) {
	var probe struct {
		Receipt bool            `json:"receipt"`
		Index   uint64          `json:"index"`
		Kind    string          `json:"kind"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, errors.WithContext(err, "parse envelope")
	}

	if probe.Receipt {
		return nil, &Receipt{Receipt: true, Index: probe.Index}, nil
	}

	if probe.Kind == "" {
		return nil, nil, errors.MissingFieldError{Field: "kind"}
	}
	return &Message{Index: probe.Index, Kind: probe.Kind, Data: probe.Data}, nil, nil
}

// DecodeSyncPayload parses the data field of a KindSync message.
func DecodeSyncPayload(data json.RawMessage) (SyncPayload, error) {
	var payload SyncPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return SyncPayload{}, errors.WithContext(err, "parse sync payload")
	}
	if payload.Status == "" {
		return SyncPayload{}, errors.MissingFieldError{Field: "status"}
	}
	return payload, nil
}
