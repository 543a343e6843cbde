package room

import (
	"context"
	"fmt"

	"github.com/atelierhq/livesync/pkg/errors"
)

// ErrNotConnected is returned by Send when there is no live relay
// connection. Senders that need reliability retry above this layer.
var ErrNotConnected = errors.New("not connected to relay")

// RefusedError is returned by Dial when the relay rejects the hello, for
// example because the identity is already present in the room.
type RefusedError struct {
	Reason string
}

func (err RefusedError) Error() string {
	return fmt.Sprintf("relay refused connection: %s", err.Reason)
}

// EventType enumerates the kinds of events a relay connection produces.
type EventType int

const (
	// PeerJoined reports that an identity is present in the room. The relay
	// replays one PeerJoined per existing peer right after connecting.
	PeerJoined EventType = iota

	// PeerLeft reports that an identity left the room.
	PeerLeft

	// PeerData carries a payload sent by another peer.
	PeerData
)

// Event is one occurrence on a relay connection.
type Event struct {
	Type EventType
	Peer Identity
	Data []byte
}

// Conn is an established relay connection scoped to one room and identity.
type Conn interface {
	// Events returns the stream of room events. The channel is closed when
	// the connection dies.
	Events() <-chan Event

	// Send delivers one payload to the peer with the given identity.
	Send(to Identity, payload []byte) error

	Close() error
}

// Dialer establishes relay connections. Implementations make a single
// attempt; Membership handles retries.
type Dialer interface {
	Dial(ctx context.Context, room string, id Identity) (Conn, error)
}
