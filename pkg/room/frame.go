package room

import "encoding/json"

// Frame types exchanged with the relay.
const (
	// FrameHello is sent by a client immediately after connecting to
	// announce its room and identity.
	FrameHello = "hello"

	// FrameWelcome is the relay's acceptance of a hello. It is followed by
	// one FrameJoined per identity already present in the room.
	FrameWelcome = "welcome"

	// FrameRefused is the relay's rejection of a hello. The relay closes
	// the connection after sending it.
	FrameRefused = "refused"

	// FrameJoined announces that an identity is present in the room.
	FrameJoined = "joined"

	// FrameLeft announces that an identity left the room.
	FrameLeft = "left"

	// FrameData carries an opaque payload between two identities. Clients
	// set To; the relay rewrites it to From on delivery.
	FrameData = "data"
)

// Frame is the envelope exchanged between a client and the relay. The relay
// never inspects Data beyond routing it.
type Frame struct {
	Type   string          `json:"type"`
	Room   string          `json:"room,omitempty"`
	ID     Identity        `json:"id,omitempty"`
	To     Identity        `json:"to,omitempty"`
	From   Identity        `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`
}
