package room

import (
	"context"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/livesync/pkg/errors"
)

// WebsocketDialer connects to a livesync relay over websocket.
type WebsocketDialer struct {
	// URL is the base relay URL, e.g. ws://localhost:9900.
	URL string
}

// Dial connects to the relay, announces the identity, and waits for the
// relay to accept it.
func (d WebsocketDialer) Dial(ctx context.Context, roomName string, id Identity) (Conn, error) {
	endpoint := strings.TrimSuffix(d.URL, "/") + "/rooms"
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.WithContext(err, "dial relay")
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	hello := Frame{Type: FrameHello, Room: roomName, ID: id}
	if err := ws.WriteJSON(hello); err != nil {
		return nil, errors.WithContext(err, "announce identity")
	}

	var reply Frame
	if err := ws.ReadJSON(&reply); err != nil {
		return nil, errors.WithContext(err, "read welcome")
	}
	switch reply.Type {
	case FrameWelcome:
	case FrameRefused:
		return nil, RefusedError{Reason: reply.Reason}
	default:
		return nil, errors.New("unexpected frame before welcome")
	}

	success = true
	conn := &wsConn{
		ws:     ws,
		events: make(chan Event, 64),
		send:   make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	go conn.readPump()
	go conn.writePump()
	return conn, nil
}

type wsConn struct {
	ws     *websocket.Conn
	events chan Event
	send   chan Frame

	closeOnce sync.Once
	done      chan struct{}
}

func (c *wsConn) Events() <-chan Event {
	return c.events
}

func (c *wsConn) Send(to Identity, payload []byte) error {
	frame := Frame{Type: FrameData, To: to, Data: payload}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	// Closing the websocket unblocks the blocked read in readPump.
	return c.ws.Close()
}

func (c *wsConn) readPump() {
	defer func() {
		c.Close()
		close(c.events)
	}()

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return
		}

		switch frame.Type {
		case FrameJoined:
			c.events <- Event{Type: PeerJoined, Peer: frame.ID}
		case FrameLeft:
			c.events <- Event{Type: PeerLeft, Peer: frame.ID}
		case FrameData:
			c.events <- Event{Type: PeerData, Peer: frame.From, Data: frame.Data}
		default:
			log.WithField("type", frame.Type).Debug("Ignoring unknown frame from relay")
		}
	}
}

func (c *wsConn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.WriteJSON(frame); err != nil {
				log.WithError(err).Debug("Failed to write to relay")
				c.Close()
				return
			}
		}
	}
}
