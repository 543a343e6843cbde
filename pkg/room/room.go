// Package room tracks which peers are present in a shared editing session.
// It maintains the relay connection, reconnecting with exponential backoff,
// and fans room events out to registered observers.
//
// All observers are invoked from a single goroutine, so callbacks never run
// concurrently with each other and see events in arrival order.
package room

import (
	"context"
	"sort"
	"sync"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/livesync/pkg/errors"
)

// Membership tracks the peers present in one room.
type Membership struct {
	dialer Dialer
	room   string
	self   Identity

	mu     sync.Mutex
	peers  map[Identity]struct{}
	conn   Conn
	closed bool

	nextObserverID int
	joinObservers  map[int]func(Identity)
	leaveObservers map[int]func(Identity)
	dataObservers  map[int]func(Identity, []byte)
}

// NewMembership creates a membership for the given room. It doesn't connect
// until Join is called.
func NewMembership(dialer Dialer, roomName string, self Identity) *Membership {
	return &Membership{
		dialer:         dialer,
		room:           roomName,
		self:           self,
		peers:          map[Identity]struct{}{},
		joinObservers:  map[int]func(Identity){},
		leaveObservers: map[int]func(Identity){},
		dataObservers:  map[int]func(Identity, []byte){},
	}
}

// Self returns the identity this membership joined as.
func (m *Membership) Self() Identity {
	return m.self
}

// Peers returns the identities currently present in the room, sorted.
func (m *Membership) Peers() []Identity {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]Identity, 0, len(m.peers))
	for id := range m.peers {
		peers = append(peers, id)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// OnJoin registers an observer for peers entering the room. The returned
// function unregisters it.
func (m *Membership) OnJoin(fn func(Identity)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObserverID
	m.nextObserverID++
	m.joinObservers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.joinObservers, id)
	}
}

// OnLeave registers an observer for peers leaving the room. The returned
// function unregisters it.
func (m *Membership) OnLeave(fn func(Identity)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObserverID
	m.nextObserverID++
	m.leaveObservers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.leaveObservers, id)
	}
}

// OnData registers an observer for payloads sent by other peers. The
// returned function unregisters it.
func (m *Membership) OnData(fn func(Identity, []byte)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextObserverID
	m.nextObserverID++
	m.dataObservers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.dataObservers, id)
	}
}

// Join connects to the relay and keeps the connection alive until the
// context is canceled or Close is called. It blocks until the first
// connection succeeds so that callers know the roster is being received.
func (m *Membership) Join(ctx context.Context) error {
	conn, err := m.dial(ctx)
	if err != nil {
		return errors.WithContext(err, "connect to relay")
	}

	if !m.adopt(conn) {
		conn.Close()
		return errors.New("membership is closed")
	}
	go m.run(ctx, conn)
	return nil
}

// Send delivers one payload to the given peer. It fails with
// ErrNotConnected while the relay connection is down.
func (m *Membership) Send(to Identity, payload []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(to, payload)
}

// Close leaves the room and stops the reconnect loop.
func (m *Membership) Close() error {
	m.mu.Lock()
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (m *Membership) run(ctx context.Context, conn Conn) {
	for {
		m.drain(conn)

		// The connection died. Everyone is unreachable until we're back, so
		// report the whole roster as departed.
		m.clearPeers()

		m.mu.Lock()
		closed := m.closed
		m.conn = nil
		m.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		log.WithField("room", m.room).Info("Lost relay connection. Reconnecting.")
		newConn, err := m.dial(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to reconnect to relay")
			return
		}
		if !m.adopt(newConn) {
			newConn.Close()
			return
		}
		conn = newConn
	}
}

func (m *Membership) drain(conn Conn) {
	for event := range conn.Events() {
		switch event.Type {
		case PeerJoined:
			if event.Peer == m.self {
				continue
			}
			m.mu.Lock()
			_, known := m.peers[event.Peer]
			m.peers[event.Peer] = struct{}{}
			m.mu.Unlock()
			if !known {
				for _, fn := range m.copyJoinObservers() {
					fn(event.Peer)
				}
			}
		case PeerLeft:
			m.mu.Lock()
			_, known := m.peers[event.Peer]
			delete(m.peers, event.Peer)
			m.mu.Unlock()
			if known {
				for _, fn := range m.copyLeaveObservers() {
					fn(event.Peer)
				}
			}
		case PeerData:
			for _, fn := range m.copyDataObservers() {
				fn(event.Peer, event.Data)
			}
		}
	}
}

func (m *Membership) dial(ctx context.Context) (Conn, error) {
	var conn Conn
	connect := func() error {
		var err error
		conn, err = m.dialer.Dial(ctx, m.room, m.self)
		if err == nil {
			return nil
		}

		if _, refused := errors.RootCause(err).(RefusedError); refused {
			return backoff.Permanent(err)
		}
		log.WithError(err).Debug("Failed to connect to relay. Retrying.")
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if err := backoff.Retry(connect, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

// adopt installs the connection unless the membership was closed in the
// meantime, in which case the caller must close it.
func (m *Membership) adopt(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.conn = conn
	return true
}

func (m *Membership) clearPeers() {
	m.mu.Lock()
	departed := make([]Identity, 0, len(m.peers))
	for id := range m.peers {
		departed = append(departed, id)
	}
	m.peers = map[Identity]struct{}{}
	m.mu.Unlock()

	sort.Slice(departed, func(i, j int) bool { return departed[i] < departed[j] })
	for _, id := range departed {
		for _, fn := range m.copyLeaveObservers() {
			fn(id)
		}
	}
}

func (m *Membership) copyJoinObservers() []func(Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fns := make([]func(Identity), 0, len(m.joinObservers))
	for _, fn := range m.joinObservers {
		fns = append(fns, fn)
	}
	return fns
}

func (m *Membership) copyLeaveObservers() []func(Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fns := make([]func(Identity), 0, len(m.leaveObservers))
	for _, fn := range m.leaveObservers {
		fns = append(fns, fn)
	}
	return fns
}

func (m *Membership) copyDataObservers() []func(Identity, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fns := make([]func(Identity, []byte), 0, len(m.dataObservers))
	for _, fn := range m.dataObservers {
		fns = append(fns, fn)
	}
	return fns
}
