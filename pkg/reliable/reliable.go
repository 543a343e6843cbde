// Package reliable delivers messages to remote identities in strict
// sequence order, exactly once as far as the application can tell, over a
// transport that may drop, duplicate, or reorder payloads. Loss is repaired
// by resending until a receipt arrives; duplicates are filtered by sequence
// index on the receiving side.
//
// Bookkeeping is kept per remote identity, not per connection, so a peer
// that reconnects resumes its sequence instead of starting fresh. Sessions
// survive disconnects; only expiry tears their state down.
package reliable

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/livesync/pkg/room"
	"github.com/atelierhq/livesync/pkg/wire"
)

const (
	// sweepInterval is how often unacknowledged messages are examined.
	sweepInterval = 2500 * time.Millisecond

	// resendAfter is how long a message may sit unacknowledged before it
	// is retransmitted.
	resendAfter = 5 * time.Second

	// maxAttempts is the send count beyond which an unresponsive peer is
	// expired wholesale, which works out to roughly a minute of ignored
	// retries.
	maxAttempts = 12
)

// Sender is the outbound half of the room transport.
type Sender interface {
	Send(to room.Identity, payload []byte) error
}

// Handler receives messages in strictly increasing index order per sender,
// with no gaps. It is never invoked concurrently for the same sender.
type Handler func(from room.Identity, msg wire.Message)

// pendingMessage tracks one transmitted message until its receipt arrives.
type pendingMessage struct {
	message  wire.Message
	sentAt   time.Time
	attempts int
}

// session holds the channel bookkeeping for one remote identity. The send
// and receive halves are locked independently: the handler runs under the
// receive lock and must be able to send without deadlocking.
type session struct {
	sendMu    sync.Mutex
	nextIndex uint64
	pending   map[uint64]*pendingMessage
	expired   bool

	recvMu       sync.Mutex
	buffer       map[uint64]wire.Message
	nextExpected uint64
}

// Channel multiplexes reliable per-identity message streams over one lossy
// transport.
type Channel struct {
	sender  Sender
	handler Handler
	clock   clockwork.Clock

	mu              sync.Mutex
	sessions        map[room.Identity]*session
	nextObserverID  int
	expiryObservers map[int]func(room.Identity)

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a channel that sends through the given sender and dispatches
// inbound messages to the handler. The retry sweep starts immediately.
func New(sender Sender, handler Handler) *Channel {
	return newWithClock(sender, handler, clockwork.NewRealClock())
}

func newWithClock(sender Sender, handler Handler, clock clockwork.Clock) *Channel {
	c := &Channel{
		sender:          sender,
		handler:         handler,
		clock:           clock,
		sessions:        map[room.Identity]*session{},
		expiryObservers: map[int]func(room.Identity){},
		stop:            make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the retry sweep. In-flight bookkeeping is dropped.
func (c *Channel) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

// Send assigns the next sequence index for the identity, transmits the
// message, and tracks it until a receipt arrives. The data is serialized as
// JSON. Sends are fire-and-forget: transport failures are repaired by the
// retry sweep, not reported here.
//
// Expired identities are only sent sync messages. Anything else is dropped
// with a warning, so a broken peer keeps exactly one path back: the
// handshake.
func (c *Channel) Send(to room.Identity, kind string, data interface{}) error {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = encoded
	}

	sess := c.session(to)
	sess.sendMu.Lock()
	if sess.expired && kind != wire.KindSync {
		sess.sendMu.Unlock()
		log.WithFields(log.Fields{"peer": to, "kind": kind}).
			Warn("Dropping message for expired peer")
		return nil
	}

	msg := wire.Message{Index: sess.nextIndex, Kind: kind, Data: raw}
	sess.nextIndex++
	sess.pending[msg.Index] = &pendingMessage{
		message:  msg,
		sentAt:   c.clock.Now(),
		attempts: 1,
	}
	sess.sendMu.Unlock()

	c.transmit(to, msg)
	return nil
}

// HandleData processes one raw transport payload from a peer. Receipts
// settle pending messages; messages are acknowledged, deduplicated, and
// dispatched to the handler in strict index order.
func (c *Channel) HandleData(from room.Identity, payload []byte) {
	msg, receipt, err := wire.Decode(payload)
	if err != nil {
		log.WithError(err).WithField("peer", from).Warn("Discarding malformed payload")
		return
	}

	if receipt != nil {
		sess := c.session(from)
		sess.sendMu.Lock()
		delete(sess.pending, receipt.Index)
		sess.sendMu.Unlock()
		return
	}
	c.handleMessage(from, *msg)
}

func (c *Channel) handleMessage(from room.Identity, msg wire.Message) {
	// Acknowledge everything, duplicates included: the sender may be
	// retrying because our previous receipt was lost in transit.
	c.acknowledge(from, msg.Index)

	sess := c.session(from)
	sess.recvMu.Lock()
	defer sess.recvMu.Unlock()

	if msg.Index < sess.nextExpected {
		return
	}
	if _, buffered := sess.buffer[msg.Index]; buffered {
		return
	}
	sess.buffer[msg.Index] = msg

	// Drain everything that became consecutive. Dispatching under the
	// receive lock serializes the handler per sender; the handler may call
	// Send freely since sends only take the send lock.
	for {
		next, ok := sess.buffer[sess.nextExpected]
		if !ok {
			return
		}
		delete(sess.buffer, sess.nextExpected)
		sess.nextExpected++
		c.handler(from, next)
	}
}

// Expired reports whether the identity is currently expired.
func (c *Channel) Expired(id room.Identity) bool {
	sess := c.session(id)
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	return sess.expired
}

// ClearExpired restores an expired identity so ordinary sends resume. The
// sync handshake calls this when the peer shows signs of life again.
func (c *Channel) ClearExpired(id room.Identity) {
	sess := c.session(id)
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	if sess.expired {
		sess.expired = false
		log.WithField("peer", id).Info("Peer no longer expired")
	}
}

// PendingCount returns how many messages to the identity await receipts.
func (c *Channel) PendingCount(id room.Identity) int {
	sess := c.session(id)
	sess.sendMu.Lock()
	defer sess.sendMu.Unlock()
	return len(sess.pending)
}

// OnExpired registers an observer for identity expiry. The returned
// function unregisters it.
func (c *Channel) OnExpired(fn func(room.Identity)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextObserverID
	c.nextObserverID++
	c.expiryObservers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.expiryObservers, id)
	}
}

func (c *Channel) session(id room.Identity) *session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[id]
	if !ok {
		sess = &session{
			pending: map[uint64]*pendingMessage{},
			buffer:  map[uint64]wire.Message{},
		}
		c.sessions[id] = sess
	}
	return sess
}

func (c *Channel) sweepLoop() {
	ticker := c.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.Chan():
			c.sweep()
		}
	}
}

// sweep retransmits messages that have waited too long for a receipt. The
// attempt ceiling is evaluated across a peer's whole pending set: a wedged
// peer is expired wholesale rather than leaking stuck messages one by one.
func (c *Channel) sweep() {
	type retransmission struct {
		to  room.Identity
		msg wire.Message
	}
	var resends []retransmission
	var expirations []room.Identity

	now := c.clock.Now()
	for id, sess := range c.snapshotSessions() {
		sess.sendMu.Lock()

		var stale []*pendingMessage
		peak := 0
		for _, p := range sess.pending {
			if now.Sub(p.sentAt) < resendAfter {
				continue
			}
			stale = append(stale, p)
			if p.attempts > peak {
				peak = p.attempts
			}
		}

		if len(stale) == 0 {
			sess.sendMu.Unlock()
			continue
		}

		if peak > maxAttempts {
			sess.pending = map[uint64]*pendingMessage{}
			sess.expired = true
			sess.sendMu.Unlock()

			sess.recvMu.Lock()
			sess.buffer = map[uint64]wire.Message{}
			sess.recvMu.Unlock()

			expirations = append(expirations, id)
			continue
		}

		sort.Slice(stale, func(i, j int) bool {
			return stale[i].message.Index < stale[j].message.Index
		})
		for _, p := range stale {
			p.attempts++
			p.sentAt = now
			resends = append(resends, retransmission{id, p.message})
		}
		sess.sendMu.Unlock()
	}

	for _, id := range expirations {
		log.WithField("peer", id).Warn("Expiring unresponsive peer")
		for _, fn := range c.copyExpiryObservers() {
			fn(id)
		}
	}
	for _, r := range resends {
		c.transmit(r.to, r.msg)
	}
}

func (c *Channel) transmit(to room.Identity, msg wire.Message) {
	payload, err := msg.Encode()
	if err != nil {
		log.WithError(err).WithField("peer", to).Error("Failed to encode message")
		return
	}
	if err := c.sender.Send(to, payload); err != nil {
		// The transport is allowed to drop; the sweep repairs the loss.
		log.WithError(err).WithField("peer", to).Debug("Transport send failed")
	}
}

func (c *Channel) acknowledge(to room.Identity, index uint64) {
	payload, err := wire.NewReceipt(index).Encode()
	if err != nil {
		return
	}
	if err := c.sender.Send(to, payload); err != nil {
		log.WithError(err).WithField("peer", to).Debug("Failed to send receipt")
	}
}

func (c *Channel) snapshotSessions() map[room.Identity]*session {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessions := make(map[room.Identity]*session, len(c.sessions))
	for id, sess := range c.sessions {
		sessions[id] = sess
	}
	return sessions
}

func (c *Channel) copyExpiryObservers() []func(room.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fns := make([]func(room.Identity), 0, len(c.expiryObservers))
	for _, fn := range c.expiryObservers {
		fns = append(fns, fn)
	}
	return fns
}
