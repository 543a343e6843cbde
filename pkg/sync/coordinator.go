package sync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/livesync/pkg/election"
	"github.com/atelierhq/livesync/pkg/errors"
	"github.com/atelierhq/livesync/pkg/gitsync"
	"github.com/atelierhq/livesync/pkg/project"
	"github.com/atelierhq/livesync/pkg/reliable"
	"github.com/atelierhq/livesync/pkg/room"
	"github.com/atelierhq/livesync/pkg/wire"
)

// quietPeriod is how long the room may stay quiet mid-negotiation before
// the coordinator resolves state on its own. It restarts on every
// connectivity change.
const quietPeriod = 10 * time.Second

// autoCommitMessage labels commits produced without a user at the
// keyboard.
const autoCommitMessage = "Automatic project sync"

// ErrNotUpToDate rejects application sends while the project hasn't
// settled on the shared version.
var ErrNotUpToDate = errors.New("project is not up to date with the room")

// Syncer runs one git reconciliation. *gitsync.Workflow implements it.
type Syncer interface {
	Sync(ctx context.Context, opts gitsync.Options) (gitsync.Direction, error)
}

// Room is the slice of room membership the coordinator consumes.
// *room.Membership implements it.
type Room interface {
	Self() room.Identity
	Peers() []room.Identity
	Send(to room.Identity, payload []byte) error
	OnJoin(fn func(room.Identity)) func()
	OnLeave(fn func(room.Identity)) func()
	OnData(fn func(room.Identity, []byte)) func()
}

// Handler receives ordered application messages from peers. Sync
// handshake traffic is consumed by the coordinator and never reaches it.
type Handler func(from room.Identity, kind string, data []byte)

// Coordinator drives the sync state machine for one project.
type Coordinator struct {
	room     Room
	workflow Syncer
	store    *project.Store
	handler  Handler
	clock    clockwork.Clock
	channel  *reliable.Channel

	mu             sync.Mutex
	state          State
	localStep      uint64
	masterStep     uint64
	hasMasterStep  bool
	reconciling    bool
	closed         bool
	nextObserverID int
	stateObservers map[int]func(State)
	disposers      []func()

	quiet    clockwork.Timer
	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a coordinator for the project in store. Application
// messages arriving from peers are dispatched to handler in per-peer
// index order.
func New(r Room, workflow Syncer, store *project.Store, handler Handler) *Coordinator {
	return newWithClock(r, workflow, store, handler, clockwork.NewRealClock())
}

func newWithClock(r Room, workflow Syncer, store *project.Store, handler Handler,
	clock clockwork.Clock) *Coordinator {

	c := &Coordinator{
		room:           r,
		workflow:       workflow,
		store:          store,
		handler:        handler,
		clock:          clock,
		state:          Unknown,
		stateObservers: map[int]func(State){},
		stop:           make(chan struct{}),
	}
	c.channel = reliable.New(r, c.handleMessage)
	return c
}

// Start wires the coordinator into the room and begins reconciling.
func (c *Coordinator) Start() {
	disposers := []func(){
		c.room.OnJoin(c.peerJoined),
		c.room.OnLeave(c.peerLeft),
		c.room.OnData(c.channel.HandleData),
		c.channel.OnExpired(c.peerExpired),
	}

	c.mu.Lock()
	c.disposers = disposers
	c.mu.Unlock()

	// No state is assumed at start, not even an empty room: the roster
	// arrives asynchronously after the relay welcome. If nobody shows up
	// within a quiet period the timer resolves the empty room.
	c.quiet = c.clock.NewTimer(quietPeriod)
	go c.quietLoop()
}

// Close detaches the coordinator from the room and stops its timers.
func (c *Coordinator) Close() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		disposers := c.disposers
		c.mu.Unlock()

		close(c.stop)
		if c.quiet != nil {
			c.quiet.Stop()
		}
		for _, dispose := range disposers {
			dispose()
		}
		c.channel.Close()
	})
}

// State returns the current coordinator state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn to run on every state transition. The
// returned function unregisters it.
func (c *Coordinator) OnStateChange(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextObserverID
	c.nextObserverID++
	c.stateObservers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.stateObservers, id)
	}
}

// NoteLocalStep records one local edit step. Peers negotiating with this
// coordinator see the counter in handshake replies.
func (c *Coordinator) NoteLocalStep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localStep++
}

// LocalStep returns the number of local edit steps recorded so far.
func (c *Coordinator) LocalStep() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localStep
}

// MasterStep returns the step counter the current master reported in its
// last handshake reply, if one has been heard.
func (c *Coordinator) MasterStep() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masterStep, c.hasMasterStep
}

// Master returns the elected master over the live, non-expired peers.
// No master means this peer is authoritative.
func (c *Coordinator) Master() (room.Identity, bool) {
	return c.master()
}

// Send delivers an ordered application message to a peer. Until the
// project is up to date only sync traffic may flow; other kinds are
// refused so stale local state never masquerades as authoritative.
func (c *Coordinator) Send(to room.Identity, kind string, data interface{}) error {
	if kind != wire.KindSync {
		if state := c.State(); state != UpToDate {
			log.WithFields(log.Fields{
				"kind":  kind,
				"state": state,
			}).Warn("Dropping outbound message until sync settles")
			return ErrNotUpToDate
		}
	}
	return c.channel.Send(to, kind, data)
}

// SyncNow runs one synchronization on the caller's goroutine. An
// interactive run may suspend on the user picking the winning version,
// which is surfaced as the AwaitingUserChoice state so application
// traffic stays gated while they decide.
func (c *Coordinator) SyncNow(ctx context.Context, opts gitsync.Options) (gitsync.Direction, error) {
	c.mu.Lock()
	if c.reconciling {
		c.mu.Unlock()
		return 0, errors.ErrSyncInProgress
	}
	c.reconciling = true
	c.mu.Unlock()

	if !opts.Automatic {
		c.transition(AwaitingUserChoice)
	}

	direction, err := c.workflow.Sync(ctx, opts)

	c.mu.Lock()
	c.reconciling = false
	c.mu.Unlock()

	switch {
	case err == nil:
		c.transition(UpToDate)
		return direction, nil
	case gitsync.IsNoRepository(err):
		// Nothing durable to disagree about.
		c.transition(UpToDate)
		return 0, err
	default:
		c.transition(Conflicted)
		c.restartQuiet()
		return 0, err
	}
}

func (c *Coordinator) peerJoined(peer room.Identity) {
	c.restartQuiet()

	c.mu.Lock()
	shouldAsk := c.state == Unknown || c.state == Conflicted
	c.mu.Unlock()

	if shouldAsk {
		c.transition(Negotiating)
		c.sendAsk(peer)
	}
}

func (c *Coordinator) peerLeft(peer room.Identity) {
	// Departures change the election result and may leave a negotiation
	// with nobody to answer it; the quiet timer picks both cases up.
	c.restartQuiet()
}

func (c *Coordinator) peerExpired(peer room.Identity) {
	// Tell the peer it has been written off so it knows to start a
	// fresh handshake when it comes back to life. Sync traffic is exempt
	// from the expiry gate, so this still goes out.
	c.send(peer, wire.SyncPayload{Status: wire.SyncExpired})
	c.restartQuiet()
}

// handleMessage is the reliable channel's dispatch target: ordered,
// deduplicated messages, one sender at a time.
func (c *Coordinator) handleMessage(from room.Identity, msg wire.Message) {
	if msg.Kind != wire.KindSync {
		if c.handler != nil {
			c.handler(from, msg.Kind, msg.Data)
		}
		return
	}

	payload, err := wire.DecodeSyncPayload(msg.Data)
	if err != nil {
		log.WithError(err).WithField("peer", from).Warn("Dropping malformed sync handshake")
		return
	}

	switch payload.Status {
	case wire.SyncAsk:
		c.handleAsk(from)
	case wire.SyncReply:
		c.handleReply(from, payload)
	case wire.SyncRequest:
		c.handleRequest(from)
	case wire.SyncExpired:
		c.handleExpiredNotice(from)
	default:
		log.WithFields(log.Fields{
			"peer":   from,
			"status": payload.Status,
		}).Debug("Ignoring unknown sync status")
	}
}

// handleAsk answers with the local sync stamp and step counter. An ask
// is also proof of life, so the sender's expiry is cleared before the
// answer goes out.
func (c *Coordinator) handleAsk(from room.Identity) {
	c.channel.ClearExpired(from)

	stamp, err := c.store.LastSync()
	if err != nil {
		log.WithError(err).Debug("No sync stamp to report; answering as never synced")
		stamp = project.SyncStamp{}
	}

	c.mu.Lock()
	step := c.localStep
	c.mu.Unlock()

	c.send(from, wire.SyncPayload{
		Status:    wire.SyncReply,
		Timestamp: stamp.Timestamp,
		Footprint: stamp.Footprint,
		StepIndex: step,
	})
}

// handleReply classifies the peer's answer against the local stamp.
// Matching timestamps mean both sides hold the same durable version and
// there is nothing to do. A newer remote stamp means the shared version
// moved on without us: adopt it. An older one means our version needs to
// reach the repository, which only the authoritative peer does directly.
func (c *Coordinator) handleReply(from room.Identity, payload wire.SyncPayload) {
	if master, ok := c.master(); ok && master == from {
		c.mu.Lock()
		c.masterStep = payload.StepIndex
		c.hasMasterStep = true
		c.mu.Unlock()
	}

	c.mu.Lock()
	awaiting := c.state == AwaitingUserChoice
	c.mu.Unlock()
	if awaiting {
		// The user is mid-decision; their outcome supersedes whatever
		// this reply would have triggered.
		return
	}

	stamp, err := c.store.LastSync()
	if err != nil {
		stamp = project.SyncStamp{}
	}

	switch {
	case stamp.Timestamp == payload.Timestamp:
		c.transition(UpToDate)
	case stamp.Timestamp > payload.Timestamp:
		c.pushOrDelegate()
	default:
		c.reconcile(autoOptions(), nil)
	}
}

// pushOrDelegate moves the local version toward the repository: directly
// when this peer is authoritative, otherwise by asking the master to
// consolidate so the room doesn't race concurrent pushes.
func (c *Coordinator) pushOrDelegate() {
	master, ok := c.master()
	if !ok {
		c.reconcile(autoOptions(), nil)
		return
	}

	log.WithField("master", master).Debug("Delegating consolidation to master")
	c.send(master, wire.SyncPayload{Status: wire.SyncRequest})
	c.transition(Negotiating)
	c.restartQuiet()
}

// handleRequest runs a consolidation on behalf of a peer, provided this
// peer actually is the master. On success the requester gets a fresh
// reply so it can pull the result without another ask round.
func (c *Coordinator) handleRequest(from room.Identity) {
	if master, ok := c.master(); ok {
		log.WithFields(log.Fields{
			"peer":   from,
			"master": master,
		}).Debug("Ignoring consolidation request while not authoritative")
		return
	}

	c.reconcile(autoOptions(), func() {
		c.handleAsk(from)
	})
}

// handleExpiredNotice reacts to a peer that wrote us off while we were
// unreachable: re-open negotiations so both sides converge again.
func (c *Coordinator) handleExpiredNotice(from room.Identity) {
	c.channel.ClearExpired(from)
	c.transition(Negotiating)
	c.sendAsk(from)
	c.restartQuiet()
}

// reconcile runs the workflow off the dispatch goroutine and settles
// state from its outcome. At most one reconcile runs at a time; extra
// triggers while one is in flight are dropped, not queued.
func (c *Coordinator) reconcile(opts gitsync.Options, onSuccess func()) {
	c.mu.Lock()
	if c.reconciling || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconciling = true
	c.mu.Unlock()

	go func() {
		_, err := c.workflow.Sync(context.Background(), opts)

		c.mu.Lock()
		c.reconciling = false
		c.mu.Unlock()

		switch {
		case err == nil:
			c.transition(UpToDate)
			if onSuccess != nil {
				onSuccess()
			}
		case err == errors.ErrSyncInProgress:
			// A manual sync is running; its completion settles state.
		case gitsync.IsNoRepository(err):
			c.transition(UpToDate)
		default:
			c.transition(Conflicted)
			c.restartQuiet()
		}
	}()
}

func (c *Coordinator) quietLoop() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.quiet.Chan():
			c.quietElapsed()
		}
	}
}

// quietElapsed fires when the room has been quiet mid-negotiation for a
// full quiet period. Rather than wait indefinitely for answers that may
// never come, the coordinator resolves on its own: the authoritative
// peer reconciles against the repository directly, everyone else nudges
// the master with a fresh ask.
func (c *Coordinator) quietElapsed() {
	state := c.State()
	if state == UpToDate || state == AwaitingUserChoice {
		return
	}

	log.WithField("state", state).Info("Room went quiet; resolving sync state locally")

	master, ok := c.master()
	if !ok {
		c.reconcile(autoOptions(), nil)
		return
	}
	c.sendAsk(master)
	c.transition(Negotiating)
	c.restartQuiet()
}

func (c *Coordinator) restartQuiet() {
	if c.quiet != nil {
		c.quiet.Reset(quietPeriod)
	}
}

// master computes the election over the live peers. Expired peers don't
// count: routing consolidation to a peer that answers nothing would
// stall the whole room.
func (c *Coordinator) master() (room.Identity, bool) {
	var live []room.Identity
	for _, peer := range c.room.Peers() {
		if !c.channel.Expired(peer) {
			live = append(live, peer)
		}
	}
	return election.Master(c.room.Self(), live)
}

func (c *Coordinator) sendAsk(to room.Identity) {
	c.send(to, wire.SyncPayload{Status: wire.SyncAsk})
}

func (c *Coordinator) send(to room.Identity, payload wire.SyncPayload) {
	if err := c.channel.Send(to, wire.KindSync, payload); err != nil {
		log.WithError(err).WithField("peer", to).Warn("Failed to send sync handshake")
	}
}

// transition moves the state machine and notifies observers. Observers
// run outside the coordinator lock and in no particular order.
func (c *Coordinator) transition(next State) {
	c.mu.Lock()
	if c.closed || c.state == next {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = next

	observers := make([]func(State), 0, len(c.stateObservers))
	for _, fn := range c.stateObservers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()

	log.WithFields(log.Fields{
		"from": prev,
		"to":   next,
	}).Debug("Sync state changed")
	for _, fn := range observers {
		fn(next)
	}
}

func autoOptions() gitsync.Options {
	return gitsync.Options{Automatic: true, CommitMessage: autoCommitMessage}
}
