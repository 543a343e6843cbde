package sync

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/livesync/pkg/errors"
	"github.com/atelierhq/livesync/pkg/gitsync"
	"github.com/atelierhq/livesync/pkg/project"
	"github.com/atelierhq/livesync/pkg/room"
	"github.com/atelierhq/livesync/pkg/wire"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type sentFrame struct {
	to      room.Identity
	payload []byte
}

type fakeRoom struct {
	self room.Identity

	mu     sync.Mutex
	peers  []room.Identity
	joins  []func(room.Identity)
	leaves []func(room.Identity)
	datas  []func(room.Identity, []byte)
	sent   []sentFrame
}

func newFakeRoom(self room.Identity) *fakeRoom {
	return &fakeRoom{self: self}
}

func (r *fakeRoom) Self() room.Identity {
	return r.self
}

func (r *fakeRoom) Peers() []room.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]room.Identity(nil), r.peers...)
}

func (r *fakeRoom) Send(to room.Identity, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentFrame{to: to, payload: payload})
	return nil
}

func (r *fakeRoom) OnJoin(fn func(room.Identity)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins = append(r.joins, fn)
	return func() {}
}

func (r *fakeRoom) OnLeave(fn func(room.Identity)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves = append(r.leaves, fn)
	return func() {}
}

func (r *fakeRoom) OnData(fn func(room.Identity, []byte)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datas = append(r.datas, fn)
	return func() {}
}

func (r *fakeRoom) join(peer room.Identity) {
	r.mu.Lock()
	r.peers = append(r.peers, peer)
	observers := append([]func(room.Identity)(nil), r.joins...)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(peer)
	}
}

func (r *fakeRoom) deliver(from room.Identity, payload []byte) {
	r.mu.Lock()
	observers := append([]func(room.Identity, []byte)(nil), r.datas...)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(from, payload)
	}
}

func (r *fakeRoom) framesTo(to room.Identity) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var frames [][]byte
	for _, frame := range r.sent {
		if frame.to == to {
			frames = append(frames, frame.payload)
		}
	}
	return frames
}

// scriptedPeer plays the remote side of the handshake, assigning wire
// indices the way a real reliable channel would.
type scriptedPeer struct {
	t    *testing.T
	room *fakeRoom
	id   room.Identity
	next uint64
}

func (p *scriptedPeer) sendSync(payload wire.SyncPayload) {
	data, err := json.Marshal(payload)
	require.NoError(p.t, err)
	p.sendMessage(wire.KindSync, data)
}

func (p *scriptedPeer) sendMessage(kind string, data []byte) {
	encoded, err := wire.Message{Index: p.next, Kind: kind, Data: data}.Encode()
	require.NoError(p.t, err)
	p.next++
	p.room.deliver(p.id, encoded)
}

type fakeSyncer struct {
	mu        sync.Mutex
	calls     []gitsync.Options
	direction gitsync.Direction
	err       error
	block     chan struct{}
}

func (s *fakeSyncer) Sync(ctx context.Context, opts gitsync.Options) (gitsync.Direction, error) {
	s.mu.Lock()
	s.calls = append(s.calls, opts)
	s.mu.Unlock()

	if s.block != nil {
		<-s.block
	}
	return s.direction, s.err
}

func (s *fakeSyncer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSyncer) lastCall(t *testing.T) gitsync.Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.calls)
	return s.calls[len(s.calls)-1]
}

type appMessage struct {
	from room.Identity
	kind string
}

type harness struct {
	room   *fakeRoom
	syncer *fakeSyncer
	store  *project.Store
	clock  clockwork.FakeClock
	coord  *Coordinator

	mu   sync.Mutex
	apps []appMessage
}

func newHarness(t *testing.T, self room.Identity) *harness {
	h := &harness{
		room:   newFakeRoom(self),
		syncer: &fakeSyncer{},
		store:  project.NewStore(t.TempDir()),
		clock:  clockwork.NewFakeClock(),
	}

	handler := func(from room.Identity, kind string, data []byte) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.apps = append(h.apps, appMessage{from: from, kind: kind})
	}

	h.coord = newWithClock(h.room, h.syncer, h.store, handler, h.clock)
	h.coord.Start()
	t.Cleanup(h.coord.Close)
	return h
}

func (h *harness) seedStamp(t *testing.T, timestamp int64) {
	payload := project.Payload{Project: project.Record{
		Name:       "voyager",
		Repository: "https://git.example.com/atelier/voyager.git",
	}}
	require.NoError(t, h.store.Save(payload))

	if timestamp != 0 {
		footprint, err := project.Footprint(h.store.Dir())
		require.NoError(t, err)
		require.NoError(t, h.store.SetLastSync(project.SyncStamp{
			Timestamp: timestamp,
			Footprint: footprint,
		}))
	}
}

func (h *harness) appMessages() []appMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]appMessage(nil), h.apps...)
}

func syncPayloadsTo(t *testing.T, r *fakeRoom, to room.Identity) []wire.SyncPayload {
	var payloads []wire.SyncPayload
	for _, frame := range r.framesTo(to) {
		msg, _, err := wire.Decode(frame)
		require.NoError(t, err)
		if msg == nil || msg.Kind != wire.KindSync {
			continue
		}
		payload, err := wire.DecodeSyncPayload(msg.Data)
		require.NoError(t, err)
		payloads = append(payloads, payload)
	}
	return payloads
}

func statusesTo(t *testing.T, r *fakeRoom, to room.Identity) []string {
	var statuses []string
	for _, payload := range syncPayloadsTo(t, r, to) {
		statuses = append(statuses, payload.Status)
	}
	return statuses
}

func TestAloneResolvesViaQuietTimer(t *testing.T) {
	h := newHarness(t, "a")
	h.syncer.err = gitsync.ErrNoRepository

	assert.Equal(t, Unknown, h.coord.State())

	h.clock.BlockUntil(1)
	h.clock.Advance(quietPeriod)

	assert.Eventually(t, func() bool {
		return h.coord.State() == UpToDate
	}, waitFor, tick)
	assert.Equal(t, 1, h.syncer.callCount())
}

func TestAloneWithRepositoryPullsOnOpen(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 100)

	h.clock.BlockUntil(1)
	h.clock.Advance(quietPeriod)

	assert.Eventually(t, func() bool {
		return h.coord.State() == UpToDate
	}, waitFor, tick)

	opts := h.syncer.lastCall(t)
	assert.True(t, opts.Automatic)
	assert.Equal(t, autoCommitMessage, opts.CommitMessage)
}

func TestFirstJoinStartsNegotiation(t *testing.T) {
	h := newHarness(t, "a")

	h.room.join("b")

	assert.Equal(t, Negotiating, h.coord.State())
	assert.Equal(t, []string{wire.SyncAsk}, statusesTo(t, h.room, "b"))
}

func TestAskAnsweredWithStampAndStep(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 4200)
	h.coord.NoteLocalStep()
	h.coord.NoteLocalStep()

	h.room.join("b")
	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncAsk})

	payloads := syncPayloadsTo(t, h.room, "b")
	require.Len(t, payloads, 2)
	assert.Equal(t, wire.SyncAsk, payloads[0].Status)

	reply := payloads[1]
	assert.Equal(t, wire.SyncReply, reply.Status)
	assert.Equal(t, int64(4200), reply.Timestamp)
	assert.Equal(t, uint64(2), reply.StepIndex)

	footprint, err := project.Footprint(h.store.Dir())
	require.NoError(t, err)
	assert.Equal(t, footprint, reply.Footprint)

	// The inbound ask was acknowledged like any reliable message.
	var receipts []uint64
	for _, frame := range h.room.framesTo("b") {
		_, receipt, err := wire.Decode(frame)
		require.NoError(t, err)
		if receipt != nil {
			receipts = append(receipts, receipt.Index)
		}
	}
	assert.Equal(t, []uint64{0}, receipts)
}

func TestMatchingTimestampsSettleWithoutWorkflow(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 500)

	h.room.join("b")
	require.Equal(t, Negotiating, h.coord.State())

	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 500})

	assert.Equal(t, UpToDate, h.coord.State())
	assert.Zero(t, h.syncer.callCount())
}

func TestStaleLocalPullsAutomatically(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 100)

	h.room.join("b")
	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 900})

	assert.Eventually(t, func() bool {
		return h.coord.State() == UpToDate
	}, waitFor, tick)

	require.Equal(t, 1, h.syncer.callCount())
	assert.True(t, h.syncer.lastCall(t).Automatic)
}

func TestAheadAndAuthoritativePushes(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 900)

	h.room.join("b")
	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 100})

	assert.Eventually(t, func() bool {
		return h.coord.State() == UpToDate
	}, waitFor, tick)
	assert.Equal(t, 1, h.syncer.callCount())
}

func TestAheadDelegatesToMaster(t *testing.T) {
	h := newHarness(t, "zz")
	h.seedStamp(t, 900)

	h.room.join("aa")
	peer := &scriptedPeer{t: t, room: h.room, id: "aa"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 100, StepIndex: 7})

	assert.Equal(t, []string{wire.SyncAsk, wire.SyncRequest}, statusesTo(t, h.room, "aa"))
	assert.Equal(t, Negotiating, h.coord.State())
	assert.Zero(t, h.syncer.callCount())

	step, ok := h.coord.MasterStep()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), step)
}

func TestConsolidationRequestHonoredByMaster(t *testing.T) {
	h := newHarness(t, "aa")
	h.seedStamp(t, 4200)

	h.room.join("zz")
	peer := &scriptedPeer{t: t, room: h.room, id: "zz"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncRequest})

	assert.Eventually(t, func() bool {
		return h.syncer.callCount() == 1
	}, waitFor, tick)
	assert.True(t, h.syncer.lastCall(t).Automatic)

	// The requester hears back with the fresh stamp once the
	// consolidation lands.
	assert.Eventually(t, func() bool {
		payloads := syncPayloadsTo(t, h.room, "zz")
		if len(payloads) == 0 {
			return false
		}
		last := payloads[len(payloads)-1]
		return last.Status == wire.SyncReply && last.Timestamp == 4200
	}, waitFor, tick)

	assert.Eventually(t, func() bool {
		return h.coord.State() == UpToDate
	}, waitFor, tick)
}

func TestConsolidationRequestIgnoredWhenNotMaster(t *testing.T) {
	h := newHarness(t, "zz")
	h.seedStamp(t, 4200)

	h.room.join("aa")
	peer := &scriptedPeer{t: t, room: h.room, id: "aa"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncRequest})

	assert.Never(t, func() bool {
		return h.syncer.callCount() > 0
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestExpiredNoticeReopensNegotiation(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 500)

	h.room.join("b")
	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 500})
	require.Equal(t, UpToDate, h.coord.State())

	peer.sendSync(wire.SyncPayload{Status: wire.SyncExpired})

	assert.Equal(t, Negotiating, h.coord.State())
	assert.Equal(t,
		[]string{wire.SyncAsk, wire.SyncAsk},
		statusesTo(t, h.room, "b"))
}

func TestPeerExpiryNotifiesPeer(t *testing.T) {
	h := newHarness(t, "a")
	h.room.join("b")

	h.coord.peerExpired("b")

	statuses := statusesTo(t, h.room, "b")
	require.NotEmpty(t, statuses)
	assert.Equal(t, wire.SyncExpired, statuses[len(statuses)-1])
}

func TestQuietTimerNudgesMaster(t *testing.T) {
	h := newHarness(t, "zz")
	h.seedStamp(t, 100)

	h.room.join("aa")
	require.Equal(t, Negotiating, h.coord.State())

	h.clock.BlockUntil(1)
	h.clock.Advance(quietPeriod)

	assert.Eventually(t, func() bool {
		return len(statusesTo(t, h.room, "aa")) == 2
	}, waitFor, tick)
	assert.Equal(t, []string{wire.SyncAsk, wire.SyncAsk}, statusesTo(t, h.room, "aa"))
	assert.Equal(t, Negotiating, h.coord.State())
	assert.Zero(t, h.syncer.callCount())
}

func TestQuietTimerConsolidatesWhenAuthoritative(t *testing.T) {
	h := newHarness(t, "aa")
	h.seedStamp(t, 100)

	h.room.join("zz")
	require.Equal(t, Negotiating, h.coord.State())

	h.clock.BlockUntil(1)
	h.clock.Advance(quietPeriod)

	assert.Eventually(t, func() bool {
		return h.coord.State() == UpToDate
	}, waitFor, tick)
	assert.Equal(t, 1, h.syncer.callCount())
}

func TestSendGate(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 0)

	h.room.join("b")
	require.Equal(t, Negotiating, h.coord.State())

	err := h.coord.Send("b", "entity-update", map[string]string{"id": "e1"})
	assert.Equal(t, ErrNotUpToDate, err)

	// Sync traffic is exempt from the gate.
	assert.NoError(t, h.coord.Send("b", wire.KindSync,
		wire.SyncPayload{Status: wire.SyncAsk}))

	// Two peers that have never synced agree they're both current.
	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 0})
	require.Equal(t, UpToDate, h.coord.State())

	require.NoError(t, h.coord.Send("b", "entity-update", map[string]string{"id": "e1"}))

	frames := h.room.framesTo("b")
	require.NotEmpty(t, frames)
	msg, _, err := wire.Decode(frames[len(frames)-1])
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "entity-update", msg.Kind)
}

func TestInteractiveSyncSuspendsOnUserChoice(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 100)
	h.syncer.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.SyncNow(context.Background(), gitsync.Options{})
		done <- err
	}()

	assert.Eventually(t, func() bool {
		return h.coord.State() == AwaitingUserChoice
	}, waitFor, tick)
	assert.Equal(t, ErrNotUpToDate, h.coord.Send("b", "entity-update", nil))

	_, err := h.coord.SyncNow(context.Background(), gitsync.Options{})
	assert.Equal(t, errors.ErrSyncInProgress, err)

	close(h.syncer.block)
	require.NoError(t, <-done)
	assert.Equal(t, UpToDate, h.coord.State())
}

func TestReplyWhileAwaitingChoiceIgnored(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 100)
	h.syncer.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.coord.SyncNow(context.Background(), gitsync.Options{})
		done <- err
	}()
	assert.Eventually(t, func() bool {
		return h.coord.State() == AwaitingUserChoice
	}, waitFor, tick)

	h.room.join("b")
	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 900})

	assert.Equal(t, AwaitingUserChoice, h.coord.State())

	close(h.syncer.block)
	require.NoError(t, <-done)
	assert.Equal(t, UpToDate, h.coord.State())
	assert.Equal(t, 1, h.syncer.callCount())
}

func TestWorkflowFailureMarksConflicted(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 100)
	h.syncer.err = errors.New("push failed")

	h.room.join("b")
	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 900})

	assert.Eventually(t, func() bool {
		return h.coord.State() == Conflicted
	}, waitFor, tick)

	// The next arrival re-opens negotiation.
	h.room.join("c")
	assert.Equal(t, Negotiating, h.coord.State())
	assert.Equal(t, []string{wire.SyncAsk}, statusesTo(t, h.room, "c"))
}

func TestApplicationTrafficForwarded(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 0)

	h.room.join("b")
	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 0})
	require.Equal(t, UpToDate, h.coord.State())

	peer.sendMessage("entity-update", []byte(`{"id":"e1"}`))

	apps := h.appMessages()
	require.Len(t, apps, 1)
	assert.Equal(t, room.Identity("b"), apps[0].from)
	assert.Equal(t, "entity-update", apps[0].kind)
}

func TestStateObserverDisposal(t *testing.T) {
	h := newHarness(t, "a")
	h.seedStamp(t, 500)

	var seen []State
	dispose := h.coord.OnStateChange(func(state State) {
		seen = append(seen, state)
	})

	h.room.join("b")
	require.Equal(t, []State{Negotiating}, seen)

	dispose()

	peer := &scriptedPeer{t: t, room: h.room, id: "b"}
	peer.sendSync(wire.SyncPayload{Status: wire.SyncReply, Timestamp: 500})
	require.Equal(t, UpToDate, h.coord.State())
	assert.Equal(t, []State{Negotiating}, seen)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, "a")
	h.coord.Close()
	h.coord.Close()
}
