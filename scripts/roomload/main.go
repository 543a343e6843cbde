package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/atelierhq/livesync/pkg/reliable"
	"github.com/atelierhq/livesync/pkg/room"
	"github.com/atelierhq/livesync/pkg/wire"
)

// roomload fills one room with simulated peers that message each other over
// the reliable channel, then reports whether everything arrived in order.
// Useful for sizing a relay deployment and for soaking the retry sweep.

type note struct {
	N int `json:"n"`
}

type loadPeer struct {
	member  *room.Membership
	channel *reliable.Channel

	mu       sync.Mutex
	received map[room.Identity]int
	gaps     int
}

func main() {
	relayURL := flag.String("relay", "ws://localhost:9900", "relay URL to flood")
	roomName := flag.String("room", "roomload", "room to fill")
	peerCount := flag.Int("peers", 3, "number of simulated peers")
	messageCount := flag.Int("messages", 100, "messages from each peer to each other peer")
	flag.Parse()

	if err := run(*relayURL, *roomName, *peerCount, *messageCount); err != nil {
		fmt.Fprintf(os.Stderr, "roomload failed: %s\n", err)
		os.Exit(1)
	}
}

func run(relayURL, roomName string, peerCount, messageCount int) error {
	if peerCount < 2 {
		return fmt.Errorf("need at least 2 peers, got %d", peerCount)
	}

	ctx := context.Background()
	dialer := room.WebsocketDialer{URL: relayURL}

	peers := make([]*loadPeer, peerCount)
	for i := range peers {
		peer := &loadPeer{received: map[room.Identity]int{}}
		peer.member = room.NewMembership(dialer, roomName, room.NewIdentity())
		peer.channel = reliable.New(peer.member, peer.handle)
		peer.member.OnData(peer.channel.HandleData)

		if err := peer.member.Join(ctx); err != nil {
			return fmt.Errorf("join as peer %d: %w", i, err)
		}
		defer peer.member.Close()
		defer peer.channel.Close()
		peers[i] = peer
	}

	log.WithFields(log.Fields{
		"relay": relayURL,
		"room":  roomName,
		"peers": peerCount,
	}).Info("All peers joined. Waiting for rosters.")

	if err := awaitRosters(peers); err != nil {
		return err
	}

	start := time.Now()
	for _, peer := range peers {
		for _, target := range peer.member.Peers() {
			for n := 0; n < messageCount; n++ {
				if err := peer.channel.Send(target, "load", note{N: n}); err != nil {
					return fmt.Errorf("send to %s: %w", target, err)
				}
			}
		}
	}
	sent := peerCount * (peerCount - 1) * messageCount
	log.WithField("messages", sent).Info("All messages sent. Waiting for delivery.")

	expected := (peerCount - 1) * messageCount
	if err := awaitDelivery(peers, expected); err != nil {
		return err
	}
	elapsed := time.Since(start)

	gaps := 0
	for _, peer := range peers {
		peer.mu.Lock()
		gaps += peer.gaps
		peer.mu.Unlock()
	}
	if gaps > 0 {
		return fmt.Errorf("%d messages arrived out of order", gaps)
	}

	log.WithFields(log.Fields{
		"messages": sent,
		"elapsed":  elapsed.Round(time.Millisecond),
		"rate":     fmt.Sprintf("%.0f msg/s", float64(sent)/elapsed.Seconds()),
	}).Info("Load complete. Every message arrived in order.")
	return nil
}

// handle counts arrivals and checks that each sender's notes come through
// gapless and in sequence.
func (p *loadPeer) handle(from room.Identity, msg wire.Message) {
	var n note
	if err := json.Unmarshal(msg.Data, &n); err != nil {
		log.WithError(err).WithField("peer", from).Warn("Undecodable load message")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if n.N != p.received[from] {
		p.gaps++
	}
	p.received[from]++
}

func awaitRosters(peers []*loadPeer) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		settled := true
		for _, peer := range peers {
			if len(peer.member.Peers()) != len(peers)-1 {
				settled = false
				break
			}
		}
		if settled {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("rosters did not settle within 30s")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func awaitDelivery(peers []*loadPeer, expected int) error {
	// The retry sweep needs a minute to repair the worst case, so give the
	// room plenty of rope before declaring loss.
	deadline := time.Now().Add(5 * time.Minute)
	for {
		done := true
		for _, peer := range peers {
			peer.mu.Lock()
			total := 0
			for _, count := range peer.received {
				total += count
			}
			peer.mu.Unlock()
			if total < expected {
				done = false
				break
			}
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("delivery did not complete within 5m")
		}
		time.Sleep(250 * time.Millisecond)
	}
}
