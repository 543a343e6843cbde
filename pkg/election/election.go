// Package election decides which peer coordinates shared work, such as
// pushing merged state to the git remote. There is no voting: every peer
// applies the same rule to the same roster, so all peers reach the same
// answer independently.
package election

import (
	"github.com/atelierhq/livesync/pkg/room"
)

// Master returns the remote identity that should coordinate shared work:
// the lexicographically smallest identity among the local one and the
// remotes. Identities are ULIDs, so the winner is also the longest-lived
// peer.
//
// The boolean is false when the local identity itself wins, in which case
// there is no remote master to defer to.
func Master(local room.Identity, remotes []room.Identity) (room.Identity, bool) {
	min := local
	for _, id := range remotes {
		if id < min {
			min = id
		}
	}
	if min == local {
		return "", false
	}
	return min, true
}

// Authoritative reports whether the local identity wins the election over
// the given remotes.
func Authoritative(local room.Identity, remotes []room.Identity) bool {
	_, hasMaster := Master(local, remotes)
	return !hasMaster
}
