package room

import (
	"github.com/oklog/ulid/v2"
)

// Identity uniquely identifies one participant for the lifetime of its
// process. Identities are ULIDs, so sorting them lexicographically also
// orders peers by the time they came into existence. The master election
// relies on this property.
type Identity string

// NewIdentity generates a fresh identity for this process.
func NewIdentity() Identity {
	return Identity(ulid.Make().String())
}
