package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// CallerIDLength is the number of digits in a caller ID.
const CallerIDLength = 6

// CallerID is the short numeric identifier a peer is addressed by on the relay.
type CallerID string

// NewCallerID draws a random caller ID in [100000, 999999].
func NewCallerID() (CallerID, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate caller id: %w", err)
	}
	return CallerID(fmt.Sprintf("%06d", n.Int64()+100000)), nil
}

func (id CallerID) String() string {
	return string(id)
}

func (id CallerID) IsZero() bool {
	return id == ""
}

// Valid reports whether id is exactly six ASCII digits.
func (id CallerID) Valid() bool {
	if len(id) != CallerIDLength {
		return false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ValidateTarget checks that peer can be called from local.
func ValidateTarget(local, peer CallerID) error {
	if !peer.Valid() {
		return NewError(KindInvalidTarget, "start call", fmt.Errorf("peer id %q must be %d digits", peer, CallerIDLength))
	}
	if peer == local {
		return NewError(KindInvalidTarget, "start call", fmt.Errorf("cannot call yourself"))
	}
	return nil
}

// SessionID identifies one Call Session for its lifetime.
type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func (s SessionID) String() string {
	return string(s)
}
