package wire

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxActorIDBytes bounds the byte length of an actor identifier.
const MaxActorIDBytes = 256

// ActorID is the stable identity of an actor. Host and Port are optional
// transport hints used when dialing the process that owns the actor; equality
// and hashing cover all three fields.
type ActorID struct {
	// ID is the actor identifier. Non-empty UTF-8, at most 256 bytes.
	ID string `json:"id"`
	// Host optionally names the host exposing the actor.
	Host string `json:"host,omitempty"`
	// Port optionally carries the transport port on Host.
	Port uint16 `json:"port,omitempty"`
}

// NewActorID builds an ActorID with just an identifier and no transport hint.
func NewActorID(id string) ActorID { return ActorID{ID: id} }

// Validate checks the identifier constraints: non-empty, valid UTF-8 and at
// most MaxActorIDBytes bytes.
func (a ActorID) Validate() error {
	if a.ID == "" {
		return errors.New("actor id is empty")
	}
	if len(a.ID) > MaxActorIDBytes {
		return fmt.Errorf("actor id exceeds %d bytes", MaxActorIDBytes)
	}
	if !utf8.ValidString(a.ID) {
		return errors.New("actor id is not valid UTF-8")
	}
	return nil
}

// String renders the identity including the transport hint when present.
func (a ActorID) String() string {
	if a.Host == "" {
		return a.ID
	}
	return fmt.Sprintf("%s@%s:%d", a.ID, a.Host, a.Port)
}
