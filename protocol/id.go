// Package protocol defines the wire-level entities exchanged between group
// assistant bots and the rest of a DIM-style network: entity identifiers,
// encrypted message envelopes, and the content variants the bots understand.
//
// Everything here is a plain value type with JSON encoding matching the
// network's dictionary format, so envelopes can be framed, stored and
// replayed without touching the end-to-end encrypted payload.
package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// NetworkType tags an entity address with the kind of entity it names.
type NetworkType byte

const (
	// NetworkUser is an ordinary user account.
	NetworkUser NetworkType = 0x08

	// NetworkGroup is a multi-member conversation.
	NetworkGroup NetworkType = 0x10

	// NetworkStation is a relay station.
	NetworkStation NetworkType = 0x88

	// NetworkBot is a server-side service account.
	NetworkBot NetworkType = 0xC8
)

// Broadcast address literals. "anywhere" addresses any user, "everywhere"
// addresses every member of an (implicit) group.
const (
	AddressAnywhere   = "anywhere"
	AddressEverywhere = "everywhere"
)

// addressDigestSize is the length of the address body after the network
// byte. Long enough to make collisions irrelevant, short enough to keep
// identifiers readable in logs.
const addressDigestSize = 20

var (
	// ErrInvalidID indicates a string that cannot be parsed as an entity ID.
	ErrInvalidID = errors.New("invalid entity ID")

	// AnyoneID is the broadcast user identifier.
	AnyoneID = ID{Name: "anyone", Address: AddressAnywhere}

	// EveryoneID is the broadcast group identifier.
	EveryoneID = ID{Name: "everyone", Address: AddressEverywhere}
)

// ID identifies an entity on the network. The canonical string form is
// "name@address" or "name@address/terminal". The address is either a
// broadcast literal or the hex encoding of one network-type byte followed
// by a 20-byte digest, so the entity kind is recoverable from the address
// alone. IDs are comparable values and usable as map keys.
type ID struct {
	Name     string
	Address  string
	Terminal string
}

// ParseID parses the canonical "name@address[/terminal]" form.
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, fmt.Errorf("%w: empty string", ErrInvalidID)
	}
	var id ID
	if i := strings.IndexByte(s, '/'); i >= 0 {
		id.Terminal = s[i+1:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		id.Name = s[:i]
		id.Address = s[i+1:]
	} else {
		id.Address = s
	}
	if id.Address == "" {
		return ID{}, fmt.Errorf("%w: missing address in %q", ErrInvalidID, s)
	}
	if !id.isBroadcastAddress() {
		raw, err := hex.DecodeString(id.Address)
		if err != nil || len(raw) != 1+addressDigestSize {
			return ID{}, fmt.Errorf("%w: malformed address %q", ErrInvalidID, id.Address)
		}
	}
	return id, nil
}

// MintID derives a fresh identifier of the given kind from a seed. The
// address is the network byte followed by a blake2b digest of the seed,
// matching what the identity directory assigns when an entity registers.
func MintID(name string, network NetworkType, seed []byte) ID {
	sum := blake2b.Sum256(seed)
	raw := make([]byte, 1+addressDigestSize)
	raw[0] = byte(network)
	copy(raw[1:], sum[:addressDigestSize])
	return ID{Name: name, Address: hex.EncodeToString(raw)}
}

// String returns the canonical form.
func (id ID) String() string {
	s := id.Address
	if id.Name != "" {
		s = id.Name + "@" + s
	}
	if id.Terminal != "" {
		s = s + "/" + id.Terminal
	}
	return s
}

// IsZero reports whether the ID is the empty value.
func (id ID) IsZero() bool {
	return id.Address == ""
}

func (id ID) isBroadcastAddress() bool {
	return id.Address == AddressAnywhere || id.Address == AddressEverywhere
}

// IsBroadcast reports whether the ID addresses anyone or everyone rather
// than a concrete entity.
func (id ID) IsBroadcast() bool {
	return id.isBroadcastAddress()
}

// Type returns the entity kind encoded in the address. Broadcast addresses
// report NetworkUser for "anywhere" and NetworkGroup for "everywhere".
func (id ID) Type() NetworkType {
	switch id.Address {
	case AddressAnywhere:
		return NetworkUser
	case AddressEverywhere:
		return NetworkGroup
	}
	raw, err := hex.DecodeString(id.Address)
	if err != nil || len(raw) == 0 {
		return 0
	}
	return NetworkType(raw[0])
}

// IsGroup reports whether the ID names a multi-member conversation.
func (id ID) IsGroup() bool {
	return id.Type() == NetworkGroup
}

// IsUser reports whether the ID names an account that can act as a message
// recipient: a plain user, a bot or a station.
func (id ID) IsUser() bool {
	switch id.Type() {
	case NetworkUser, NetworkBot, NetworkStation:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as their
// canonical string form, including when used as JSON map keys. The zero ID
// serializes as the empty string.
func (id ID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return nil, nil
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty string decodes
// to the zero ID.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
