// Package host defines the Host record — the unit of membership registered
// under a discovery path — and its wire encoding.
//
// The encoding is a flat, length-prefixed binary layout in the same style as
// the protocol package's frame header: a leading int32 version lets a future
// schema change add fields without breaking readers of the current version.
package host

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the current schema tag. Reserved so an additive field can bump
// this without invalidating already-written nodes.
const Version int32 = 0

// ErrDecode is returned when bytes read from the coordination store cannot be
// parsed as a Host: truncated, malformed, or tagged with a version this
// reader does not understand.
var ErrDecode = errors.New("host: decode error")

// Metadata carries the mutable, frequently-republished fields of a Host.
type Metadata struct {
	Load        int32
	Quarantined bool
}

// Host is the unit of membership. Equality for membership purposes is by
// (Address, Port); Version and Metadata are mutable over the Host's
// lifetime.
type Host struct {
	Version  int32
	Address  string
	Port     uint16
	Metadata Metadata
}

// Key returns the "<address>:<port>" string used as the child node name
// under a DiscoveryPath, and as the MembershipSnapshot map key.
func (h Host) Key() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// Equal compares two Hosts by identity (Address, Port) only, per the data
// model's equality rule — Version and Metadata do not participate.
func (h Host) Equal(other Host) bool {
	return h.Address == other.Address && h.Port == other.Port
}

// Serialize encodes h into a self-describing byte slice:
//
//	version:int32 | addrLen:uint16 | addr:bytes | port:uint16 | load:int32 | quarantined:byte
func Serialize(h Host) ([]byte, error) {
	if len(h.Address) > int(^uint16(0)) {
		return nil, fmt.Errorf("host: address too long to encode: %d bytes", len(h.Address))
	}
	addrLen := uint16(len(h.Address))
	total := 4 + 2 + int(addrLen) + 2 + 4 + 1
	buf := make([]byte, total)

	offset := 0
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(h.Version))
	offset += 4
	binary.BigEndian.PutUint16(buf[offset:offset+2], addrLen)
	offset += 2
	copy(buf[offset:offset+int(addrLen)], h.Address)
	offset += int(addrLen)
	binary.BigEndian.PutUint16(buf[offset:offset+2], h.Port)
	offset += 2
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(h.Metadata.Load))
	offset += 4
	if h.Metadata.Quarantined {
		buf[offset] = 1
	} else {
		buf[offset] = 0
	}

	return buf, nil
}

// Deserialize is the inverse of Serialize. Unknown versions greater than the
// newest this build understands are rejected with ErrDecode rather than
// silently misparsed; versions the reader does understand but which carry
// additional trailing fields would be handled by a future switch on Version
// here (none exist yet, since Version is still 0).
func Deserialize(data []byte) (Host, error) {
	if len(data) < 6 {
		return Host{}, fmt.Errorf("%w: truncated header (%d bytes)", ErrDecode, len(data))
	}

	offset := 0
	version := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if version != Version {
		return Host{}, fmt.Errorf("%w: unsupported version %d", ErrDecode, version)
	}

	addrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+addrLen+2+4+1 {
		return Host{}, fmt.Errorf("%w: truncated body", ErrDecode)
	}

	address := string(data[offset : offset+addrLen])
	offset += addrLen

	port := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2

	load := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4

	quarantined := data[offset] != 0

	return Host{
		Version: version,
		Address: address,
		Port:    port,
		Metadata: Metadata{
			Load:        load,
			Quarantined: quarantined,
		},
	}, nil
}
