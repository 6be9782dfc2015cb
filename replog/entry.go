package replog

import "encoding/binary"

// EntryType identifies the kind of payload a log entry carries.
type EntryType uint8

const (
	// EntryNOOP carries no payload. The leader appends one in its own term
	// right after winning an election to force log-matching against every
	// follower.
	EntryNOOP EntryType = iota
	// EntryCSM carries an opaque client state-machine command.
	EntryCSM
	// EntryCONFIG carries a ConfigID describing cluster membership.
	EntryCONFIG
	// EntryHEAD carries the new head offset to advance to once applied.
	EntryHEAD
)

func (t EntryType) String() string {
	switch t {
	case EntryNOOP:
		return "NOOP"
	case EntryCSM:
		return "CSM"
	case EntryCONFIG:
		return "CONFIG"
	case EntryHEAD:
		return "HEAD"
	default:
		return "UNKNOWN"
	}
}

// headerSize is the fixed byte length of every entry's header: idx (8) +
// term (8) + req_id (8) + clt_id (2) + type (1). It is written as a single
// contiguous range so a peer reading over RMA never observes a torn header;
// the payload length is only trusted once the header write is known-complete
// (see spec.md §5).
const headerSize = 8 + 8 + 8 + 2 + 1

// configPayloadSize is the fixed byte length of a ConfigID payload:
// group size (1) + active bit-vector (8) + epoch (8).
const configPayloadSize = 1 + 8 + 8

// headPayloadSize is the fixed byte length of a HEAD entry's payload.
const headPayloadSize = 8

// csmLenPrefixSize is the byte length of the length prefix preceding a CSM
// command's opaque payload bytes.
const csmLenPrefixSize = 2

// Header is the fixed-size prefix shared by every log entry.
type Header struct {
	Idx   uint64
	Term  uint64
	ReqID uint64
	CltID uint16
	Type  EntryType
}

func decodeHeader(b []byte) Header {
	_ = b[headerSize-1] // bounds check hint
	return Header{
		Idx:   binary.LittleEndian.Uint64(b[0:8]),
		Term:  binary.LittleEndian.Uint64(b[8:16]),
		ReqID: binary.LittleEndian.Uint64(b[16:24]),
		CltID: binary.LittleEndian.Uint16(b[24:26]),
		Type:  EntryType(b[26]),
	}
}

func (h Header) encode(b []byte) {
	_ = b[headerSize-1]
	binary.LittleEndian.PutUint64(b[0:8], h.Idx)
	binary.LittleEndian.PutUint64(b[8:16], h.Term)
	binary.LittleEndian.PutUint64(b[16:24], h.ReqID)
	binary.LittleEndian.PutUint16(b[24:26], h.CltID)
	b[26] = byte(h.Type)
}

// ConfigID identifies a cluster membership configuration: the group size, a
// bit-vector of active peer indices (bit i set means peer index i is a
// voting member), and a monotonically increasing epoch. It is fixed-size so
// it can be written and read over RMA exactly like the entry header.
type ConfigID struct {
	GroupSize uint8
	Active    uint64
	Epoch     uint64
}

func decodeConfigID(b []byte) ConfigID {
	_ = b[configPayloadSize-1]
	return ConfigID{
		GroupSize: b[0],
		Active:    binary.LittleEndian.Uint64(b[1:9]),
		Epoch:     binary.LittleEndian.Uint64(b[9:17]),
	}
}

func (c ConfigID) encode(b []byte) {
	_ = b[configPayloadSize-1]
	b[0] = c.GroupSize
	binary.LittleEndian.PutUint64(b[1:9], c.Active)
	binary.LittleEndian.PutUint64(b[9:17], c.Epoch)
}

// Contains reports whether peerIndex is an active member of this
// configuration.
func (c ConfigID) Contains(peerIndex uint8) bool {
	if peerIndex >= 64 {
		return false
	}
	return c.Active&(1<<uint(peerIndex)) != 0
}

// Quorum returns the strict majority size for this configuration's group.
func (c ConfigID) Quorum() int {
	return int(c.GroupSize)/2 + 1
}

// Entry is a decoded view over a log entry stored at a given offset.
type Entry struct {
	Header
	Offset     uint64
	Payload    []byte   // valid when Type == EntryCSM
	HeadOffset uint64   // valid when Type == EntryHEAD
	ConfigID   ConfigID // valid when Type == EntryCONFIG
}

// Determinant uniquely identifies an entry's logical position: (idx, term,
// offset). Two determinants with equal (idx, term) but different offsets can
// never both be legal for the same log, since idx is monotonic in term order.
type Determinant struct {
	Idx    uint64
	Term   uint64
	Offset uint64
}

// entryLen returns the total on-wire byte length of an entry of the given
// type, recoverable from the header (and, for CSM, the 2-byte length prefix
// immediately following it) alone.
func entryLen(typ EntryType, csmLen uint16) uint64 {
	switch typ {
	case EntryCSM:
		return uint64(headerSize) + csmLenPrefixSize + uint64(csmLen)
	case EntryCONFIG:
		return uint64(headerSize) + configPayloadSize
	case EntryHEAD:
		return uint64(headerSize) + headPayloadSize
	default: // EntryNOOP
		return uint64(headerSize)
	}
}
