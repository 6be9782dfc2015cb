// Package replog implements the circular log buffer at the core of the
// replication engine: a contiguous byte region of fixed size, registered
// with the transport so peers can write into it directly, addressed by four
// monotonically-ordered offsets (head, apply, commit, end) plus a cached
// tail offset. All offset arithmetic is circular; offsets are never compared
// with a plain '<', only through the distance-to-end that IsLarger exposes.
package replog

// MaxNCEntries bounds the not-committed-entries buffer kept per peer.
const MaxNCEntries = 1024

// Log is a circular byte buffer of variable-length entries. The zero value
// is not usable; construct with New.
type Log struct {
	buf    []byte
	length uint64

	head   uint64
	apply  uint64
	commit uint64
	end    uint64
	tail   uint64 // cache of the offset of the last entry; length means "unknown, recompute"
}

// New allocates a log buffer of the given size in bytes. size should be on
// the order of tens of megabytes in production; tests use much smaller
// buffers since the algorithm is size-agnostic.
func New(size uint64) *Log {
	l := &Log{
		buf:    make([]byte, size),
		length: size,
	}
	l.end = size
	l.tail = size
	return l
}

// Len returns the capacity of the log buffer in bytes.
func (l *Log) Len() uint64 { return l.length }

// Buffer exposes the raw backing bytes so a transport can register this
// log as a remotely-writable region (spec.md §3 "Log buffer... registered
// with the transport so peers can write into it"). Callers outside this
// package must only read or write through offsets this Log itself has
// validated (e.g. via EntryAt/Append); slicing arbitrary ranges bypasses
// the header/payload invariants this type maintains.
func (l *Log) Buffer() []byte { return l.buf }

// Head returns the offset of the oldest retained entry.
func (l *Log) Head() uint64 { return l.head }

// Apply returns the offset of the first not-yet-applied entry.
func (l *Log) Apply() uint64 { return l.apply }

// Commit returns the offset of the first not-yet-committed entry.
func (l *Log) Commit() uint64 { return l.commit }

// End returns one past the last written entry. End() == Len() iff the log
// is empty.
func (l *Log) End() uint64 { return l.end }

// Empty reports whether the log currently holds no entries.
//
// Note: once End has been modified by any append, this stops tracking
// "logically contains zero bytes" and starts tracking only the specific
// sentinel End == Len; an append that happens to land exactly on Len leaves
// the log observably "empty" until the next append rewinds End to 0. This
// mirrors dare_log.h's is_log_empty exactly and is relied upon by callers
// that recompute the tail from scratch after such a case.
func (l *Log) Empty() bool { return l.end == l.length }

// Full reports whether the log has no room for further appends.
func (l *Log) Full() bool { return !l.Empty() && l.end == l.head }

// NotCommitted reports whether the leader has entries past commit.
func (l *Log) NotCommitted() bool { return !l.Empty() && l.commit != l.end }

// NotApplied reports whether there are committed entries not yet applied.
func (l *Log) NotApplied() bool { return !l.Empty() && l.apply != l.commit }

// SetCommit advances (or sets) the commit offset. Callers are responsible
// for only moving it forward in circular order per the commit rule in
// spec.md §4.2.
func (l *Log) SetCommit(offset uint64) { l.commit = offset }

// SetApply advances the apply offset as entries are applied to the state
// machine.
func (l *Log) SetApply(offset uint64) { l.apply = offset }

// AdvanceHead discards entries before newHead. Only valid once a HEAD entry
// carrying newHead has committed and been applied.
func (l *Log) AdvanceHead(newHead uint64) { l.head = newHead }

// SetEnd adopts an externally-supplied End offset. A follower never appends
// locally — its log bytes arrive via one-sided writes straight into Buffer(),
// bypassing Append entirely — so nothing else in this type ever advances its
// End; the server package calls this once it has learned the leader's
// current End for this log (spec.md §4.5 step 4's "remotely write the
// follower's end", generalized from the one-time adjustment write to every
// steady-state replication write). Callers must follow with RecomputeTail.
func (l *Log) SetEnd(end uint64) { l.end = end }

// ResetTailCache invalidates the cached tail offset, forcing the next call
// that needs it to recompute via RecomputeTail. Called after losing
// leadership, per spec.md §4.1.
func (l *Log) ResetTailCache() { l.tail = l.length }

func (l *Log) fitHeader(offset uint64) bool {
	return l.length-offset >= headerSize
}

func (l *Log) fitEntry(offset uint64, typ EntryType, csmLen uint16) bool {
	return l.length-offset >= entryLen(typ, csmLen)
}

// offsetEndDistance returns the circular distance from offset to end: how
// far offset is from the point nothing further has been written.
func (l *Log) offsetEndDistance(offset uint64) uint64 {
	end := l.end
	if end == l.length {
		return 0
	}
	if end >= offset {
		return end - offset
	}
	return l.length - (offset - end)
}

// IsLarger reports whether offset a is closer to End than offset b, i.e.
// whether the entry at a was written later than the entry at b. This is the
// only safe way to compare two offsets in a circular log: a plain a < b
// comparison gives the wrong answer across a wrap.
func (l *Log) IsLarger(a, b uint64) bool {
	return l.offsetEndDistance(a) < l.offsetEndDistance(b)
}

// EntryAt returns the entry header (and decoded payload) present at offset,
// after resolving the implicit wrap-to-zero that happens when a header
// would not fit before Len. It reports false if the log is empty or offset
// is at End (no entry there).
func (l *Log) EntryAt(offset uint64) (Entry, bool) {
	if l.Empty() {
		return Entry{}, false
	}
	if l.offsetEndDistance(offset) == 0 {
		return Entry{}, false
	}
	if !l.fitHeader(offset) {
		offset = 0
	}
	h := decodeHeader(l.buf[offset:])
	e := Entry{Header: h, Offset: offset}
	switch h.Type {
	case EntryCSM:
		start := offset + headerSize
		csmLen := decodeUint16(l.buf[start:])
		dataStart := start + csmLenPrefixSize
		e.Payload = l.buf[dataStart : dataStart+uint64(csmLen)]
	case EntryCONFIG:
		e.ConfigID = decodeConfigID(l.buf[offset+headerSize:])
	case EntryHEAD:
		e.HeadOffset = decodeUint64(l.buf[offset+headerSize:])
	}
	return e, true
}

func decodeUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// NextOffset advances past the entry e (found at its own Offset), wrapping
// to 0 if the advanced offset could not hold another header; an advanced
// offset landing exactly on Len is returned as Len.
func (l *Log) NextOffset(e Entry) uint64 {
	var csmLen uint16
	if e.Type == EntryCSM {
		csmLen = uint16(len(e.Payload))
	}
	total := entryLen(e.Type, csmLen)
	if l.length-e.Offset < total {
		return 0
	}
	next := e.Offset + total
	if !l.fitHeader(next) && next != l.length {
		return 0
	}
	return next
}

// RecomputeTail scans forward from Commit (falling back to Apply, then
// Head) until reaching End, to find the offset of the last entry. Called
// after a server gains leadership, when the cached tail was invalidated by
// ResetTailCache.
func (l *Log) RecomputeTail() {
	if l.Empty() {
		l.tail = l.length
		return
	}
	for _, start := range [3]uint64{l.commit, l.apply, l.head} {
		tail := l.length
		offset := start
		for {
			e, ok := l.EntryAt(offset)
			if !ok {
				break
			}
			tail = e.Offset
			offset = l.NextOffset(e)
		}
		if tail != l.length {
			l.tail = tail
			return
		}
	}
	l.tail = l.length
}

// tailEntry returns the last entry in the log, recomputing the tail cache
// first if necessary.
func (l *Log) tailEntry() (Entry, bool) {
	if l.tail == l.length {
		l.RecomputeTail()
	}
	if l.tail == l.length {
		return Entry{}, false
	}
	return l.EntryAt(l.tail)
}

// lastIndex returns the idx of the current last entry (0 if empty).
func (l *Log) lastIndex() uint64 {
	last, ok := l.tailEntry()
	if !ok {
		return 0
	}
	return last.Idx
}

// appendPayload describes what to write for a given entry type; exactly one
// field is meaningful depending on typ.
type appendPayload struct {
	csm      []byte
	configID ConfigID
	head     uint64
}

// Append adds a new entry to the end of the log. Only the leader calls this.
// It computes the next idx as last-entry-idx + 1 (or 1 if the log is
// empty), handles the implicit wrap-to-zero both before the header and
// (for CSM, whose length is not known until the call) before the payload,
// and returns the assigned idx. It returns ErrFull when the log has no room
// or when MaxNCEntries entries are already past commit, so the NC-buffer
// never overflows; appends succeed again once commit advances.
func (l *Log) Append(term, reqID uint64, cltID uint16, typ EntryType, payload appendPayload) (uint64, error) {
	if l.Full() {
		return 0, ErrFull
	}
	if l.NotCommitted() {
		if nc, _ := l.BuildNCBuffer(); len(nc.Entries) >= MaxNCEntries {
			return 0, ErrFull
		}
	}

	idx := l.lastIndex() + 1

	var csmLen uint16
	if typ == EntryCSM {
		if len(payload.csm) > 1<<16-1 {
			return 0, ErrEntryTooLarge
		}
		csmLen = uint16(len(payload.csm))
	}
	total := entryLen(typ, csmLen)
	if total > l.length {
		return 0, ErrEntryTooLarge
	}

	offset := l.end
	if l.Empty() {
		offset = 0
	} else if !l.fitHeader(offset) {
		offset = 0
	}
	if l.length-offset < total {
		// The header would fit but the payload that follows would not:
		// discard the reserved header slot and re-pack the whole entry
		// starting at 0.
		offset = 0
	}

	h := Header{Idx: idx, Term: term, ReqID: reqID, CltID: cltID, Type: typ}
	h.encode(l.buf[offset:])
	switch typ {
	case EntryCSM:
		encodeUint16(l.buf[offset+headerSize:], csmLen)
		copy(l.buf[offset+headerSize+csmLenPrefixSize:], payload.csm)
	case EntryCONFIG:
		payload.configID.encode(l.buf[offset+headerSize:])
	case EntryHEAD:
		encodeUint64(l.buf[offset+headerSize:], payload.head)
	}

	l.tail = offset
	l.end = offset + total
	return idx, nil
}

func encodeUint16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

func encodeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// BuildNCBuffer walks from Commit to End, recording the determinant of every
// not-yet-committed entry. Called before serving a log-adjustment read, with
// exclusive access to the local log.
func (l *Log) BuildNCBuffer() (NCBuffer, error) {
	var nc NCBuffer
	offset := l.commit
	for {
		e, ok := l.EntryAt(offset)
		if !ok {
			break
		}
		if len(nc.Entries) >= MaxNCEntries {
			return nc, ErrNCBufferOverflow
		}
		nc.Entries = append(nc.Entries, Determinant{Idx: e.Idx, Term: e.Term, Offset: e.Offset})
		next := l.NextOffset(e)
		if !l.IsLarger(next, e.Offset) {
			break
		}
		offset = next
	}
	return nc, nil
}

// FindRemoteEnd performs leader-side log-matching: it walks a follower's
// NC-buffer in order, fetching the local entry at each recorded offset, and
// returns the first offset at which the local log is missing an entry or
// disagrees on (idx, term). That offset is where the leader must start
// overwriting the follower's log. If the follower's NC-buffer is empty (it
// has no not-committed entries) remoteCommit — the follower's own commit
// offset — is returned unchanged, since there is nothing to overwrite.
func (l *Log) FindRemoteEnd(remoteCommit uint64, remote NCBuffer) uint64 {
	offset := remoteCommit
	for _, det := range remote.Entries {
		offset = det.Offset
		e, ok := l.EntryAt(offset)
		if !ok {
			return offset
		}
		if e.Idx != det.Idx || e.Term != det.Term {
			return offset
		}
		offset = l.NextOffset(e)
	}
	return offset
}

// Offsets is a snapshot of the four ordered offsets, used when exchanging
// state with a peer during log adjustment (spec.md §4.5).
type Offsets struct {
	Head   uint64
	Apply  uint64
	Commit uint64
	End    uint64
}

// Offsets returns the current offset snapshot.
func (l *Log) Offsets() Offsets {
	return Offsets{Head: l.head, Apply: l.apply, Commit: l.commit, End: l.end}
}

// NCBuffer is a compact, capacity-bounded list of not-committed-entry
// determinants, rebuilt from a server's log before it is read remotely
// during log adjustment.
type NCBuffer struct {
	Entries []Determinant
}
