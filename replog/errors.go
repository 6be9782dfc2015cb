package replog

import "errors"

var (
	// ErrFull is returned by Append when the log has no room left; the
	// leader must refuse the append and signal back-pressure to the client.
	ErrFull = errors.New("replog: log is full")

	// ErrEntryTooLarge is returned when a single entry (including its
	// payload) can never fit in a log of this size, regardless of wrap.
	ErrEntryTooLarge = errors.New("replog: entry exceeds log capacity")

	// ErrNCBufferOverflow is returned by BuildNCBuffer when the number of
	// not-committed entries exceeds MaxNCEntries. The leader treats this as
	// backpressure and refuses further appends until commit advances.
	ErrNCBufferOverflow = errors.New("replog: nc-buffer capacity exceeded")
)
