package rma

import "encoding/binary"

// frameOp distinguishes the three message shapes that cross an rma
// connection: an inbound write (remote copying bytes into our registered
// buffer), an inbound read request (remote wants bytes out of our
// registered buffer), and an ack correlating back to either one by
// requestID.
type frameOp uint8

const (
	opWrite frameOp = iota
	opRead
	opAck
)

// frameHeaderSize is the fixed-size prefix of every frame on the wire:
// op(1) + requestID(8) + region(1) + term(8) + ssn(8) + offset(8) + length(4).
const frameHeaderSize = 1 + 8 + 1 + 8 + 8 + 8 + 4

type frameHeader struct {
	op        frameOp
	requestID uint64
	region    uint8
	term      uint64
	ssn       uint64
	offset    uint64
	length    uint32
}

func encodeFrameHeader(h frameHeader) []byte {
	b := make([]byte, frameHeaderSize)
	b[0] = byte(h.op)
	binary.LittleEndian.PutUint64(b[1:9], h.requestID)
	b[9] = h.region
	binary.LittleEndian.PutUint64(b[10:18], h.term)
	binary.LittleEndian.PutUint64(b[18:26], h.ssn)
	binary.LittleEndian.PutUint64(b[26:34], h.offset)
	binary.LittleEndian.PutUint32(b[34:38], h.length)
	return b
}

func decodeFrameHeader(b []byte) frameHeader {
	return frameHeader{
		op:        frameOp(b[0]),
		requestID: binary.LittleEndian.Uint64(b[1:9]),
		region:    b[9],
		term:      binary.LittleEndian.Uint64(b[10:18]),
		ssn:       binary.LittleEndian.Uint64(b[18:26]),
		offset:    binary.LittleEndian.Uint64(b[26:34]),
		length:    binary.LittleEndian.Uint32(b[34:38]),
	}
}
