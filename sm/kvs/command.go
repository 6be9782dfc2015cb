package kvs

import (
	"bytes"

	"github.com/ugorji/go/codec"
)

// CommandType selects the operation a Command performs.
type CommandType uint8

const (
	CommandGet CommandType = iota
	CommandSet
	CommandUnset
)

// Command is the opaque CSM payload interpreted by this state machine.
// It is Msgpack-encoded the same way the teacher's KVS snapshot is, via
// ugorji/go/codec, rather than given a hand-rolled binary layout: unlike
// the log entry header, a CSM command's bytes only ever need to round-trip
// through this single state machine, never through RMA header-stability
// rules.
type Command struct {
	Type  CommandType
	Key   string
	Value []byte
}

var msgpackHandle codec.MsgpackHandle

// EncodeCommand serializes a Command to the bytes stored in a CSM entry.
func EncodeCommand(c Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, &msgpackHandle).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCommand deserializes a CSM entry's bytes back into a Command.
func DecodeCommand(b []byte) (Command, error) {
	var c Command
	if err := codec.NewDecoder(bytes.NewReader(b), &msgpackHandle).Decode(&c); err != nil {
		return Command{}, err
	}
	return c, nil
}
