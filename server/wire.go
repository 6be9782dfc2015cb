package server

import (
	"encoding/binary"

	"github.com/ugorji/go/codec"

	"github.com/mpoke/dare-go/pb"
	"github.com/mpoke/dare-go/replog"
)

// Wire layout for transport.RegionControl: a fixed Offsets block, then a
// capacity-bounded array of Determinants mirroring replog.NCBuffer. Both
// are written locally before serving an adjustment read and read remotely
// by a new leader (spec.md §5 "Shared resources").
const (
	offsetsWireSize     = 4 * 8
	determinantWireSize = 8 + 8 + 8
	ncBufferWireSize    = 4 + replog.MaxNCEntries*determinantWireSize
	endOffsetWireAddr   = 24 // offset of the End field within the Offsets block
)

func encodeOffsetsWire(o replog.Offsets) []byte {
	b := make([]byte, offsetsWireSize)
	binary.LittleEndian.PutUint64(b[0:8], o.Head)
	binary.LittleEndian.PutUint64(b[8:16], o.Apply)
	binary.LittleEndian.PutUint64(b[16:24], o.Commit)
	binary.LittleEndian.PutUint64(b[24:32], o.End)
	return b
}

func decodeOffsetsWire(b []byte) replog.Offsets {
	if len(b) < offsetsWireSize {
		return replog.Offsets{}
	}
	return replog.Offsets{
		Head:   binary.LittleEndian.Uint64(b[0:8]),
		Apply:  binary.LittleEndian.Uint64(b[8:16]),
		Commit: binary.LittleEndian.Uint64(b[16:24]),
		End:    binary.LittleEndian.Uint64(b[24:32]),
	}
}

func encodeNCBufferWire(nc replog.NCBuffer) []byte {
	b := make([]byte, ncBufferWireSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(nc.Entries)))
	for i, det := range nc.Entries {
		off := 4 + i*determinantWireSize
		binary.LittleEndian.PutUint64(b[off:off+8], det.Idx)
		binary.LittleEndian.PutUint64(b[off+8:off+16], det.Term)
		binary.LittleEndian.PutUint64(b[off+16:off+24], det.Offset)
	}
	return b
}

func decodeNCBufferWire(b []byte) replog.NCBuffer {
	if len(b) < 4 {
		return replog.NCBuffer{}
	}
	n := int(binary.LittleEndian.Uint32(b[0:4]))
	if n > replog.MaxNCEntries {
		n = replog.MaxNCEntries
	}
	nc := replog.NCBuffer{Entries: make([]replog.Determinant, 0, n)}
	for i := 0; i < n; i++ {
		off := 4 + i*determinantWireSize
		if off+determinantWireSize > len(b) {
			break
		}
		nc.Entries = append(nc.Entries, replog.Determinant{
			Idx:    binary.LittleEndian.Uint64(b[off : off+8]),
			Term:   binary.LittleEndian.Uint64(b[off+8 : off+16]),
			Offset: binary.LittleEndian.Uint64(b[off+16 : off+24]),
		})
	}
	return nc
}

func encodeUint64Wire(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func decodeUint64Wire(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

var configurationMsgpackHandle codec.MsgpackHandle

func decodeConfigurationPayload(b []byte) (pb.Configuration, error) {
	var cfg pb.Configuration
	err := codec.NewDecoderBytes(b, &configurationMsgpackHandle).Decode(&cfg)
	return cfg, err
}

func encodeConfigurationPayload(cfg pb.Configuration) ([]byte, error) {
	var b []byte
	err := codec.NewEncoderBytes(&b, &configurationMsgpackHandle).Encode(cfg)
	return b, err
}
