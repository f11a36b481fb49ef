package telemetry

import (
	"encoding/binary"
	"fmt"
	"math"
)

// WireSize is the exact width of one encoded sample. The layout is the
// whole contract with the ML consumer: no framing, no version byte.
const WireSize = 68

// EncodeWire serializes a sample into the fixed 68-byte little-endian
// record the ML analyzer consumes, one record per datagram.
func EncodeWire(s *Sample, buf *[WireSize]byte) {
	binary.LittleEndian.PutUint64(buf[0:8], s.TimestampNs)
	binary.LittleEndian.PutUint64(buf[8:16], s.CacheReferences)
	binary.LittleEndian.PutUint64(buf[16:24], s.CacheMisses)
	binary.LittleEndian.PutUint64(buf[24:32], s.BranchInstructions)
	binary.LittleEndian.PutUint64(buf[32:40], s.BranchMisses)
	binary.LittleEndian.PutUint64(buf[40:48], s.Cycles)
	binary.LittleEndian.PutUint64(buf[48:56], s.Instructions)
	binary.LittleEndian.PutUint32(buf[56:60], math.Float32bits(s.CacheMissRate))
	binary.LittleEndian.PutUint32(buf[60:64], math.Float32bits(s.BranchMissRate))
	binary.LittleEndian.PutUint32(buf[64:68], math.Float32bits(s.IPC))
}

// DecodeWire parses one wire record back into a sample. Only used by tests
// and inspection tooling; the daemon itself is send-only.
func DecodeWire(data []byte, out *Sample) error {
	if len(data) != WireSize {
		return fmt.Errorf("telemetry: wire record must be %d bytes, got %d", WireSize, len(data))
	}
	out.TimestampNs = binary.LittleEndian.Uint64(data[0:8])
	out.CacheReferences = binary.LittleEndian.Uint64(data[8:16])
	out.CacheMisses = binary.LittleEndian.Uint64(data[16:24])
	out.BranchInstructions = binary.LittleEndian.Uint64(data[24:32])
	out.BranchMisses = binary.LittleEndian.Uint64(data[32:40])
	out.Cycles = binary.LittleEndian.Uint64(data[40:48])
	out.Instructions = binary.LittleEndian.Uint64(data[48:56])
	out.CacheMissRate = math.Float32frombits(binary.LittleEndian.Uint32(data[56:60]))
	out.BranchMissRate = math.Float32frombits(binary.LittleEndian.Uint32(data[60:64]))
	out.IPC = math.Float32frombits(binary.LittleEndian.Uint32(data[64:68]))
	return nil
}
