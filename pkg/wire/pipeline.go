package wire

import (
	"bytes"
	"encoding/binary"
)

// refMagic tags a PipelineRef placeholder so it can be found inside an
// otherwise-opaque Data blob without colliding with real object bytes;
// it is deliberately not a valid prefix of any git object header or
// msgpack type tag the rest of the wire format produces.
var refMagic = []byte{0x00, 0xf7, 'T', 'P', 'R', 'E', 'F', 0xf7, 0x00}

// refPlaceholderLen is refMagic plus an 8-byte big-endian call ID.
const refPlaceholderLen = 9 + 8

// EncodeRef produces a placeholder the caller splices into a Data blob
// at the position where the result ID of call callID belongs. The
// server resolves it once that call's result is available, before
// running the handler that depends on it (spec.md §4.4: "The server's
// dispatcher must resolve pipelined references against in-flight
// state").
func EncodeRef(callID uint64) []byte {
	buf := make([]byte, refPlaceholderLen)
	copy(buf, refMagic)
	binary.BigEndian.PutUint64(buf[len(refMagic):], callID)
	return buf
}

// EncodeRefOfLength produces a placeholder padded with zero bytes to
// exactly length bytes, so it can stand in for an ID field of a fixed
// declared length (e.g. a 20-byte commit/tree ID) inside a struct that
// pkg/encoding will structurally re-serialize: the msgpack bin header
// it produces only encodes the slice's actual length, so a same-length
// placeholder round-trips through encoding exactly like a real ID.
// length must be at least refPlaceholderLen (17).
func EncodeRefOfLength(callID uint64, length int) []byte {
	buf := make([]byte, length)
	copy(buf, refMagic)
	binary.BigEndian.PutUint64(buf[len(refMagic):], callID)
	return buf
}

// FindRefs scans data for every PipelineRef placeholder, returning the
// referenced call IDs in order of first appearance. Duplicate refs to
// the same call ID are returned once per occurrence so ResolveRefs can
// replace each independently.
func FindRefs(data []byte) []uint64 {
	var ids []uint64
	for i := 0; i+refPlaceholderLen <= len(data); {
		idx := bytes.Index(data[i:], refMagic)
		if idx < 0 {
			break
		}
		start := i + idx
		if start+refPlaceholderLen > len(data) {
			break
		}
		ids = append(ids, binary.BigEndian.Uint64(data[start+len(refMagic):start+refPlaceholderLen]))
		i = start + refPlaceholderLen
	}
	return ids
}

// ResolveRefs replaces every PipelineRef placeholder in data with the
// bytes resolve(callID) returns. A placeholder spans refPlaceholderLen
// bytes, or len(resolved) bytes when the resolved value is longer (the
// zero padding EncodeRefOfLength adds), so a placeholder sized to the
// ID it stands for is replaced by exactly that ID. ResolveRefs does not
// check that the padding bytes are zero.
func ResolveRefs(data []byte, resolve func(callID uint64) ([]byte, error)) ([]byte, error) {
	var out bytes.Buffer
	i := 0
	for i < len(data) {
		idx := bytes.Index(data[i:], refMagic)
		if idx < 0 {
			out.Write(data[i:])
			break
		}
		start := i + idx
		if start+refPlaceholderLen > len(data) {
			out.Write(data[i:])
			break
		}
		out.Write(data[i:start])
		callID := binary.BigEndian.Uint64(data[start+len(refMagic) : start+refPlaceholderLen])
		resolved, err := resolve(callID)
		if err != nil {
			return nil, err
		}
		out.Write(resolved)
		span := refPlaceholderLen
		if len(resolved) > span && start+len(resolved) <= len(data) {
			span = len(resolved)
		}
		i = start + span
	}
	return out.Bytes(), nil
}
