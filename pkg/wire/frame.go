// Package wire implements C4's framing and message schema (spec.md
// §4.4): a length-prefixed binary protocol carrying msgpack-encoded
// request/response envelopes, grounded on original_source/src/rpc.rs's
// framing shape but built on a real corpus codec (msgpack) instead of
// Cap'n Proto, which nothing in the retrieved examples depends on (see
// DESIGN.md).
//
// Promise pipelining (spec.md §4.4) is expressed without a capability
// builder: a request's Data may embed a PipelineRef placeholder at the
// exact byte offset where a prior in-flight call's result ID belongs;
// the dispatcher (pkg/rpcserver) splices in the real bytes once that
// call resolves, before running the dependent handler. See
// ResolveRefs/EncodeRef below.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/laulauland/tandem/pkg/tderrors"
)

// maxFrameBytes bounds a single frame's length prefix against a
// corrupt or hostile peer.
const maxFrameBytes = 64 << 20

// WriteFrame writes a length-prefixed frame: a 4-byte big-endian length
// covering kind+body, then the 1-byte kind tag, then body.
func WriteFrame(w io.Writer, kind byte, body []byte) error {
	var hdr [5]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(body)+1))
	hdr[4] = kind
	if _, err := w.Write(hdr[:]); err != nil {
		return tderrors.Wrap(tderrors.Transport, err, "write frame header")
	}
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil {
			return tderrors.Wrap(tderrors.Transport, err, "write frame body")
		}
	}
	return nil
}

// ReadFrame reads one frame, returning its kind tag and body.
func ReadFrame(r io.Reader) (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, tderrors.Wrap(tderrors.Transport, err, "read frame length")
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBytes {
		return 0, nil, tderrors.New(tderrors.Transport, "invalid frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, tderrors.Wrap(tderrors.Transport, err, "read frame body")
	}
	return buf[0], buf[1:], nil
}

func marshal(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, tderrors.Wrap(tderrors.Decode, err, "encode %T", v)
	}
	return b, nil
}

func unmarshal(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return tderrors.Wrap(tderrors.Decode, err, "decode %T", v)
	}
	return nil
}

// Marshal and Unmarshal expose the wire msgpack codec for method
// parameter/result payloads that pkg/rpcserver and pkg/rpcclient encode
// independently of the Request/Response envelope.
func Marshal(v any) ([]byte, error) { return marshal(v) }

func Unmarshal(b []byte, v any) error { return unmarshal(b, v) }
