// Package encoding implements the structural (schema-defined) encoding of
// commits, trees, operations, and views, per spec.md §4.2/§6. Encoding uses
// msgpack over the decoded Go structs; because a struct's field order is
// fixed by its declaration (not by however the bytes on the wire happened to
// be ordered), decoding arbitrary input and re-encoding it always produces
// the same canonical bytes for structurally-equal values. That canonical
// form is what pkg/opstore hashes for content addressing (spec.md I2).
package encoding

import (
	"fmt"

	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
	"github.com/vmihailenco/msgpack/v5"
)

// EncodeCommit produces the canonical wire bytes for a Commit.
func EncodeCommit(c *types.Commit) ([]byte, error) {
	return encode(c)
}

// DecodeCommit decodes a Commit's wire bytes.
func DecodeCommit(b []byte) (*types.Commit, error) {
	var c types.Commit
	if err := decode(b, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// EncodeTree produces the canonical wire bytes for a Tree.
func EncodeTree(t *types.Tree) ([]byte, error) {
	return encode(t)
}

// DecodeTree decodes a Tree's wire bytes.
func DecodeTree(b []byte) (*types.Tree, error) {
	var t types.Tree
	if err := decode(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// EncodeOperation produces the canonical wire bytes for an Operation.
func EncodeOperation(o *types.Operation) ([]byte, error) {
	return encode(o)
}

// DecodeOperation decodes an Operation's wire bytes.
func DecodeOperation(b []byte) (*types.Operation, error) {
	var o types.Operation
	if err := decode(b, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// EncodeView produces the canonical wire bytes for a View.
func EncodeView(v *types.View) ([]byte, error) {
	return encode(v)
}

// DecodeView decodes a View's wire bytes, tolerating a missing
// remote_views field from a legacy server (spec.md §6 forward
// compatibility).
func DecodeView(b []byte) (*types.View, error) {
	var v types.View
	if err := decode(b, &v); err != nil {
		return nil, err
	}
	if v.RemoteViews == nil {
		v.RemoteViews = map[string]types.RemoteView{}
	}
	if v.WCCommits == nil {
		v.WCCommits = map[string]types.ID{}
	}
	return &v, nil
}

// CanonicalizeOperation decodes then re-encodes raw operation bytes,
// returning the canonical form two differently-serialized-but-equal
// encodings collapse to.
func CanonicalizeOperation(raw []byte) ([]byte, *types.Operation, error) {
	op, err := DecodeOperation(raw)
	if err != nil {
		return nil, nil, err
	}
	canon, err := EncodeOperation(op)
	if err != nil {
		return nil, nil, err
	}
	return canon, op, nil
}

// CanonicalizeView decodes then re-encodes raw view bytes.
func CanonicalizeView(raw []byte) ([]byte, *types.View, error) {
	v, err := DecodeView(raw)
	if err != nil {
		return nil, nil, err
	}
	canon, err := EncodeView(v)
	if err != nil {
		return nil, nil, err
	}
	return canon, v, nil
}

func encode(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, tderrors.Wrap(tderrors.Decode, err, "encode %T", v)
	}
	return b, nil
}

func decode(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return tderrors.Wrap(tderrors.Decode, err, fmt.Sprintf("decode %T", v))
	}
	return nil
}
