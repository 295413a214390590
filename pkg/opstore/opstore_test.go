package opstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/types"
)

func openTestStore(t *testing.T) (*Store, types.ID) {
	t.Helper()
	rootOp := &types.Operation{Metadata: types.OperationMetadata{Description: "root"}}
	raw, err := encoding.EncodeOperation(rootOp)
	require.NoError(t, err)
	rootOpID := encoding.HashOperationID(raw)

	s, err := Open(filepath.Join(t.TempDir(), "op_store"), rootOp, rootOpID)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, rootOpID
}

func TestPutOperationWriteOnceIdempotent(t *testing.T) {
	s, rootOpID := openTestStore(t)

	op := &types.Operation{ViewID: make(types.ID, 64), Parents: []types.ID{rootOpID},
		Metadata: types.OperationMetadata{Description: "first"}}
	raw, err := encoding.EncodeOperation(op)
	require.NoError(t, err)

	id1, err := s.PutOperation(raw)
	require.NoError(t, err)
	id2, err := s.PutOperation(raw)
	require.NoError(t, err)
	require.True(t, id1.Equal(id2))

	got, err := s.GetOperation(id1)
	require.NoError(t, err)
	decoded, err := encoding.DecodeOperation(got)
	require.NoError(t, err)
	require.Equal(t, "first", decoded.Metadata.Description)
}

func TestGetOperationLiftsParentlessNonRoot(t *testing.T) {
	s, rootOpID := openTestStore(t)

	op := &types.Operation{ViewID: make(types.ID, 64), Metadata: types.OperationMetadata{Description: "orphan"}}
	raw, err := encoding.EncodeOperation(op)
	require.NoError(t, err)
	id, err := s.PutOperation(raw)
	require.NoError(t, err)

	got, err := s.GetOperation(id)
	require.NoError(t, err)
	decoded, err := encoding.DecodeOperation(got)
	require.NoError(t, err)
	require.Len(t, decoded.Parents, 1)
	require.True(t, decoded.Parents[0].Equal(rootOpID))
}

func TestGetOperationServesRootFromMemory(t *testing.T) {
	s, rootOpID := openTestStore(t)

	raw, err := s.GetOperation(rootOpID)
	require.NoError(t, err)
	decoded, err := encoding.DecodeOperation(raw)
	require.NoError(t, err)
	require.Equal(t, "root", decoded.Metadata.Description)
}

func TestResolveOperationIDPrefixOutcomes(t *testing.T) {
	s, _ := openTestStore(t)

	op := &types.Operation{ViewID: make(types.ID, 64), Parents: []types.ID{make(types.ID, 64)},
		Metadata: types.OperationMetadata{Description: "a"}}
	raw, err := encoding.EncodeOperation(op)
	require.NoError(t, err)
	id, err := s.PutOperation(raw)
	require.NoError(t, err)

	hexID := hexName(id)

	res, err := s.ResolveOperationIDPrefix(hexID[:4])
	require.NoError(t, err)
	require.Equal(t, SingleMatch, res.Outcome)
	require.True(t, res.ID.Equal(id))

	res, err = s.ResolveOperationIDPrefix("ffffffffff")
	require.NoError(t, err)
	require.Equal(t, NoMatch, res.Outcome)

	_, err = s.ResolveOperationIDPrefix("not-hex!")
	require.Error(t, err)
}

func TestResolveOperationIDPrefixAmbiguous(t *testing.T) {
	s, _ := openTestStore(t)

	for i := 0; i < 2; i++ {
		op := &types.Operation{
			ViewID:  make(types.ID, 64),
			Parents: []types.ID{make(types.ID, 64)},
			Metadata: types.OperationMetadata{
				Description: "op", Username: string(rune('a' + i)),
			},
		}
		raw, err := encoding.EncodeOperation(op)
		require.NoError(t, err)
		_, err = s.PutOperation(raw)
		require.NoError(t, err)
	}

	// An empty prefix matches every stored operation.
	res, err := s.ResolveOperationIDPrefix("")
	require.NoError(t, err)
	require.Equal(t, Ambiguous, res.Outcome)
}

func TestPrefixCacheInvalidatedOnPut(t *testing.T) {
	s, _ := openTestStore(t)

	// The empty prefix matches every stored operation; with none stored it
	// resolves to NoMatch, and that result is cached.
	res, err := s.ResolveOperationIDPrefix("")
	require.NoError(t, err)
	require.Equal(t, NoMatch, res.Outcome)

	op := &types.Operation{ViewID: make(types.ID, 64), Parents: []types.ID{make(types.ID, 64)},
		Metadata: types.OperationMetadata{Description: "fresh"}}
	raw, err := encoding.EncodeOperation(op)
	require.NoError(t, err)
	id, err := s.PutOperation(raw)
	require.NoError(t, err)

	// The put must have dropped the cached NoMatch, so the same prefix is
	// re-scanned and now finds the new operation.
	res, err = s.ResolveOperationIDPrefix("")
	require.NoError(t, err)
	require.Equal(t, SingleMatch, res.Outcome)
	require.True(t, res.ID.Equal(id))
}

func TestPutViewRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)

	v := &types.View{
		HeadCommits:    []types.ID{make(types.ID, 20)},
		WCCommits:      map[string]types.ID{},
		LocalBookmarks: map[string]types.RefTarget{},
		LocalTags:      map[string]types.RefTarget{},
		GitRefs:        map[string]types.RefTarget{},
	}
	raw, err := encoding.EncodeView(v)
	require.NoError(t, err)

	id, err := s.PutView(raw)
	require.NoError(t, err)

	got, err := s.GetView(id)
	require.NoError(t, err)
	decoded, err := encoding.DecodeView(got)
	require.NoError(t, err)
	require.Len(t, decoded.HeadCommits, 1)
}
