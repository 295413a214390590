package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/laulauland/tandem/pkg/types"
)

func sampleOperation() *types.Operation {
	return &types.Operation{
		ViewID:  make(types.ID, OpOrViewIDLength),
		Parents: []types.ID{make(types.ID, OpOrViewIDLength)},
		Metadata: types.OperationMetadata{
			StartMillis: 1, EndMillis: 2, Description: "snapshot", Hostname: "h", Username: "u",
		},
	}
}

func TestCanonicalizeOperationIsStableAcrossReencoding(t *testing.T) {
	op := sampleOperation()
	raw, err := EncodeOperation(op)
	require.NoError(t, err)

	canon1, decoded1, err := CanonicalizeOperation(raw)
	require.NoError(t, err)
	canon2, _, err := CanonicalizeOperation(canon1)
	require.NoError(t, err)

	require.Equal(t, canon1, canon2, "re-canonicalizing an already-canonical encoding must be a no-op")
	require.Equal(t, op.Metadata.Description, decoded1.Metadata.Description)
}

func TestHashOperationIDStableForEqualContent(t *testing.T) {
	op := sampleOperation()
	raw1, err := EncodeOperation(op)
	require.NoError(t, err)
	raw2, err := EncodeOperation(op)
	require.NoError(t, err)

	canon1, _, err := CanonicalizeOperation(raw1)
	require.NoError(t, err)
	canon2, _, err := CanonicalizeOperation(raw2)
	require.NoError(t, err)

	id1 := HashOperationID(canon1)
	id2 := HashOperationID(canon2)
	require.True(t, id1.Equal(id2))
	require.Len(t, id1, OpOrViewIDLength)
}

func TestHashOperationIDAndViewIDDoNotCollide(t *testing.T) {
	canon := []byte("identical bytes fed to both domains")
	opID := HashOperationID(canon)
	viewID := HashViewID(canon)
	require.False(t, opID.Equal(viewID), "domain separation must prevent operation/view ID collisions on identical bytes")
}

// TestCanonicalizeOperationCollapsesFieldOrder feeds the decoder a hand-built
// msgpack map with keys in a different order than the struct declares (and
// the CommitPredecessors key omitted); canonicalizing must still hash
// identically to an encode of the equivalent decoded struct (spec.md I2).
func TestCanonicalizeOperationCollapsesFieldOrder(t *testing.T) {
	op := sampleOperation()
	canonical, err := EncodeOperation(op)
	require.NoError(t, err)

	reordered, err := msgpack.Marshal(map[string]any{
		"metadata": op.Metadata,
		"parents":  op.Parents,
		"view_id":  op.ViewID,
	})
	require.NoError(t, err)

	canon1, _, err := CanonicalizeOperation(canonical)
	require.NoError(t, err)
	canon2, _, err := CanonicalizeOperation(reordered)
	require.NoError(t, err)

	require.Equal(t, canon1, canon2)
	require.True(t, HashOperationID(canon1).Equal(HashOperationID(canon2)))
}

func TestDecodeViewForwardCompatibility(t *testing.T) {
	legacy, err := msgpack.Marshal(map[string]any{
		"head_commits":    []types.ID{},
		"local_bookmarks": map[string]types.RefTarget{},
		"local_tags":      map[string]types.RefTarget{},
		"git_refs":        map[string]types.RefTarget{},
		// wc_commits and remote_views omitted, as an older server would.
	})
	require.NoError(t, err)

	v, err := DecodeView(legacy)
	require.NoError(t, err)
	require.NotNil(t, v.RemoteViews)
	require.NotNil(t, v.WCCommits)
	require.Empty(t, v.RemoteViews)
}
