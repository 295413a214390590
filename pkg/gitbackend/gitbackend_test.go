package gitbackend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/tandem/pkg/types"
)

func TestWriteObjectContentAddressStable(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("hello tandem")
	id1, err := s.WriteObject(TypeBlob, payload)
	require.NoError(t, err)
	id2, err := s.WriteObject(TypeBlob, payload)
	require.NoError(t, err)

	require.True(t, id1.Equal(id2), "identical content must hash to the same ID")
	require.Equal(t, IDLength, len(id1))

	got, err := s.ReadObject(TypeBlob, id1)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestHashObjectMatchesWriteObject(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	payload := []byte("some tree bytes")
	want := HashObject(TypeTree, payload)
	got, err := s.WriteObject(TypeTree, payload)
	require.NoError(t, err)
	require.True(t, want.Equal(got))
}

func TestReadObjectNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.ReadObject(TypeBlob, types.ID(make([]byte, IDLength)))
	require.Error(t, err)
}

func TestCommitRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	tree, err := s.WriteTree(&types.Tree{})
	require.NoError(t, err)

	c := &types.Commit{
		RootTree: []types.ID{tree},
		ChangeID: make(types.ID, 32),
		Author: types.Signature{
			Name: "tandem", Email: "tandem@example.com",
			Timestamp: types.Timestamp{MillisSinceEpoch: 1000, TzOffsetMinutes: 60},
		},
		Committer: types.Signature{
			Name: "tandem", Email: "tandem@example.com",
			Timestamp: types.Timestamp{MillisSinceEpoch: 1000, TzOffsetMinutes: 60},
		},
		Description: "a commit",
	}

	id, err := s.WriteCommit(c)
	require.NoError(t, err)

	got, err := s.ReadCommit(id)
	require.NoError(t, err)
	require.Equal(t, c.Description, got.Description)
	require.True(t, tree.Equal(got.RootTree[0]))
	require.True(t, c.ChangeID.Equal(got.ChangeID))
}

func TestTreeRoundTripSorted(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	blobA, err := s.WriteObject(TypeBlob, []byte("a"))
	require.NoError(t, err)
	blobB, err := s.WriteObject(TypeBlob, []byte("b"))
	require.NoError(t, err)

	tree := &types.Tree{Entries: []types.TreeEntry{
		{Name: "zeta.txt", Mode: types.ModeRegular, Ref: blobA},
		{Name: "alpha.txt", Mode: types.ModeRegular, Ref: blobB},
	}}

	id, err := s.WriteTree(tree)
	require.NoError(t, err)

	got, err := s.ReadTree(id)
	require.NoError(t, err)
	require.Len(t, got.Entries, 2)
	require.Equal(t, "alpha.txt", got.Entries[0].Name)
	require.Equal(t, "zeta.txt", got.Entries[1].Name)
}
