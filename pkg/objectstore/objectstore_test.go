package objectstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/types"
)

func TestRootIdentitiesAreDeterministic(t *testing.T) {
	a := ComputeRootIdentities()
	b := ComputeRootIdentities()

	require.True(t, a.RootCommitID.Equal(b.RootCommitID))
	require.True(t, a.EmptyTreeID.Equal(b.EmptyTreeID))
	require.True(t, a.RootOpID.Equal(b.RootOpID))
	require.True(t, a.RootChangeID.Equal(b.RootChangeID))
}

func TestGetObjectServesRootCommitFromMemory(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	data, err := s.GetObject(types.KindCommit, s.Roots().RootCommitID)
	require.NoError(t, err)
	decoded, err := encoding.DecodeCommit(data)
	require.NoError(t, err)
	require.Empty(t, decoded.Description)
	require.Len(t, decoded.Parents, 0)
}

func TestPutObjectFileRoundTripsRawBytes(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	id, norm, err := s.PutObject(types.KindFile, []byte("contents"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("contents"), norm)

	got, err := s.GetObject(types.KindFile, id)
	require.NoError(t, err)
	require.Equal(t, []byte("contents"), got)
}

func TestPutObjectSymlinkRoundTripsTargetPath(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	id, norm, err := s.PutObject(types.KindSymlink, []byte("../target"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("../target"), norm)

	got, err := s.GetObject(types.KindSymlink, id)
	require.NoError(t, err)
	require.Equal(t, []byte("../target"), got)
}

func TestPutObjectTreeRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	fileID, _, err := s.PutObject(types.KindFile, []byte("a"), nil)
	require.NoError(t, err)

	tree := &types.Tree{Entries: []types.TreeEntry{
		{Name: "a.txt", Mode: types.ModeRegular, Ref: fileID},
	}}
	raw, err := encoding.EncodeTree(tree)
	require.NoError(t, err)

	id, norm, err := s.PutObject(types.KindTree, raw, nil)
	require.NoError(t, err)
	require.NotEmpty(t, norm)

	got, err := s.GetObject(types.KindTree, id)
	require.NoError(t, err)
	decoded, err := encoding.DecodeTree(got)
	require.NoError(t, err)
	require.Len(t, decoded.Entries, 1)
	require.Equal(t, "a.txt", decoded.Entries[0].Name)
}

func TestPutObjectCommitRejectsZeroParents(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c := &types.Commit{
		RootTree:    []types.ID{s.Roots().EmptyTreeID},
		ChangeID:    make(types.ID, 32),
		Description: "not the root",
	}
	raw, err := encoding.EncodeCommit(c)
	require.NoError(t, err)

	_, _, err = s.PutObject(types.KindCommit, raw, nil)
	require.Error(t, err, "only the synthetic root commit may have zero parents")
}

func TestPutObjectCommitWithParentSucceeds(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c := &types.Commit{
		Parents:     []types.ID{s.Roots().RootCommitID},
		RootTree:    []types.ID{s.Roots().EmptyTreeID},
		ChangeID:    make(types.ID, 32),
		Description: "child commit",
	}
	raw, err := encoding.EncodeCommit(c)
	require.NoError(t, err)

	id, norm, err := s.PutObject(types.KindCommit, raw, nil)
	require.NoError(t, err)

	got, err := s.GetObject(types.KindCommit, id)
	require.NoError(t, err)
	decoded, err := encoding.DecodeCommit(got)
	require.NoError(t, err)
	require.Equal(t, "child commit", decoded.Description)
	require.Equal(t, norm, got)
}

func TestPutObjectCommitAppliesSigningFunc(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	c := &types.Commit{
		Parents:     []types.ID{s.Roots().RootCommitID},
		RootTree:    []types.ID{s.Roots().EmptyTreeID},
		ChangeID:    make(types.ID, 32),
		Description: "signed",
	}
	raw, err := encoding.EncodeCommit(c)
	require.NoError(t, err)

	var signedUnsignedBytes []byte
	sign := func(unsigned []byte) ([]byte, error) {
		signedUnsignedBytes = unsigned
		return []byte("signature-bytes"), nil
	}

	id, norm, err := s.PutObject(types.KindCommit, raw, sign)
	require.NoError(t, err)
	require.NotEmpty(t, signedUnsignedBytes, "signer must receive the unsigned canonical bytes")

	decoded, err := encoding.DecodeCommit(norm)
	require.NoError(t, err)
	require.Equal(t, []byte("signature-bytes"), decoded.SecureSig)

	got, err := s.GetObject(types.KindCommit, id)
	require.NoError(t, err)
	require.Equal(t, norm, got)
}

func TestPutObjectCopyUnsupported(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, _, err = s.PutObject(types.KindCopy, nil, nil)
	require.Error(t, err)
}
