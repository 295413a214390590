package objectstore

import (
	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/gitbackend"
	"github.com/laulauland/tandem/pkg/types"
)

// RootIdentities are the distinguished IDs a repository reports once at
// handshake time and which are never written to the backend (spec.md I5).
type RootIdentities struct {
	RootCommit    *types.Commit
	RootCommitID  types.ID
	RootChangeID  types.ID
	EmptyTreeID   types.ID
	RootOperation *types.Operation
	RootOpID      types.ID
}

// changeIDLength is the declared length of a change ID for this backend
// (spec.md §6: "change IDs — 32 bytes").
const changeIDLength = 32

// ComputeRootIdentities derives the root commit, root change ID, empty
// tree ID, and root operation ID. These are pure functions of the
// well-known sentinel values below, never of any stored data, so every
// server (and every client, from the handshake) agrees on them without a
// round trip.
func ComputeRootIdentities() RootIdentities {
	emptyTreeID := gitbackend.HashObject(gitbackend.TypeTree, nil)

	rootChangeID := make(types.ID, changeIDLength) // all-zero, the jj convention for the root change

	rootCommit := &types.Commit{
		Parents:     nil,
		RootTree:    []types.ID{emptyTreeID},
		ChangeID:    rootChangeID,
		Description: "",
		Author:      types.Signature{Name: "", Email: ""},
		Committer:   types.Signature{Name: "", Email: ""},
	}
	rootCommitBytes, err := encoding.EncodeCommit(rootCommit)
	if err != nil {
		panic(err) // root commit encoding can never fail: it has no variable input
	}
	rootCommitID := gitbackend.HashObject(gitbackend.TypeCommit, rootCommitBytes)

	rootView := &types.View{
		HeadCommits:    []types.ID{rootCommitID},
		WCCommits:      map[string]types.ID{},
		LocalBookmarks: map[string]types.RefTarget{},
		LocalTags:      map[string]types.RefTarget{},
		GitRefs:        map[string]types.RefTarget{},
	}
	rootViewBytes, err := encoding.EncodeView(rootView)
	if err != nil {
		panic(err)
	}
	rootViewID := encoding.HashViewID(rootViewBytes)

	rootOp := &types.Operation{
		ViewID:   rootViewID,
		Parents:  nil,
		Metadata: types.OperationMetadata{Description: "root"},
	}
	rootOpBytes, err := encoding.EncodeOperation(rootOp)
	if err != nil {
		panic(err)
	}
	rootOpID := encoding.HashOperationID(rootOpBytes)

	return RootIdentities{
		RootCommit:    rootCommit,
		RootCommitID:  rootCommitID,
		RootChangeID:  rootChangeID,
		EmptyTreeID:   emptyTreeID,
		RootOperation: rootOp,
		RootOpID:      rootOpID,
	}
}
