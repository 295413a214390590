// Package objectstore implements C1, the content-addressed object store
// proxy (spec.md §2, §4.1): it dispatches by ObjectKind, translating
// Commit and Tree objects through pkg/encoding's structural codec and
// pkg/gitbackend's git object format, while File and Symlink payloads pass
// straight through as git blobs (a file's bytes are its raw content; a
// symlink's bytes are its UTF-8 target path, spec.md §3).
package objectstore

import (
	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/gitbackend"
	"github.com/laulauland/tandem/pkg/log"
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
)

// SigningFunc signs the canonical bytes of a not-yet-signed commit (its
// structural encoding with SecureSig empty) and returns the signature to
// embed. Supplied by C5 at the RPC boundary; the core never signs on its
// own behalf (spec.md §4.1).
type SigningFunc func(unsigned []byte) ([]byte, error)

// Store is the C1 object store proxy, backed by a single git repository.
type Store struct {
	backend *gitbackend.Store
	roots   RootIdentities
}

// Open opens the object store rooted at dataDir, creating the underlying
// git layout if it does not already exist.
func Open(dataDir string) (*Store, error) {
	backend, err := gitbackend.Open(dataDir)
	if err != nil {
		return nil, err
	}
	return &Store{backend: backend, roots: ComputeRootIdentities()}, nil
}

// Roots exposes the repository's distinguished identities, reported once
// at handshake time (spec.md I5).
func (s *Store) Roots() RootIdentities { return s.roots }

// GetObject returns the structurally-encoded bytes of the object named by
// kind and id. The synthetic root commit is served from memory without
// touching the backend.
func (s *Store) GetObject(kind types.ObjectKind, id types.ID) ([]byte, error) {
	switch kind {
	case types.KindCommit:
		if id.Equal(s.roots.RootCommitID) {
			return encoding.EncodeCommit(s.roots.RootCommit)
		}
		c, err := s.backend.ReadCommit(id)
		if err != nil {
			return nil, err
		}
		return encoding.EncodeCommit(c)

	case types.KindTree:
		t, err := s.backend.ReadTree(id)
		if err != nil {
			return nil, err
		}
		return encoding.EncodeTree(t)

	case types.KindFile, types.KindSymlink:
		return s.backend.ReadObject(gitbackend.TypeBlob, id)

	case types.KindCopy:
		return nil, tderrors.New(tderrors.Unsupported, "copy objects are not implemented")

	default:
		return nil, tderrors.New(tderrors.InvalidArgument, "unknown object kind %d", kind)
	}
}

// PutObject stores an object, returning its assigned ID and the
// normalized bytes the store actually committed (which may differ from
// raw: a Commit or Tree is re-serialized through its canonical form, and
// a signed commit reflects the post-signing encoding).
func (s *Store) PutObject(kind types.ObjectKind, raw []byte, sign SigningFunc) (types.ID, []byte, error) {
	switch kind {
	case types.KindCommit:
		return s.putCommit(raw, sign)

	case types.KindTree:
		t, err := encoding.DecodeTree(raw)
		if err != nil {
			return nil, nil, err
		}
		id, err := s.backend.WriteTree(t)
		if err != nil {
			return nil, nil, err
		}
		stored, err := s.backend.ReadTree(id)
		if err != nil {
			return nil, nil, err
		}
		norm, err := encoding.EncodeTree(stored)
		if err != nil {
			return nil, nil, err
		}
		return id, norm, nil

	case types.KindFile, types.KindSymlink:
		id, err := s.backend.WriteObject(gitbackend.TypeBlob, raw)
		if err != nil {
			return nil, nil, err
		}
		return id, raw, nil

	case types.KindCopy:
		return nil, nil, tderrors.New(tderrors.Unsupported, "copy objects are not implemented")

	default:
		return nil, nil, tderrors.New(tderrors.InvalidArgument, "unknown object kind %d", kind)
	}
}

func (s *Store) putCommit(raw []byte, sign SigningFunc) (types.ID, []byte, error) {
	c, err := encoding.DecodeCommit(raw)
	if err != nil {
		return nil, nil, err
	}

	// The synthetic root is the only legal zero-parent commit; every other
	// commit must root itself in something the caller actually wrote.
	if len(c.Parents) == 0 {
		return nil, nil, tderrors.New(tderrors.InvalidArgument, "commit has no parents: only the root commit may be parentless")
	}

	if sign != nil {
		c.SecureSig = nil
		unsigned, err := encoding.EncodeCommit(c)
		if err != nil {
			return nil, nil, err
		}
		sig, err := sign(unsigned)
		if err != nil {
			return nil, nil, tderrors.Wrap(tderrors.BackendIO, err, "sign commit")
		}
		c.SecureSig = sig
		log.WithComponent("objectstore").Debug().Int("sigBytes", len(sig)).Msg("commit signed")
	}

	id, err := s.backend.WriteCommit(c)
	if err != nil {
		return nil, nil, err
	}
	stored, err := s.backend.ReadCommit(id)
	if err != nil {
		return nil, nil, err
	}
	norm, err := encoding.EncodeCommit(stored)
	if err != nil {
		return nil, nil, err
	}
	return id, norm, nil
}
