// Package opstore implements C2, the operation/view store (spec.md §4.2):
// write-once, hash-addressed files under op_store/operations and
// op_store/views, plus prefix resolution. The canonical on-disk layout
// (one file per object, named by its hex ID) is the durable source of
// truth; a bbolt index alongside it is a rebuildable secondary structure
// that makes resolveOperationIdPrefix a sorted-key scan instead of a
// directory listing, the same "bbolt as a cache in front of the real
// layout" shape the teacher uses for its node/service/container state
// (pkg/storage/boltdb.go) — except here the directory, not bbolt, is
// authoritative, so losing or deleting the index file only costs a
// rebuild, never data.
package opstore

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/log"
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
)

// prefixCacheSize bounds the small recently-resolved-prefix cache, grounded
// on original_source/src/op_heads_store.rs's LRU that exists purely to spare
// a shell-completion-style burst of repeat lookups a full index scan.
const prefixCacheSize = 64

var (
	bucketOperations = []byte("operations")
	bucketViews      = []byte("views")
)

// PrefixOutcome is the result kind of resolveOperationIdPrefix.
type PrefixOutcome int

const (
	NoMatch PrefixOutcome = iota
	SingleMatch
	Ambiguous
)

// PrefixResult is the outcome of a prefix resolution, with the matched ID
// populated only for SingleMatch.
type PrefixResult struct {
	Outcome PrefixOutcome
	ID      types.ID
}

// Store is the C2 operation/view store, rooted at a repository's
// op_store directory.
type Store struct {
	root      string
	db        *bolt.DB
	rootOp    *types.Operation
	rootOpID  types.ID
	rootOpRaw []byte

	prefixMu    sync.Mutex
	prefixOrder []string
	prefixCache map[string]PrefixResult
}

// Open opens (creating if necessary) the op_store directory at root and
// reconciles its bbolt index against the on-disk write-once files.
// rootOp/rootOpID are the repository's synthesized root operation (never
// itself written to disk) used to serve getOperation(rootOpID) and to
// lift parentless non-root operations on read (spec.md §4.2 edge case).
func Open(root string, rootOp *types.Operation, rootOpID types.ID) (*Store, error) {
	for _, dir := range []string{
		filepath.Join(root, "operations"),
		filepath.Join(root, "views"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, tderrors.Wrap(tderrors.BackendIO, err, "create %s", dir)
		}
	}

	db, err := bolt.Open(filepath.Join(root, "index.boltdb"), 0o600, nil)
	if err != nil {
		return nil, tderrors.Wrap(tderrors.BackendIO, err, "open op_store index")
	}

	rootOpRaw, err := encoding.EncodeOperation(rootOp)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		root: root, db: db, rootOp: rootOp, rootOpID: rootOpID, rootOpRaw: rootOpRaw,
		prefixCache: make(map[string]PrefixResult),
	}
	if err := s.reconcileIndex(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the index database.
func (s *Store) Close() error { return s.db.Close() }

// reconcileIndex ensures every file present under operations/ and views/
// has a matching bbolt key, so a missing or freshly-created index file
// catches up without re-reading object content.
func (s *Store) reconcileIndex() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOperations, bucketViews} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		ops, err := tx.CreateBucketIfNotExists(bucketOperations)
		if err != nil {
			return err
		}
		if err := reconcileBucket(ops, filepath.Join(s.root, "operations")); err != nil {
			return err
		}
		views, err := tx.CreateBucketIfNotExists(bucketViews)
		if err != nil {
			return err
		}
		return reconcileBucket(views, filepath.Join(s.root, "views"))
	})
}

func reconcileBucket(b *bolt.Bucket, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return tderrors.Wrap(tderrors.BackendIO, err, "list %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := []byte(e.Name())
		if b.Get(name) != nil {
			continue
		}
		if err := b.Put(name, []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

// PutOperation decodes, canonicalizes, hashes, and write-once-persists raw
// operation bytes, returning the assigned ID.
func (s *Store) PutOperation(raw []byte) (types.ID, error) {
	canon, _, err := encoding.CanonicalizeOperation(raw)
	if err != nil {
		return nil, err
	}
	id := encoding.HashOperationID(canon)
	if err := s.writeOnce(filepath.Join(s.root, "operations", hexName(id)), canon); err != nil {
		return nil, err
	}
	if err := s.index(bucketOperations, hexName(id)); err != nil {
		return nil, err
	}
	s.invalidatePrefixCache()
	log.WithComponent("opstore").Debug().Str("id", hexName(id)).Msg("operation stored, prefix cache invalidated")
	return id, nil
}

// GetOperation returns an operation's canonical bytes. A parentless
// non-root operation is lifted to carry the root operation as its sole
// parent before being returned (back-compat for pre-root-operation
// stores, spec.md §4.2).
func (s *Store) GetOperation(id types.ID) ([]byte, error) {
	if id.Equal(s.rootOpID) {
		return s.rootOpRaw, nil
	}
	raw, err := readFile(filepath.Join(s.root, "operations", hexName(id)), "operation", id)
	if err != nil {
		return nil, err
	}
	op, err := encoding.DecodeOperation(raw)
	if err != nil {
		return nil, err
	}
	if len(op.Parents) == 0 {
		op.Parents = []types.ID{s.rootOpID}
		return encoding.EncodeOperation(op)
	}
	return raw, nil
}

// PutView decodes, canonicalizes, hashes, and write-once-persists raw
// view bytes, returning the assigned ID.
func (s *Store) PutView(raw []byte) (types.ID, error) {
	canon, _, err := encoding.CanonicalizeView(raw)
	if err != nil {
		return nil, err
	}
	id := encoding.HashViewID(canon)
	if err := s.writeOnce(filepath.Join(s.root, "views", hexName(id)), canon); err != nil {
		return nil, err
	}
	if err := s.index(bucketViews, hexName(id)); err != nil {
		return nil, err
	}
	return id, nil
}

// GetView returns a view's canonical bytes.
func (s *Store) GetView(id types.ID) ([]byte, error) {
	return readFile(filepath.Join(s.root, "views", hexName(id)), "view", id)
}

// ResolveOperationIDPrefix scans the bbolt index of stored operation IDs
// (sorted lexicographically by hex name) for candidates matching
// hexPrefix.
func (s *Store) ResolveOperationIDPrefix(hexPrefix string) (PrefixResult, error) {
	if _, err := hex.DecodeString(padOddHex(hexPrefix)); err != nil {
		return PrefixResult{}, tderrors.New(tderrors.InvalidArgument, "prefix %q is not hex", hexPrefix)
	}

	if cached, ok := s.cachedPrefix(hexPrefix); ok {
		return cached, nil
	}

	var matches []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOperations)
		c := b.Cursor()
		prefix := []byte(hexPrefix)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			matches = append(matches, string(k))
		}
		return nil
	})
	if err != nil {
		return PrefixResult{}, tderrors.Wrap(tderrors.BackendIO, err, "scan operation index")
	}
	sort.Strings(matches)

	var result PrefixResult
	switch len(matches) {
	case 0:
		result = PrefixResult{Outcome: NoMatch}
	case 1:
		id, err := hex.DecodeString(matches[0])
		if err != nil {
			return PrefixResult{}, tderrors.Wrap(tderrors.Decode, err, "decode matched id")
		}
		result = PrefixResult{Outcome: SingleMatch, ID: types.ID(id)}
	default:
		result = PrefixResult{Outcome: Ambiguous}
	}
	s.cachePrefix(hexPrefix, result)
	return result, nil
}

// cachedPrefix/cachePrefix/invalidatePrefixCache implement the small
// recently-resolved-prefix cache (see prefixCacheSize).
func (s *Store) cachedPrefix(hexPrefix string) (PrefixResult, bool) {
	s.prefixMu.Lock()
	defer s.prefixMu.Unlock()
	r, ok := s.prefixCache[hexPrefix]
	return r, ok
}

func (s *Store) cachePrefix(hexPrefix string, result PrefixResult) {
	s.prefixMu.Lock()
	defer s.prefixMu.Unlock()
	if _, exists := s.prefixCache[hexPrefix]; !exists {
		s.prefixOrder = append(s.prefixOrder, hexPrefix)
	}
	s.prefixCache[hexPrefix] = result
	for len(s.prefixOrder) > prefixCacheSize {
		oldest := s.prefixOrder[0]
		s.prefixOrder = s.prefixOrder[1:]
		delete(s.prefixCache, oldest)
	}
}

func (s *Store) invalidatePrefixCache() {
	s.prefixMu.Lock()
	defer s.prefixMu.Unlock()
	s.prefixOrder = nil
	s.prefixCache = make(map[string]PrefixResult)
}

func (s *Store) writeOnce(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o444)
	if err != nil {
		if os.IsExist(err) {
			return nil // content-addressed: an existing file already holds this content
		}
		return tderrors.Wrap(tderrors.BackendIO, err, "create %s", path)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return tderrors.Wrap(tderrors.BackendIO, err, "write %s", path)
	}
	return nil
}

func (s *Store) index(bucket []byte, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(name), []byte{1})
	})
}

func readFile(path, kind string, id types.ID) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, tderrors.New(tderrors.NotFound, "%s %x not found", kind, []byte(id))
		}
		return nil, tderrors.Wrap(tderrors.BackendIO, err, "read %s", path)
	}
	return data, nil
}

func hexName(id types.ID) string { return hex.EncodeToString(id) }

func padOddHex(s string) string {
	if len(s)%2 == 1 {
		return s + "0"
	}
	return s
}
