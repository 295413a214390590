package gitbackend

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
)

func gitMode(m types.EntryMode) string {
	switch m {
	case types.ModeRegular:
		return "100644"
	case types.ModeExecutable:
		return "100755"
	case types.ModeSymlink:
		return "120000"
	case types.ModeDirectory:
		return "40000"
	default:
		return "100644"
	}
}

func entryModeFromGit(mode string) types.EntryMode {
	switch mode {
	case "100755":
		return types.ModeExecutable
	case "120000":
		return types.ModeSymlink
	case "40000", "040000":
		return types.ModeDirectory
	default:
		return types.ModeRegular
	}
}

// treeSortKey implements git's tree-entry ordering: names are compared as
// if directories carried a trailing slash, so "foo" sorts after "foo.txt"
// but before "foo/bar".
func treeSortKey(e types.TreeEntry) string {
	if e.Mode == types.ModeDirectory {
		return e.Name + "/"
	}
	return e.Name
}

// WriteTree translates a decoded Tree into a git tree object and stores it.
func (s *Store) WriteTree(t *types.Tree) (types.ID, error) {
	entries := make([]types.TreeEntry, len(t.Entries))
	copy(entries, t.Entries)
	sort.Slice(entries, func(i, j int) bool { return treeSortKey(entries[i]) < treeSortKey(entries[j]) })

	var buf bytes.Buffer
	for _, e := range entries {
		if len(e.Ref) != IDLength {
			return nil, tderrors.New(tderrors.InvalidArgument, "tree entry %q has a %d-byte ref, want %d", e.Name, len(e.Ref), IDLength)
		}
		fmt.Fprintf(&buf, "%s %s\x00", gitMode(e.Mode), e.Name)
		buf.Write(e.Ref)
	}
	return s.WriteObject(TypeTree, buf.Bytes())
}

// ReadTree reads a git tree object back into a decoded Tree.
func (s *Store) ReadTree(id types.ID) (*types.Tree, error) {
	raw, err := s.ReadObject(TypeTree, id)
	if err != nil {
		return nil, err
	}
	var entries []types.TreeEntry
	for len(raw) > 0 {
		sp := bytes.IndexByte(raw, ' ')
		if sp < 0 {
			return nil, tderrors.New(tderrors.Decode, "malformed tree entry in %x", []byte(id))
		}
		mode := string(raw[:sp])
		raw = raw[sp+1:]
		nul := bytes.IndexByte(raw, 0)
		if nul < 0 {
			return nil, tderrors.New(tderrors.Decode, "malformed tree entry name in %x", []byte(id))
		}
		name := string(raw[:nul])
		raw = raw[nul+1:]
		if len(raw) < IDLength {
			return nil, tderrors.New(tderrors.Decode, "truncated tree entry ref in %x", []byte(id))
		}
		ref := make(types.ID, IDLength)
		copy(ref, raw[:IDLength])
		raw = raw[IDLength:]
		entries = append(entries, types.TreeEntry{Name: name, Mode: entryModeFromGit(mode), Ref: ref})
	}
	return &types.Tree{Entries: entries}, nil
}

func hexID(id types.ID) string { return hex.EncodeToString(id) }

func parseHexID(s string) (types.ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, tderrors.Wrap(tderrors.Decode, err, "parse hex id %q", s)
	}
	return types.ID(b), nil
}

func atoi64(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err
}
