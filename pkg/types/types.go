// Package types holds the data model shared by every tandem component:
// objects, trees, commits, operations, views, ref targets, and the
// per-repository head state. These mirror spec.md §3 field-for-field; the
// msgpack tags give pkg/encoding the stable field ordering it hashes over.
package types

import "fmt"

// ObjectKind tags the five kinds a content-addressed Object can be.
type ObjectKind uint8

const (
	KindCommit  ObjectKind = 0
	KindTree    ObjectKind = 1
	KindFile    ObjectKind = 2
	KindSymlink ObjectKind = 3
	KindCopy    ObjectKind = 4 // reserved, unsupported
)

func (k ObjectKind) String() string {
	switch k {
	case KindCommit:
		return "commit"
	case KindTree:
		return "tree"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	case KindCopy:
		return "copy"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// ID is an opaque, backend-assigned content address. Its length is
// declared per repository (20 bytes for commit/tree IDs under a git
// backend, 32 for change IDs, 64 for operation/view IDs).
type ID []byte

func (id ID) Equal(other ID) bool {
	if len(id) != len(other) {
		return false
	}
	for i := range id {
		if id[i] != other[i] {
			return false
		}
	}
	return true
}

// Timestamp is milliseconds-since-epoch plus a timezone offset in minutes,
// the wire encoding spec.md §6 specifies for author/committer stamps.
type Timestamp struct {
	MillisSinceEpoch int64  `msgpack:"ms"`
	TzOffsetMinutes  int32  `msgpack:"tz"`
}

// Signature names and times a commit's author or committer.
type Signature struct {
	Name      string    `msgpack:"name"`
	Email     string    `msgpack:"email"`
	Timestamp Timestamp `msgpack:"ts"`
}

// Commit is the decoded form of a Commit object's body.
type Commit struct {
	Parents        []ID      `msgpack:"parents"`
	Predecessors   []ID      `msgpack:"predecessors,omitempty"`
	RootTree       []ID      `msgpack:"root_tree"` // merge of Tree IDs
	ChangeID       ID        `msgpack:"change_id"`
	Description    string    `msgpack:"description"`
	Author         Signature `msgpack:"author"`
	Committer      Signature `msgpack:"committer"`
	SecureSig      []byte    `msgpack:"secure_sig,omitempty"`
}

// EntryMode is the kind of filesystem entry a Tree entry names.
type EntryMode uint8

const (
	ModeRegular    EntryMode = 0
	ModeExecutable EntryMode = 1
	ModeSymlink    EntryMode = 2
	ModeDirectory  EntryMode = 3
)

// TreeEntry names one child of a Tree by name, mode, and object reference.
type TreeEntry struct {
	Name string     `msgpack:"name"`
	Mode EntryMode  `msgpack:"mode"`
	Ref  ID         `msgpack:"ref"`
}

// Tree is the decoded form of a Tree object's body: an ordered entry set.
type Tree struct {
	Entries []TreeEntry `msgpack:"entries"`
}

// RefTarget is a possibly-conflicted merge of commit IDs, represented as
// alternating removes/adds terms. A nil entry in either slice represents
// an absent (conflicted-away) term.
type RefTarget struct {
	Removes []ID `msgpack:"removes"`
	Adds    []ID `msgpack:"adds"`
}

// IsResolved reports whether the target names exactly one commit with no
// conflict terms.
func (r RefTarget) IsResolved() bool {
	return len(r.Removes) == 0 && len(r.Adds) == 1 && r.Adds[0] != nil
}

// RemoteView holds one remote's bookmarks and tags as last seen.
type RemoteView struct {
	Bookmarks map[string]RefTarget `msgpack:"bookmarks"`
	Tags      map[string]RefTarget `msgpack:"tags"`
}

// View is a snapshot of heads, bookmarks, tags, remotes, and per-workspace
// working-copy pointers (spec.md §3).
type View struct {
	HeadCommits      []ID                  `msgpack:"head_commits"`
	WCCommits        map[string]ID         `msgpack:"wc_commits"` // workspace name -> commit id
	LocalBookmarks   map[string]RefTarget  `msgpack:"local_bookmarks"`
	LocalTags        map[string]RefTarget  `msgpack:"local_tags"`
	RemoteViews      map[string]RemoteView `msgpack:"remote_views,omitempty"`
	GitRefs          map[string]RefTarget  `msgpack:"git_refs"`
	GitHead          *RefTarget            `msgpack:"git_head,omitempty"`
}

// OperationMetadata carries an operation's descriptive, non-content fields.
type OperationMetadata struct {
	StartMillis int64    `msgpack:"start_ms"`
	EndMillis   int64    `msgpack:"end_ms"`
	Description string   `msgpack:"description"`
	Hostname    string   `msgpack:"hostname"`
	Username    string   `msgpack:"username"`
	IsSnapshot  bool     `msgpack:"is_snapshot"`
	Tags        []string `msgpack:"tags,omitempty"`
}

// Operation is the decoded form of an Operation object's body.
type Operation struct {
	ViewID              ID                `msgpack:"view_id"`
	Parents             []ID              `msgpack:"parents"`
	Metadata            OperationMetadata `msgpack:"metadata"`
	CommitPredecessors  map[string][]ID   `msgpack:"commit_predecessors,omitempty"` // hex commit id -> predecessor ids
}

// HeadsState is the single per-repository CAS-protected head set
// (spec.md §3, I3, I4).
type HeadsState struct {
	Version        uint64          `msgpack:"version" yaml:"version" json:"version"`
	Heads          []ID            `msgpack:"-" json:"-"` // derived from the head directory, not the sidecar
	WorkspaceHeads map[string]ID   `msgpack:"workspace_heads" json:"workspaceHeads"`
}

// Clone returns a deep copy of the heads state so callers can mutate it
// without racing the authority's own copy.
func (h HeadsState) Clone() HeadsState {
	out := HeadsState{Version: h.Version}
	out.Heads = make([]ID, len(h.Heads))
	copy(out.Heads, h.Heads)
	out.WorkspaceHeads = make(map[string]ID, len(h.WorkspaceHeads))
	for k, v := range h.WorkspaceHeads {
		out.WorkspaceHeads[k] = v
	}
	return out
}

// RepoInfo is the handshake payload returned by getRepoInfo (spec.md §4.4).
type RepoInfo struct {
	ProtocolMajor    uint32
	ProtocolMinor    uint32
	ServerVersion    string
	BackendName      string
	OpStoreName      string
	CommitIDLength   int
	ChangeIDLength   int
	RootCommitID     ID
	RootChangeID     ID
	EmptyTreeID      ID
	RootOperationID  ID
	Capabilities     []string
}
