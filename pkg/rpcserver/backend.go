// Package rpcserver implements C4's server side: the cooperative
// per-connection dispatch loop that exposes the bootstrap Store
// capability (spec.md §4.4) over pkg/wire framing, backed by
// pkg/objectstore, pkg/opstore, and pkg/headauthority.
package rpcserver

import (
	"path/filepath"

	"github.com/laulauland/tandem/pkg/headauthority"
	"github.com/laulauland/tandem/pkg/objectstore"
	"github.com/laulauland/tandem/pkg/opstore"
	"github.com/laulauland/tandem/pkg/types"
)

// ProtocolMajor/Minor are this server's wire protocol version (spec.md
// §4.4 handshake).
const (
	ProtocolMajor = 1
	ProtocolMinor = 0

	BackendName = "tandem-git"
	OpStoreName = "tandem-opstore"
)

// Capabilities advertised at handshake time.
var Capabilities = []string{"getObject", "putObject", "opStore", "watchHeads"}

// Backend wires the three storage subsystems together for one
// repository and is the bootstrap Store capability's implementation.
type Backend struct {
	ServerVersion string

	Objects *objectstore.Store
	Ops     *opstore.Store
	Heads   *headauthority.Store
	Roots   objectstore.RootIdentities
}

// OpenBackend opens (creating if necessary) every storage subsystem
// rooted at repoRoot: objects/ (git), op_store/ (operations+views), and
// op_heads/ + tandem/ (head authority), per spec.md §6's persisted
// layout.
func OpenBackend(repoRoot, serverVersion string) (*Backend, error) {
	objects, err := objectstore.Open(repoRoot)
	if err != nil {
		return nil, err
	}
	roots := objects.Roots()

	ops, err := opstore.Open(filepath.Join(repoRoot, "op_store"), roots.RootOperation, roots.RootOpID)
	if err != nil {
		return nil, err
	}

	heads, err := headauthority.Open(repoRoot, ops)
	if err != nil {
		return nil, err
	}

	return &Backend{
		ServerVersion: serverVersion,
		Objects:       objects,
		Ops:           ops,
		Heads:         heads,
		Roots:         roots,
	}, nil
}

// Close releases resources held by the backend's storage subsystems.
func (b *Backend) Close() error {
	return b.Ops.Close()
}

// RepoInfo builds the handshake payload.
func (b *Backend) RepoInfo() types.RepoInfo {
	return types.RepoInfo{
		ProtocolMajor:   ProtocolMajor,
		ProtocolMinor:   ProtocolMinor,
		ServerVersion:   b.ServerVersion,
		BackendName:     BackendName,
		OpStoreName:     OpStoreName,
		CommitIDLength:  20,
		ChangeIDLength:  32,
		RootCommitID:    b.Roots.RootCommitID,
		RootChangeID:    b.Roots.RootChangeID,
		EmptyTreeID:     b.Roots.EmptyTreeID,
		RootOperationID: b.Roots.RootOpID,
		Capabilities:    Capabilities,
	}
}
