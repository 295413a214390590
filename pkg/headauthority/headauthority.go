// Package headauthority implements C3, the per-repository head
// authority (spec.md §4.3): a CAS-protected HeadsState, durably
// persisted as a head directory plus a small JSON sidecar, with a
// watcher/notify mechanism for the RPC layer to expose as watchHeads.
//
// The repository's single serializing primitive is an in-process mutex,
// not distributed consensus (see DESIGN.md for why hashicorp/raft, which
// the teacher depends on for its own cluster state, has no role here:
// spec.md §4.3 names "the repository's serializing primitive" in the
// singular, one authority per repository, not a replicated group).
package headauthority

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/log"
	"github.com/laulauland/tandem/pkg/metrics"
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
)

// ViewLookup resolves an operation ID to its view ID, used only for the
// sibling-view tie-break in EffectiveHeads. It is satisfied by
// *opstore.Store in production and faked in tests.
type ViewLookup interface {
	GetOperation(id types.ID) ([]byte, error)
}

type sidecar struct {
	Version        uint64            `json:"version"`
	WorkspaceHeads map[string]string `json:"workspaceHeads"`
}

// Store is the C3 head authority for a single repository.
type Store struct {
	headsDir    string
	sidecarPath string
	repoLabel   string // metrics label only, derived from repoRoot's base name
	ops         ViewLookup

	mu    sync.Mutex // the repository-scoped serializing primitive
	state types.HeadsState

	watchMu  sync.Mutex
	watchers map[string]*watcherEntry
}

// Open loads (or initializes) the head authority rooted at repoRoot,
// deriving the live head set from op_heads/heads/ and version/workspace
// metadata from tandem/heads.json.
func Open(repoRoot string, ops ViewLookup) (*Store, error) {
	headsDir := filepath.Join(repoRoot, "op_heads", "heads")
	if err := os.MkdirAll(headsDir, 0o755); err != nil {
		return nil, tderrors.Wrap(tderrors.BackendIO, err, "create %s", headsDir)
	}
	tandemDir := filepath.Join(repoRoot, "tandem")
	if err := os.MkdirAll(tandemDir, 0o755); err != nil {
		return nil, tderrors.Wrap(tderrors.BackendIO, err, "create %s", tandemDir)
	}

	s := &Store{
		headsDir:    headsDir,
		sidecarPath: filepath.Join(tandemDir, "heads.json"),
		repoLabel:   filepath.Base(repoRoot),
		ops:         ops,
		watchers:    make(map[string]*watcherEntry),
	}

	heads, err := s.readHeadsDir()
	if err != nil {
		return nil, err
	}
	sc, err := s.readSidecar()
	if err != nil {
		return nil, err
	}

	workspaceHeads := map[string]types.ID{}
	for ws, hexID := range sc.WorkspaceHeads {
		id, err := hex.DecodeString(hexID)
		if err != nil {
			return nil, tderrors.Wrap(tderrors.Decode, err, "decode workspace head for %q", ws)
		}
		workspaceHeads[ws] = types.ID(id)
	}

	s.state = types.HeadsState{
		Version:        sc.Version,
		Heads:          heads,
		WorkspaceHeads: workspaceHeads,
	}
	metrics.HeadVersion.WithLabelValues(s.repoLabel).Set(float64(s.state.Version))
	return s, nil
}

func (s *Store) readHeadsDir() ([]types.ID, error) {
	entries, err := os.ReadDir(s.headsDir)
	if err != nil {
		return nil, tderrors.Wrap(tderrors.BackendIO, err, "list %s", s.headsDir)
	}
	var heads []types.ID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := hex.DecodeString(e.Name())
		if err != nil {
			continue // ignore stray non-hex files
		}
		heads = append(heads, types.ID(id))
	}
	return heads, nil
}

func (s *Store) readSidecar() (sidecar, error) {
	data, err := os.ReadFile(s.sidecarPath)
	if os.IsNotExist(err) {
		return sidecar{WorkspaceHeads: map[string]string{}}, nil
	}
	if err != nil {
		return sidecar{}, tderrors.Wrap(tderrors.BackendIO, err, "read %s", s.sidecarPath)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return sidecar{}, tderrors.Wrap(tderrors.Decode, err, "decode %s", s.sidecarPath)
	}
	if sc.WorkspaceHeads == nil {
		sc.WorkspaceHeads = map[string]string{}
	}
	return sc, nil
}

// GetHeadsState returns a point-in-time snapshot of the head state.
func (s *Store) GetHeadsState() types.HeadsState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// UpdateResult is the outcome of an UpdateOpHeads call.
type UpdateResult struct {
	OK    bool
	State types.HeadsState
}

// UpdateOpHeads applies a compare-and-swap update to the head set
// (spec.md §4.3 steps 1-6). A version mismatch is a normal, non-error
// outcome reported via OK=false.
func (s *Store) UpdateOpHeads(oldIDs []types.ID, newID types.ID, expectedVersion uint64, workspaceID string) (UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Version != expectedVersion {
		metrics.HeadUpdateAttemptsTotal.WithLabelValues("contention").Inc()
		metrics.HeadContentionTotal.Inc()
		return UpdateResult{OK: false, State: s.state.Clone()}, nil
	}

	remove := make(map[string]bool, len(oldIDs))
	for _, id := range oldIDs {
		remove[hex.EncodeToString(id)] = true
	}

	nextSet := map[string]types.ID{}
	for _, h := range s.state.Heads {
		key := hex.EncodeToString(h)
		if remove[key] {
			continue
		}
		nextSet[key] = h
	}
	nextSet[hex.EncodeToString(newID)] = newID

	nextHeads := make([]types.ID, 0, len(nextSet))
	for _, h := range nextSet {
		nextHeads = append(nextHeads, h)
	}
	sort.Slice(nextHeads, func(i, j int) bool {
		return hex.EncodeToString(nextHeads[i]) < hex.EncodeToString(nextHeads[j])
	})

	nextWorkspaceHeads := make(map[string]types.ID, len(s.state.WorkspaceHeads)+1)
	for k, v := range s.state.WorkspaceHeads {
		nextWorkspaceHeads[k] = v
	}
	if workspaceID != "" {
		nextWorkspaceHeads[workspaceID] = newID
	}

	next := types.HeadsState{
		Version:        s.state.Version + 1,
		Heads:          nextHeads,
		WorkspaceHeads: nextWorkspaceHeads,
	}

	// Head directory first, sidecar last: a crash between the two leaves
	// the directory (the source of truth for Heads) ahead of the sidecar,
	// which the next successful update simply overwrites; the reverse
	// order could advertise a version the head files don't back up yet.
	if err := s.writeHeadsDir(oldIDs, newID); err != nil {
		return UpdateResult{}, err
	}
	if err := s.writeSidecar(next); err != nil {
		return UpdateResult{}, err
	}

	s.state = next
	s.notifyWatchers(next)

	metrics.HeadUpdateAttemptsTotal.WithLabelValues("ok").Inc()
	metrics.HeadVersion.WithLabelValues(s.repoLabel).Set(float64(next.Version))

	log.WithComponent("headauthority").Debug().
		Uint64("version", next.Version).
		Int("heads", len(next.Heads)).
		Msg("heads updated")

	return UpdateResult{OK: true, State: next.Clone()}, nil
}

func (s *Store) writeHeadsDir(oldIDs []types.ID, newID types.ID) error {
	newPath := filepath.Join(s.headsDir, hex.EncodeToString(newID))
	if _, err := os.Stat(newPath); os.IsNotExist(err) {
		if err := os.WriteFile(newPath, nil, 0o644); err != nil {
			return tderrors.Wrap(tderrors.BackendIO, err, "write head file")
		}
	}
	for _, old := range oldIDs {
		if old.Equal(newID) {
			continue
		}
		path := filepath.Join(s.headsDir, hex.EncodeToString(old))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return tderrors.Wrap(tderrors.BackendIO, err, "remove stale head file")
		}
	}
	return nil
}

func (s *Store) writeSidecar(state types.HeadsState) error {
	sc := sidecar{Version: state.Version, WorkspaceHeads: map[string]string{}}
	for ws, id := range state.WorkspaceHeads {
		sc.WorkspaceHeads[ws] = hex.EncodeToString(id)
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return tderrors.Wrap(tderrors.Decode, err, "encode heads sidecar")
	}
	tmp := s.sidecarPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return tderrors.Wrap(tderrors.BackendIO, err, "write heads sidecar")
	}
	if err := os.Rename(tmp, s.sidecarPath); err != nil {
		return tderrors.Wrap(tderrors.BackendIO, err, "finalize heads sidecar")
	}
	return nil
}

// EffectiveHeads resolves the per-workspace head set, applying the
// sibling-view tie-break (spec.md §4.3).
func (s *Store) EffectiveHeads(workspaceID string) ([]types.ID, error) {
	s.mu.Lock()
	heads := make([]types.ID, len(s.state.Heads))
	copy(heads, s.state.Heads)
	w, hasW := s.state.WorkspaceHeads[workspaceID]
	s.mu.Unlock()

	if !hasW || len(heads) != 1 {
		if hasW {
			return addIfAbsent(heads, w), nil
		}
		return heads, nil
	}

	g := heads[0]
	if g.Equal(w) {
		return []types.ID{g}, nil
	}

	gView, err := s.viewOf(g)
	if err != nil {
		return nil, err
	}
	wView, err := s.viewOf(w)
	if err != nil {
		return nil, err
	}
	if gView.Equal(wView) {
		return []types.ID{w}, nil
	}
	return []types.ID{g, w}, nil
}

func (s *Store) viewOf(opID types.ID) (types.ID, error) {
	raw, err := s.ops.GetOperation(opID)
	if err != nil {
		return nil, err
	}
	op, err := encoding.DecodeOperation(raw)
	if err != nil {
		return nil, err
	}
	return op.ViewID, nil
}

func addIfAbsent(heads []types.ID, id types.ID) []types.ID {
	for _, h := range heads {
		if h.Equal(id) {
			return heads
		}
	}
	return append(heads, id)
}
