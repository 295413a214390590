package headauthority

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
)

// fakeViewLookup maps operation IDs to views in memory, standing in for
// *opstore.Store in the sibling-view tie-break tests.
type fakeViewLookup struct {
	mu  sync.Mutex
	ops map[string][]byte
}

func newFakeViewLookup() *fakeViewLookup {
	return &fakeViewLookup{ops: map[string][]byte{}}
}

func (f *fakeViewLookup) put(id types.ID, viewID types.ID) {
	op := &types.Operation{ViewID: viewID}
	raw, err := encoding.EncodeOperation(op)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[string(id)] = raw
}

func (f *fakeViewLookup) GetOperation(id types.ID) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.ops[string(id)]
	if !ok {
		return nil, tderrors.New(tderrors.NotFound, "operation not found")
	}
	return raw, nil
}

func openTestAuthority(t *testing.T) (*Store, *fakeViewLookup) {
	t.Helper()
	ops := newFakeViewLookup()
	s, err := Open(t.TempDir(), ops)
	require.NoError(t, err)
	return s, ops
}

func id(b byte) types.ID {
	out := make(types.ID, 64)
	out[0] = b
	return out
}

func TestUpdateOpHeadsAppliesFirstUpdate(t *testing.T) {
	s, _ := openTestAuthority(t)

	res, err := s.UpdateOpHeads(nil, id(1), 0, "ws1")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, uint64(1), res.State.Version)
	require.Len(t, res.State.Heads, 1)
	require.True(t, res.State.Heads[0].Equal(id(1)))
	require.True(t, res.State.WorkspaceHeads["ws1"].Equal(id(1)))
}

func TestUpdateOpHeadsRejectsStaleVersion(t *testing.T) {
	s, _ := openTestAuthority(t)

	_, err := s.UpdateOpHeads(nil, id(1), 0, "ws1")
	require.NoError(t, err)

	res, err := s.UpdateOpHeads(nil, id(2), 0, "ws1")
	require.NoError(t, err)
	require.False(t, res.OK, "stale expectedVersion must be rejected, not erroring")
	require.Equal(t, uint64(1), res.State.Version)
}

func TestUpdateOpHeadsReplacesOldHeadWithNew(t *testing.T) {
	s, _ := openTestAuthority(t)

	first, err := s.UpdateOpHeads(nil, id(1), 0, "ws1")
	require.NoError(t, err)
	require.True(t, first.OK)

	second, err := s.UpdateOpHeads([]types.ID{id(1)}, id(2), first.State.Version, "ws1")
	require.NoError(t, err)
	require.True(t, second.OK)
	require.Len(t, second.State.Heads, 1)
	require.True(t, second.State.Heads[0].Equal(id(2)))
}

func TestUpdateOpHeadsPersistsAcrossReopen(t *testing.T) {
	root := t.TempDir()
	ops := newFakeViewLookup()

	s, err := Open(root, ops)
	require.NoError(t, err)
	_, err = s.UpdateOpHeads(nil, id(1), 0, "ws1")
	require.NoError(t, err)

	reopened, err := Open(root, ops)
	require.NoError(t, err)
	state := reopened.GetHeadsState()
	require.Equal(t, uint64(1), state.Version)
	require.Len(t, state.Heads, 1)
	require.True(t, state.Heads[0].Equal(id(1)))
	require.True(t, state.WorkspaceHeads["ws1"].Equal(id(1)))
}

func TestEffectiveHeadsSingleHeadNoWorkspace(t *testing.T) {
	s, _ := openTestAuthority(t)
	_, err := s.UpdateOpHeads(nil, id(1), 0, "")
	require.NoError(t, err)

	heads, err := s.EffectiveHeads("ws-unknown")
	require.NoError(t, err)
	require.Len(t, heads, 1)
	require.True(t, heads[0].Equal(id(1)))
}

func TestEffectiveHeadsSiblingViewTieBreakSameView(t *testing.T) {
	s, ops := openTestAuthority(t)

	sharedView := id(9)
	ops.put(id(1), sharedView)
	ops.put(id(2), sharedView)

	// ws1 records id(2), then another writer replaces it with id(1): the
	// global set is {id(1)} while ws1's last head is id(2).
	_, err := s.UpdateOpHeads(nil, id(2), 0, "ws1")
	require.NoError(t, err)
	res, err := s.UpdateOpHeads([]types.ID{id(2)}, id(1), 1, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	heads, err := s.EffectiveHeads("ws1")
	require.NoError(t, err)
	require.Len(t, heads, 1, "same-view siblings collapse to the workspace's own head")
	require.True(t, heads[0].Equal(id(2)))
}

func TestEffectiveHeadsSiblingViewTieBreakDifferentView(t *testing.T) {
	s, ops := openTestAuthority(t)

	ops.put(id(1), id(91))
	ops.put(id(2), id(92))

	_, err := s.UpdateOpHeads(nil, id(2), 0, "ws1")
	require.NoError(t, err)
	res, err := s.UpdateOpHeads([]types.ID{id(2)}, id(1), 1, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	heads, err := s.EffectiveHeads("ws1")
	require.NoError(t, err)
	require.Len(t, heads, 2, "divergent-view siblings both surface")
}

func TestWatchHeadsCatchUpAndNotify(t *testing.T) {
	s, _ := openTestAuthority(t)

	res, err := s.UpdateOpHeads(nil, id(1), 0, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	ch, cancel := s.WatchHeads(0)
	defer cancel.Cancel()

	n := <-ch
	require.Equal(t, uint64(1), n.Version)

	res, err = s.UpdateOpHeads([]types.ID{id(1)}, id(2), 1, "")
	require.NoError(t, err)
	require.True(t, res.OK)

	n = <-ch
	require.Equal(t, uint64(2), n.Version)
}

func TestWatchHeadsCoalescesBurstsToLatest(t *testing.T) {
	s, _ := openTestAuthority(t)

	res1, err := s.UpdateOpHeads(nil, id(1), 0, "")
	require.NoError(t, err)
	require.True(t, res1.OK)

	ch, cancel := s.WatchHeads(res1.State.Version)
	defer cancel.Cancel()

	res2, err := s.UpdateOpHeads([]types.ID{id(1)}, id(2), res1.State.Version, "")
	require.NoError(t, err)
	require.True(t, res2.OK)
	res3, err := s.UpdateOpHeads([]types.ID{id(2)}, id(3), res2.State.Version, "")
	require.NoError(t, err)
	require.True(t, res3.OK)

	n := <-ch
	require.Equal(t, res3.State.Version, n.Version, "a slow watcher observes only the latest coalesced version")

	select {
	case extra := <-ch:
		t.Fatalf("unexpected second notification: %+v", extra)
	default:
	}
}

func TestConcurrentUpdateOpHeadsConverges(t *testing.T) {
	s, _ := openTestAuthority(t)

	const workers = 8
	var wg sync.WaitGroup
	successes := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for attempt := 0; attempt < 50; attempt++ {
				state := s.GetHeadsState()
				res, err := s.UpdateOpHeads(state.Heads, id(byte(100+i)), state.Version, "")
				if err != nil {
					return
				}
				if res.OK {
					successes[i] = true
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for i, ok := range successes {
		require.True(t, ok, "worker %d never converged", i)
	}
	final := s.GetHeadsState()
	require.Equal(t, uint64(workers), final.Version)
	require.Len(t, final.Heads, 1, "sequential CAS updates collapse to a single head")
}
