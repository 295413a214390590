package rpcclient

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/laulauland/tandem/pkg/metrics"
	"github.com/laulauland/tandem/pkg/tderrors"
)

// headVersionCache is the optimistic local cache of the last head
// version this workspace observed (spec.md §4.5): "Use the cached
// version as expectedVersion, avoiding a getHeadsState round trip on
// the common uncontended path." It persists across process restarts as
// a single small file per workspace, mirroring the crash-consistent
// tmp-then-rename write pattern pkg/headauthority uses for its sidecar.
type headVersionCache struct {
	mu       sync.Mutex
	path     string // empty when cacheDir was empty (in-memory only)
	disabled bool

	valid   bool
	version uint64
}

type headVersionCacheFile struct {
	Version uint64 `json:"version"`
}

func loadHeadVersionCache(cacheDir, workspaceID string) (*headVersionCache, error) {
	c := &headVersionCache{}
	if cacheDir == "" {
		return c, nil
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, tderrors.Wrap(tderrors.BackendIO, err, "create cache dir %s", cacheDir)
	}
	c.path = filepath.Join(cacheDir, workspaceID+".head-version.json")

	raw, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, tderrors.Wrap(tderrors.BackendIO, err, "read head version cache")
	}
	var f headVersionCacheFile
	if err := json.Unmarshal(raw, &f); err != nil {
		// A corrupt cache file is not fatal: fall back to the
		// uncached path for this run.
		return c, nil
	}
	c.valid = true
	c.version = f.Version
	return c, nil
}

// get returns the cached version, if any. Always misses when disabled.
func (c *headVersionCache) get() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled || !c.valid {
		return 0, false
	}
	return c.version, true
}

// set records a newly-known-good version and persists it best-effort.
func (c *headVersionCache) set(version uint64) {
	c.mu.Lock()
	c.valid = true
	c.version = version
	path := c.path
	c.mu.Unlock()

	if path == "" {
		return
	}
	raw, err := json.Marshal(headVersionCacheFile{Version: version})
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, path)
}

// invalidate drops the cached version, forcing the next updateOpHeads
// to fall back on a fresh getHeadsState (spec.md §4.5: "On a version
// mismatch ... invalidate the cache").
func (c *headVersionCache) invalidate() {
	c.mu.Lock()
	wasValid := c.valid
	c.valid = false
	c.mu.Unlock()
	if wasValid {
		metrics.ClientCacheInvalidationsTotal.Inc()
	}
}
