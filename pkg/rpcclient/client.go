package rpcclient

import (
	"encoding/hex"
	"os"
	"sync"

	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/opstore"
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
	"github.com/laulauland/tandem/pkg/wire"
)

// disableCoalescingEnv lets an operator turn off request coalescing for
// A/B measurement (spec.md §4.5).
const disableCoalescingEnv = "TANDEM_DISABLE_COALESCING"

// disableCacheEnv turns off the optimistic head version cache, forcing
// every updateOpHeads to be preceded by getHeadsState (spec.md §4.5
// "Disabled-cache mode").
const disableCacheEnv = "TANDEM_DISABLE_HEAD_CACHE"

// Client is the C5 adapter for a single workspace: one shared
// connection across the backend/opstore/opheads surface.
type Client struct {
	conn        *conn
	workspaceID string
	repoInfo    types.RepoInfo

	headCache *headVersionCache
	retryMu   sync.Mutex // serializes this workspace's updateOpHeads retries
}

// Connect dials addr, performs the getRepoInfo handshake, and loads the
// optimistic head version cache for workspaceID from cacheDir.
func Connect(addr, workspaceID, cacheDir string, requiredCapabilities ...string) (*Client, error) {
	c, err := dial(addr, os.Getenv(disableCoalescingEnv) != "")
	if err != nil {
		return nil, err
	}

	resp, err := c.call(wire.MethodGetRepoInfo, struct{}{})
	if err != nil {
		c.close()
		return nil, err
	}
	var info wire.RepoInfoWire
	if err := wire.Unmarshal(resp.Result, &info); err != nil {
		c.close()
		return nil, err
	}
	if info.ProtocolMajor != wireProtocolMajor() {
		c.close()
		return nil, tderrors.New(tderrors.IncompatibleServer, "protocolMajor %d unsupported", info.ProtocolMajor)
	}
	if info.BackendName == "" || info.OpStoreName == "" {
		c.close()
		return nil, tderrors.New(tderrors.IncompatibleServer, "missing backendName/opStoreName")
	}
	have := map[string]bool{}
	for _, capability := range info.Capabilities {
		have[capability] = true
	}
	for _, need := range requiredCapabilities {
		if !have[need] {
			c.close()
			return nil, tderrors.New(tderrors.IncompatibleServer, "server missing required capability %q", need)
		}
	}

	cache, err := loadHeadVersionCache(cacheDir, workspaceID)
	if err != nil {
		c.close()
		return nil, err
	}
	if os.Getenv(disableCacheEnv) != "" {
		cache.disabled = true
	}

	return &Client{
		conn:        c,
		workspaceID: workspaceID,
		repoInfo: types.RepoInfo{
			ProtocolMajor:   info.ProtocolMajor,
			ProtocolMinor:   info.ProtocolMinor,
			ServerVersion:   info.ServerVersion,
			BackendName:     info.BackendName,
			OpStoreName:     info.OpStoreName,
			CommitIDLength:  info.CommitIDLength,
			ChangeIDLength:  info.ChangeIDLength,
			RootCommitID:    info.RootCommitID,
			RootChangeID:    info.RootChangeID,
			EmptyTreeID:     info.EmptyTreeID,
			RootOperationID: info.RootOperationID,
			Capabilities:    info.Capabilities,
		},
		headCache: cache,
	}, nil
}

// RepoInfo returns the handshake payload captured at Connect time.
func (c *Client) RepoInfo() types.RepoInfo { return c.repoInfo }

// Close tears down the underlying connection.
func (c *Client) Close() { c.conn.close() }

func wireProtocolMajor() uint32 { return 1 }

// GetObject fetches an object's structurally-encoded bytes.
func (c *Client) GetObject(kind types.ObjectKind, id types.ID) ([]byte, error) {
	resp, err := c.conn.call(wire.MethodGetObject, wire.GetObjectParams{Kind: kind, ID: id})
	if err != nil {
		return nil, err
	}
	var out wire.GetObjectResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// PutObject stores an object and blocks for its assigned ID and
// normalized bytes (spec.md §4.5 "Write-path ID usage").
func (c *Client) PutObject(kind types.ObjectKind, data []byte) (types.ID, []byte, error) {
	resp, err := c.conn.call(wire.MethodPutObject, wire.PutObjectParams{Kind: kind, Data: data})
	if err != nil {
		return nil, nil, err
	}
	var out wire.PutObjectResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return nil, nil, err
	}
	return out.ID, out.NormalizedData, nil
}

// PutObjectAsync enqueues a putObject call without waiting for the
// reply, returning its call ID (for embedding via wire.EncodeRefOfLength
// in a dependent call's bytes) and a wait function for the eventual
// result.
func (c *Client) PutObjectAsync(kind types.ObjectKind, data []byte) (callID uint64, wait func() (types.ID, []byte, error), err error) {
	callID, rawWait, err := c.conn.enqueue(wire.MethodPutObject, wire.PutObjectParams{Kind: kind, Data: data})
	if err != nil {
		return 0, nil, err
	}
	wait = func() (types.ID, []byte, error) {
		resp, err := rawWait()
		if err != nil {
			return nil, nil, err
		}
		var out wire.PutObjectResult
		if err := wire.Unmarshal(resp.Result, &out); err != nil {
			return nil, nil, err
		}
		return out.ID, out.NormalizedData, nil
	}
	return callID, wait, nil
}

// PutCommit stores a commit and decodes the server's normalized bytes
// back into a Commit, since the backend may have altered them (spec.md
// §4.5 "Write-path ID usage" — only commits are subject to this; trees,
// files, and symlinks round-trip their input bytes unchanged absent
// copy tracking).
func (c *Client) PutCommit(data []byte) (types.ID, *types.Commit, error) {
	id, normalized, err := c.PutObject(types.KindCommit, data)
	if err != nil {
		return nil, nil, err
	}
	commit, err := encoding.DecodeCommit(normalized)
	if err != nil {
		return nil, nil, err
	}
	return id, commit, nil
}

// GetOperation fetches an operation's canonical bytes.
func (c *Client) GetOperation(id types.ID) ([]byte, error) {
	resp, err := c.conn.call(wire.MethodGetOperation, wire.IDParams{ID: id})
	if err != nil {
		return nil, err
	}
	var out wire.BytesResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// PutOperation persists an operation, blocking for its ID.
func (c *Client) PutOperation(data []byte) (types.ID, error) {
	resp, err := c.conn.call(wire.MethodPutOperation, wire.DataParams{Data: data})
	if err != nil {
		return nil, err
	}
	var out wire.IDResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return nil, err
	}
	return out.ID, nil
}

// PutOperationAsync is the non-blocking counterpart used to pipeline an
// operation write ahead of the updateOpHeads call that depends on it.
func (c *Client) PutOperationAsync(data []byte) (callID uint64, wait func() (types.ID, error), err error) {
	callID, rawWait, err := c.conn.enqueue(wire.MethodPutOperation, wire.DataParams{Data: data})
	if err != nil {
		return 0, nil, err
	}
	wait = func() (types.ID, error) {
		resp, err := rawWait()
		if err != nil {
			return nil, err
		}
		var out wire.IDResult
		if err := wire.Unmarshal(resp.Result, &out); err != nil {
			return nil, err
		}
		return out.ID, nil
	}
	return callID, wait, nil
}

// GetView fetches a view's canonical bytes.
func (c *Client) GetView(id types.ID) ([]byte, error) {
	resp, err := c.conn.call(wire.MethodGetView, wire.IDParams{ID: id})
	if err != nil {
		return nil, err
	}
	var out wire.BytesResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// PutView persists a view, blocking for its ID.
func (c *Client) PutView(data []byte) (types.ID, error) {
	resp, err := c.conn.call(wire.MethodPutView, wire.DataParams{Data: data})
	if err != nil {
		return nil, err
	}
	var out wire.IDResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return nil, err
	}
	return out.ID, nil
}

// GetHeads returns the current head set, version, and workspace heads.
func (c *Client) GetHeads() (wire.GetHeadsResult, error) {
	resp, err := c.conn.call(wire.MethodGetHeads, struct{}{})
	if err != nil {
		return wire.GetHeadsResult{}, err
	}
	var out wire.GetHeadsResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return wire.GetHeadsResult{}, err
	}
	return out, nil
}

// ResolvePrefix resolves a hex operation ID prefix, combining the
// server's scan with the client-known root operation identity (spec.md
// §4.5: matching both is Ambiguous).
func (c *Client) ResolvePrefix(hexPrefix string) (opstore.PrefixOutcome, types.ID, error) {
	resp, err := c.conn.call(wire.MethodResolveOperationIDPrefix, wire.ResolvePrefixParams{HexPrefix: hexPrefix})
	if err != nil {
		return opstore.NoMatch, nil, err
	}
	var out wire.ResolvePrefixResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return opstore.NoMatch, nil, err
	}

	rootMatches := hexHasPrefix(c.repoInfo.RootOperationID, hexPrefix)
	switch out.Outcome {
	case wire.WireNoMatch:
		if rootMatches {
			return opstore.SingleMatch, c.repoInfo.RootOperationID, nil
		}
		return opstore.NoMatch, nil, nil
	case wire.WireSingleMatch:
		if rootMatches {
			return opstore.Ambiguous, nil, nil
		}
		return opstore.SingleMatch, out.ID, nil
	default:
		return opstore.Ambiguous, nil, nil
	}
}

// Watch is a live subscription to head changes for this workspace's
// connection, as returned by WatchHeads.
type Watch struct {
	client    *Client
	watcherID string
	ch        chan wire.Notification
}

// Notifications returns the channel notifications arrive on. It is
// closed once Cancel returns.
func (w *Watch) Notifications() <-chan wire.Notification { return w.ch }

// Cancel tells the server to stop this watch and releases local
// resources. Safe to call once.
func (w *Watch) Cancel() error {
	_, err := w.client.conn.call(wire.MethodCancelWatch, wire.CancelWatchParams{WatcherID: w.watcherID})
	w.client.conn.unregisterWatch(w.watcherID)
	return err
}

// WatchHeads subscribes to head-version changes after afterVersion
// (spec.md §6 watchHeads). The server replies with a watcher ID before
// any notifications may arrive, so the registration below cannot race a
// notification for that ID.
func (c *Client) WatchHeads(afterVersion uint64) (*Watch, error) {
	resp, err := c.conn.call(wire.MethodWatchHeads, wire.WatchHeadsParams{AfterVersion: afterVersion})
	if err != nil {
		return nil, err
	}
	var out wire.WatchHeadsResult
	if err := wire.Unmarshal(resp.Result, &out); err != nil {
		return nil, err
	}
	return &Watch{client: c, watcherID: out.WatcherID, ch: c.conn.registerWatch(out.WatcherID)}, nil
}

func hexHasPrefix(id types.ID, prefix string) bool {
	h := hex.EncodeToString(id)
	if len(prefix) > len(h) {
		return false
	}
	return h[:len(prefix)] == prefix
}
