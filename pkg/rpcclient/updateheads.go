package rpcclient

import (
	"time"

	"github.com/laulauland/tandem/pkg/log"
	"github.com/laulauland/tandem/pkg/metrics"
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
	"github.com/laulauland/tandem/pkg/wire"
)

const (
	retryBackoffStart = 2 * time.Millisecond
	retryBackoffCap   = 256 * time.Millisecond
	retryCeiling      = 80
)

// UpdateOpHeadsResult is the caller-facing outcome of a successful CAS
// update.
type UpdateOpHeadsResult struct {
	Heads          []types.ID
	Version        uint64
	WorkspaceHeads map[string]types.ID
}

// UpdateOpHeads drives the CAS retry loop described in spec.md §4.5:
// the cached version stands in for expectedVersion on the first
// attempt, sparing the common uncontended path a getHeadsState round
// trip; a rejection takes the live version carried in the conflict reply
// and retries with exponential backoff until the new head is accepted or
// the attempt ceiling is reached.
//
// Calls for a single workspace are serialized through c.retryMu so that
// retries preserve caller order (spec.md §5 ordering guarantee 3); other
// workspaces' calls are unaffected.
func (c *Client) UpdateOpHeads(oldIDs []types.ID, newID types.ID) (UpdateOpHeadsResult, error) {
	c.retryMu.Lock()
	defer c.retryMu.Unlock()

	expectedVersion, haveCached := c.headCache.get()
	if !haveCached {
		state, err := c.GetHeads()
		if err != nil {
			return UpdateOpHeadsResult{}, err
		}
		expectedVersion = state.Version
	}

	backoff := retryBackoffStart
	var retried bool

	for attempt := 0; attempt < retryCeiling; attempt++ {
		resp, err := c.conn.call(wire.MethodUpdateOpHeads, wire.UpdateOpHeadsParams{
			OldIDs:          oldIDs,
			NewID:           newID,
			ExpectedVersion: expectedVersion,
			WorkspaceID:     c.workspaceID,
		})
		if err != nil {
			return UpdateOpHeadsResult{}, err
		}
		var out wire.UpdateOpHeadsResult
		if err := wire.Unmarshal(resp.Result, &out); err != nil {
			return UpdateOpHeadsResult{}, err
		}

		if out.Ok {
			if retried {
				c.headCache.invalidate()
			} else if !c.headCache.disabled {
				c.headCache.set(out.Version)
			}
			return UpdateOpHeadsResult{Heads: out.Heads, Version: out.Version, WorkspaceHeads: out.WorkspaceHeads}, nil
		}

		// Conflict: the response carries the live state, which both
		// seeds the next attempt's expectedVersion and is what a
		// caller who gives up would want to see.
		retried = true
		expectedVersion = out.Version
		metrics.ClientRetryAttemptsTotal.WithLabelValues(c.workspaceID).Inc()
		log.WithWorkspace(c.workspaceID).Debug().
			Int("attempt", attempt).
			Uint64("expectedVersion", expectedVersion).
			Msg("updateOpHeads CAS rejected, retrying")

		if attempt == retryCeiling-1 {
			break
		}
		time.Sleep(backoff + jitterFromID(newID, attempt))
		backoff *= 2
		if backoff > retryBackoffCap {
			backoff = retryBackoffCap
		}
	}

	c.headCache.invalidate()
	log.WithWorkspace(c.workspaceID).Warn().Int("attempts", retryCeiling).Msg("updateOpHeads retries exhausted")
	return UpdateOpHeadsResult{}, tderrors.New(tderrors.ContentionExceeded,
		"updateOpHeads: exceeded %d attempts for workspace %q", retryCeiling, c.workspaceID)
}

// jitterFromID derives a small, deterministic per-attempt jitter from
// the new ID's bytes so concurrent contenders racing the same head
// don't lock into synchronized retry timing.
func jitterFromID(id types.ID, attempt int) time.Duration {
	if len(id) == 0 {
		return 0
	}
	b := id[(attempt+len(id)/2)%len(id)]
	return time.Duration(b%32) * time.Millisecond / 4
}
