package rpcserver

import (
	"github.com/google/uuid"

	"github.com/laulauland/tandem/pkg/headauthority"
	"github.com/laulauland/tandem/pkg/opstore"
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/wire"
)

// dispatch runs one request against the backend, returning the call's
// primary referenceable ID (for PipelineRef resolution of later calls),
// the encoded Result payload, and an optional afterWrite hook. handle
// invokes afterWrite only once the response frame has actually been
// written, so a notification for a freshly registered watcher can
// never race the response that carries its watcher ID.
func (c *conn) dispatch(req wire.Request) (refID []byte, result []byte, afterWrite func(), err error) {
	switch req.Method {
	case wire.MethodGetRepoInfo:
		info := c.backend.RepoInfo()
		res, err := encodeResult(wire.RepoInfoWire{
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
		})
		return nil, res, nil, err

	case wire.MethodGetObject:
		var p wire.GetObjectParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		data, err := c.backend.Objects.GetObject(p.Kind, p.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := encodeResult(wire.GetObjectResult{Data: data})
		return nil, res, nil, err

	case wire.MethodPutObject:
		var p wire.PutObjectParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		data, err := c.resolveData(p.Data)
		if err != nil {
			return nil, nil, nil, err
		}
		id, norm, err := c.backend.Objects.PutObject(p.Kind, data, nil)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := encodeResult(wire.PutObjectResult{ID: id, NormalizedData: norm})
		return []byte(id), res, nil, err

	case wire.MethodGetOperation:
		var p wire.IDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		data, err := c.backend.Ops.GetOperation(p.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := encodeResult(wire.BytesResult{Data: data})
		return nil, res, nil, err

	case wire.MethodPutOperation:
		var p wire.DataParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		data, err := c.resolveData(p.Data)
		if err != nil {
			return nil, nil, nil, err
		}
		id, err := c.backend.Ops.PutOperation(data)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := encodeResult(wire.IDResult{ID: id})
		return []byte(id), res, nil, err

	case wire.MethodGetView:
		var p wire.IDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		data, err := c.backend.Ops.GetView(p.ID)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := encodeResult(wire.BytesResult{Data: data})
		return nil, res, nil, err

	case wire.MethodPutView:
		var p wire.DataParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		data, err := c.resolveData(p.Data)
		if err != nil {
			return nil, nil, nil, err
		}
		id, err := c.backend.Ops.PutView(data)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := encodeResult(wire.IDResult{ID: id})
		return []byte(id), res, nil, err

	case wire.MethodGetHeads:
		state := c.backend.Heads.GetHeadsState()
		res, err := encodeResult(wire.GetHeadsResult{
			Heads:          state.Heads,
			Version:        state.Version,
			WorkspaceHeads: state.WorkspaceHeads,
		})
		return nil, res, nil, err

	case wire.MethodUpdateOpHeads:
		var p wire.UpdateOpHeadsParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		newID, err := c.resolveData(p.NewID)
		if err != nil {
			return nil, nil, nil, err
		}
		out, err := c.backend.Heads.UpdateOpHeads(p.OldIDs, newID, p.ExpectedVersion, p.WorkspaceID)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := encodeResult(wire.UpdateOpHeadsResult{
			Ok:             out.OK,
			Heads:          out.State.Heads,
			Version:        out.State.Version,
			WorkspaceHeads: out.State.WorkspaceHeads,
		})
		return nil, res, nil, err

	case wire.MethodResolveOperationIDPrefix:
		var p wire.ResolvePrefixParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		out, err := c.backend.Ops.ResolveOperationIDPrefix(p.HexPrefix)
		if err != nil {
			return nil, nil, nil, err
		}
		res, err := encodeResult(wire.ResolvePrefixResult{Outcome: outcomeWire(out.Outcome), ID: out.ID})
		return nil, res, nil, err

	case wire.MethodWatchHeads:
		var p wire.WatchHeadsParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		watcherID := uuid.New().String()
		ch, cancel := c.backend.Heads.WatchHeads(p.AfterVersion)
		c.watchMu.Lock()
		c.watchers[watcherID] = cancel
		c.watchMu.Unlock()
		res, err := encodeResult(wire.WatchHeadsResult{WatcherID: watcherID})
		if err != nil {
			c.watchMu.Lock()
			delete(c.watchers, watcherID)
			c.watchMu.Unlock()
			cancel.Cancel()
			return nil, nil, nil, err
		}
		// Deferred until the response carrying watcherID is on the
		// wire, so the client can never observe a notification for a
		// watcher it doesn't know about yet.
		afterWrite := func() { go c.pumpNotifications(watcherID, ch) }
		return nil, res, afterWrite, nil

	case wire.MethodCancelWatch:
		var p wire.CancelWatchParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, nil, nil, err
		}
		c.watchMu.Lock()
		cancel, ok := c.watchers[p.WatcherID]
		delete(c.watchers, p.WatcherID)
		c.watchMu.Unlock()
		if ok {
			cancel.Cancel()
		}
		return nil, nil, nil, nil

	case wire.MethodGetRelatedCopies:
		return nil, nil, nil, tderrors.New(tderrors.Unsupported, "getRelatedCopies is not implemented")

	default:
		return nil, nil, nil, tderrors.New(tderrors.InvalidArgument, "unknown method %d", req.Method)
	}
}

// pumpNotifications forwards a watcher's coalesced notifications to the
// client as unsolicited KindNotification frames until the watcher is
// canceled or the connection closes.
func (c *conn) pumpNotifications(watcherID string, ch <-chan headauthority.Notification) {
	for n := range ch {
		body, err := encodeResult(wire.Notification{WatcherID: watcherID, Version: n.Version, Heads: n.Heads})
		if err != nil {
			return
		}
		c.writeMu.Lock()
		writeErr := wire.WriteFrame(c.nc, wire.KindNotification, body)
		c.writeMu.Unlock()
		if writeErr != nil {
			return
		}
	}
}

func outcomeWire(o opstore.PrefixOutcome) wire.PrefixOutcomeWire {
	switch o {
	case opstore.SingleMatch:
		return wire.WireSingleMatch
	case opstore.Ambiguous:
		return wire.WireAmbiguous
	default:
		return wire.WireNoMatch
	}
}

func decodeParams(raw []byte, v any) error {
	return wire.Unmarshal(raw, v)
}

func encodeResult(v any) ([]byte, error) {
	return wire.Marshal(v)
}
