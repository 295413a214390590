package wire

import (
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/types"
)

// Frame kinds.
const (
	KindRequest      byte = 1
	KindResponse     byte = 2
	KindNotification byte = 3 // server-pushed watchHeads notification
)

// Method identifies one Store operation (spec.md §6 table).
type Method uint8

const (
	MethodGetRepoInfo Method = iota
	MethodGetObject
	MethodPutObject
	MethodGetOperation
	MethodPutOperation
	MethodGetView
	MethodPutView
	MethodGetHeads
	MethodUpdateOpHeads
	MethodResolveOperationIDPrefix
	MethodWatchHeads
	MethodCancelWatch
	MethodGetRelatedCopies
)

// Request is one client-to-server call envelope.
type Request struct {
	CallID uint64 `msgpack:"call_id"`
	Method Method `msgpack:"method"`
	Params []byte `msgpack:"params"` // method-specific msgpack payload, may embed PipelineRefs
}

// Response is the server's reply to one Request.
type Response struct {
	CallID  uint64 `msgpack:"call_id"`
	Ok      bool   `msgpack:"ok"`
	Kind    string `msgpack:"kind,omitempty"`
	Message string `msgpack:"message,omitempty"`
	Result  []byte `msgpack:"result,omitempty"` // method-specific msgpack payload
}

// EncodeRequest/DecodeRequest/EncodeResponse/DecodeResponse wrap the
// envelope marshal/unmarshal so callers don't reach into msgpack
// directly.

func EncodeRequest(req Request) ([]byte, error) { return marshal(req) }

func DecodeRequest(b []byte) (Request, error) {
	var req Request
	err := unmarshal(b, &req)
	return req, err
}

func EncodeResponse(resp Response) ([]byte, error) { return marshal(resp) }

func DecodeResponse(b []byte) (Response, error) {
	var resp Response
	err := unmarshal(b, &resp)
	return resp, err
}

// ErrorResponse builds a failure Response from a tagged error.
func ErrorResponse(callID uint64, err error) Response {
	return Response{
		CallID:  callID,
		Ok:      false,
		Kind:    string(tderrors.KindOf(err)),
		Message: err.Error(),
	}
}

// --- Method parameter/result payloads ---

type GetObjectParams struct {
	Kind types.ObjectKind `msgpack:"kind"`
	ID   types.ID         `msgpack:"id"`
}

type GetObjectResult struct {
	Data []byte `msgpack:"data"`
}

type PutObjectParams struct {
	Kind types.ObjectKind `msgpack:"kind"`
	Data []byte           `msgpack:"data"` // may embed a PipelineRef placeholder
}

type PutObjectResult struct {
	ID             types.ID `msgpack:"id"`
	NormalizedData []byte   `msgpack:"normalized_data"`
}

type IDParams struct {
	ID types.ID `msgpack:"id"`
}

type DataParams struct {
	Data []byte `msgpack:"data"`
}

type BytesResult struct {
	Data []byte `msgpack:"data"`
}

type IDResult struct {
	ID types.ID `msgpack:"id"`
}

type GetHeadsResult struct {
	Heads          []types.ID          `msgpack:"heads"`
	Version        uint64              `msgpack:"version"`
	WorkspaceHeads map[string]types.ID `msgpack:"workspace_heads"`
}

type UpdateOpHeadsParams struct {
	OldIDs          []types.ID `msgpack:"old_ids"`
	NewID           types.ID   `msgpack:"new_id"` // may embed a PipelineRef placeholder
	ExpectedVersion uint64     `msgpack:"expected_version"`
	WorkspaceID     string     `msgpack:"workspace_id"`
}

type UpdateOpHeadsResult struct {
	Ok             bool                `msgpack:"ok"`
	Heads          []types.ID          `msgpack:"heads"`
	Version        uint64              `msgpack:"version"`
	WorkspaceHeads map[string]types.ID `msgpack:"workspace_heads"`
}

type ResolvePrefixParams struct {
	HexPrefix string `msgpack:"hex_prefix"`
}

// PrefixOutcomeWire mirrors opstore.PrefixOutcome across the wire.
type PrefixOutcomeWire uint8

const (
	WireNoMatch PrefixOutcomeWire = iota
	WireSingleMatch
	WireAmbiguous
)

type ResolvePrefixResult struct {
	Outcome PrefixOutcomeWire `msgpack:"outcome"`
	ID      types.ID          `msgpack:"id,omitempty"`
}

type WatchHeadsParams struct {
	AfterVersion uint64 `msgpack:"after_version"`
}

type WatchHeadsResult struct {
	WatcherID string `msgpack:"watcher_id"`
}

type CancelWatchParams struct {
	WatcherID string `msgpack:"watcher_id"`
}

// Notification is pushed unsolicited (KindNotification) to a connection
// holding an active watcher.
type Notification struct {
	WatcherID string     `msgpack:"watcher_id"`
	Version   uint64     `msgpack:"version"`
	Heads     []types.ID `msgpack:"heads"`
}

// RepoInfoWire is the handshake payload (spec.md §4.4).
type RepoInfoWire struct {
	ProtocolMajor   uint32   `msgpack:"protocol_major"`
	ProtocolMinor   uint32   `msgpack:"protocol_minor"`
	ServerVersion   string   `msgpack:"server_version"`
	BackendName     string   `msgpack:"backend_name"`
	OpStoreName     string   `msgpack:"op_store_name"`
	CommitIDLength  int      `msgpack:"commit_id_length"`
	ChangeIDLength  int      `msgpack:"change_id_length"`
	RootCommitID    types.ID `msgpack:"root_commit_id"`
	RootChangeID    types.ID `msgpack:"root_change_id"`
	EmptyTreeID     types.ID `msgpack:"empty_tree_id"`
	RootOperationID types.ID `msgpack:"root_operation_id"`
	Capabilities    []string `msgpack:"capabilities"`
}
