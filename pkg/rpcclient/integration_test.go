package rpcclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/laulauland/tandem/pkg/encoding"
	"github.com/laulauland/tandem/pkg/rpcserver"
	"github.com/laulauland/tandem/pkg/types"
)

// startTestServer opens a backend rooted at a fresh temp directory and
// serves it on a loopback listener, returning the listener address and a
// shutdown func.
func startTestServer(t *testing.T) string {
	t.Helper()
	backend, err := rpcserver.OpenBackend(t.TempDir(), "test")
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go rpcserver.Serve(nc, backend)
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		_ = backend.Close()
	})
	return ln.Addr().String()
}

func TestConnectHandshakeSucceeds(t *testing.T) {
	addr := startTestServer(t)

	c, err := Connect(addr, "ws1", "", "getObject", "putObject", "opStore", "watchHeads")
	require.NoError(t, err)
	defer c.Close()

	info := c.RepoInfo()
	require.Equal(t, "tandem-git", info.BackendName)
	require.Equal(t, "tandem-opstore", info.OpStoreName)
}

func TestConnectRejectsMissingCapability(t *testing.T) {
	addr := startTestServer(t)

	_, err := Connect(addr, "ws1", "", "doesNotExist")
	require.Error(t, err)
}

func TestPutObjectGetObjectRoundTrip(t *testing.T) {
	addr := startTestServer(t)
	c, err := Connect(addr, "ws1", "")
	require.NoError(t, err)
	defer c.Close()

	id, norm, err := c.PutObject(types.KindFile, []byte("file contents"))
	require.NoError(t, err)
	require.Equal(t, []byte("file contents"), norm)

	got, err := c.GetObject(types.KindFile, id)
	require.NoError(t, err)
	require.Equal(t, []byte("file contents"), got)
}

func TestPutOperationUpdateOpHeadsPipeline(t *testing.T) {
	addr := startTestServer(t)
	c, err := Connect(addr, "ws1", "")
	require.NoError(t, err)
	defer c.Close()

	rootID := c.RepoInfo().RootOperationID

	opID, wait, err := c.PutOperationAsync(sampleOperationBytes(t, rootID))
	require.NoError(t, err)
	_ = opID

	newOpID, err := wait()
	require.NoError(t, err)

	result, err := c.UpdateOpHeads([]types.ID{rootID}, newOpID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), result.Version)
	require.Len(t, result.Heads, 1)
	require.True(t, result.Heads[0].Equal(newOpID))
}

func TestWatchHeadsDeliversNotificationAfterUpdate(t *testing.T) {
	addr := startTestServer(t)
	c, err := Connect(addr, "ws1", "")
	require.NoError(t, err)
	defer c.Close()

	w, err := c.WatchHeads(0)
	require.NoError(t, err)
	defer w.Cancel()

	rootID := c.RepoInfo().RootOperationID
	newOpID, err := c.PutOperation(sampleOperationBytes(t, rootID))
	require.NoError(t, err)

	_, err = c.UpdateOpHeads([]types.ID{rootID}, newOpID)
	require.NoError(t, err)

	select {
	case n := <-w.Notifications():
		require.Equal(t, uint64(1), n.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch notification")
	}
}

func TestConcurrentUpdateOpHeadsFromMultipleClientsConverge(t *testing.T) {
	addr := startTestServer(t)

	const clients = 5
	errs := make(chan error, clients)
	for i := 0; i < clients; i++ {
		go func(i int) {
			c, err := Connect(addr, "ws1", "")
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()

			rootID := c.RepoInfo().RootOperationID
			newOpID, err := c.PutOperation(sampleOperationBytes(t, rootID))
			if err != nil {
				errs <- err
				return
			}
			_, err = c.UpdateOpHeads([]types.ID{rootID}, newOpID)
			errs <- err
		}(i)
	}

	for i := 0; i < clients; i++ {
		require.NoError(t, <-errs)
	}

	c, err := Connect(addr, "observer", "")
	require.NoError(t, err)
	defer c.Close()
	heads, err := c.GetHeads()
	require.NoError(t, err)
	require.Equal(t, uint64(clients), heads.Version)
}

// sampleOperationBytes builds an encoded, parentless operation; the
// server stores it as is and lifts it onto the repository's root
// operation when it is read back.
func sampleOperationBytes(t *testing.T, rootID types.ID) []byte {
	t.Helper()
	op := &types.Operation{
		ViewID: make(types.ID, 64),
		Metadata: types.OperationMetadata{
			Description: "test op",
		},
	}
	raw, err := encoding.EncodeOperation(op)
	require.NoError(t, err)
	return raw
}
