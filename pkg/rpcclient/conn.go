// Package rpcclient implements C5, the client backend adapter (spec.md
// §4.5): one RPC connection per workspace owned by a dedicated worker
// goroutine, an optimistic head version cache, a CAS retry loop with
// exponential backoff, and optional in-flight request coalescing.
package rpcclient

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/wire"
)

// connectTimeout bounds the TCP dial of the bootstrap connection; the
// getRepoInfo call that follows has no deadline of its own.
const connectTimeout = 5 * time.Second

// pendingReply is the slot a waiting caller blocks on for one call's
// response.
type pendingReply struct {
	ch chan wire.Response
}

// conn owns the non-thread-safe RPC state for one workspace: a single
// TCP connection, a writer goroutine, and a reader goroutine. All other
// goroutines interact with it only through enqueue()/call() and
// registerWatch()/unregisterWatch(), which hand off work over channels
// or mutex-guarded maps rather than touching the socket directly
// (spec.md §4.5: "a dedicated worker task whose sole job is to own the
// non-thread-safe RPC state").
type conn struct {
	nc net.Conn

	nextCallID uint64 // atomic

	pendingMu sync.Mutex
	pending   map[uint64]*pendingReply

	notifyMu sync.Mutex
	notify   map[string]chan wire.Notification

	sendCh chan sendRequest

	disableCoalescing bool

	closeOnce sync.Once
	closed    chan struct{}
}

type sendRequest struct {
	req  wire.Request
	done chan<- struct{} // closed once written, for coalescing diagnostics only
}

// dial opens a TCP connection, enables NODELAY, and starts the
// reader/writer goroutines. It does not perform the handshake; callers
// should immediately call getRepoInfo.
func dial(addr string, disableCoalescing bool) (*conn, error) {
	nc, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, tderrors.Wrap(tderrors.Transport, err, "connect %s", addr)
	}
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c := &conn{
		nc:                nc,
		pending:           make(map[uint64]*pendingReply),
		notify:            make(map[string]chan wire.Notification),
		sendCh:            make(chan sendRequest, 4096),
		disableCoalescing: disableCoalescing,
		closed:            make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
	})
}

// writeLoop is the dedicated worker: it owns frame writing, and when
// coalescing is enabled it drains every request already queued behind
// the one that woke it before yielding back to the network, so a
// commit cycle's pipelined writes tend to land in one turnaround
// (spec.md §4.5 "RPC in-flight coalescing").
func (c *conn) writeLoop() {
	for {
		select {
		case sr := <-c.sendCh:
			c.writeOne(sr)
			if c.disableCoalescing {
				continue
			}
		drain:
			for {
				select {
				case sr2 := <-c.sendCh:
					c.writeOne(sr2)
				default:
					break drain
				}
			}
		case <-c.closed:
			return
		}
	}
}

func (c *conn) writeOne(sr sendRequest) {
	body, err := wire.EncodeRequest(sr.req)
	if err == nil {
		_ = wire.WriteFrame(c.nc, wire.KindRequest, body)
	}
	if sr.done != nil {
		close(sr.done)
	}
}

func (c *conn) readLoop() {
	for {
		kind, body, err := wire.ReadFrame(c.nc)
		if err != nil {
			c.failAllPending(tderrors.Wrap(tderrors.Transport, err, "connection read failed"))
			c.close()
			return
		}
		switch kind {
		case wire.KindResponse:
			resp, err := wire.DecodeResponse(body)
			if err != nil {
				continue
			}
			c.pendingMu.Lock()
			pr, ok := c.pending[resp.CallID]
			if ok {
				delete(c.pending, resp.CallID)
			}
			c.pendingMu.Unlock()
			if ok {
				pr.ch <- resp
			}
		case wire.KindNotification:
			var n wire.Notification
			if err := wire.Unmarshal(body, &n); err != nil {
				continue
			}
			c.notifyMu.Lock()
			ch, ok := c.notify[n.WatcherID]
			if ok {
				select {
				case ch <- n:
				default:
				}
			}
			c.notifyMu.Unlock()
		}
	}
}

func (c *conn) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, pr := range c.pending {
		pr.ch <- wire.ErrorResponse(id, err)
		delete(c.pending, id)
	}
}

// enqueue assigns a fresh call ID, registers a reply slot, and hands the
// request to the writer goroutine without blocking on a network round
// trip. The returned function blocks until the reply arrives.
func (c *conn) enqueue(method wire.Method, params any) (callID uint64, wait func() (wire.Response, error), err error) {
	paramBytes, err := wire.Marshal(params)
	if err != nil {
		return 0, nil, err
	}
	callID = atomic.AddUint64(&c.nextCallID, 1)
	reply := &pendingReply{ch: make(chan wire.Response, 1)}

	c.pendingMu.Lock()
	c.pending[callID] = reply
	c.pendingMu.Unlock()

	select {
	case c.sendCh <- sendRequest{req: wire.Request{CallID: callID, Method: method, Params: paramBytes}}:
	case <-c.closed:
		return 0, nil, tderrors.New(tderrors.Transport, "connection closed")
	}

	wait = func() (wire.Response, error) {
		select {
		case resp := <-reply.ch:
			if !resp.Ok {
				return resp, &tderrors.Error{Kind: tderrors.Kind(resp.Kind), Message: resp.Message}
			}
			return resp, nil
		case <-c.closed:
			return wire.Response{}, tderrors.New(tderrors.Transport, "connection closed")
		}
	}
	return callID, wait, nil
}

// call is the common blocking case: enqueue then immediately wait.
func (c *conn) call(method wire.Method, params any) (wire.Response, error) {
	_, wait, err := c.enqueue(method, params)
	if err != nil {
		return wire.Response{}, err
	}
	return wait()
}

// registerWatch installs a notification channel for a watcher ID
// returned by a prior watchHeads call.
func (c *conn) registerWatch(watcherID string) chan wire.Notification {
	ch := make(chan wire.Notification, 4)
	c.notifyMu.Lock()
	c.notify[watcherID] = ch
	c.notifyMu.Unlock()
	return ch
}

func (c *conn) unregisterWatch(watcherID string) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if ch, ok := c.notify[watcherID]; ok {
		delete(c.notify, watcherID)
		close(ch)
	}
}
