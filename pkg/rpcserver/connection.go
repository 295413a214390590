package rpcserver

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/laulauland/tandem/pkg/headauthority"
	"github.com/laulauland/tandem/pkg/log"
	"github.com/laulauland/tandem/pkg/metrics"
	"github.com/laulauland/tandem/pkg/tderrors"
	"github.com/laulauland/tandem/pkg/wire"
)

// pendingCall is the in-flight state a dispatcher consults to resolve a
// PipelineRef embedded in a later request's Data (spec.md §4.4).
type pendingCall struct {
	done     chan struct{}
	refValue []byte // the call's primary ID result, if it produced one
	err      error
}

// conn serves one client connection's cooperative dispatch loop: each
// request runs in its own goroutine (this backend's stand-in for
// "cooperative tasks that may suspend on backend I/O"), writes are
// serialized through writeMu, and a pending-call table lets a later
// request's handler block on an earlier one's not-yet-arrived result.
type conn struct {
	nc      net.Conn
	backend *Backend

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	watchMu  sync.Mutex
	watchers map[string]headauthority.CancelHandle

	wg sync.WaitGroup
}

// Serve runs one connection's request loop until it closes or a
// transport error occurs, per spec.md §4.4 ("any I/O or decode error on
// the bootstrap handshake is fatal for the session").
func Serve(nc net.Conn, backend *Backend) {
	if tcp, ok := nc.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	defer nc.Close()

	c := &conn{
		nc:       nc,
		backend:  backend,
		pending:  make(map[uint64]*pendingCall),
		watchers: make(map[string]headauthority.CancelHandle),
	}
	logger := log.WithConn(nc.RemoteAddr().String())

	for {
		kind, body, err := wire.ReadFrame(nc)
		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("connection read failed")
			}
			break
		}
		if kind != wire.KindRequest {
			logger.Warn().Int("kind", int(kind)).Msg("unexpected frame kind")
			break
		}
		req, err := wire.DecodeRequest(body)
		if err != nil {
			logger.Warn().Err(err).Msg("malformed request frame")
			break
		}

		c.pendingMu.Lock()
		c.pending[req.CallID] = &pendingCall{done: make(chan struct{})}
		c.pendingMu.Unlock()

		c.wg.Add(1)
		go c.handle(req, logger)
	}

	c.cancelAllWatchers()
	c.wg.Wait()
}

func (c *conn) handle(req wire.Request, logger zerolog.Logger) {
	defer c.wg.Done()

	start := time.Now()
	resultID, resultBytes, afterWrite, err := c.dispatch(req)
	metrics.RPCRequestDuration.WithLabelValues(methodName(req.Method)).Observe(time.Since(start).Seconds())

	c.pendingMu.Lock()
	pc := c.pending[req.CallID]
	c.pendingMu.Unlock()
	if pc != nil {
		pc.err = err
		if err == nil {
			pc.refValue = resultID
		}
		close(pc.done)
	}

	status := "ok"
	var resp wire.Response
	if err != nil {
		status = string(tderrors.KindOf(err))
		resp = wire.ErrorResponse(req.CallID, err)
		logger.Debug().Uint64("call_id", req.CallID).Str("method", methodName(req.Method)).Err(err).Msg("rpc call failed")
	} else {
		resp = wire.Response{CallID: req.CallID, Ok: true, Result: resultBytes}
	}
	metrics.RPCRequestsTotal.WithLabelValues(methodName(req.Method), status).Inc()

	frame, encErr := wire.EncodeResponse(resp)
	if encErr != nil {
		return
	}
	c.writeMu.Lock()
	_ = wire.WriteFrame(c.nc, wire.KindResponse, frame)
	c.writeMu.Unlock()

	if afterWrite != nil {
		afterWrite()
	}
}

// resolveData resolves any PipelineRefs embedded in data by blocking on
// the referenced calls' completion.
func (c *conn) resolveData(data []byte) ([]byte, error) {
	return wire.ResolveRefs(data, func(callID uint64) ([]byte, error) {
		c.pendingMu.Lock()
		pc, ok := c.pending[callID]
		c.pendingMu.Unlock()
		if !ok {
			return nil, tderrors.New(tderrors.InvalidArgument, "pipeline ref to unknown call %d", callID)
		}
		<-pc.done
		if pc.err != nil {
			return nil, tderrors.New(tderrors.InvalidArgument, "pipeline ref call %d failed: %v", callID, pc.err)
		}
		if pc.refValue == nil {
			return nil, tderrors.New(tderrors.InvalidArgument, "call %d produced no referenceable result", callID)
		}
		return pc.refValue, nil
	})
}

func (c *conn) cancelAllWatchers() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for id, h := range c.watchers {
		h.Cancel()
		delete(c.watchers, id)
	}
}

func methodName(m wire.Method) string {
	switch m {
	case wire.MethodGetRepoInfo:
		return "getRepoInfo"
	case wire.MethodGetObject:
		return "getObject"
	case wire.MethodPutObject:
		return "putObject"
	case wire.MethodGetOperation:
		return "getOperation"
	case wire.MethodPutOperation:
		return "putOperation"
	case wire.MethodGetView:
		return "getView"
	case wire.MethodPutView:
		return "putView"
	case wire.MethodGetHeads:
		return "getHeads"
	case wire.MethodUpdateOpHeads:
		return "updateOpHeads"
	case wire.MethodResolveOperationIDPrefix:
		return "resolveOperationIdPrefix"
	case wire.MethodWatchHeads:
		return "watchHeads"
	case wire.MethodCancelWatch:
		return "cancelWatch"
	case wire.MethodGetRelatedCopies:
		return "getRelatedCopies"
	default:
		return "unknown"
	}
}
