package protocol

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/internal/tlsutil"
	"github.com/BaSui01/agenthive/types"
)

var errTransportClosed = errors.New("protocol: transport closed")

// WS multiplexes requests over one persistent connection per endpoint.
// Connections are dialed on first use; responses are matched to waiters by
// correlation id. A read failure fails every in-flight request on that
// connection and drops it, so the next call dials fresh. Retry policy
// lives upstream in the fault layer, not here.
type WS struct {
	cfg        config.ProtocolConfig
	dialClient *http.Client
	logger     *zap.Logger

	mu     sync.Mutex
	conns  map[string]*wsConn
	closed bool
}

var _ Transport = (*WS)(nil)

// wsConn is one live connection and its correlation state.
type wsConn struct {
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *types.Message
	err     error
	done    chan struct{}
}

func NewWS(cfg config.ProtocolConfig, logger *zap.Logger) *WS {
	return &WS{
		cfg: cfg,
		// No Timeout on the handshake client; the dial context bounds it.
		dialClient: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsutil.DefaultTLSConfig()},
		},
		logger: logger,
		conns:  make(map[string]*wsConn),
	}
}

func (t *WS) Request(ctx context.Context, endpoint string, msg *types.Message) (*types.Message, error) {
	wc, err := t.getConn(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	ch := make(chan *types.Message, 1)
	wc.mu.Lock()
	wc.pending[msg.ID] = ch
	wc.mu.Unlock()
	defer func() {
		wc.mu.Lock()
		delete(wc.pending, msg.ID)
		wc.mu.Unlock()
	}()

	if err := wc.write(ctx, msg); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-wc.done:
		return nil, wc.readErr()
	case resp := <-ch:
		return resp, nil
	}
}

func (t *WS) Notify(ctx context.Context, endpoint string, msg *types.Message) error {
	wc, err := t.getConn(ctx, endpoint)
	if err != nil {
		return err
	}
	return wc.write(ctx, msg)
}

func (t *WS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*wsConn)
	t.mu.Unlock()

	for _, wc := range conns {
		wc.cancel()
		_ = wc.conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

// getConn returns the live connection for the endpoint, dialing one if
// needed. Losing a dial race closes the extra connection and uses the
// winner's.
func (t *WS) getConn(ctx context.Context, endpoint string) (*wsConn, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	if wc, ok := t.conns[endpoint]; ok {
		t.mu.Unlock()
		return wc, nil
	}
	t.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: t.dialClient,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxResponseBytes)

	readCtx, stop := context.WithCancel(context.Background())
	wc := &wsConn{
		conn:    conn,
		cancel:  stop,
		pending: make(map[string]chan *types.Message),
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		stop()
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
		return nil, errTransportClosed
	}
	if existing, ok := t.conns[endpoint]; ok {
		t.mu.Unlock()
		stop()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		return existing, nil
	}
	t.conns[endpoint] = wc
	t.mu.Unlock()

	go t.readLoop(readCtx, endpoint, wc)
	return wc, nil
}

// readLoop pumps frames off the connection and hands responses to their
// waiters. Any read error retires the connection.
func (t *WS) readLoop(ctx context.Context, endpoint string, wc *wsConn) {
	for {
		_, data, err := wc.conn.Read(ctx)
		if err != nil {
			t.retire(endpoint, wc, err)
			return
		}
		msg, err := types.ParseMessage(data)
		if err != nil {
			t.logger.Warn("discarding malformed frame",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			continue
		}
		if msg.Kind != types.KindResponse {
			t.logger.Debug("discarding non-response frame",
				zap.String("endpoint", endpoint),
				zap.String("kind", string(msg.Kind)))
			continue
		}
		wc.mu.Lock()
		ch, ok := wc.pending[msg.CorrelationID]
		if ok {
			delete(wc.pending, msg.CorrelationID)
		}
		wc.mu.Unlock()
		if !ok {
			t.logger.Debug("response with no waiter",
				zap.String("endpoint", endpoint),
				zap.String("correlation_id", msg.CorrelationID))
			continue
		}
		ch <- msg
	}
}

// retire drops a dead connection and fails its in-flight requests.
func (t *WS) retire(endpoint string, wc *wsConn, cause error) {
	t.mu.Lock()
	if t.conns[endpoint] == wc {
		delete(t.conns, endpoint)
	}
	t.mu.Unlock()

	wc.mu.Lock()
	wc.err = cause
	close(wc.done)
	wc.mu.Unlock()

	wc.cancel()
	_ = wc.conn.Close(websocket.StatusInternalError, "read failed")

	t.logger.Debug("websocket connection retired",
		zap.String("endpoint", endpoint),
		zap.Error(cause))
}

func (wc *wsConn) write(ctx context.Context, msg *types.Message) error {
	body, err := msg.ToJSON()
	if err != nil {
		return types.NewProtocolError("protocol: encode message").WithCause(err)
	}
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	return wc.conn.Write(ctx, websocket.MessageText, body)
}

func (wc *wsConn) readErr() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.err
}
