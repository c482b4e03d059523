package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// newWSServer stands in for a websocket agent endpoint. Each inbound frame
// is decoded and passed to handle; a non-nil return is written back. The
// returned counter tracks accepted connections.
func newWSServer(t *testing.T, handle func(msg *types.Message) *types.Message) (string, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer conn.Close(websocket.StatusNormalClosure, "closing")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msg, err := types.ParseMessage(data)
			if err != nil {
				continue
			}
			resp := handle(msg)
			if resp == nil {
				continue
			}
			out, err := resp.ToJSON()
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), &conns
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func TestWSRequestRoundTrip(t *testing.T) {
	url, conns := newWSServer(t, func(msg *types.Message) *types.Message {
		return types.NewResponse(msg, json.RawMessage(`{"triage":"green"}`))
	})

	c := newTestClient(t, config.ProtocolConfig{})
	req := types.NewRequest("triage-1", "assess", types.PriorityCritical, "", json.RawMessage(`{"symptoms":["cough"]}`))
	resp, err := c.SendRequest(context.Background(), url, req)
	require.NoError(t, err)

	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.JSONEq(t, `{"triage":"green"}`, string(resp.Payload))
	assert.Equal(t, []string{types.HopOutcomeSent}, outcomes(req.Hops))
	assert.Equal(t, []string{types.HopOutcomeOK}, outcomes(resp.Hops))
	assert.Equal(t, int32(1), conns.Load())
}

func TestWSMultiplexesOverOneConnection(t *testing.T) {
	url, conns := newWSServer(t, func(msg *types.Message) *types.Message {
		return types.NewResponse(msg, msg.Payload)
	})

	c := newTestClient(t, config.ProtocolConfig{})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	resps := make([]*types.Message, n)
	reqs := make([]*types.Message, n)
	for i := 0; i < n; i++ {
		reqs[i] = types.NewRequest("triage-1", "assess", types.PriorityNormal, "", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resps[i], errs[i] = c.SendRequest(context.Background(), url, reqs[i])
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		// Each waiter got its own response back, not a neighbor's.
		assert.Equal(t, reqs[i].ID, resps[i].CorrelationID)
		assert.JSONEq(t, string(reqs[i].Payload), string(resps[i].Payload))
	}
	assert.Equal(t, int32(1), conns.Load())
}

func TestWSDialFailureIsUnreachable(t *testing.T) {
	c := newTestClient(t, config.ProtocolConfig{DialTimeout: 200 * time.Millisecond})
	req := types.NewRequest("gone-1", "noop", types.PriorityNormal, "", nil)
	_, err := c.SendRequest(context.Background(), "ws://127.0.0.1:1", req)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnreachable, types.GetErrorCode(err))
}

func TestWSServerDropFailsInFlightAndReconnects(t *testing.T) {
	// The first connection is cut after reading a frame; later connections
	// answer normally.
	var accepted atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := accepted.Add(1)
		ctx := r.Context()
		if n == 1 {
			_, _, _ = conn.Read(ctx)
			_ = conn.Close(websocket.StatusInternalError, "dropping")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "closing")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msg, err := types.ParseMessage(data)
			if err != nil {
				continue
			}
			out, err := types.NewResponse(msg, nil).ToJSON()
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	c := newTestClient(t, config.ProtocolConfig{})

	req := types.NewRequest("triage-1", "assess", types.PriorityNormal, "", nil)
	_, err := c.SendRequest(context.Background(), url, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnreachable, types.GetErrorCode(err))

	// The dead connection was retired; the next call dials fresh.
	req = types.NewRequest("triage-1", "assess", types.PriorityNormal, "", nil)
	resp, err := c.SendRequest(context.Background(), url, req)
	require.NoError(t, err)
	assert.Equal(t, req.ID, resp.CorrelationID)
	assert.Equal(t, int32(2), accepted.Load())
}

// ---------------------------------------------------------------------------
// Notifications
// ---------------------------------------------------------------------------

func TestWSNotificationDelivers(t *testing.T) {
	got := make(chan *types.Message, 1)
	url, _ := newWSServer(t, func(msg *types.Message) *types.Message {
		got <- msg
		return nil
	})

	c := newTestClient(t, config.ProtocolConfig{})
	note := types.NewNotification("ward-1", "vitals_update", types.PriorityHigh, "", json.RawMessage(`{"bpm":72}`))
	require.NoError(t, c.SendNotification(context.Background(), url, note))

	select {
	case msg := <-got:
		assert.Equal(t, types.KindNotification, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("notification never arrived")
	}
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func TestWSClosedTransportRefusesCalls(t *testing.T) {
	url, _ := newWSServer(t, func(msg *types.Message) *types.Message {
		return types.NewResponse(msg, nil)
	})

	c, err := NewClient(config.ProtocolConfig{}, nil)
	require.NoError(t, err)

	req := types.NewRequest("triage-1", "assess", types.PriorityNormal, "", nil)
	_, err = c.SendRequest(context.Background(), url, req)
	require.NoError(t, err)

	require.NoError(t, c.Close())

	req = types.NewRequest("triage-1", "assess", types.PriorityNormal, "", nil)
	_, err = c.SendRequest(context.Background(), url, req)
	require.Error(t, err)
	assert.Equal(t, types.ErrUnreachable, types.GetErrorCode(err))
}
