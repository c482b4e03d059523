package protocol

import (
	"context"
	"net/url"
	"sync"

	"github.com/BaSui01/agenthive/types"
)

// Handler processes one envelope for an in-process agent. Requests return
// a response envelope; notifications may return nil.
type Handler func(ctx context.Context, msg *types.Message) (*types.Message, error)

// InProc routes envelopes to handlers living in the same process. Agents
// register under an id and are addressed as inproc://<id>. Calls honor the
// caller's context the way a network transport would, so slow handlers
// still surface as timeouts.
type InProc struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

var _ Transport = (*InProc)(nil)

func NewInProc() *InProc {
	return &InProc{handlers: make(map[string]Handler)}
}

// Register binds a handler to an agent id, replacing any previous binding.
func (t *InProc) Register(agentID string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[agentID] = h
}

// Deregister removes the handler for an agent id.
func (t *InProc) Deregister(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, agentID)
}

func (t *InProc) Request(ctx context.Context, endpoint string, msg *types.Message) (*types.Message, error) {
	h, err := t.lookup(endpoint)
	if err != nil {
		return nil, err
	}

	type result struct {
		resp *types.Message
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := h(ctx, msg)
		ch <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if r.resp == nil {
			return nil, types.NewProtocolError("protocol: handler returned no response")
		}
		return r.resp, nil
	}
}

func (t *InProc) Notify(ctx context.Context, endpoint string, msg *types.Message) error {
	h, err := t.lookup(endpoint)
	if err != nil {
		return err
	}

	ch := make(chan error, 1)
	go func() {
		_, err := h(ctx, msg)
		ch <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ch:
		return err
	}
}

func (t *InProc) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = make(map[string]Handler)
	return nil
}

func (t *InProc) lookup(endpoint string) (Handler, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, types.NewProtocolError("protocol: bad endpoint " + endpoint).WithCause(err)
	}
	t.mu.RLock()
	h, ok := t.handlers[u.Host]
	t.mu.RUnlock()
	if !ok {
		return nil, types.NewUnreachableError("protocol: no in-process handler for " + u.Host)
	}
	return h, nil
}
