// Package protocol is the transport layer between the coordination core
// and its agents.
//
// Three transports sit behind one contract, selected by endpoint scheme:
// http(s) for request/response over POST, ws(s) for multiplexed
// request/response over a persistent connection, and inproc for handlers
// registered in the same process. Payload encryption is a pluggable hook
// applied before transmission. Every call appends to the message's audit
// trail, and every failure is classified as a timeout, an unreachable
// endpoint, or a protocol error before it reaches the fault layer; the
// transport itself never retries.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/types"
)

// hopComponent names this layer on the audit trail.
const hopComponent = "protocol"

// Transport moves envelopes to an endpoint. Implementations are safe for
// concurrent use and report failures as raw errors; the Client classifies
// them.
type Transport interface {
	// Request sends the envelope and awaits the correlated response.
	Request(ctx context.Context, endpoint string, msg *types.Message) (*types.Message, error)
	// Notify sends the envelope without awaiting a response.
	Notify(ctx context.Context, endpoint string, msg *types.Message) error
	// Close releases transport resources.
	Close() error
}

// Client is the dispatch surface used by the lifecycle manager. It owns
// one transport per scheme, applies the payload cipher, stamps the audit
// trail, and classifies failures. Dispatch volume and latency are
// measured through the global OpenTelemetry meter.
type Client struct {
	cfg    config.ProtocolConfig
	cipher Cipher
	logger *zap.Logger
	obs    *instruments

	inproc *InProc
	http   *HTTP
	ws     *WS
}

// NewClient creates a protocol client. Zero-valued config fields fall back
// to defaults; a malformed encryption key is a construction error.
func NewClient(cfg config.ProtocolConfig, logger *zap.Logger) (*Client, error) {
	def := config.DefaultProtocolConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "protocol"))

	ciph, err := NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	obs, err := newInstruments()
	if err != nil {
		return nil, fmt.Errorf("protocol: create instruments: %w", err)
	}

	return &Client{
		cfg:    cfg,
		cipher: ciph,
		logger: logger,
		obs:    obs,
		inproc: NewInProc(),
		http:   NewHTTP(cfg, logger),
		ws:     NewWS(cfg, logger),
	}, nil
}

// InProc exposes the in-process transport so embedded agents and tests can
// register handlers.
func (c *Client) InProc() *InProc {
	return c.inproc
}

// Close shuts down all transports.
func (c *Client) Close() error {
	errs := errors.Join(c.ws.Close(), c.http.Close(), c.inproc.Close())
	return errs
}

// SendRequest dispatches a request envelope to the endpoint and awaits the
// correlated response. The request gains a "sent" trail entry before
// transmission and a failure entry if the call does not complete; a
// successful response gains an "ok" entry. When the caller's context
// carries no deadline the configured request timeout applies.
func (c *Client) SendRequest(ctx context.Context, endpoint string, msg *types.Message) (*types.Message, error) {
	if msg == nil {
		return nil, types.NewProtocolError("protocol: nil message")
	}
	if err := msg.Validate(); err != nil {
		return nil, types.NewProtocolError("protocol: " + err.Error())
	}
	t, scheme, err := c.transportFor(endpoint)
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	msg.AppendHop(hopComponent, msg.Method, types.HopOutcomeSent)
	done := c.obs.begin(ctx, scheme)

	wire := *msg
	wire.Payload, err = c.cipher.Seal(msg.Payload)
	if err != nil {
		cerr := types.NewProtocolError("protocol: seal payload").WithCause(err)
		msg.AppendHop(hopComponent, msg.Method, types.HopOutcomeProtocol)
		done(types.HopOutcomeProtocol)
		return nil, cerr
	}

	resp, err := t.Request(ctx, endpoint, &wire)
	if err != nil {
		cerr := classify(err, endpoint)
		out := hopOutcome(cerr)
		msg.AppendHop(hopComponent, msg.Method, out)
		done(out)
		return nil, cerr
	}

	if resp.CorrelationID != msg.ID {
		cerr := types.NewProtocolError(fmt.Sprintf("protocol: response correlates %q, want %q", resp.CorrelationID, msg.ID))
		msg.AppendHop(hopComponent, msg.Method, types.HopOutcomeProtocol)
		done(types.HopOutcomeProtocol)
		return nil, cerr
	}

	resp.Payload, err = c.cipher.Open(resp.Payload)
	if err != nil {
		cerr := types.NewProtocolError("protocol: open response payload").WithCause(err)
		msg.AppendHop(hopComponent, msg.Method, types.HopOutcomeProtocol)
		done(types.HopOutcomeProtocol)
		return nil, cerr
	}

	resp.AppendHop(hopComponent, msg.Method, types.HopOutcomeOK)
	done(types.HopOutcomeOK)
	return resp, nil
}

// SendNotification dispatches a fire-and-forget envelope. Delivery means
// the transport accepted the write; no result is awaited.
func (c *Client) SendNotification(ctx context.Context, endpoint string, msg *types.Message) error {
	if msg == nil {
		return types.NewProtocolError("protocol: nil message")
	}
	if err := msg.Validate(); err != nil {
		return types.NewProtocolError("protocol: " + err.Error())
	}
	t, scheme, err := c.transportFor(endpoint)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	msg.AppendHop(hopComponent, msg.Method, types.HopOutcomeSent)
	done := c.obs.begin(ctx, scheme)

	wire := *msg
	wire.Payload, err = c.cipher.Seal(msg.Payload)
	if err != nil {
		msg.AppendHop(hopComponent, msg.Method, types.HopOutcomeProtocol)
		done(types.HopOutcomeProtocol)
		return types.NewProtocolError("protocol: seal payload").WithCause(err)
	}

	if err := t.Notify(ctx, endpoint, &wire); err != nil {
		cerr := classify(err, endpoint)
		out := hopOutcome(cerr)
		msg.AppendHop(hopComponent, msg.Method, out)
		done(out)
		return cerr
	}
	done(types.HopOutcomeOK)
	return nil
}

func (c *Client) transportFor(endpoint string) (Transport, string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, "", types.NewProtocolError("protocol: bad endpoint " + endpoint).WithCause(err)
	}
	switch u.Scheme {
	case "http", "https":
		return c.http, u.Scheme, nil
	case "ws", "wss":
		return c.ws, u.Scheme, nil
	case "inproc":
		return c.inproc, u.Scheme, nil
	default:
		return nil, "", types.NewProtocolError(fmt.Sprintf("protocol: unsupported endpoint scheme %q", u.Scheme))
	}
}

// classify maps a transport failure onto the protocol error taxonomy:
// deadline expiry is a timeout, cancellation passes through, anything
// already typed keeps its classification, and the rest is an unreachable
// endpoint.
func classify(err error, endpoint string) error {
	var terr *types.Error
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.NewTimeoutError("protocol: no response within bound from " + endpoint).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return types.NewUnreachableError("protocol: " + endpoint + " unreachable").WithCause(err)
}

func hopOutcome(err error) string {
	switch types.GetErrorCode(err) {
	case types.ErrTimeout:
		return types.HopOutcomeTimeout
	case types.ErrUnreachable:
		return types.HopOutcomeUnreachable
	case types.ErrProtocol:
		return types.HopOutcomeProtocol
	default:
		return types.HopOutcomeRejected
	}
}
