package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agenthive/config"
	"github.com/BaSui01/agenthive/internal/tlsutil"
	"github.com/BaSui01/agenthive/types"
)

// maxResponseBytes caps how much of an agent response is read.
const maxResponseBytes = 4 << 20

// HTTP delivers envelopes as JSON POST bodies. The per-request deadline
// comes from the caller's context; only the dial is bounded here, so
// callers can stretch the request bound without reconfiguring the
// transport.
type HTTP struct {
	client *http.Client
	logger *zap.Logger
}

var _ Transport = (*HTTP)(nil)

func NewHTTP(cfg config.ProtocolConfig, logger *zap.Logger) *HTTP {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	return &HTTP{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsutil.DefaultTLSConfig(),
				ForceAttemptHTTP2:   true,
				DialContext:         dialer.DialContext,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

func (t *HTTP) Request(ctx context.Context, endpoint string, msg *types.Message) (*types.Message, error) {
	resp, err := t.post(ctx, endpoint, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, types.NewProtocolError(fmt.Sprintf("protocol: %s returned status %d", endpoint, resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	out, err := types.ParseMessage(data)
	if err != nil {
		return nil, types.NewProtocolError("protocol: malformed response from " + endpoint).WithCause(err)
	}
	return out, nil
}

func (t *HTTP) Notify(ctx context.Context, endpoint string, msg *types.Message) error {
	resp, err := t.post(ctx, endpoint, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.NewProtocolError(fmt.Sprintf("protocol: %s returned status %d", endpoint, resp.StatusCode))
	}
	return nil
}

func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTP) post(ctx context.Context, endpoint string, msg *types.Message) (*http.Response, error) {
	body, err := msg.ToJSON()
	if err != nil {
		return nil, types.NewProtocolError("protocol: encode message").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, types.NewProtocolError("protocol: build request for " + endpoint).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.client.Do(req)
}
