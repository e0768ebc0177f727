package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/danmuck/linkctl/internal/protocol"
)

// WSConn is the subset of *websocket.Conn the transport uses, so tests can
// substitute an in-memory connection.
type WSConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, target Target) (WSConn, error)
}

// WebsocketDialer dials targets with coder/websocket.
type WebsocketDialer struct {
	// RootCAs extends secure-mode verification; nil uses the system pool.
	RootCAs   *x509.CertPool
	ReadLimit int64
	UserAgent string
}

func (d WebsocketDialer) Dial(ctx context.Context, target Target) (WSConn, error) {
	u, err := target.URL()
	if err != nil {
		return nil, err
	}
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if target.Token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+target.Token)
	}
	if d.UserAgent != "" {
		opts.HTTPHeader.Set("User-Agent", d.UserAgent)
	}
	tlsCfg, err := ClientTLSConfig(target, d.RootCAs)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				TLSClientConfig: tlsCfg,
			},
		}
	}

	conn, _, err := websocket.Dial(ctx, u, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", u, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = protocol.MaxMessageBytes
	}
	conn.SetReadLimit(limit)
	return conn, nil
}
