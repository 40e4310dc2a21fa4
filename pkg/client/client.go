package client

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/maumercado/pueued/internal/protocol"
	"github.com/maumercado/pueued/internal/secret"
	"github.com/maumercado/pueued/internal/transport"
)

// Client is a single connection to a daemon, speaking the length-prefixed
// JSON protocol over mutual TLS (spec §6 External Interfaces). A Client
// is not safe for concurrent use: the wire protocol is strictly
// request-then-reply on one connection, so callers needing concurrency
// should dial multiple Clients.
type Client struct {
	conn net.Conn
	opts *options

	mu sync.Mutex
}

// Dial connects to a daemon listening on a mutual-TLS TCP endpoint,
// completes the TLS handshake, and answers the post-TLS shared-secret
// challenge (spec §4.6).
func Dial(addr string, tlsCfg *tls.Config, secretBytes []byte, opts ...Option) (*Client, error) {
	return dial("tcp", addr, tlsCfg, secretBytes, opts...)
}

// DialUnix connects to a daemon listening on a mutual-TLS Unix domain
// socket.
func DialUnix(path string, tlsCfg *tls.Config, secretBytes []byte, opts ...Option) (*Client, error) {
	return dial("unix", path, tlsCfg, secretBytes, opts...)
}

func dial(network, addr string, tlsCfg *tls.Config, secretBytes []byte, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	dialer := &net.Dialer{Timeout: o.dialTimeout}
	raw, err := dialer.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s %s: %w", network, addr, err)
	}

	tlsConn := tls.Client(raw, tlsCfg)
	_ = tlsConn.SetDeadline(time.Now().Add(o.dialTimeout))
	if err := tlsConn.Handshake(); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("client: TLS handshake: %w", err)
	}

	c := &Client{conn: tlsConn, opts: o}
	if err := c.answerChallenge(secretBytes); err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	_ = tlsConn.SetDeadline(time.Time{})

	return c, nil
}

// answerChallenge reads the server's salt and returns the keyed digest,
// the client side of internal/transport's post-TLS handshake.
func (c *Client) answerChallenge(secretBytes []byte) error {
	salt, err := transport.ReadFrame(c.conn)
	if err != nil {
		return fmt.Errorf("client: read challenge salt: %w", err)
	}
	digest := secret.Digest(secretBytes, salt)
	if err := transport.WriteFrame(c.conn, digest); err != nil {
		return fmt.Errorf("client: write challenge digest: %w", err)
	}
	return nil
}

// Send submits req and returns the daemon's single reply. It is not
// valid for req.Type == protocol.ReqLog; use Log for that.
func (c *Client) Send(req protocol.Request) (protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetDeadline(time.Now().Add(c.opts.sendTimeout))
	defer c.conn.SetDeadline(time.Time{})

	if err := transport.WriteJSON(c.conn, req); err != nil {
		return protocol.Reply{}, fmt.Errorf("client: send request: %w", err)
	}
	var reply protocol.Reply
	if err := transport.ReadJSON(c.conn, &reply); err != nil {
		return protocol.Reply{}, fmt.Errorf("client: read reply: %w", err)
	}
	return reply, nil
}

// Log submits a Log request and streams every reply frame on the
// returned channel, closing it once every requested task has sent
// LogDone or the connection errors. The caller must drain the channel;
// Log holds the Client's lock for its entire duration, so no other
// Send/Log call can run concurrently on the same Client.
func (c *Client) Log(req protocol.Request) (<-chan protocol.Reply, error) {
	if req.Type != protocol.ReqLog {
		return nil, fmt.Errorf("client: Log requires req.Type == %q", protocol.ReqLog)
	}

	c.mu.Lock()
	_ = c.conn.SetDeadline(time.Now().Add(c.opts.sendTimeout))
	if err := transport.WriteJSON(c.conn, req); err != nil {
		c.conn.SetDeadline(time.Time{})
		c.mu.Unlock()
		return nil, fmt.Errorf("client: send log request: %w", err)
	}

	out := make(chan protocol.Reply, 8)
	go func() {
		defer close(out)
		defer c.conn.SetDeadline(time.Time{})
		defer c.mu.Unlock()

		pending := make(map[int64]bool, len(req.LogTaskIDs))
		for _, id := range req.LogTaskIDs {
			pending[id] = true
		}

		if req.Follow {
			// Follow mode streams indefinitely on success; the caller
			// closes the Client to stop it, so a quiet-but-alive stream
			// is not cut off by sendTimeout.
			_ = c.conn.SetDeadline(time.Time{})
		}

		for len(pending) > 0 {
			var reply protocol.Reply
			if err := transport.ReadJSON(c.conn, &reply); err != nil {
				return
			}
			if reply.Type == protocol.ReplyFailure {
				out <- reply
				return
			}
			out <- reply
			if reply.Type == protocol.ReplyLog && reply.LogDone {
				delete(pending, reply.LogTaskID)
			}
		}
	}()

	return out, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
