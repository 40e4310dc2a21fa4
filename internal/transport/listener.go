package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/maumercado/pueued/internal/events"
	"github.com/maumercado/pueued/internal/logger"
	"github.com/maumercado/pueued/internal/protocol"
)

// activeConns tracks the current authenticated-connection count behind
// metrics.SetActiveConnections; it is package-level because both the
// Listener and individual conns touch it.
var activeConns atomic.Int64

// Dispatcher is the subset of *dispatcher.Dispatcher a connection needs.
// Declaring the interface here rather than importing the concrete type
// keeps this package decoupled from the Dispatcher's internals (spec
// §9: Acceptor and Dispatcher communicate by channel only).
type Dispatcher interface {
	Submit(req protocol.Request) <-chan protocol.Reply
	LogPath(taskID int64) string
	Events() *events.Hub
}

// Listener accepts client connections on either a mutual-TLS TCP
// endpoint or a mutual-TLS Unix domain socket and hands each one to a
// per-connection request/reply loop (spec §4.6: Connection Acceptor).
type Listener struct {
	inner      net.Listener
	socketPath string

	secretBytes []byte
	disp        Dispatcher
	rl          *ConnRateLimiter

	wg sync.WaitGroup

	connsMu sync.Mutex
	conns   map[string]net.Conn
}

// ListenTCP opens a mutual-TLS listener on addr.
func ListenTCP(addr string, tlsCfg *tls.Config, secretBytes []byte, disp Dispatcher, rl *ConnRateLimiter) (*Listener, error) {
	inner, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: listen tcp %s: %w", addr, err)
	}
	return &Listener{inner: inner, secretBytes: secretBytes, disp: disp, rl: rl, conns: make(map[string]net.Conn)}, nil
}

// ListenUnix opens a mutual-TLS listener on a Unix domain socket at
// path. Any stale socket file left behind by an unclean shutdown is
// removed first, and the fresh socket is locked down to mode 0600
// (spec §6: local-socket transport is path-mode restricted).
func ListenUnix(path string, tlsCfg *tls.Config, secretBytes []byte, disp Dispatcher, rl *ConnRateLimiter) (*Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("transport: remove stale socket %s: %w", path, err)
	}
	raw, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("transport: listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("transport: chmod socket %s: %w", path, err)
	}
	inner := tls.NewListener(raw, tlsCfg)
	return &Listener{inner: inner, socketPath: path, secretBytes: secretBytes, disp: disp, rl: rl, conns: make(map[string]net.Conn)}, nil
}

// Addr returns the listener's bound network address, useful for tests
// and callers that bind to an ephemeral port (e.g. "127.0.0.1:0").
func (l *Listener) Addr() net.Addr {
	return l.inner.Addr()
}

// Serve accepts connections until ctx is cancelled, blocking until
// every spawned connection handler has returned. Cancelling ctx also
// closes every connection still being served, so an idle or
// long-lived client does not keep its goroutine (and, once shutdown
// has started, its requests) alive for the rest of the drain window
// (spec §4.7).
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.inner.Close()
		l.closeActiveConns()
	}()

	for {
		nc, err := l.inner.Accept()
		if err != nil {
			if ctx.Err() != nil {
				l.wg.Wait()
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.wg.Wait()
			return fmt.Errorf("transport: accept: %w", err)
		}

		id := uuid.New().String()[:8]
		l.trackConn(id, nc)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.untrackConn(id)
			newConn(id, nc, l.disp, l.rl).serve(l.secretBytes)
		}()
	}
}

func (l *Listener) trackConn(id string, nc net.Conn) {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	l.conns[id] = nc
}

func (l *Listener) untrackConn(id string) {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	delete(l.conns, id)
}

// closeActiveConns force-closes every connection still tracked at the
// time it is called, unblocking any goroutine parked in a blocking
// read inside conn.serve so it exits instead of lingering until the
// client itself disconnects.
func (l *Listener) closeActiveConns() {
	l.connsMu.Lock()
	defer l.connsMu.Unlock()
	for id, nc := range l.conns {
		_ = nc.Close()
		delete(l.conns, id)
	}
}

// Close closes the underlying listener and, for a Unix socket, removes
// the socket file (spec §4.7: "remove the socket and pid file" on
// shutdown).
func (l *Listener) Close() error {
	err := l.inner.Close()
	l.closeActiveConns()
	if l.socketPath != "" {
		if rmErr := os.Remove(l.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.Warn().Err(rmErr).Str("path", l.socketPath).Msg("failed to remove socket file")
		}
	}
	return err
}
