package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/maumercado/pueued/internal/events"
	"github.com/maumercado/pueued/internal/logger"
	"github.com/maumercado/pueued/internal/metrics"
	"github.com/maumercado/pueued/internal/protocol"
	"github.com/maumercado/pueued/internal/secret"
)

// handshakeTimeout bounds how long a newly accepted connection has to
// complete the TLS handshake and the shared-secret challenge before it
// is dropped.
const handshakeTimeout = 10 * time.Second

// logPollInterval is how often a Follow log stream checks its file for
// new bytes between TaskFinished events.
const logPollInterval = 200 * time.Millisecond

// ErrRateLimited is the error a client sees when it exceeds its
// per-connection command rate.
var ErrRateLimited = errors.New("transport: rate limit exceeded")

// conn handles one accepted connection end to end: TLS handshake,
// shared-secret challenge, then a request/reply loop. It mirrors the
// teacher's per-client ReadPump/WritePump split, collapsed into one
// goroutine since this protocol is strictly request-then-reply rather
// than duplex.
type conn struct {
	id   string
	nc   net.Conn
	disp Dispatcher
	rl   *ConnRateLimiter

	closed chan struct{}
}

func newConn(id string, nc net.Conn, disp Dispatcher, rl *ConnRateLimiter) *conn {
	return &conn{id: id, nc: nc, disp: disp, rl: rl, closed: make(chan struct{})}
}

// serve runs the connection's full lifecycle. It never returns an
// error: every failure is logged and the connection is closed, per
// spec §7 ("auth failures close silently, no enumeration oracle").
func (c *conn) serve(secretBytes []byte) {
	log := logger.WithConn(c.id)

	defer func() {
		close(c.closed)
		_ = c.nc.Close()
		c.rl.Forget(c.id)
	}()

	if tlsConn, ok := c.nc.(*tls.Conn); ok {
		_ = tlsConn.SetDeadline(time.Now().Add(handshakeTimeout))
		if err := tlsConn.Handshake(); err != nil {
			metrics.RecordAuthFailure()
			log.Warn().Err(err).Msg("mTLS handshake failed")
			return
		}
	}

	_ = c.nc.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := c.challenge(secretBytes); err != nil {
		metrics.RecordAuthFailure()
		log.Warn().Err(err).Msg("shared-secret challenge failed")
		return
	}
	_ = c.nc.SetDeadline(time.Time{})

	metrics.SetActiveConnections(float64(activeConns.Add(1)))
	defer metrics.SetActiveConnections(float64(activeConns.Add(-1)))
	log.Debug().Msg("connection authenticated")

	for {
		req, err := c.readRequest()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Msg("connection read ended")
			}
			return
		}

		if !c.rl.Allow(c.id) {
			if err := c.writeReply(protocol.NewFailure(ErrRateLimited)); err != nil {
				return
			}
			continue
		}

		if req.Type == protocol.ReqLog {
			if err := c.handleLog(req); err != nil {
				log.Debug().Err(err).Msg("log stream ended")
				return
			}
			continue
		}

		reply := <-c.disp.Submit(req)
		if err := c.writeReply(reply); err != nil {
			return
		}
	}
}

// challenge performs the post-TLS shared-secret step: send a fresh
// salt, read back the client's keyed digest, verify it in constant
// time (spec §4.6 step 2).
func (c *conn) challenge(secretBytes []byte) error {
	salt, err := secret.NewSalt()
	if err != nil {
		return err
	}
	if err := WriteFrame(c.nc, salt); err != nil {
		return err
	}
	digest, err := ReadFrame(c.nc)
	if err != nil {
		return err
	}
	if !secret.Verify(secretBytes, salt, digest) {
		return secret.ErrChallengeMismatch
	}
	return nil
}

func (c *conn) readRequest() (protocol.Request, error) {
	var req protocol.Request
	if err := ReadJSON(c.nc, &req); err != nil {
		return protocol.Request{}, err
	}
	return req, nil
}

func (c *conn) writeReply(reply protocol.Reply) error {
	return WriteJSON(c.nc, reply)
}

// handleLog validates the request through the Dispatcher (which never
// touches the log files themselves), then streams each requested
// task's log file directly off disk - this keeps file I/O off the
// single-writer loop (spec §4.5).
func (c *conn) handleLog(req protocol.Request) error {
	validation := <-c.disp.Submit(req)
	if validation.Type == protocol.ReplyFailure {
		return c.writeReply(validation)
	}

	for _, id := range req.LogTaskIDs {
		if err := c.streamTaskLog(id, req.Tail, req.Follow); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) streamTaskLog(taskID int64, tail int, follow bool) error {
	f, err := os.Open(c.disp.LogPath(taskID))
	if err != nil {
		return c.writeReply(protocol.NewFailure(err))
	}
	defer f.Close()

	if tail > 0 {
		if serr := seekTail(f, tail); serr != nil {
			logger.WithConn(c.id).Warn().Int64("task_id", taskID).Err(serr).
				Msg("log tail seek failed, streaming from start")
		}
	}

	buf := make([]byte, 32*1024)
	drain := func() error {
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if werr := c.writeReply(protocol.Reply{Type: protocol.ReplyLog, LogTaskID: taskID, LogChunk: chunk}); werr != nil {
					return werr
				}
			}
			if rerr == io.EOF {
				return nil
			}
			if rerr != nil {
				return rerr
			}
		}
	}

	if err := drain(); err != nil {
		return err
	}
	if !follow {
		return c.writeReply(protocol.Reply{Type: protocol.ReplyLog, LogTaskID: taskID, LogDone: true})
	}

	sub := c.disp.Events().Subscribe(events.ForTask(taskID), 4)
	defer c.disp.Events().Unsubscribe(sub)

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return errors.New("transport: connection closing")
		case ev, ok := <-sub.C():
			if !ok {
				return drain()
			}
			if ev.Kind == events.KindTaskFinished && ev.TaskID == taskID {
				if err := drain(); err != nil {
					return err
				}
				return c.writeReply(protocol.Reply{Type: protocol.ReplyLog, LogTaskID: taskID, LogDone: true})
			}
		case <-ticker.C:
			if err := drain(); err != nil {
				return err
			}
		}
	}
}

// seekTail positions f so the next read starts at (approximately) the
// last n lines, scanning backward in fixed-size chunks (stdlib-only;
// see SPEC_FULL.md §11).
func seekTail(f *os.File, n int) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}

	const chunkSize = 4096
	buf := make([]byte, chunkSize)
	pos := info.Size()
	lines := 0

	for pos > 0 {
		readSize := int64(chunkSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		if _, err := f.ReadAt(buf[:readSize], pos); err != nil && err != io.EOF {
			return err
		}
		for i := int(readSize) - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				lines++
				if lines > n {
					pos += int64(i) + 1
					_, err := f.Seek(pos, io.SeekStart)
					return err
				}
			}
		}
	}

	_, err = f.Seek(0, io.SeekStart)
	return err
}
