package server

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatcore/internal/protocol"
)

const (
	outQueueSize = 256
	writeTimeout = 10 * time.Second
	readTimeout  = 5 * time.Minute
)

// conn is the per-connection session: a connection handle,
// its bound username (once authenticated), its own receive-buffer/frame
// extractor, and an outbound queue. The dispatcher exclusively owns a conn
// for the connection's lifetime; the registry holds only a routing
// reference to it (via the registry.Peer interface), never mutating it
// directly.
//
// Directly adapted from the teacher's Client (chat-go/internal/server/client.go):
// the buffered send channel + dedicated writeLoop goroutine is kept
// verbatim as the way outbound writes to a connection are serialized
// through a single owning goroutine.
type conn struct {
	id        string
	rwc       net.Conn
	codec     protocol.Codec
	extractor protocol.Extractor
	out       chan []byte
	log       *logrus.Entry

	mu            sync.RWMutex
	username      string
	authenticated bool

	closeOnce sync.Once
	closed    chan struct{}
	writeDone chan struct{}
}

func newConn(rwc net.Conn, codec protocol.Codec, log *logrus.Entry) *conn {
	id := uuid.NewString()
	return &conn{
		id:        id,
		rwc:       rwc,
		codec:     codec,
		extractor: codec.NewExtractor(),
		out:       make(chan []byte, outQueueSize),
		log:       log.WithField("conn_id", id),
		closed:    make(chan struct{}),
		writeDone: make(chan struct{}),
	}
}

func (c *conn) getUsername() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username, c.authenticated
}

func (c *conn) setAuthenticated(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.authenticated = true
}

// Enqueue implements registry.Peer. It never blocks: a full outbound queue
// means this connection's writeLoop cannot keep up (or is already gone),
// so Enqueue reports failure and lets the caller schedule this conn's
// cleanup rather than stall the caller's own request on a stuck peer.
func (c *conn) Enqueue(frame []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return errConnBusy
	}
}

// writeLoop drains the outbound queue and writes each frame to the
// connection. Adapted from the teacher's Client.writePump. On a close
// request it still flushes whatever was already queued (e.g. a LOGOUT
// acknowledgement enqueued moments before cleanup runs) rather than
// dropping it, so Close can safely wait on writeDone before touching the
// socket.
func (c *conn) writeLoop() {
	defer close(c.writeDone)
	for {
		select {
		case frame, ok := <-c.out:
			if !ok {
				return
			}
			c.rwc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.rwc.Write(frame); err != nil {
				c.log.WithError(err).Debug("write failed, closing connection")
				go c.Close()
				return
			}
		case <-c.closed:
			c.drainOut()
			return
		}
	}
}

// drainOut flushes any frames enqueued before closed was signaled.
func (c *conn) drainOut() {
	for {
		select {
		case frame := <-c.out:
			c.rwc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.rwc.Write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

// readChunk is the small read primitive readLoop (in dispatcher.go) calls
// in a loop, feeding bytes to the extractor.
func (c *conn) readChunk(buf []byte) (int, error) {
	c.rwc.SetReadDeadline(time.Now().Add(readTimeout))
	return c.rwc.Read(buf)
}

// Close shuts down the connection exactly once: stop accepting new outbound
// frames, wait for writeLoop to flush whatever was already queued, then
// shut down and close the underlying socket, swallowing shutdown/close
// errors since there is nothing left to report them to.
func (c *conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		<-c.writeDone
		if tcp, ok := c.rwc.(*net.TCPConn); ok {
			_ = tcp.CloseWrite() // best-effort half-close; errors swallowed
		}
		_ = c.rwc.Close()
	})
}
