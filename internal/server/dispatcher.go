package server

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"chatcore/internal/protocol"
	"chatcore/internal/registry"
	"chatcore/internal/store"
)

// Dispatcher implements the per-connection request state machine, routes
// authenticated requests to their handlers, and runs cleanup on exit. One
// Dispatcher is shared by every connection the Server accepts.
type Dispatcher struct {
	store     store.Store
	reg       *registry.Registry
	log       *logrus.Entry
	codecName protocol.Name
}

// NewDispatcher builds a Dispatcher over st and reg, using codecName for
// every connection it serves.
func NewDispatcher(st store.Store, reg *registry.Registry, log *logrus.Entry, codecName protocol.Name) *Dispatcher {
	return &Dispatcher{store: st, reg: reg, log: log, codecName: codecName}
}

// Serve runs one connection's full lifecycle: codec selection, write loop,
// read loop, and cleanup on exit. It blocks until the connection closes.
func (d *Dispatcher) Serve(rwc net.Conn) {
	codec, err := protocol.New(d.codecName)
	if err != nil {
		// Config validation should have caught this; fail safe.
		d.log.WithError(err).Error("no codec configured")
		rwc.Close()
		return
	}
	c := newConn(rwc, codec, d.log)
	go c.writeLoop()

	// A panic in one connection's handler must not take down the process;
	// readLoop's own deferred cleanup still runs during unwinding, this
	// only stops the unwind from crossing the goroutine boundary.
	defer func() {
		if r := recover(); r != nil {
			d.log.WithField("panic", r).Error("recovered from panic in connection handler")
		}
	}()
	d.readLoop(c)
}

// readLoop is the per-connection worker: read bytes, feed the extractor,
// dispatch every complete frame in order, until the connection closes.
// Adapted from the teacher's Client.readPump, generalized from
// line-scanning to codec-agnostic framing via protocol.Extractor.
func (d *Dispatcher) readLoop(c *conn) {
	broadcastLogout := false
	defer func() {
		d.cleanup(c, broadcastLogout)
	}()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := c.readChunk(buf)
		if n > 0 {
			c.extractor.Feed(buf[:n])
			for {
				frame, ok, ferr := c.extractor.Next()
				if ferr != nil {
					// Oversized or corrupt frame: report a validation error
					// on this connection only. The extractor has already
					// discarded the bad header, so the stream can
					// resynchronize without closing the connection.
					d.sendError(c, protocol.KindServerResponse, ferr.Error())
					continue
				}
				if !ok {
					break
				}
				term, doBroadcast := d.handleFrame(c, frame)
				if term {
					broadcastLogout = doBroadcast
					return
				}
			}
		}
		if readErr != nil {
			broadcastLogout = true
			return
		}
	}
}

func (d *Dispatcher) handleFrame(c *conn, frame []byte) (terminate, broadcastLogout bool) {
	req, err := c.codec.DecodeRequest(frame)
	if err != nil {
		d.sendError(c, protocol.KindServerResponse, "malformed request")
		return false, false
	}

	_, authed := c.getUsername()
	if !authed {
		return d.handlePreAuth(c, req)
	}
	return d.handleAuthenticated(c, req)
}

// handlePreAuth handles REGISTER and LOGIN requests on a connection that
// has not yet authenticated; anything else is rejected.
func (d *Dispatcher) handlePreAuth(c *conn, req *protocol.Request) (terminate, broadcastLogout bool) {
	ctx := context.Background()

	switch req.Kind {
	case protocol.KindRegister:
		if !store.ValidUsername(req.Username) {
			d.sendError(c, protocol.KindRegister, "invalid username")
			return false, false
		}
		if req.Password == "" {
			d.sendError(c, protocol.KindRegister, "password must not be empty")
			return false, false
		}
		created, err := d.store.CreateUser(ctx, req.Username, req.Password)
		if err != nil {
			d.log.WithError(err).Warn("create_user failed")
			d.sendError(c, protocol.KindRegister, "could not register user")
			return false, false
		}
		if !created {
			d.sendError(c, protocol.KindRegister, "user exists")
			return false, false
		}
		d.sendOK(c, protocol.KindRegister, "registration successful")
		return false, false

	case protocol.KindLogin:
		return d.handleLogin(ctx, c, req)

	default:
		d.sendError(c, protocol.KindServerResponse, "please login or register first")
		return true, false
	}
}

// handleLogin verifies credentials, registers the session, and orders the
// JOIN presence broadcast before the LOGIN_SUCCESS response so every
// observer, including the new session, sees a consistent active-user list.
func (d *Dispatcher) handleLogin(ctx context.Context, c *conn, req *protocol.Request) (terminate, broadcastLogout bool) {
	if req.Password == "" {
		d.sendError(c, protocol.KindLogin, "password must not be empty")
		return true, false
	}
	ok, err := d.store.VerifyUser(ctx, req.Username, req.Password)
	if err != nil {
		d.log.WithError(err).Warn("verify_user failed")
		d.sendError(c, protocol.KindLogin, "could not verify credentials")
		return true, false
	}
	if !ok {
		d.sendError(c, protocol.KindLogin, "invalid username or password")
		return true, false
	}
	if err := d.reg.Register(req.Username, c); err != nil {
		d.sendError(c, protocol.KindLogin, "already logged in")
		return true, false
	}
	c.setAuthenticated(req.Username)

	allUsers, err := d.store.GetAllUsers(ctx)
	if err != nil {
		d.log.WithError(err).Error("get_all_users failed")
	}
	active := d.reg.ActiveUsernames()

	// JOIN broadcast first (includes the new user), then LOGIN SUCCESS.
	d.broadcastJoin(active)

	resp := &protocol.Response{
		Kind:    protocol.KindLogin,
		Status:  protocol.StatusSuccess,
		Message: "login successful",
		Msg: &protocol.Message{
			Recipients:  allUsers,
			ActiveUsers: active,
		},
	}
	d.writeTo(c, resp)

	unread, err := d.store.GetUnreadCount(ctx, req.Username)
	if err != nil {
		d.log.WithError(err).Warn("get_unread_count failed")
	}
	if unread > 0 {
		note := protocol.NewSuccess(protocol.KindServerResponse, "you have unread messages").WithUnread(unread)
		note.Msg = &protocol.Message{Content: fmt.Sprintf("you have %d unread message(s)", unread)}
		d.writeTo(c, note)
	}
	return false, false
}

// broadcastJoin sends a JOIN-kind presence update to every currently
// authenticated session (per the registry snapshot in active).
func (d *Dispatcher) broadcastJoin(active []string) {
	peers := d.reg.Broadcast()
	resp := &protocol.Response{
		Kind:    protocol.KindJoin,
		Status:  protocol.StatusSuccess,
		Message: "presence update",
		Msg:     &protocol.Message{ActiveUsers: active},
	}
	for username, peer := range peers {
		d.deliver(peer, username, resp)
	}
}

// handleAuthenticated routes an authenticated connection's request to its
// handler.
func (d *Dispatcher) handleAuthenticated(c *conn, req *protocol.Request) (terminate, broadcastLogout bool) {
	switch req.Kind {
	case protocol.KindLogout:
		d.sendOK(c, protocol.KindLogout, "logged out")
		return true, true

	case protocol.KindDM:
		d.handleDM(c, req)
		return false, false

	case protocol.KindFetch:
		d.handleFetch(c, req)
		return false, false

	case protocol.KindMarkRead:
		d.handleMarkRead(c, req)
		return false, false

	case protocol.KindDelete:
		d.handleDelete(c, req)
		return false, false

	case protocol.KindDeleteAccount:
		d.handleDeleteAccount(c, req)
		return true, false

	default:
		d.sendError(c, protocol.KindServerResponse, "unsupported request kind")
		return false, false
	}
}

// --- small response helpers shared by handlers.go ---------------------------

func (d *Dispatcher) writeTo(c *conn, resp *protocol.Response) {
	frame, err := c.codec.EncodeResponse(resp)
	if err != nil {
		d.log.WithError(err).Error("encode response failed")
		return
	}
	if err := c.Enqueue(frame); err != nil {
		// The recipient's outbound queue is full or already closed;
		// schedule its cleanup and let the caller's own request continue
		// rather than blocking on a stuck peer.
		go c.Close()
	}
}

func (d *Dispatcher) sendOK(c *conn, kind protocol.Kind, msg string) {
	d.writeTo(c, protocol.NewSuccess(kind, msg))
}

func (d *Dispatcher) sendError(c *conn, kind protocol.Kind, msg string) {
	d.writeTo(c, protocol.NewError(kind, msg))
}

// deliver writes resp to peer, logging and scheduling cleanup on failure.
// username is used only for logging.
func (d *Dispatcher) deliver(peer registry.Peer, username string, resp *protocol.Response) bool {
	c, ok := peer.(*conn)
	if !ok {
		return false
	}
	frame, err := c.codec.EncodeResponse(resp)
	if err != nil {
		d.log.WithError(err).Error("encode response failed")
		return false
	}
	if err := c.Enqueue(frame); err != nil {
		d.log.WithField("username", username).WithError(err).Debug("delivery failed, closing peer connection")
		go c.Close()
		return false
	}
	return true
}
