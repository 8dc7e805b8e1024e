package server

import "chatcore/internal/protocol"

// cleanup is the single exit path for a connection, invoked on EOF,
// read error, explicit LOGOUT, or DELETE_ACCOUNT. It removes the registry
// binding, then — if requested and the connection was authenticated —
// broadcasts a presence-departure notice to every remaining session before
// closing the socket. Adapted from the teacher's Client.readPump deferred
// unregister, generalized from "always unregister from the Hub" to
// "optionally broadcast departure."
func (d *Dispatcher) cleanup(c *conn, broadcastLogout bool) {
	username, authed := c.getUsername()
	if authed {
		d.reg.Unregister(username, c)
	}

	if broadcastLogout && authed {
		active := d.reg.ActiveUsernames()
		notice := &protocol.Response{
			Kind:    protocol.KindLogout,
			Status:  protocol.StatusSuccess,
			Message: username + " left the chat",
			Msg:     &protocol.Message{Sender: username, ActiveUsers: active},
		}
		for peerUsername, peer := range d.reg.Broadcast() {
			d.deliver(peer, peerUsername, notice)
		}
	}

	// conn.Close() already swallows its own shutdown/close errors.
	c.Close()
}
