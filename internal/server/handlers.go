package server

import (
	"context"
	"time"

	"chatcore/internal/protocol"
	"chatcore/internal/store"
)

const defaultFetchCount = 10

// handleDM stores the message, delivers it to the
// recipient if online (marking it delivered on success), and echoes it back
// to the sender so the sender learns the assigned id. A write failure to
// the recipient schedules that recipient's cleanup but never fails the
// sender's request.
func (d *Dispatcher) handleDM(c *conn, req *protocol.Request) {
	ctx := context.Background()
	sender, _ := c.getUsername()

	recipient := firstRecipient(req.Recipients)
	if recipient == "" {
		d.sendError(c, protocol.KindDM, "dm requires exactly one recipient")
		return
	}
	exists, err := d.store.UserExists(ctx, recipient)
	if err != nil {
		d.log.WithError(err).Warn("user_exists failed")
		d.sendError(c, protocol.KindDM, "could not verify recipient")
		return
	}
	if !exists {
		d.sendError(c, protocol.KindDM, "recipient does not exist")
		return
	}
	if len(req.Content) == 0 {
		d.sendError(c, protocol.KindDM, "content must not be empty")
		return
	}

	now := time.Now().UTC()
	id, err := d.store.StoreMessage(ctx, store.Message{
		Sender:    sender,
		Recipient: recipient,
		Content:   req.Content,
		Timestamp: now,
	})
	if err != nil {
		d.log.WithError(err).Warn("store_message failed")
		d.sendError(c, protocol.KindDM, "could not send message")
		return
	}

	msg := &protocol.Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Content:   req.Content,
		Timestamp: now,
	}

	if peer, online := d.reg.Lookup(recipient); online {
		delivered := d.deliver(peer, recipient, &protocol.Response{
			Kind:    protocol.KindDM,
			Status:  protocol.StatusSuccess,
			Message: "new message",
			Msg:     msg,
		})
		if delivered {
			if err := d.store.MarkDelivered(ctx, id); err != nil {
				d.log.WithError(err).Warn("mark_delivered failed")
			}
		}
	}

	// Echo back to the sender so it learns the assigned id, regardless of
	// whether the recipient was reachable.
	d.writeTo(c, &protocol.Response{
		Kind:    protocol.KindDM,
		Status:  protocol.StatusSuccess,
		Message: "message sent",
		Msg:     msg,
	})
}

// handleFetch runs in conversation mode when exactly two
// recipients are given, or inbox mode (the caller's unread messages)
// otherwise. Each result is written as its own response frame, annotated
// with the caller's pre-fetch unread total, and marked delivered.
func (d *Dispatcher) handleFetch(c *conn, req *protocol.Request) {
	ctx := context.Background()
	caller, _ := c.getUsername()

	count := req.FetchCount
	if count <= 0 {
		count = defaultFetchCount
	}

	unread, err := d.store.GetUnreadCount(ctx, caller)
	if err != nil {
		d.log.WithError(err).Warn("get_unread_count failed")
	}

	var msgs []store.Message
	if len(req.Recipients) == 2 {
		for _, u := range req.Recipients {
			exists, err := d.store.UserExists(ctx, u)
			if err != nil {
				d.log.WithError(err).Warn("user_exists failed")
				d.sendError(c, protocol.KindFetch, "could not verify recipient")
				return
			}
			if !exists {
				d.sendError(c, protocol.KindFetch, "recipient does not exist")
				return
			}
		}
		msgs, err = d.store.GetMessagesBetweenUsers(ctx, req.Recipients[0], req.Recipients[1], count)
	} else {
		msgs, err = d.store.GetUnreadMessages(ctx, caller, count)
	}
	if err != nil {
		d.log.WithError(err).Warn("fetch failed")
		d.sendError(c, protocol.KindFetch, "could not fetch messages")
		return
	}

	for _, m := range msgs {
		resp := &protocol.Response{
			Kind:    protocol.KindFetch,
			Status:  protocol.StatusSuccess,
			Message: "message",
			Msg:     toWireMessage(m),
		}
		resp.WithUnread(unread)
		d.writeTo(c, resp)
		if err := d.store.MarkDelivered(ctx, m.ID); err != nil {
			d.log.WithError(err).Warn("mark_delivered failed")
		}
	}
}

// handleMarkRead marks either every unread message
// from a named sender, or a specific set of ids restricted to the caller
// as recipient. Either path ends with a notification carrying the updated
// unread count.
func (d *Dispatcher) handleMarkRead(c *conn, req *protocol.Request) {
	ctx := context.Background()
	caller, _ := c.getUsername()

	if sender := firstRecipient(req.Recipients); sender != "" {
		if err := d.store.MarkReadFromUser(ctx, caller, sender); err != nil {
			d.log.WithError(err).Warn("mark_read_from_user failed")
			d.sendError(c, protocol.KindMarkRead, "could not mark messages read")
			return
		}
	} else {
		if len(req.MessageIDs) == 0 {
			d.sendError(c, protocol.KindMarkRead, "mark_read requires message_ids or a recipient")
			return
		}
		if err := d.store.MarkRead(ctx, req.MessageIDs, caller); err != nil {
			d.log.WithError(err).Warn("mark_read failed")
			d.sendError(c, protocol.KindMarkRead, "could not mark messages read")
			return
		}
	}

	unread, err := d.store.GetUnreadCount(ctx, caller)
	if err != nil {
		d.log.WithError(err).Warn("get_unread_count failed")
	}
	resp := protocol.NewSuccess(protocol.KindMarkRead, "marked read").WithUnread(unread)
	d.writeTo(c, resp)
}

// handleDelete deletes the named ids from the
// conversation between the caller and the named recipient, then notifies
// every affected, currently-online party with its own per-target unread
// delta.
func (d *Dispatcher) handleDelete(c *conn, req *protocol.Request) {
	ctx := context.Background()
	caller, _ := c.getUsername()

	other := firstRecipient(req.Recipients)
	if other == "" || len(req.MessageIDs) == 0 {
		d.sendError(c, protocol.KindDelete, "delete requires message_ids and a recipient")
		return
	}

	deleted, err := d.store.DeleteMessages(ctx, req.MessageIDs, caller, other)
	if err != nil {
		d.log.WithError(err).Warn("delete_messages failed")
		d.sendError(c, protocol.KindDelete, "could not delete messages")
		return
	}
	if len(deleted) == 0 {
		d.sendError(c, protocol.KindDelete, "no matching messages to delete")
		return
	}

	ids := make([]uint32, len(deleted))
	unreadByTarget := map[string]int{}
	targets := map[string]struct{}{caller: {}}
	for i, row := range deleted {
		ids[i] = row.ID
		targets[row.Recipient] = struct{}{}
		if row.WasUnread {
			unreadByTarget[row.Recipient]++
		}
	}

	for target := range targets {
		n := unreadByTarget[target]
		resp := &protocol.Response{
			Kind:       protocol.KindDeleteNotification,
			Status:     protocol.StatusSuccess,
			Message:    "messages deleted",
			Username:   caller,
			MessageIDs: ids,
		}
		resp.WithUnread(n)

		if target == caller {
			d.writeTo(c, resp)
			continue
		}
		if peer, online := d.reg.Lookup(target); online {
			d.deliver(peer, target, resp)
		}
	}
}

// handleDeleteAccount cascade-deletes the
// caller's user row and messages, broadcasts a DELETE_ACCOUNT notice naming
// them, then re-broadcast the refreshed LOGIN-shaped user list.
func (d *Dispatcher) handleDeleteAccount(c *conn, req *protocol.Request) {
	ctx := context.Background()
	caller, _ := c.getUsername()

	if err := d.store.DeleteUser(ctx, caller); err != nil {
		d.log.WithError(err).Warn("delete_user failed")
		d.sendError(c, protocol.KindDeleteAccount, "could not delete account")
		return
	}
	d.reg.Unregister(caller, c)

	peers := d.reg.Broadcast()
	notice := &protocol.Response{
		Kind:     protocol.KindDeleteAccount,
		Status:   protocol.StatusSuccess,
		Message:  "account deleted",
		Username: caller,
	}
	for username, peer := range peers {
		d.deliver(peer, username, notice)
	}

	allUsers, err := d.store.GetAllUsers(ctx)
	if err != nil {
		d.log.WithError(err).Error("get_all_users failed")
	}
	active := d.reg.ActiveUsernames()
	presence := &protocol.Response{
		Kind:    protocol.KindLogin,
		Status:  protocol.StatusSuccess,
		Message: "presence update",
		Msg:     &protocol.Message{Recipients: allUsers, ActiveUsers: active},
	}
	for username, peer := range peers {
		d.deliver(peer, username, presence)
	}

	d.sendOK(c, protocol.KindDeleteAccount, "account deleted")
}

// --- helpers -----------------------------------------------------------------

func firstRecipient(recipients []string) string {
	if len(recipients) == 0 {
		return ""
	}
	return recipients[0]
}

func toWireMessage(m store.Message) *protocol.Message {
	return &protocol.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Delivered: m.Delivered,
		Read:      m.Read,
	}
}
