// Package store defines the durable-store contract and ships one
// implementation backed by an embedded SQLite database.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// MaxContentBytes bounds message content length, independent of
// internal/protocol's identical constant so this package stays
// self-contained (a store is usable without the wire layer, e.g. from a
// future admin tool).
const MaxContentBytes = 1_000_000

// Sentinel errors, classified so the dispatcher
// can translate them into client-facing messages without string-matching.
var (
	// Validation
	ErrInvalidUsername = errors.New("store: invalid username")
	ErrEmptyPassword   = errors.New("store: empty password")
	ErrContentTooLarge = errors.New("store: message content exceeds 1,000,000 bytes")

	// Auth / state
	ErrUserExists    = errors.New("store: username already exists")
	ErrUserNotFound  = errors.New("store: user does not exist")
	ErrWrongPassword = errors.New("store: password does not match")
)

// Message is the durable record for one chat message.
type Message struct {
	ID        uint32
	Sender    string
	Recipient string
	Content   string
	Timestamp time.Time
	Delivered bool
	Read      bool
}

// DeletedRow describes one row removed by DeleteMessages, enough for the
// caller to reconcile each affected recipient's unread indicator.
type DeletedRow struct {
	ID        uint32
	Recipient string
	WasUnread bool
}

// Store is the durable-store contract. Implementations must
// be safe for concurrent use by many dispatcher workers and must honor the
// atomicity requirements called out per-operation below.
type Store interface {
	// CreateUser returns (true, nil) on insert, (false, nil) if the
	// username already exists. The password is hashed before storage;
	// the cleartext is never persisted.
	CreateUser(ctx context.Context, username, password string) (bool, error)

	// VerifyUser reports whether username exists and password matches its
	// stored verifier. Runs in constant time with respect to the
	// candidate password.
	VerifyUser(ctx context.Context, username, password string) (bool, error)

	// UserExists is a plain existence check.
	UserExists(ctx context.Context, username string) (bool, error)

	// GetAllUsers returns every registered username.
	GetAllUsers(ctx context.Context) ([]string, error)

	// DeleteUser cascades: every message where username is sender or
	// recipient is removed, then the user row, in one transaction.
	DeleteUser(ctx context.Context, username string) error

	// StoreMessage assigns msg a new id strictly greater than every
	// previously assigned id and persists it. Both sender and recipient
	// must exist.
	StoreMessage(ctx context.Context, msg Message) (uint32, error)

	// GetUnreadMessages returns recipient's unread messages, oldest
	// first. limit<=0 means "no limit."
	GetUnreadMessages(ctx context.Context, recipient string, limit int) ([]Message, error)

	// GetMessagesBetweenUsers returns every message in either direction
	// between u1 and u2, oldest first, at most limit rows. limit<=0 means
	// "no limit."
	GetMessagesBetweenUsers(ctx context.Context, u1, u2 string, limit int) ([]Message, error)

	// MarkDelivered idempotently sets the delivered flag on id.
	MarkDelivered(ctx context.Context, id uint32) error

	// MarkRead sets read=true on every id in ids whose recipient matches
	// recipient, in one transaction.
	MarkRead(ctx context.Context, ids []uint32, recipient string) error

	// MarkReadFromUser sets read=true on every unread message addressed
	// to recipient whose sender is sender.
	MarkReadFromUser(ctx context.Context, recipient, sender string) error

	// GetUnreadCount returns the count of unread messages addressed to
	// recipient, without fetching them.
	GetUnreadCount(ctx context.Context, recipient string) (int, error)

	// DeleteMessages deletes rows that are part of the conversation
	// between actingUser and otherUser AND whose id is in ids, in one
	// transaction. Returns the rows actually deleted.
	DeleteMessages(ctx context.Context, ids []uint32, actingUser, otherUser string) ([]DeletedRow, error)

	// Close releases underlying resources.
	Close() error
}

// ValidUsername reports whether username is a non-empty
// string of at least 2 characters over [A-Za-z0-9_].
func ValidUsername(username string) bool {
	if len(username) < 2 {
		return false
	}
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
