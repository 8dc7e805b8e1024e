package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password_verifier BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sender TEXT NOT NULL REFERENCES users(username),
	recipient TEXT NOT NULL REFERENCES users(username),
	content TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	delivered INTEGER NOT NULL DEFAULT 0,
	read INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient_read ON messages(recipient, read);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`

// SQLiteStore is the reference Store implementation: an embedded
// relational database with a users table and a messages table. A single
// *sql.DB connection pool provides the thread-safety the Store contract
// requires; multi-statement operations run inside an explicit *sql.Tx so the
// cascade-delete and bulk-mark-read contracts are genuinely atomic.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and, if necessary, creates) a store at path. Pass
// ":memory:" for an ephemeral, test-only database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "store: open sqlite")
	}
	// SQLite serializes writers; a single open connection avoids
	// "database is locked" errors under concurrent dispatcher workers
	// without reaching for WAL-mode tuning.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: apply schema")
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateUser(ctx context.Context, username, password string) (bool, error) {
	if !ValidUsername(username) {
		return false, ErrInvalidUsername
	}
	if password == "" {
		return false, ErrEmptyPassword
	}
	exists, err := s.UserExists(ctx, username)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, errors.Wrap(err, "store: hash password")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_verifier, created_at) VALUES (?, ?, ?)`,
		username, hash, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "store: insert user")
	}
	return true, nil
}

func (s *SQLiteStore) VerifyUser(ctx context.Context, username, password string) (bool, error) {
	var hash []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT password_verifier FROM users WHERE username = ?`, username,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "store: lookup user")
	}
	// bcrypt.CompareHashAndPassword is constant-time over the hash
	// comparison.
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) UserExists(ctx context.Context, username string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE username = ?`, username).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "store: user exists")
	}
	return true, nil
}

func (s *SQLiteStore) GetAllUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, errors.Wrap(err, "store: list users")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, username string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: begin delete_user tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE sender = ? OR recipient = ?`, username, username); err != nil {
		return errors.Wrap(err, "store: cascade delete messages")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return errors.Wrap(err, "store: delete user row")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStore) StoreMessage(ctx context.Context, msg Message) (uint32, error) {
	if len(msg.Content) > MaxContentBytes {
		return 0, ErrContentTooLarge
	}
	senderOK, err := s.UserExists(ctx, msg.Sender)
	if err != nil {
		return 0, err
	}
	recipientOK, err := s.UserExists(ctx, msg.Recipient)
	if err != nil {
		return 0, err
	}
	if !senderOK || !recipientOK {
		return 0, ErrUserNotFound
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (sender, recipient, content, timestamp, delivered, read)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.Sender, msg.Recipient, msg.Content, ts.Unix(), boolToInt(msg.Delivered), boolToInt(msg.Read))
	if err != nil {
		return 0, errors.Wrap(err, "store: insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "store: read inserted id")
	}
	return uint32(id), nil
}

const selectMessageCols = `id, sender, recipient, content, timestamp, delivered, read`

func scanMessage(row interface {
	Scan(dest ...any) error
}) (Message, error) {
	var m Message
	var ts int64
	var delivered, read int
	if err := row.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Content, &ts, &delivered, &read); err != nil {
		return Message{}, err
	}
	m.Timestamp = time.Unix(ts, 0).UTC()
	m.Delivered = delivered != 0
	m.Read = read != 0
	return m, nil
}

func (s *SQLiteStore) GetUnreadMessages(ctx context.Context, recipient string, limit int) ([]Message, error) {
	query := `SELECT ` + selectMessageCols + ` FROM messages WHERE recipient = ? AND read = 0 ORDER BY id ASC`
	args := []any{recipient}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: unread messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetMessagesBetweenUsers(ctx context.Context, u1, u2 string, limit int) ([]Message, error) {
	query := `SELECT ` + selectMessageCols + ` FROM messages
	          WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
	          ORDER BY id ASC`
	args := []any{u1, u2, u2, u1}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: conversation messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkDelivered(ctx context.Context, id uint32) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET delivered = 1 WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "store: mark delivered")
	}
	return nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, ids []uint32, recipient string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "store: begin mark_read tx")
	}
	defer tx.Rollback()

	placeholders, args := uint32InClause(ids)
	args = append(args, recipient)
	_, err = tx.ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE id IN (`+placeholders+`) AND recipient = ?`, args...)
	if err != nil {
		return errors.Wrap(err, "store: mark_read")
	}
	return tx.Commit()
}

func (s *SQLiteStore) MarkReadFromUser(ctx context.Context, recipient, sender string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE recipient = ? AND sender = ? AND read = 0`,
		recipient, sender)
	if err != nil {
		return errors.Wrap(err, "store: mark_read_from_user")
	}
	return nil
}

func (s *SQLiteStore) GetUnreadCount(ctx context.Context, recipient string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE recipient = ? AND read = 0`, recipient,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "store: unread count")
	}
	return n, nil
}

func (s *SQLiteStore) DeleteMessages(ctx context.Context, ids []uint32, actingUser, otherUser string) ([]DeletedRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "store: begin delete_messages tx")
	}
	defer tx.Rollback()

	placeholders, args := uint32InClause(ids)
	conversation := `((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))`
	args = append(args, actingUser, otherUser, otherUser, actingUser)

	rows, err := tx.QueryContext(ctx,
		`SELECT id, recipient, read FROM messages WHERE id IN (`+placeholders+`) AND `+conversation, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: select rows to delete")
	}
	var deleted []DeletedRow
	for rows.Next() {
		var d DeletedRow
		var read int
		if err := rows.Scan(&d.ID, &d.Recipient, &read); err != nil {
			rows.Close()
			return nil, err
		}
		d.WasUnread = read == 0
		deleted = append(deleted, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(deleted) == 0 {
		return nil, tx.Commit()
	}

	placeholders2, args2 := uint32InClause(ids)
	args2 = append(args2, actingUser, otherUser, otherUser, actingUser)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE id IN (`+placeholders2+`) AND `+conversation, args2...); err != nil {
		return nil, errors.Wrap(err, "store: delete rows")
	}
	return deleted, tx.Commit()
}

// --- small helpers -----------------------------------------------------------

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func uint32InClause(ids []uint32) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return placeholders, args
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
