// Package mysqlstore is the durable Store over MySQL. Sequence ids are
// assigned with the LAST_INSERT_ID upsert trick so the per-pair sequence is
// atomic and gapless, and appends dedupe on (sender, client_id) so a device
// restart can never write the same message twice.
package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/jonathan17ux/valentine-iot/internal/store"
)

type Store struct {
	db     *sql.DB
	pairID string
}

type Options struct {
	DSN          string
	PairID       string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	PingTimeout  time.Duration
}

func Open(opt Options) (*Store, error) {
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = 10
	}
	if opt.MaxIdleConns <= 0 {
		opt.MaxIdleConns = 5
	}
	if opt.ConnMaxLife == 0 {
		opt.ConnMaxLife = 30 * time.Minute
	}
	if opt.PingTimeout == 0 {
		opt.PingTimeout = 2 * time.Second
	}

	db, err := sql.Open("mysql", opt.DSN)
	if err != nil {
		return nil, wrap(err)
	}
	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxIdleConns)
	db.SetConnMaxLifetime(opt.ConnMaxLife)

	ctx, cancel := context.WithTimeout(context.Background(), opt.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrap(err)
	}
	return &Store{db: db, pairID: opt.PairID}, nil
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func (s *Store) Append(ctx context.Context, sender, recipient, emoji, text, clientID string) (store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Message{}, wrap(err)
	}
	defer tx.Rollback()

	// Restart dedupe: same sender + client_id returns the original row.
	if clientID != "" {
		var m store.Message
		err := tx.QueryRowContext(ctx, `
SELECT id, sender, recipient, emoji, text, client_id, created_at
FROM relay_message
WHERE pair_id = ? AND sender = ? AND client_id = ?
`, s.pairID, sender, clientID).Scan(&m.ID, &m.Sender, &m.Recipient, &m.Emoji, &m.Text, &m.ClientID, &m.CreatedAt)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return store.Message{}, wrap(err)
		}
	}

	seq, err := s.nextSeq(ctx, tx)
	if err != nil {
		return store.Message{}, wrap(err)
	}

	now := time.Now().UTC()
	cid := sql.NullString{String: clientID, Valid: clientID != ""}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO relay_message (pair_id, id, sender, recipient, emoji, text, client_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, s.pairID, seq, sender, recipient, emoji, text, cid, now); err != nil {
		return store.Message{}, wrap(err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO relay_delivery (pair_id, message_id, recipient, status, attempt_count)
VALUES (?, ?, ?, 0, 0)
`, s.pairID, seq, recipient); err != nil {
		return store.Message{}, wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return store.Message{}, wrap(err)
	}

	return store.Message{
		ID:        seq,
		Sender:    sender,
		Recipient: recipient,
		Emoji:     emoji,
		Text:      text,
		ClientID:  clientID,
		CreatedAt: now,
	}, nil
}

// nextSeq increments the per-pair sequence atomically inside tx.
func (s *Store) nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO relay_seq (pair_id, seq)
VALUES (?, LAST_INSERT_ID(1))
ON DUPLICATE KEY UPDATE seq = LAST_INSERT_ID(seq + 1)
`, s.pairID); err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT LAST_INSERT_ID()`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) ListPending(ctx context.Context, recipient string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT m.id, m.sender, m.recipient, m.emoji, m.text, COALESCE(m.client_id, ''), m.created_at
FROM relay_message m
JOIN relay_delivery d ON d.pair_id = m.pair_id AND d.message_id = m.id AND d.recipient = m.recipient
WHERE m.pair_id = ? AND m.recipient = ? AND d.status < 2
ORDER BY m.id ASC
`, s.pairID, recipient)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Emoji, &m.Text, &m.ClientID, &m.CreatedAt); err != nil {
			return nil, wrap(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, messageID int64, recipient string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE relay_delivery
SET status = GREATEST(status, 1), attempt_count = attempt_count + 1, last_attempt_at = ?
WHERE pair_id = ? AND message_id = ? AND recipient = ? AND status < 2
`, time.Now().UTC(), s.pairID, messageID, recipient)
	if err != nil {
		return wrap(err)
	}
	return s.checkKnown(ctx, res, messageID, recipient)
}

func (s *Store) MarkAcknowledged(ctx context.Context, messageID int64, recipient string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE relay_delivery
SET status = 2
WHERE pair_id = ? AND message_id = ? AND recipient = ? AND status < 2
`, s.pairID, messageID, recipient)
	if err != nil {
		return wrap(err)
	}
	return s.checkKnown(ctx, res, messageID, recipient)
}

// checkKnown distinguishes "no rows matched because the state was already
// final" (fine, idempotent) from "the message id does not exist".
func (s *Store) checkKnown(ctx context.Context, res sql.Result, messageID int64, recipient string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `
SELECT 1 FROM relay_delivery WHERE pair_id = ? AND message_id = ? AND recipient = ?
`, s.pairID, messageID, recipient).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrUnknownMessage
	}
	if err != nil {
		return wrap(err)
	}
	return nil
}

func (s *Store) LastAcknowledgedID(ctx context.Context, recipient string) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
SELECT MAX(message_id) FROM relay_delivery
WHERE pair_id = ? AND recipient = ? AND status = 2
`, s.pairID, recipient).Scan(&id)
	if err != nil {
		return 0, wrap(err)
	}
	return id.Int64, nil
}

func (s *Store) History(ctx context.Context, device string, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	query := `
SELECT id, sender, recipient, emoji, text, COALESCE(client_id, ''), created_at
FROM relay_message
WHERE pair_id = ?`
	args := []any{s.pairID}
	if device != "" {
		query += ` AND (sender = ? OR recipient = ?)`
		args = append(args, device, device)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Emoji, &m.Text, &m.ClientID, &m.CreatedAt); err != nil {
			return nil, wrap(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func (s *Store) TouchDevice(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO relay_device (name, last_seen) VALUES (?, ?)
ON DUPLICATE KEY UPDATE last_seen = VALUES(last_seen)
`, name, at.UTC())
	if err != nil {
		return wrap(err)
	}
	return nil
}

func (s *Store) ListDevices(ctx context.Context) ([]store.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, last_seen FROM relay_device ORDER BY name`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()

	var out []store.Device
	for rows.Next() {
		var d store.Device
		if err := rows.Scan(&d.Name, &d.LastSeen); err != nil {
			return nil, wrap(err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }
