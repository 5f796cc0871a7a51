package repo

import (
	"context"
	"database/sql"

	"pawline/internal/domain"
)

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,conversation_id,sender_id,seq,text,attachment_ref,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.ConversationID, m.SenderID, m.Seq, nullable(m.Text), nullableStringPtr(m.AttachmentRef), m.CreatedAt)
	return err
}

// InsertRead records one reader acknowledgment; duplicates are ignored so
// the reader set only ever grows.
func (r Repo) InsertRead(ctx context.Context, tx *sql.Tx, messageID, profileID, readAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO message_reads(message_id,profile_id,read_at) VALUES (?,?,?)`,
		messageID, profileID, readAt)
	return err
}

// MarkReadUpTo adds profileID to the reader set of every message in the
// conversation with seq <= upToSeq. The set-based INSERT OR IGNORE makes the
// operation idempotent and monotonic: marks below a prior mark are no-ops.
func (r Repo) MarkReadUpTo(ctx context.Context, tx *sql.Tx, conversationID, profileID string, upToSeq int64, readAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO message_reads(message_id,profile_id,read_at)
SELECT m.id, ?, ? FROM messages m WHERE m.conversation_id=? AND m.seq<=?`,
		profileID, readAt, conversationID, upToSeq)
	return err
}

// ListMessagesAfter returns up to limit messages with seq > afterSeq in
// ascending sequence order, readers included. Cursor pagination on seq means
// concurrent inserts never skip or duplicate entries across pages.
func (r Repo) ListMessagesAfter(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	query := `SELECT id,conversation_id,sender_id,seq,text,attachment_ref,created_at FROM messages WHERE conversation_id=? AND seq>? ORDER BY seq ASC`
	args := []any{conversationID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var text, attachmentRef sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Seq, &text, &attachmentRef, &m.CreatedAt); err != nil {
			return nil, err
		}
		if text.Valid {
			m.Text = text.String
		}
		if attachmentRef.Valid {
			m.AttachmentRef = &attachmentRef.String
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		readers, err := r.ListReaders(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Readers = readers
	}
	return res, nil
}

func (r Repo) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	var m domain.Message
	var text, attachmentRef sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,conversation_id,sender_id,seq,text,attachment_ref,created_at FROM messages WHERE id=?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Seq, &text, &attachmentRef, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if text.Valid {
		m.Text = text.String
	}
	if attachmentRef.Valid {
		m.AttachmentRef = &attachmentRef.String
	}
	readers, err := r.ListReaders(ctx, m.ID)
	if err != nil {
		return m, err
	}
	m.Readers = readers
	return m, nil
}

func (r Repo) ListReaders(ctx context.Context, messageID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT profile_id FROM message_reads WHERE message_id=? ORDER BY read_at ASC, profile_id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var readers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readers = append(readers, id)
	}
	return readers, rows.Err()
}
