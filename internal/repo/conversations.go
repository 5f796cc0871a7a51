package repo

import (
	"context"
	"database/sql"

	"pawline/internal/domain"
)

const conversationCols = `id,listing_id,requester_id,status,last_seq,version,created_at,closed_at,close_reason`

func scanConversation(row *sql.Row) (domain.Conversation, error) {
	var c domain.Conversation
	var closedAt, closeReason sql.NullString
	err := row.Scan(&c.ID, &c.ListingID, &c.RequesterID, &c.Status, &c.LastSeq, &c.Version, &c.CreatedAt, &closedAt, &closeReason)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if closedAt.Valid {
		c.ClosedAt = &closedAt.String
	}
	if closeReason.Valid {
		c.CloseReason = &closeReason.String
	}
	return c, nil
}

func (r Repo) InsertConversation(ctx context.Context, tx *sql.Tx, c domain.Conversation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO conversations(id,listing_id,requester_id,status,last_seq,version,created_at,closed_at,close_reason) VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ListingID, c.RequesterID, c.Status, c.LastSeq, c.Version, c.CreatedAt, nullableStringPtr(c.ClosedAt), nullableStringPtr(c.CloseReason))
	return err
}

func (r Repo) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	return scanConversation(r.DB.QueryRowContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id=?`, id))
}

func (r Repo) GetConversationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Conversation, error) {
	return scanConversation(tx.QueryRowContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE id=?`, id))
}

// FindOpenConversation returns the one non-closed conversation for a
// (listing, requester) pair, if any.
func (r Repo) FindOpenConversation(ctx context.Context, tx *sql.Tx, listingID, requesterID string) (domain.Conversation, error) {
	return scanConversation(tx.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE listing_id=? AND requester_id=? AND status != ?`,
		listingID, requesterID, domain.ConversationClosed))
}

func (r Repo) ListConversationsByListing(ctx context.Context, listingID string) ([]domain.Conversation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE listing_id=? ORDER BY created_at DESC, id DESC`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

// ListOpenConversationsByListingTx returns every non-closed conversation for
// a listing; the consistency guard closes them on finalization/withdrawal.
func (r Repo) ListOpenConversationsByListingTx(ctx context.Context, tx *sql.Tx, listingID string) ([]domain.Conversation, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+conversationCols+` FROM conversations WHERE listing_id=? AND status != ?`, listingID, domain.ConversationClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectConversations(rows)
}

func collectConversations(rows *sql.Rows) ([]domain.Conversation, error) {
	var res []domain.Conversation
	for rows.Next() {
		var c domain.Conversation
		var closedAt, closeReason sql.NullString
		if err := rows.Scan(&c.ID, &c.ListingID, &c.RequesterID, &c.Status, &c.LastSeq, &c.Version, &c.CreatedAt, &closedAt, &closeReason); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			c.ClosedAt = &closedAt.String
		}
		if closeReason.Valid {
			c.CloseReason = &closeReason.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateConversationCAS writes the full mutable state of a conversation
// against an expected version.
func (r Repo) UpdateConversationCAS(ctx context.Context, tx *sql.Tx, c domain.Conversation, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE conversations SET status=?, last_seq=?, closed_at=?, close_reason=?, version=version+1 WHERE id=? AND version=?`,
		c.Status, c.LastSeq, nullableStringPtr(c.ClosedAt), nullableStringPtr(c.CloseReason), c.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// --- participants ---

func (r Repo) InsertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO participants(conversation_id,profile_id,joined_at) VALUES (?,?,?)`,
		p.ConversationID, p.ProfileID, p.JoinedAt)
	return err
}

func (r Repo) DeleteParticipant(ctx context.Context, tx *sql.Tx, conversationID, profileID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE conversation_id=? AND profile_id=?`, conversationID, profileID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListParticipants(ctx context.Context, conversationID string) ([]domain.Participant, error) {
	return r.listParticipants(ctx, r.DB.QueryContext, conversationID)
}

func (r Repo) ListParticipantsTx(ctx context.Context, tx *sql.Tx, conversationID string) ([]domain.Participant, error) {
	return r.listParticipants(ctx, tx.QueryContext, conversationID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (r Repo) listParticipants(ctx context.Context, query queryFunc, conversationID string) ([]domain.Participant, error) {
	rows, err := query(ctx, `SELECT conversation_id,profile_id,joined_at FROM participants WHERE conversation_id=? ORDER BY joined_at ASC, profile_id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ConversationID, &p.ProfileID, &p.JoinedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountParticipantsTx(ctx context.Context, tx *sql.Tx, conversationID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM participants WHERE conversation_id=?`, conversationID).Scan(&n)
	return n, err
}

func (r Repo) IsParticipantTx(ctx context.Context, tx *sql.Tx, conversationID, profileID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM participants WHERE conversation_id=? AND profile_id=? LIMIT 1`, conversationID, profileID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ParticipantIDs flattens memberships to ids, used by event payloads.
func ParticipantIDs(parts []domain.Participant) []string {
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.ProfileID)
	}
	return ids
}
