package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pawline/internal/domain"
	"pawline/internal/engine/fault"
	"pawline/internal/events"
	"pawline/internal/repo"
)

// MessagePostOptions are parameters for posting a message.
type MessagePostOptions struct {
	ConversationID string
	SenderID       string
	Text           string
	AttachmentRef  string
}

// PostMessage appends a message to an open conversation. The sequence number
// comes from the conversation's last_seq counter, bumped under the same
// version check, so concurrent senders serialize into a gapless order and
// every reader sees the log identically.
func (e Engine) PostMessage(ctx context.Context, opts MessagePostOptions) (domain.Message, error) {
	text := opts.Text
	if strings.TrimSpace(text) == "" && opts.AttachmentRef == "" {
		return domain.Message{}, errors.New("message text or attachment is required")
	}
	if e.Config != nil && e.Config.Limits.MaxMessageLength > 0 && len(text) > e.Config.Limits.MaxMessageLength {
		return domain.Message{}, fmt.Errorf("invalid message: exceeds %d characters", e.Config.Limits.MaxMessageLength)
	}
	var out domain.Message
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		c, err := e.getOpenConversation(ctx, tx, opts.ConversationID)
		if err != nil {
			return err
		}
		ok, err := e.Repo.IsParticipantTx(ctx, tx, c.ID, opts.SenderID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Forbiddenf("profile %s is not a participant of conversation %s", opts.SenderID, c.ID)
		}
		c.LastSeq++
		if err := e.Repo.UpdateConversationCAS(ctx, tx, c, c.Version); err != nil {
			return err
		}
		now := e.nowRFC3339()
		m := domain.Message{
			ID:             uuid.New().String(),
			ConversationID: c.ID,
			SenderID:       opts.SenderID,
			Seq:            c.LastSeq,
			Text:           text,
			CreatedAt:      now,
		}
		if opts.AttachmentRef != "" {
			m.AttachmentRef = &opts.AttachmentRef
		}
		if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
			return err
		}
		// The sender has trivially read their own message.
		if err := e.Repo.InsertRead(ctx, tx, m.ID, opts.SenderID, now); err != nil {
			return err
		}
		m.Readers = []string{opts.SenderID}
		if err := e.Events.Append(ctx, tx, "message.posted", c.ListingID, "message", m.ID, opts.SenderID, events.EventPayload{
			"conversation_id": c.ID,
			"seq":             m.Seq,
		}); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return out, nil
}

// MarkRead records that a participant has read every message up to and
// including upToSeq. Marks never retract: a mark below an earlier one is a
// no-op.
func (e Engine) MarkRead(ctx context.Context, conversationID, profileID string, upToSeq int64) error {
	return e.runTx(ctx, func(tx *sql.Tx) error {
		c, err := e.getOpenConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		ok, err := e.Repo.IsParticipantTx(ctx, tx, c.ID, profileID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Forbiddenf("profile %s is not a participant of conversation %s", profileID, conversationID)
		}
		if upToSeq <= 0 {
			return nil
		}
		if upToSeq > c.LastSeq {
			upToSeq = c.LastSeq
		}
		now := e.nowRFC3339()
		if err := e.Repo.MarkReadUpTo(ctx, tx, c.ID, profileID, upToSeq, now); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "message.read", c.ListingID, "conversation", c.ID, profileID, events.EventPayload{
			"up_to_seq": upToSeq,
		})
	})
}

// ListMessages returns messages after a sequence cursor in posting order.
// Limit is clamped to the configured page sizes.
func (e Engine) ListMessages(ctx context.Context, conversationID string, afterSeq int64, limit int) ([]domain.Message, error) {
	if _, err := e.Repo.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fault.NotFoundf("conversation %s not found", conversationID)
		}
		return nil, err
	}
	defaultPage, maxPage := 50, 200
	if e.Config != nil {
		if e.Config.Limits.DefaultPageSize > 0 {
			defaultPage = e.Config.Limits.DefaultPageSize
		}
		if e.Config.Limits.MaxPageSize > 0 {
			maxPage = e.Config.Limits.MaxPageSize
		}
	}
	if limit <= 0 {
		limit = defaultPage
	}
	if limit > maxPage {
		limit = maxPage
	}
	return e.Repo.ListMessagesAfter(ctx, conversationID, afterSeq, limit)
}
