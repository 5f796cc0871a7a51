package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"pawline/internal/domain"
	"pawline/internal/engine/fault"
	"pawline/internal/events"
	"pawline/internal/repo"
)

// StartConversation opens (or returns) the one non-closed conversation
// between a requester and a listing. The owner is registered as a participant
// from the start so the thread is ready for the first reply.
func (e Engine) StartConversation(ctx context.Context, listingID, requesterID string) (domain.Conversation, error) {
	var out domain.Conversation
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		l, err := e.Repo.GetListingTx(ctx, tx, listingID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("listing %s not found", listingID)
			}
			return err
		}
		if l.Terminal() {
			return fault.Conflictf("listing %s is %s", listingID, l.Status)
		}
		if requesterID == l.OwnerID {
			return fault.Forbiddenf("owner cannot open a conversation on their own listing")
		}
		if _, err := e.Repo.GetProfile(ctx, requesterID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("profile %s not found", requesterID)
			}
			return err
		}
		now := e.nowRFC3339()

		existing, err := e.Repo.FindOpenConversation(ctx, tx, listingID, requesterID)
		if err == nil {
			// Idempotent reopen: hand back the live thread, re-registering
			// the requester in case they had left it.
			if err := e.Repo.InsertParticipant(ctx, tx, domain.Participant{ConversationID: existing.ID, ProfileID: requesterID, JoinedAt: now}); err != nil {
				return err
			}
			n, err := e.Repo.CountParticipantsTx(ctx, tx, existing.ID)
			if err != nil {
				return err
			}
			if derived := domain.DeriveConversationStatus(n); derived != existing.Status {
				prev := existing.Status
				existing.Status = derived
				if err := e.Repo.UpdateConversationCAS(ctx, tx, existing, existing.Version); err != nil {
					return err
				}
				existing.Version++
				if err := e.appendStatusChanged(ctx, tx, existing, prev, requesterID); err != nil {
					return err
				}
			}
			out = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		c := domain.Conversation{
			ID:          uuid.New().String(),
			ListingID:   listingID,
			RequesterID: requesterID,
			Status:      domain.ConversationActive,
			LastSeq:     0,
			Version:     1,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertConversation(ctx, tx, c); err != nil {
			if repo.IsUniqueViolation(err) {
				// Lost the race with a concurrent opener; retry resolves to
				// the idempotent path above.
				return repo.ErrVersionConflict
			}
			return err
		}
		for _, pid := range []string{requesterID, l.OwnerID} {
			if err := e.Repo.InsertParticipant(ctx, tx, domain.Participant{ConversationID: c.ID, ProfileID: pid, JoinedAt: now}); err != nil {
				return err
			}
		}
		if err := e.Events.Append(ctx, tx, "conversation.started", listingID, "conversation", c.ID, requesterID, events.EventPayload{
			"requester_id": requesterID,
			"participants": []string{requesterID, l.OwnerID},
			"status":       c.Status,
		}); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// AddParticipant registers a profile in a conversation. Adding an existing
// participant is a no-op.
func (e Engine) AddParticipant(ctx context.Context, conversationID, profileID, actorID string) (domain.Conversation, error) {
	var out domain.Conversation
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		c, err := e.getOpenConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		if _, err := e.Repo.GetProfile(ctx, profileID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("profile %s not found", profileID)
			}
			return err
		}
		already, err := e.Repo.IsParticipantTx(ctx, tx, conversationID, profileID)
		if err != nil {
			return err
		}
		if already {
			out = c
			return nil
		}
		now := e.nowRFC3339()
		if err := e.Repo.InsertParticipant(ctx, tx, domain.Participant{ConversationID: conversationID, ProfileID: profileID, JoinedAt: now}); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "conversation.participant.added", c.ListingID, "conversation", c.ID, actorID, events.EventPayload{
			"profile_id": profileID,
		}); err != nil {
			return err
		}
		out, err = e.rederiveStatus(ctx, tx, c, actorID)
		return err
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// RemoveParticipant deregisters a profile. The listing owner cannot leave
// while the listing is still in play; a conversation needs its owner to ever
// go anywhere.
func (e Engine) RemoveParticipant(ctx context.Context, conversationID, profileID, actorID string) (domain.Conversation, error) {
	var out domain.Conversation
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		c, err := e.getOpenConversation(ctx, tx, conversationID)
		if err != nil {
			return err
		}
		l, err := e.Repo.GetListingTx(ctx, tx, c.ListingID)
		if err != nil {
			return err
		}
		if profileID == l.OwnerID && !l.Terminal() {
			return fault.InvalidStatef("owner cannot leave while listing %s is %s", l.ID, l.Status)
		}
		removed, err := e.Repo.DeleteParticipant(ctx, tx, conversationID, profileID)
		if err != nil {
			return err
		}
		if !removed {
			out = c
			return nil
		}
		if err := e.Events.Append(ctx, tx, "conversation.participant.removed", c.ListingID, "conversation", c.ID, actorID, events.EventPayload{
			"profile_id": profileID,
		}); err != nil {
			return err
		}
		out, err = e.rederiveStatus(ctx, tx, c, actorID)
		return err
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// CloseConversation freezes a thread. Closing an already-closed conversation
// is a no-op.
func (e Engine) CloseConversation(ctx context.Context, conversationID, reason, actorID string) (domain.Conversation, error) {
	var out domain.Conversation
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetConversationTx(ctx, tx, conversationID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("conversation %s not found", conversationID)
			}
			return err
		}
		if c.Status == domain.ConversationClosed {
			out = c
			return nil
		}
		ok, err := e.Repo.IsParticipantTx(ctx, tx, conversationID, actorID)
		if err != nil {
			return err
		}
		if !ok {
			return fault.Forbiddenf("profile %s is not a participant of conversation %s", actorID, conversationID)
		}
		var err2 error
		out, err2 = e.closeConversationTx(ctx, tx, c, reason, actorID)
		return err2
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return out, nil
}

// closeConversationTx performs the actual close inside an open transaction;
// the consistency guard reuses it when cascading.
func (e Engine) closeConversationTx(ctx context.Context, tx *sql.Tx, c domain.Conversation, reason, actorID string) (domain.Conversation, error) {
	now := e.nowRFC3339()
	prev := c.Status
	c.Status = domain.ConversationClosed
	c.ClosedAt = &now
	if reason != "" {
		c.CloseReason = &reason
	}
	if err := e.Repo.UpdateConversationCAS(ctx, tx, c, c.Version); err != nil {
		return c, err
	}
	c.Version++
	if err := e.appendStatusChanged(ctx, tx, c, prev, actorID); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, "conversation.closed", c.ListingID, "conversation", c.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return c, err
	}
	return c, nil
}

func (e Engine) getOpenConversation(ctx context.Context, tx *sql.Tx, id string) (domain.Conversation, error) {
	c, err := e.Repo.GetConversationTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return c, fault.NotFoundf("conversation %s not found", id)
		}
		return c, err
	}
	if c.Status == domain.ConversationClosed {
		return c, fault.InvalidStatef("conversation %s is closed", id)
	}
	return c, nil
}

func (e Engine) rederiveStatus(ctx context.Context, tx *sql.Tx, c domain.Conversation, actorID string) (domain.Conversation, error) {
	n, err := e.Repo.CountParticipantsTx(ctx, tx, c.ID)
	if err != nil {
		return c, err
	}
	derived := domain.DeriveConversationStatus(n)
	if derived == c.Status {
		return c, nil
	}
	prev := c.Status
	c.Status = derived
	if err := e.Repo.UpdateConversationCAS(ctx, tx, c, c.Version); err != nil {
		return c, err
	}
	c.Version++
	if err := e.appendStatusChanged(ctx, tx, c, prev, actorID); err != nil {
		return c, err
	}
	return c, nil
}

func (e Engine) appendStatusChanged(ctx context.Context, tx *sql.Tx, c domain.Conversation, from, actorID string) error {
	return e.Events.Append(ctx, tx, "conversation.status.changed", c.ListingID, "conversation", c.ID, actorID, events.EventPayload{
		"from": from,
		"to":   c.Status,
	})
}

// GetConversation returns a conversation with its participants resolved.
func (e Engine) GetConversation(ctx context.Context, id string) (domain.Conversation, []domain.Participant, error) {
	c, err := e.Repo.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return c, nil, fault.NotFoundf("conversation %s not found", id)
		}
		return c, nil, err
	}
	parts, err := e.Repo.ListParticipants(ctx, id)
	if err != nil {
		return c, nil, err
	}
	return c, parts, nil
}
