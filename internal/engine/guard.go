package engine

import (
	"context"
	"database/sql"

	"pawline/internal/domain"
	"pawline/internal/events"
)

// Guard reacts to cross-module triggers inside the transaction that raised
// them, so the cascade commits or rolls back atomically with its cause.
type Guard interface {
	OnAgreementFinalized(ctx context.Context, tx *sql.Tx, e Engine, a domain.Agreement, actorID string) error
	OnListingWithdrawn(ctx context.Context, tx *sql.Tx, e Engine, l domain.Listing, actorID string) error
}

type guard struct{}

// OnAgreementFinalized marks the listing adopted and closes every open
// conversation on it; the adoption is settled, there is nothing left to
// discuss.
func (guard) OnAgreementFinalized(ctx context.Context, tx *sql.Tx, e Engine, a domain.Agreement, actorID string) error {
	l, err := e.Repo.GetListingTx(ctx, tx, a.ListingID)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	if !l.Terminal() {
		if err := e.Repo.UpdateListingStatusCAS(ctx, tx, l.ID, domain.ListingAdopted, now, l.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "listing.adopted", l.ID, "listing", l.ID, actorID, events.EventPayload{
			"agreement_id": a.ID,
			"adopter_id":   a.AdopterID,
		}); err != nil {
			return err
		}
	}
	return closeOpenConversations(ctx, tx, e, l.ID, "listing adopted", actorID)
}

// OnListingWithdrawn closes open conversations and voids agreements that
// never finalized. A finalized agreement is a settled fact and stays put.
func (guard) OnListingWithdrawn(ctx context.Context, tx *sql.Tx, e Engine, l domain.Listing, actorID string) error {
	if err := closeOpenConversations(ctx, tx, e, l.ID, "listing withdrawn", actorID); err != nil {
		return err
	}
	voidable, err := e.Repo.ListVoidableAgreementsTx(ctx, tx, l.ID)
	if err != nil {
		return err
	}
	now := e.nowRFC3339()
	reason := "listing withdrawn"
	for _, a := range voidable {
		from := a.Status
		a.Status = domain.AgreementVoid
		a.VoidReason = &reason
		a.UpdatedAt = now
		if err := e.Repo.UpdateAgreementCAS(ctx, tx, a, a.Version); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, "agreement.voided", l.ID, "agreement", a.ID, actorID, events.EventPayload{
			"from":   from,
			"reason": reason,
		}); err != nil {
			return err
		}
	}
	return nil
}

func closeOpenConversations(ctx context.Context, tx *sql.Tx, e Engine, listingID, reason, actorID string) error {
	open, err := e.Repo.ListOpenConversationsByListingTx(ctx, tx, listingID)
	if err != nil {
		return err
	}
	for _, c := range open {
		if _, err := e.closeConversationTx(ctx, tx, c, reason, actorID); err != nil {
			return err
		}
	}
	return nil
}
