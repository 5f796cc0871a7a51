package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"pawline/internal/domain"
	"pawline/internal/engine/fault"
	"pawline/internal/events"
	"pawline/internal/repo"
)

// AgreementCreateOptions are parameters for drafting an agreement.
type AgreementCreateOptions struct {
	ListingID      string
	AdopterID      string
	ConversationID string
	Terms          string
	ActorID        string
}

// CreateAgreement drafts an adoption agreement between the listing owner and
// an adopter. A listing carries at most one non-void agreement; a second
// draft is a conflict until the first is voided.
func (e Engine) CreateAgreement(ctx context.Context, opts AgreementCreateOptions) (domain.Agreement, error) {
	if strings.TrimSpace(opts.Terms) == "" {
		return domain.Agreement{}, errors.New("terms are required")
	}
	var out domain.Agreement
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		l, err := e.Repo.GetListingTx(ctx, tx, opts.ListingID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("listing %s not found", opts.ListingID)
			}
			return err
		}
		if l.Terminal() {
			return fault.Conflictf("listing %s is %s", l.ID, l.Status)
		}
		if opts.ActorID != l.OwnerID {
			return fault.Forbiddenf("only the owner can draft an agreement for listing %s", l.ID)
		}
		if opts.AdopterID == l.OwnerID {
			return fault.InvalidStatef("owner and adopter must be distinct")
		}
		if _, err := e.Repo.GetProfile(ctx, opts.AdopterID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("profile %s not found", opts.AdopterID)
			}
			return err
		}
		if opts.ConversationID != "" {
			c, err := e.Repo.GetConversationTx(ctx, tx, opts.ConversationID)
			if err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return fault.NotFoundf("conversation %s not found", opts.ConversationID)
				}
				return err
			}
			if c.ListingID != l.ID {
				return fault.InvalidStatef("conversation %s belongs to a different listing", c.ID)
			}
		}
		if existing, err := e.Repo.FindActiveAgreement(ctx, tx, l.ID); err == nil {
			return fault.Conflictf("listing %s already has agreement %s (%s)", l.ID, existing.ID, existing.Status)
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := e.nowRFC3339()
		a := domain.Agreement{
			ID:        uuid.New().String(),
			ListingID: l.ID,
			OwnerID:   l.OwnerID,
			AdopterID: opts.AdopterID,
			Status:    domain.AgreementDraft,
			Terms:     opts.Terms,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if opts.ConversationID != "" {
			a.ConversationID = &opts.ConversationID
		}
		if err := e.Repo.InsertAgreement(ctx, tx, a); err != nil {
			if repo.IsUniqueViolation(err) {
				return fault.Conflictf("listing %s already has an active agreement", l.ID)
			}
			return err
		}
		// Mark the listing as spoken for while the paperwork is in flight.
		if l.Status == domain.ListingAvailable {
			if err := e.Repo.UpdateListingStatusCAS(ctx, tx, l.ID, domain.ListingPending, now, l.Version); err != nil {
				return err
			}
		}
		if err := e.Events.Append(ctx, tx, "agreement.created", l.ID, "agreement", a.ID, opts.ActorID, events.EventPayload{
			"adopter_id": a.AdopterID,
			"status":     a.Status,
		}); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Agreement{}, err
	}
	return out, nil
}

// SubmitSignature records one party's signature. The first signature moves
// the draft to partially_signed; the counterparty's signature finalizes the
// agreement and triggers the cascade. A party signs exactly once.
func (e Engine) SubmitSignature(ctx context.Context, agreementID, signerID, payload string) (domain.Agreement, error) {
	var out domain.Agreement
	var finalized bool
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		finalized = false
		a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("agreement %s not found", agreementID)
			}
			return err
		}
		if a.Status == domain.AgreementFinalized || a.Status == domain.AgreementVoid {
			return fault.InvalidStatef("agreement %s is %s", a.ID, a.Status)
		}
		if !a.Party(signerID) {
			return fault.Forbiddenf("profile %s is not a party to agreement %s", signerID, a.ID)
		}
		now := e.nowRFC3339()
		sig := &domain.SignatureRecord{SignerID: signerID, SignedAt: now, Payload: payload}
		switch signerID {
		case a.OwnerID:
			if a.OwnerSignature != nil {
				return fault.Conflictf("owner has already signed agreement %s", a.ID)
			}
			a.OwnerSignature = sig
		case a.AdopterID:
			if a.AdopterSignature != nil {
				return fault.Conflictf("adopter has already signed agreement %s", a.ID)
			}
			a.AdopterSignature = sig
		}
		next := domain.AgreementPartiallySigned
		if a.OwnerSignature != nil && a.AdopterSignature != nil {
			next = domain.AgreementFinalized
		}
		if !domain.AgreementTransitionAllowed(a.Status, next) {
			return fault.InvalidStatef("agreement %s cannot move from %s to %s", a.ID, a.Status, next)
		}
		from := a.Status
		a.Status = next
		a.UpdatedAt = now
		if next == domain.AgreementFinalized {
			a.FinalizedAt = &now
		}
		if err := e.Repo.UpdateAgreementCAS(ctx, tx, a, a.Version); err != nil {
			return err
		}
		a.Version++
		if err := e.Events.Append(ctx, tx, "agreement.signed", a.ListingID, "agreement", a.ID, signerID, events.EventPayload{
			"from": from,
			"to":   a.Status,
		}); err != nil {
			return err
		}
		if next == domain.AgreementFinalized {
			if err := e.Events.Append(ctx, tx, "agreement.finalized", a.ListingID, "agreement", a.ID, signerID, events.EventPayload{
				"owner_id":   a.OwnerID,
				"adopter_id": a.AdopterID,
			}); err != nil {
				return err
			}
			if e.Guard != nil {
				if err := e.Guard.OnAgreementFinalized(ctx, tx, e, a, signerID); err != nil {
					return err
				}
			}
			finalized = true
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Agreement{}, err
	}
	if finalized && e.Renderer != nil {
		// Document rendering happens after the commit; a crash here loses at
		// most the document_ref, which RenderDocument can regenerate.
		go func(id string) {
			ctx := context.Background()
			_, _ = e.RenderDocument(ctx, id)
		}(out.ID)
	}
	return out, nil
}

// VoidAgreement cancels a non-finalized agreement. Void is terminal: voiding
// a finalized or already-void agreement fails with InvalidState, and the
// listing reopens for other adopters.
func (e Engine) VoidAgreement(ctx context.Context, agreementID, reason, actorID string) (domain.Agreement, error) {
	var out domain.Agreement
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		a, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("agreement %s not found", agreementID)
			}
			return err
		}
		if !a.Party(actorID) {
			return fault.Forbiddenf("profile %s is not a party to agreement %s", actorID, a.ID)
		}
		if !domain.AgreementTransitionAllowed(a.Status, domain.AgreementVoid) {
			return fault.InvalidStatef("agreement %s is %s", a.ID, a.Status)
		}
		now := e.nowRFC3339()
		from := a.Status
		a.Status = domain.AgreementVoid
		a.UpdatedAt = now
		if reason != "" {
			a.VoidReason = &reason
		}
		if err := e.Repo.UpdateAgreementCAS(ctx, tx, a, a.Version); err != nil {
			return err
		}
		a.Version++
		if err := e.Events.Append(ctx, tx, "agreement.voided", a.ListingID, "agreement", a.ID, actorID, events.EventPayload{
			"from":   from,
			"reason": reason,
		}); err != nil {
			return err
		}
		// Release the listing back to the market unless it moved on.
		l, err := e.Repo.GetListingTx(ctx, tx, a.ListingID)
		if err != nil {
			return err
		}
		if l.Status == domain.ListingPending {
			if err := e.Repo.UpdateListingStatusCAS(ctx, tx, l.ID, domain.ListingAvailable, now, l.Version); err != nil {
				return err
			}
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Agreement{}, err
	}
	return out, nil
}

// RenderDocument produces the archival document for a finalized agreement and
// records its reference. Safe to call again if a previous attempt crashed
// before the reference landed.
func (e Engine) RenderDocument(ctx context.Context, agreementID string) (domain.Agreement, error) {
	if e.Renderer == nil {
		return domain.Agreement{}, errors.New("no renderer configured")
	}
	a, err := e.Repo.GetAgreement(ctx, agreementID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Agreement{}, fault.NotFoundf("agreement %s not found", agreementID)
		}
		return domain.Agreement{}, err
	}
	if a.Status != domain.AgreementFinalized {
		return domain.Agreement{}, fault.InvalidStatef("agreement %s is %s, not finalized", a.ID, a.Status)
	}
	if a.DocumentRef != nil {
		return a, nil
	}
	ref, err := e.Renderer.Render(ctx, a)
	if err != nil {
		return domain.Agreement{}, err
	}
	var out domain.Agreement
	err = e.runTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetAgreementTx(ctx, tx, agreementID)
		if err != nil {
			return err
		}
		if cur.DocumentRef != nil {
			out = cur
			return nil
		}
		cur.DocumentRef = &ref
		cur.UpdatedAt = e.nowRFC3339()
		if err := e.Repo.UpdateAgreementCAS(ctx, tx, cur, cur.Version); err != nil {
			return err
		}
		cur.Version++
		if err := e.Events.Append(ctx, tx, "agreement.document.rendered", cur.ListingID, "agreement", cur.ID, cur.OwnerID, events.EventPayload{
			"document_ref": ref,
		}); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return domain.Agreement{}, err
	}
	return out, nil
}
