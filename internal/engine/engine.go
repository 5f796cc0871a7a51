package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"pawline/internal/config"
	"pawline/internal/domain"
	"pawline/internal/engine/fault"
	"pawline/internal/events"
	"pawline/internal/repo"
)

// Renderer produces an archival document for a finalized agreement and
// returns an opaque reference to it.
type Renderer interface {
	Render(ctx context.Context, a domain.Agreement) (string, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Guard    Guard
	Renderer Renderer
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
	e.Guard = guard{}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) retryAttempts() int {
	if e.Config != nil && e.Config.Retry.Attempts > 0 {
		return e.Config.Retry.Attempts
	}
	return 3
}

// runTx executes fn in a transaction, retrying the whole read-modify-write
// when a conditional update lost the race. The retry budget is bounded;
// exhausting it surfaces as a transient fault rather than blocking.
func (e Engine) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	attempts := e.retryAttempts()
	var err error
	for i := 0; i < attempts; i++ {
		err = e.tryTx(ctx, fn)
		if err == nil || !errors.Is(err, repo.ErrVersionConflict) {
			return err
		}
	}
	return fault.Transientf("concurrent updates exhausted %d attempts, retry", attempts)
}

func (e Engine) tryTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// EnsureProfile creates or refreshes a profile record.
func (e Engine) EnsureProfile(ctx context.Context, id, displayName, region string) (domain.Profile, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Profile{}, errors.New("profile id required")
	}
	if strings.TrimSpace(displayName) == "" {
		return domain.Profile{}, errors.New("display name required")
	}
	p := domain.Profile{
		ID:          id,
		DisplayName: displayName,
		Region:      region,
		CreatedAt:   e.nowRFC3339(),
	}
	if existing, err := e.Repo.GetProfile(ctx, id); err == nil {
		p.CreatedAt = existing.CreatedAt
	}
	if err := e.Repo.UpsertProfile(ctx, p); err != nil {
		return domain.Profile{}, err
	}
	return p, nil
}

// ListingCreateOptions are parameters for creating a listing.
type ListingCreateOptions struct {
	ID          string
	OwnerID     string
	Name        string
	Species     string
	Description string
}

func (e Engine) CreateListing(ctx context.Context, opts ListingCreateOptions) (domain.Listing, error) {
	if opts.OwnerID == "" {
		return domain.Listing{}, errors.New("owner is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Listing{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProfile(ctx, opts.OwnerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Listing{}, fault.NotFoundf("profile %s not found", opts.OwnerID)
		}
		return domain.Listing{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowRFC3339()
	l := domain.Listing{
		ID:          id,
		OwnerID:     opts.OwnerID,
		Name:        opts.Name,
		Species:     opts.Species,
		Description: opts.Description,
		Status:      domain.ListingAvailable,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := e.tryTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertListing(ctx, tx, l); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "listing.created", l.ID, "listing", l.ID, opts.OwnerID, events.EventPayload{
			"name":   l.Name,
			"status": l.Status,
		})
	})
	if err != nil {
		return domain.Listing{}, err
	}
	return l, nil
}

// WithdrawListing takes a listing off the market. The consistency guard
// closes its open conversations and voids its pending agreements in the same
// transaction.
func (e Engine) WithdrawListing(ctx context.Context, listingID, actorID string) (domain.Listing, error) {
	var out domain.Listing
	err := e.runTx(ctx, func(tx *sql.Tx) error {
		l, err := e.Repo.GetListingTx(ctx, tx, listingID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fault.NotFoundf("listing %s not found", listingID)
			}
			return err
		}
		if l.OwnerID != actorID {
			return fault.Forbiddenf("only the owner can withdraw listing %s", listingID)
		}
		if l.Status == domain.ListingWithdrawn {
			out = l
			return nil
		}
		if l.Status == domain.ListingAdopted {
			return fault.InvalidStatef("listing %s is already adopted", listingID)
		}
		now := e.nowRFC3339()
		if err := e.Repo.UpdateListingStatusCAS(ctx, tx, l.ID, domain.ListingWithdrawn, now, l.Version); err != nil {
			return err
		}
		l.Status = domain.ListingWithdrawn
		l.Version++
		l.UpdatedAt = now
		if err := e.Events.Append(ctx, tx, "listing.withdrawn", l.ID, "listing", l.ID, actorID, events.EventPayload{
			"status": l.Status,
		}); err != nil {
			return err
		}
		if e.Guard != nil {
			if err := e.Guard.OnListingWithdrawn(ctx, tx, e, l, actorID); err != nil {
				return err
			}
		}
		out = l
		return nil
	})
	if err != nil {
		return domain.Listing{}, err
	}
	return out, nil
}
