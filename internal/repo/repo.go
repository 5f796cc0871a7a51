package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pawline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when a conditional write matched no row,
	// meaning another writer advanced the entity's version first. Callers
	// retry the whole read-modify-write.
	ErrVersionConflict = errors.New("version conflict")
)

// IsUniqueViolation reports whether err comes from a UNIQUE index. The
// modernc driver surfaces constraint failures as plain errors, so this is a
// message check, same as matching on sqlite error codes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed: UNIQUE")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- profiles ---

func (r Repo) UpsertProfile(ctx context.Context, p domain.Profile) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO profiles(id,display_name,region,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET display_name=excluded.display_name, region=excluded.region`,
		p.ID, p.DisplayName, nullable(p.Region), p.CreatedAt)
	return err
}

func (r Repo) GetProfile(ctx context.Context, id string) (domain.Profile, error) {
	var p domain.Profile
	var region sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,display_name,region,created_at FROM profiles WHERE id=?`, id).
		Scan(&p.ID, &p.DisplayName, &region, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if region.Valid {
		p.Region = region.String
	}
	return p, err
}

// --- listings ---

func (r Repo) InsertListing(ctx context.Context, tx *sql.Tx, l domain.Listing) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO listings(id,owner_id,name,species,description,status,version,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.OwnerID, l.Name, nullable(l.Species), nullable(l.Description), l.Status, l.Version, l.CreatedAt, l.UpdatedAt)
	return err
}

func scanListing(row *sql.Row) (domain.Listing, error) {
	var l domain.Listing
	var species, description sql.NullString
	err := row.Scan(&l.ID, &l.OwnerID, &l.Name, &species, &description, &l.Status, &l.Version, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if species.Valid {
		l.Species = species.String
	}
	if description.Valid {
		l.Description = description.String
	}
	return l, nil
}

const listingCols = `id,owner_id,name,species,description,status,version,created_at,updated_at`

func (r Repo) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	return scanListing(r.DB.QueryRowContext(ctx, `SELECT `+listingCols+` FROM listings WHERE id=?`, id))
}

func (r Repo) GetListingTx(ctx context.Context, tx *sql.Tx, id string) (domain.Listing, error) {
	return scanListing(tx.QueryRowContext(ctx, `SELECT `+listingCols+` FROM listings WHERE id=?`, id))
}

type ListingFilters struct {
	OwnerID         string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListListings(ctx context.Context, f ListingFilters) ([]domain.Listing, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + listingCols + ` FROM listings ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Listing
	for rows.Next() {
		var l domain.Listing
		var species, description sql.NullString
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.Name, &species, &description, &l.Status, &l.Version, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		if species.Valid {
			l.Species = species.String
		}
		if description.Valid {
			l.Description = description.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// UpdateListingStatusCAS transitions a listing's status against an expected
// version. Returns ErrVersionConflict when another writer got there first.
func (r Repo) UpdateListingStatusCAS(ctx context.Context, tx *sql.Tx, id, status, updatedAt string, expectedVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE listings SET status=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		status, updatedAt, id, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, listingID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if listingID != "" {
		clauses = append(clauses, "listing_id=?")
		args = append(args, listingID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,listing_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending
// order; this is the restartable fan-out feed.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, listingID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if listingID != "" {
		clauses = append(clauses, "listing_id=?")
		args = append(args, listingID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,listing_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var listingID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &listingID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if listingID.Valid {
			e.ListingID = listingID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
