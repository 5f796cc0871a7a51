package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"pawline/internal/domain"
)

const agreementCols = `id,listing_id,owner_id,adopter_id,conversation_id,status,terms,owner_signature_json,adopter_signature_json,document_ref,void_reason,version,created_at,updated_at,finalized_at`

func marshalSignature(sig *domain.SignatureRecord) (any, error) {
	if sig == nil {
		return nil, nil
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return nil, fmt.Errorf("marshal signature: %w", err)
	}
	return string(b), nil
}

func unmarshalSignature(raw sql.NullString) (*domain.SignatureRecord, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var sig domain.SignatureRecord
	if err := json.Unmarshal([]byte(raw.String), &sig); err != nil {
		return nil, fmt.Errorf("unmarshal signature: %w", err)
	}
	return &sig, nil
}

func (r Repo) InsertAgreement(ctx context.Context, tx *sql.Tx, a domain.Agreement) error {
	ownerSig, err := marshalSignature(a.OwnerSignature)
	if err != nil {
		return err
	}
	adopterSig, err := marshalSignature(a.AdopterSignature)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO agreements(id,listing_id,owner_id,adopter_id,conversation_id,status,terms,owner_signature_json,adopter_signature_json,document_ref,void_reason,version,created_at,updated_at,finalized_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ListingID, a.OwnerID, a.AdopterID, nullableStringPtr(a.ConversationID), a.Status, a.Terms,
		ownerSig, adopterSig, nullableStringPtr(a.DocumentRef), nullableStringPtr(a.VoidReason),
		a.Version, a.CreatedAt, a.UpdatedAt, nullableStringPtr(a.FinalizedAt))
	return err
}

func scanAgreementRow(scan func(dest ...any) error) (domain.Agreement, error) {
	var a domain.Agreement
	var conversationID, ownerSig, adopterSig, documentRef, voidReason, finalizedAt sql.NullString
	err := scan(&a.ID, &a.ListingID, &a.OwnerID, &a.AdopterID, &conversationID, &a.Status, &a.Terms,
		&ownerSig, &adopterSig, &documentRef, &voidReason, &a.Version, &a.CreatedAt, &a.UpdatedAt, &finalizedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if conversationID.Valid {
		a.ConversationID = &conversationID.String
	}
	if documentRef.Valid {
		a.DocumentRef = &documentRef.String
	}
	if voidReason.Valid {
		a.VoidReason = &voidReason.String
	}
	if finalizedAt.Valid {
		a.FinalizedAt = &finalizedAt.String
	}
	if a.OwnerSignature, err = unmarshalSignature(ownerSig); err != nil {
		return a, err
	}
	if a.AdopterSignature, err = unmarshalSignature(adopterSig); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) GetAgreement(ctx context.Context, id string) (domain.Agreement, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE id=?`, id)
	return scanAgreementRow(row.Scan)
}

func (r Repo) GetAgreementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Agreement, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE id=?`, id)
	return scanAgreementRow(row.Scan)
}

// FindActiveAgreement returns the one non-void agreement for a listing, if
// any.
func (r Repo) FindActiveAgreement(ctx context.Context, tx *sql.Tx, listingID string) (domain.Agreement, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE listing_id=? AND status != ?`, listingID, domain.AgreementVoid)
	return scanAgreementRow(row.Scan)
}

// ListVoidableAgreementsTx returns agreements for a listing that are neither
// finalized nor already void; the consistency guard voids them on listing
// withdrawal.
func (r Repo) ListVoidableAgreementsTx(ctx context.Context, tx *sql.Tx, listingID string) ([]domain.Agreement, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+agreementCols+` FROM agreements WHERE listing_id=? AND status NOT IN (?,?)`,
		listingID, domain.AgreementFinalized, domain.AgreementVoid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agreement
	for rows.Next() {
		a, err := scanAgreementRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAgreementCAS writes the full mutable state of an agreement against
// an expected version. Signatures are write-once at the engine layer; the
// version check is what keeps two concurrent signers from both observing
// partially_signed.
func (r Repo) UpdateAgreementCAS(ctx context.Context, tx *sql.Tx, a domain.Agreement, expectedVersion int64) error {
	ownerSig, err := marshalSignature(a.OwnerSignature)
	if err != nil {
		return err
	}
	adopterSig, err := marshalSignature(a.AdopterSignature)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE agreements SET status=?, terms=?, owner_signature_json=?, adopter_signature_json=?, document_ref=?, void_reason=?, updated_at=?, finalized_at=?, version=version+1
WHERE id=? AND version=?`,
		a.Status, a.Terms, ownerSig, adopterSig, nullableStringPtr(a.DocumentRef), nullableStringPtr(a.VoidReason),
		a.UpdatedAt, nullableStringPtr(a.FinalizedAt), a.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}
