package domain

// Listing statuses. The core is only permitted to transition this field;
// everything else about a listing belongs to the listing service.
const (
	ListingAvailable = "available"
	ListingPending   = "pending"
	ListingAdopted   = "adopted"
	ListingWithdrawn = "withdrawn"
)

// Conversation statuses.
const (
	ConversationPending = "pending"
	ConversationActive  = "active"
	ConversationClosed  = "closed"
)

// Agreement statuses.
const (
	AgreementDraft           = "draft"
	AgreementPartiallySigned = "partially_signed"
	AgreementFinalized       = "finalized"
	AgreementVoid            = "void"
)

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Region      string `json:"region,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Listing struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Species     string `json:"species,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status" enum:"available,pending,adopted,withdrawn"`
	Version     int64  `json:"-"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the listing can no longer change hands.
func (l Listing) Terminal() bool {
	return l.Status == ListingAdopted || l.Status == ListingWithdrawn
}

// Conversation is a discussion thread scoped to one listing. RequesterID is
// the non-owner who opened it; the pair (ListingID, RequesterID) has at most
// one non-closed conversation.
type Conversation struct {
	ID          string  `json:"id"`
	ListingID   string  `json:"listing_id"`
	RequesterID string  `json:"requester_id"`
	Status      string  `json:"status" enum:"pending,active,closed"`
	LastSeq     int64   `json:"last_seq"`
	Version     int64   `json:"-"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
	CloseReason *string `json:"close_reason,omitempty"`
}

type Participant struct {
	ConversationID string `json:"conversation_id"`
	ProfileID      string `json:"profile_id"`
	JoinedAt       string `json:"joined_at" format:"date-time"`
}

type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	Seq            int64    `json:"seq"`
	Text           string   `json:"text,omitempty"`
	AttachmentRef  *string  `json:"attachment_ref,omitempty"`
	Readers        []string `json:"readers"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

// SignatureRecord captures who signed, when, and an opaque payload (e.g. a
// drawn-signature blob reference). The core checks signer identity, not
// payload authenticity.
type SignatureRecord struct {
	SignerID string `json:"signer_id"`
	SignedAt string `json:"signed_at" format:"date-time"`
	Payload  string `json:"payload"`
}

type Agreement struct {
	ID               string           `json:"id"`
	ListingID        string           `json:"listing_id"`
	OwnerID          string           `json:"owner_id"`
	AdopterID        string           `json:"adopter_id"`
	ConversationID   *string          `json:"conversation_id,omitempty"`
	Status           string           `json:"status" enum:"draft,partially_signed,finalized,void"`
	Terms            string           `json:"terms"`
	OwnerSignature   *SignatureRecord `json:"owner_signature,omitempty"`
	AdopterSignature *SignatureRecord `json:"adopter_signature,omitempty"`
	DocumentRef      *string          `json:"document_ref,omitempty"`
	VoidReason       *string          `json:"void_reason,omitempty"`
	Version          int64            `json:"-"`
	CreatedAt        string           `json:"created_at" format:"date-time"`
	UpdatedAt        string           `json:"updated_at" format:"date-time"`
	FinalizedAt      *string          `json:"finalized_at,omitempty" format:"date-time"`
}

// Party reports whether id is one of the two named parties.
func (a Agreement) Party(id string) bool {
	return id == a.OwnerID || id == a.AdopterID
}

type APIKey struct {
	ID        string `json:"id"`
	ProfileID string `json:"profile_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ListingID  string `json:"listing_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// DeriveConversationStatus is the single source of truth for the
// pending/active distinction: active iff at least two participants are
// registered. Closed conversations never re-derive.
func DeriveConversationStatus(participantCount int) string {
	if participantCount >= 2 {
		return ConversationActive
	}
	return ConversationPending
}

// AgreementTransitionAllowed encodes the workflow state machine. Finalized
// and void are terminal.
func AgreementTransitionAllowed(from, to string) bool {
	switch from {
	case AgreementDraft:
		return to == AgreementPartiallySigned || to == AgreementVoid
	case AgreementPartiallySigned:
		return to == AgreementFinalized || to == AgreementVoid
	}
	return false
}
