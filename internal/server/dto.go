package server

import (
	"encoding/json"

	"pawline/internal/domain"
	"pawline/internal/repo"
)

// --- requests ---

type EnsureProfileRequest struct {
	ID          string `json:"id" example:"alice"`
	DisplayName string `json:"display_name" example:"Alice"`
	Region      string `json:"region,omitempty" example:"pdx"`
}

type CreateListingRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name" example:"Biscuit"`
	Species     string  `json:"species,omitempty" example:"dog"`
	Description string  `json:"description,omitempty"`
}

type StartConversationRequest struct {
	ListingID string `json:"listing_id"`
}

type AddParticipantRequest struct {
	ProfileID string `json:"profile_id"`
}

type CloseConversationRequest struct {
	Reason string `json:"reason,omitempty"`
}

type PostMessageRequest struct {
	Text          string `json:"text,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
}

type MarkReadRequest struct {
	UpToSeq int64 `json:"up_to_seq" example:"12"`
}

type CreateAgreementRequest struct {
	ListingID      string `json:"listing_id"`
	AdopterID      string `json:"adopter_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Terms          string `json:"terms"`
}

type SubmitSignatureRequest struct {
	Payload string `json:"payload,omitempty"`
}

type VoidAgreementRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// --- responses ---

type ProfileResponse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Region      string `json:"region,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func profileResponse(p domain.Profile) ProfileResponse {
	return ProfileResponse{ID: p.ID, DisplayName: p.DisplayName, Region: p.Region, CreatedAt: p.CreatedAt}
}

type ListingResponse struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Species     string `json:"species,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func listingResponse(l domain.Listing) ListingResponse {
	return ListingResponse{
		ID:          l.ID,
		OwnerID:     l.OwnerID,
		Name:        l.Name,
		Species:     l.Species,
		Description: l.Description,
		Status:      l.Status,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}

func mapListings(in []domain.Listing) []ListingResponse {
	out := make([]ListingResponse, 0, len(in))
	for _, l := range in {
		out = append(out, listingResponse(l))
	}
	return out
}

type paginatedListings struct {
	Items      []ListingResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type ConversationResponse struct {
	ID           string   `json:"id"`
	ListingID    string   `json:"listing_id"`
	RequesterID  string   `json:"requester_id"`
	Status       string   `json:"status"`
	LastSeq      int64    `json:"last_seq"`
	Participants []string `json:"participants,omitempty"`
	CreatedAt    string   `json:"created_at"`
	ClosedAt     *string  `json:"closed_at,omitempty"`
	CloseReason  *string  `json:"close_reason,omitempty"`
}

func conversationResponse(c domain.Conversation, parts []domain.Participant) ConversationResponse {
	resp := ConversationResponse{
		ID:          c.ID,
		ListingID:   c.ListingID,
		RequesterID: c.RequesterID,
		Status:      c.Status,
		LastSeq:     c.LastSeq,
		CreatedAt:   c.CreatedAt,
		ClosedAt:    c.ClosedAt,
		CloseReason: c.CloseReason,
	}
	if parts != nil {
		resp.Participants = repo.ParticipantIDs(parts)
	}
	return resp
}

type MessageResponse struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	Seq            int64    `json:"seq"`
	Text           string   `json:"text,omitempty"`
	AttachmentRef  *string  `json:"attachment_ref,omitempty"`
	Readers        []string `json:"readers"`
	CreatedAt      string   `json:"created_at"`
}

func messageResponse(m domain.Message) MessageResponse {
	readers := m.Readers
	if readers == nil {
		readers = []string{}
	}
	return MessageResponse{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Seq:            m.Seq,
		Text:           m.Text,
		AttachmentRef:  m.AttachmentRef,
		Readers:        readers,
		CreatedAt:      m.CreatedAt,
	}
}

type paginatedMessages struct {
	Items   []MessageResponse `json:"items"`
	NextSeq int64             `json:"next_seq,omitempty"`
}

type SignatureResponse struct {
	SignerID string `json:"signer_id"`
	SignedAt string `json:"signed_at"`
}

type AgreementResponse struct {
	ID               string             `json:"id"`
	ListingID        string             `json:"listing_id"`
	OwnerID          string             `json:"owner_id"`
	AdopterID        string             `json:"adopter_id"`
	ConversationID   *string            `json:"conversation_id,omitempty"`
	Status           string             `json:"status"`
	Terms            string             `json:"terms"`
	OwnerSignature   *SignatureResponse `json:"owner_signature,omitempty"`
	AdopterSignature *SignatureResponse `json:"adopter_signature,omitempty"`
	DocumentRef      *string            `json:"document_ref,omitempty"`
	VoidReason       *string            `json:"void_reason,omitempty"`
	CreatedAt        string             `json:"created_at"`
	FinalizedAt      *string            `json:"finalized_at,omitempty"`
}

func signatureResponse(sig *domain.SignatureRecord) *SignatureResponse {
	if sig == nil {
		return nil
	}
	return &SignatureResponse{SignerID: sig.SignerID, SignedAt: sig.SignedAt}
}

func agreementResponse(a domain.Agreement) AgreementResponse {
	return AgreementResponse{
		ID:               a.ID,
		ListingID:        a.ListingID,
		OwnerID:          a.OwnerID,
		AdopterID:        a.AdopterID,
		ConversationID:   a.ConversationID,
		Status:           a.Status,
		Terms:            a.Terms,
		OwnerSignature:   signatureResponse(a.OwnerSignature),
		AdopterSignature: signatureResponse(a.AdopterSignature),
		DocumentRef:      a.DocumentRef,
		VoidReason:       a.VoidReason,
		CreatedAt:        a.CreatedAt,
		FinalizedAt:      a.FinalizedAt,
	}
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	ListingID  string          `json:"listing_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ListingID:  e.ListingID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ProfileID string `json:"profile_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	// Key is only present on creation; the server stores a hash.
	Key string `json:"key,omitempty"`
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ProfileID: k.ProfileID, Name: k.Name, CreatedAt: k.CreatedAt}
}
