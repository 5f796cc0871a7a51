package pawlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pawline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Listing represents the API listing model.
type Listing struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	Species     string `json:"species,omitempty"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Conversation represents a discussion thread on a listing.
type Conversation struct {
	ID           string   `json:"id"`
	ListingID    string   `json:"listing_id"`
	RequesterID  string   `json:"requester_id"`
	Status       string   `json:"status"`
	LastSeq      int64    `json:"last_seq"`
	Participants []string `json:"participants,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// Message is one entry in a conversation's ordered log.
type Message struct {
	ID             string   `json:"id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	Seq            int64    `json:"seq"`
	Text           string   `json:"text,omitempty"`
	AttachmentRef  string   `json:"attachment_ref,omitempty"`
	Readers        []string `json:"readers"`
	CreatedAt      string   `json:"created_at"`
}

// Signature is a recorded party signature.
type Signature struct {
	SignerID string `json:"signer_id"`
	SignedAt string `json:"signed_at"`
}

// Agreement represents the adoption workflow state.
type Agreement struct {
	ID               string     `json:"id"`
	ListingID        string     `json:"listing_id"`
	OwnerID          string     `json:"owner_id"`
	AdopterID        string     `json:"adopter_id"`
	ConversationID   string     `json:"conversation_id,omitempty"`
	Status           string     `json:"status"`
	Terms            string     `json:"terms"`
	OwnerSignature   *Signature `json:"owner_signature,omitempty"`
	AdopterSignature *Signature `json:"adopter_signature,omitempty"`
	DocumentRef      string     `json:"document_ref,omitempty"`
	CreatedAt        string     `json:"created_at"`
	FinalizedAt      string     `json:"finalized_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ListingID  string         `json:"listing_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedMessages wraps message listings with the next cursor.
type PaginatedMessages struct {
	Items   []Message `json:"items"`
	NextSeq int64     `json:"next_seq"`
}

// CreateListing posts a new listing owned by the authenticated profile.
func (c *Client) CreateListing(ctx context.Context, name, species, description string) (Listing, error) {
	body := map[string]any{
		"name":        name,
		"species":     species,
		"description": description,
	}
	var resp Listing
	err := c.do(ctx, http.MethodPost, "v0/listings", body, &resp)
	return resp, err
}

// StartConversation opens (or reopens) a conversation about a listing.
func (c *Client) StartConversation(ctx context.Context, listingID string) (Conversation, error) {
	body := map[string]any{"listing_id": listingID}
	var resp Conversation
	err := c.do(ctx, http.MethodPost, "v0/conversations", body, &resp)
	return resp, err
}

// PostMessage appends a message to a conversation.
func (c *Client) PostMessage(ctx context.Context, conversationID, text string) (Message, error) {
	body := map[string]any{"text": text}
	var resp Message
	endpoint := fmt.Sprintf("v0/conversations/%s/messages", url.PathEscape(conversationID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Messages returns messages after a sequence cursor.
func (c *Client) Messages(ctx context.Context, conversationID string, afterSeq int64, limit int) (PaginatedMessages, error) {
	endpoint := fmt.Sprintf("v0/conversations/%s/messages?after_seq=%d", url.PathEscape(conversationID), afterSeq)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp PaginatedMessages
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MarkRead acknowledges messages up to and including upToSeq.
func (c *Client) MarkRead(ctx context.Context, conversationID string, upToSeq int64) error {
	body := map[string]any{"up_to_seq": upToSeq}
	endpoint := fmt.Sprintf("v0/conversations/%s/read", url.PathEscape(conversationID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// CreateAgreement drafts an agreement; the caller must own the listing.
func (c *Client) CreateAgreement(ctx context.Context, listingID, adopterID, terms string) (Agreement, error) {
	body := map[string]any{
		"listing_id": listingID,
		"adopter_id": adopterID,
		"terms":      terms,
	}
	var resp Agreement
	err := c.do(ctx, http.MethodPost, "v0/agreements", body, &resp)
	return resp, err
}

// Sign submits the caller's signature on an agreement.
func (c *Client) Sign(ctx context.Context, agreementID, payload string) (Agreement, error) {
	body := map[string]any{"payload": payload}
	endpoint := fmt.Sprintf("v0/agreements/%s/signatures", url.PathEscape(agreementID))
	var resp Agreement
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns committed events after the given cursor.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
