package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"

	"pawline/internal/config"
	"pawline/internal/db"
	"pawline/internal/engine"
	"pawline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			AllowLegacyProfileHeader: true,
			Logger:                   log.New(io.Discard, "", 0),
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asProfile(id string) map[string]string {
	return map[string]string{"X-Profile-Id": id}
}

func ensureProfile(t *testing.T, srv *testServer, id, name string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/profiles", map[string]any{
		"id":           id,
		"display_name": name,
	}, asProfile(id))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ensure profile %s status %d: %s", id, res.StatusCode, string(data))
	}
}

func TestAdoptionFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ensureProfile(t, srv, "alice", "Alice")
	ensureProfile(t, srv, "bob", "Bob")

	// Alice lists a pet.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/listings", map[string]any{
		"name":    "Biscuit",
		"species": "dog",
	}, asProfile("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create listing status %d: %s", res.StatusCode, string(data))
	}
	var listing ListingResponse
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("unmarshal listing: %v", err)
	}
	if listing.OwnerID != "alice" || listing.Status != "available" {
		t.Fatalf("unexpected listing: %+v", listing)
	}

	// Bob starts a conversation.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/conversations", map[string]any{
		"listing_id": listing.ID,
	}, asProfile("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start conversation status %d: %s", res.StatusCode, string(data))
	}
	var conv ConversationResponse
	if err := json.Unmarshal(data, &conv); err != nil {
		t.Fatalf("unmarshal conversation: %v", err)
	}
	if conv.Status != "active" || len(conv.Participants) != 2 {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	// Messages back and forth.
	for i, m := range []struct{ sender, text string }{
		{"bob", "Is Biscuit good with kids?"},
		{"alice", "Very. Come meet him."},
	} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/conversations/"+conv.ID+"/messages", map[string]any{
			"text": m.text,
		}, asProfile(m.sender))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("post message %d status %d: %s", i, res.StatusCode, string(data))
		}
		var msg MessageResponse
		_ = json.Unmarshal(data, &msg)
		if msg.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, msg.Seq)
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/conversations/"+conv.ID+"/read", map[string]any{
		"up_to_seq": 2,
	}, asProfile("bob"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("mark read status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/conversations/"+conv.ID+"/messages?after_seq=0", nil, asProfile("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list messages status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedMessages
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal messages: %v", err)
	}
	if len(page.Items) != 2 || page.NextSeq != 2 {
		t.Fatalf("unexpected message page: %+v", page)
	}
	for _, m := range page.Items {
		found := false
		for _, r := range m.Readers {
			if r == "bob" {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected bob to have read seq %d: %+v", m.Seq, m)
		}
	}

	// Alice drafts the agreement; both sign; finalize cascades.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements", map[string]any{
		"listing_id":      listing.ID,
		"adopter_id":      "bob",
		"conversation_id": conv.ID,
		"terms":           "daily walks",
	}, asProfile("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create agreement status %d: %s", res.StatusCode, string(data))
	}
	var agreement AgreementResponse
	_ = json.Unmarshal(data, &agreement)
	if agreement.Status != "draft" {
		t.Fatalf("expected draft, got %s", agreement.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+agreement.ID+"/signatures", map[string]any{
		"payload": "alice-sig",
	}, asProfile("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alice sign status %d: %s", res.StatusCode, string(data))
	}
	// Double-sign is a conflict.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+agreement.ID+"/signatures", map[string]any{
		"payload": "alice-sig",
	}, asProfile("alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double sign status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/agreements/"+agreement.ID+"/signatures", map[string]any{
		"payload": "bob-sig",
	}, asProfile("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bob sign status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &agreement)
	if agreement.Status != "finalized" || agreement.FinalizedAt == nil {
		t.Fatalf("expected finalized, got %+v", agreement)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/listings/"+listing.ID, nil, asProfile("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get listing status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &listing)
	if listing.Status != "adopted" {
		t.Fatalf("expected adopted listing, got %s", listing.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/conversations/"+conv.ID, nil, asProfile("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get conversation status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &conv)
	if conv.Status != "closed" {
		t.Fatalf("expected closed conversation after finalize, got %s", conv.Status)
	}

	// Posting into the closed thread is rejected.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/conversations/"+conv.ID+"/messages", map[string]any{
		"text": "one more thing",
	}, asProfile("bob"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("post to closed status %d: %s", res.StatusCode, string(data))
	}

	// The event feed saw the whole story.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?listing_id="+listing.ID, nil, asProfile("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, typ := range []string{"listing.created", "conversation.started", "message.posted", "agreement.finalized", "listing.adopted"} {
		if !seen[typ] {
			t.Fatalf("expected %s in event feed: %s", typ, string(data))
		}
	}
}

func TestAuthAndPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// No credentials at all.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/listings", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}
	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	ensureProfile(t, srv, "alice", "Alice")
	ensureProfile(t, srv, "bob", "Bob")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/listings", map[string]any{
		"name": "Biscuit",
	}, asProfile("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create listing status %d: %s", res.StatusCode, string(data))
	}
	var listing ListingResponse
	_ = json.Unmarshal(data, &listing)

	// Only the owner can withdraw.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/listings/"+listing.ID+"/withdraw", nil, asProfile("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign withdraw status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden code, got %+v", envelope.Error)
	}

	// The owner cannot open a conversation on their own listing.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/conversations", map[string]any{
		"listing_id": listing.ID,
	}, asProfile("alice"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("owner conversation status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/listings/does-not-exist", nil, asProfile("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing listing status %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ensureProfile(t, srv, "alice", "Alice")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"name": "laptop",
	}, asProfile("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatalf("expected raw key on creation")
	}

	// The raw key authenticates as alice.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/listings", map[string]any{
		"name": "Biscuit",
	}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create listing via key status %d: %s", res.StatusCode, string(data))
	}
	var listing ListingResponse
	_ = json.Unmarshal(data, &listing)
	if listing.OwnerID != "alice" {
		t.Fatalf("expected alice as owner, got %s", listing.OwnerID)
	}

	// A bogus key is rejected.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/listings", nil, map[string]string{"X-Api-Key": "nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key status %d: %s", res.StatusCode, string(data))
	}

	// Listing never exposes raw keys or hashes.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/keys", nil, asProfile("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys status %d: %s", res.StatusCode, string(data))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(data, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Key != "" {
		t.Fatalf("unexpected key listing: %+v", keys)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/keys/"+key.ID, nil, asProfile("alice"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key status %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/listings", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted key still works: status %d", res.StatusCode)
	}
}
