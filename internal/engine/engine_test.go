package engine_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pawline/internal/config"
	"pawline/internal/db"
	"pawline/internal/domain"
	"pawline/internal/engine"
	"pawline/internal/engine/fault"
	"pawline/internal/migrate"
	"pawline/internal/render"
	"pawline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	for _, p := range []struct{ id, name string }{
		{"owner", "Olive Owner"},
		{"adopter", "Andy Adopter"},
		{"third", "Terry Third"},
	} {
		if _, err := eng.EnsureProfile(ctx, p.id, p.name, ""); err != nil {
			t.Fatalf("seed profile %s: %v", p.id, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createListing(t *testing.T, name string) domain.Listing {
	t.Helper()
	l, err := env.Engine.CreateListing(env.Ctx, engine.ListingCreateOptions{
		OwnerID: "owner",
		Name:    name,
		Species: "dog",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func TestStartConversationIdempotent(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")

	c1, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	if c1.Status != domain.ConversationActive {
		t.Fatalf("expected active, got %s", c1.Status)
	}
	// Starting again hands back the same live thread.
	c2, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("restart conversation: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("expected same conversation, got %s and %s", c1.ID, c2.ID)
	}
	// A different requester gets their own thread.
	c3, err := env.Engine.StartConversation(env.Ctx, l.ID, "third")
	if err != nil {
		t.Fatalf("third requester: %v", err)
	}
	if c3.ID == c1.ID {
		t.Fatalf("expected distinct conversation per requester")
	}
}

func TestStartConversationRejections(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")

	if _, err := env.Engine.StartConversation(env.Ctx, l.ID, "owner"); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden for owner-as-requester, got %v", err)
	}
	if _, err := env.Engine.StartConversation(env.Ctx, "nope", "adopter"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("expected not found for missing listing, got %v", err)
	}
	if _, err := env.Engine.StartConversation(env.Ctx, l.ID, "ghost"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("expected not found for missing requester, got %v", err)
	}
	if _, err := env.Engine.WithdrawListing(env.Ctx, l.ID, "owner"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter"); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("expected conflict on withdrawn listing, got %v", err)
	}
}

func TestParticipantManagement(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	c, err = env.Engine.AddParticipant(env.Ctx, c.ID, "third", "owner")
	if err != nil {
		t.Fatalf("add participant: %v", err)
	}
	// Adding again is a no-op.
	if _, err := env.Engine.AddParticipant(env.Ctx, c.ID, "third", "owner"); err != nil {
		t.Fatalf("duplicate add: %v", err)
	}
	_, parts, err := env.Engine.GetConversation(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(parts))
	}

	// The owner cannot leave while the listing is in play.
	if _, err := env.Engine.RemoveParticipant(env.Ctx, c.ID, "owner", "owner"); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state for owner leave, got %v", err)
	}
	if _, err := env.Engine.RemoveParticipant(env.Ctx, c.ID, "third", "third"); err != nil {
		t.Fatalf("remove participant: %v", err)
	}
	// Removing someone who already left is a no-op.
	if _, err := env.Engine.RemoveParticipant(env.Ctx, c.ID, "third", "owner"); err != nil {
		t.Fatalf("remove absent participant: %v", err)
	}

	// Dropping to a single participant re-derives pending.
	c, err = env.Engine.RemoveParticipant(env.Ctx, c.ID, "adopter", "adopter")
	if err != nil {
		t.Fatalf("remove requester: %v", err)
	}
	if c.Status != domain.ConversationPending {
		t.Fatalf("expected pending with one participant, got %s", c.Status)
	}
	// Reopening re-registers the requester and flips back to active.
	c, err = env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if c.Status != domain.ConversationActive {
		t.Fatalf("expected active after reopen, got %s", c.Status)
	}
}

func TestMessageSequencing(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	senders := []string{"adopter", "owner", "adopter", "owner", "adopter"}
	for i, sender := range senders {
		m, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{
			ConversationID: c.ID,
			SenderID:       sender,
			Text:           "hello",
		})
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if m.Seq != int64(i+1) {
			t.Fatalf("expected seq %d, got %d", i+1, m.Seq)
		}
	}
	msgs, err := env.Engine.ListMessages(env.Ctx, c.ID, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != len(senders) {
		t.Fatalf("expected %d messages, got %d", len(senders), len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("gap in sequence at %d: seq %d", i, m.Seq)
		}
	}
	// Cursor pagination picks up after the given seq.
	tail, err := env.Engine.ListMessages(env.Ctx, c.ID, 3, 10)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 4 {
		t.Fatalf("expected seqs 4..5, got %+v", tail)
	}
}

func TestPostMessageRejections(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	if _, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{ConversationID: c.ID, SenderID: "adopter"}); err == nil {
		t.Fatalf("expected validation error for empty message")
	}
	if _, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{ConversationID: c.ID, SenderID: "third", Text: "hi"}); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden for non-participant, got %v", err)
	}
	long := make([]byte, env.Engine.Config.Limits.MaxMessageLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{ConversationID: c.ID, SenderID: "adopter", Text: string(long)}); err == nil {
		t.Fatalf("expected validation error for oversized message")
	}
	// An attachment alone is a valid message.
	m, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{ConversationID: c.ID, SenderID: "adopter", AttachmentRef: "blob://photo"})
	if err != nil {
		t.Fatalf("attachment-only message: %v", err)
	}
	if m.AttachmentRef == nil || *m.AttachmentRef != "blob://photo" {
		t.Fatalf("attachment ref not kept: %+v", m)
	}
}

func TestConcurrentPostMessage(t *testing.T) {
	env := newTestEnv(t)
	// Contention is the point here, so give the retry loop room to absorb it.
	env.Engine.Config.Retry.Attempts = 25
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	const n = 8
	seqs := make(chan int64, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sender := "adopter"
		if i%2 == 0 {
			sender = "owner"
		}
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			m, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{
				ConversationID: c.ID,
				SenderID:       sender,
				Text:           "hello",
			})
			if err != nil {
				errs <- err
				return
			}
			seqs <- m.Seq
		}(sender)
	}
	wg.Wait()
	close(seqs)
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent post: %v", err)
	}
	// Every sender got a distinct sequence and together they are gapless.
	got := map[int64]bool{}
	for s := range seqs {
		if got[s] {
			t.Fatalf("duplicate seq %d", s)
		}
		got[s] = true
	}
	for want := int64(1); want <= n; want++ {
		if !got[want] {
			t.Fatalf("missing seq %d in %v", want, got)
		}
	}
	msgs, err := env.Engine.ListMessages(env.Ctx, c.ID, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != n {
		t.Fatalf("expected %d messages, got %d", n, len(msgs))
	}
}

// conflictGuard fails every withdrawal cascade with a version conflict, so the
// retry loop has no way to make progress.
type conflictGuard struct{ calls int }

func (g *conflictGuard) OnAgreementFinalized(ctx context.Context, tx *sql.Tx, e engine.Engine, a domain.Agreement, actorID string) error {
	return nil
}

func (g *conflictGuard) OnListingWithdrawn(ctx context.Context, tx *sql.Tx, e engine.Engine, l domain.Listing, actorID string) error {
	g.calls++
	return repo.ErrVersionConflict
}

func TestRetryBudgetExhaustsToTransient(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	g := &conflictGuard{}
	env.Engine.Guard = g

	_, err := env.Engine.WithdrawListing(env.Ctx, l.ID, "owner")
	if !fault.IsKind(err, fault.Transient) {
		t.Fatalf("expected transient after exhausting retries, got %v", err)
	}
	if want := env.Engine.Config.Retry.Attempts; g.calls != want {
		t.Fatalf("expected %d attempts, got %d", want, g.calls)
	}
	// Every attempt rolled back whole; the listing never moved.
	got, err := env.Engine.Repo.GetListing(env.Ctx, l.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.Status != domain.ListingAvailable {
		t.Fatalf("expected listing untouched, got %s", got.Status)
	}
}

func TestMarkReadMonotonic(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{ConversationID: c.ID, SenderID: "adopter", Text: "hi"}); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}

	if err := env.Engine.MarkRead(env.Ctx, c.ID, "owner", 2); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	msgs, err := env.Engine.ListMessages(env.Ctx, c.ID, 0, 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	readBy := func(m domain.Message, id string) bool {
		for _, r := range m.Readers {
			if r == id {
				return true
			}
		}
		return false
	}
	if !readBy(msgs[0], "owner") || !readBy(msgs[1], "owner") || readBy(msgs[2], "owner") {
		t.Fatalf("expected owner read marks on seq 1..2 only: %+v", msgs)
	}
	// Marks never retract.
	if err := env.Engine.MarkRead(env.Ctx, c.ID, "owner", 1); err != nil {
		t.Fatalf("lower mark: %v", err)
	}
	msgs, _ = env.Engine.ListMessages(env.Ctx, c.ID, 0, 0)
	if !readBy(msgs[1], "owner") {
		t.Fatalf("read mark retracted on seq 2")
	}
	// A mark past the end clamps to the last message.
	if err := env.Engine.MarkRead(env.Ctx, c.ID, "owner", 99); err != nil {
		t.Fatalf("clamped mark: %v", err)
	}
	msgs, _ = env.Engine.ListMessages(env.Ctx, c.ID, 0, 0)
	if !readBy(msgs[2], "owner") {
		t.Fatalf("expected seq 3 read after clamped mark")
	}
	if err := env.Engine.MarkRead(env.Ctx, c.ID, "third", 1); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden for non-participant, got %v", err)
	}
}

func TestClosedConversationImmutable(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	if _, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{ConversationID: c.ID, SenderID: "adopter", Text: "hi"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	if _, err := env.Engine.CloseConversation(env.Ctx, c.ID, "done", "third"); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden for non-participant close, got %v", err)
	}
	closed, err := env.Engine.CloseConversation(env.Ctx, c.ID, "done", "owner")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != domain.ConversationClosed || closed.ClosedAt == nil {
		t.Fatalf("expected closed with timestamp, got %+v", closed)
	}
	// Closing again is a no-op, even for a non-participant.
	if _, err := env.Engine.CloseConversation(env.Ctx, c.ID, "", "third"); err != nil {
		t.Fatalf("idempotent close: %v", err)
	}
	if _, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{ConversationID: c.ID, SenderID: "adopter", Text: "hi"}); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state posting to closed, got %v", err)
	}
	if err := env.Engine.MarkRead(env.Ctx, c.ID, "owner", 1); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state marking closed, got %v", err)
	}
	// The log stays readable.
	msgs, err := env.Engine.ListMessages(env.Ctx, c.ID, 0, 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected readable history, got %d messages, err %v", len(msgs), err)
	}
	// Starting again opens a fresh thread; the closed one never reopens.
	fresh, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("restart after close: %v", err)
	}
	if fresh.ID == c.ID {
		t.Fatalf("closed conversation was reopened")
	}
}

func TestAgreementLifecycle(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	if _, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ListingID: l.ID, AdopterID: "adopter", Terms: "be kind", ActorID: "adopter",
	}); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden for non-owner draft, got %v", err)
	}
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ListingID: l.ID, AdopterID: "adopter", ConversationID: c.ID, Terms: "be kind", ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if a.Status != domain.AgreementDraft {
		t.Fatalf("expected draft, got %s", a.Status)
	}
	// Drafting holds the listing.
	if got, _ := env.Engine.Repo.GetListing(env.Ctx, l.ID); got.Status != domain.ListingPending {
		t.Fatalf("expected listing pending, got %s", got.Status)
	}
	// One active agreement per listing.
	if _, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ListingID: l.ID, AdopterID: "third", Terms: "me too", ActorID: "owner",
	}); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("expected conflict on second draft, got %v", err)
	}

	a, err = env.Engine.SubmitSignature(env.Ctx, a.ID, "owner", "sig-1")
	if err != nil {
		t.Fatalf("owner sign: %v", err)
	}
	if a.Status != domain.AgreementPartiallySigned {
		t.Fatalf("expected partially_signed, got %s", a.Status)
	}
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "owner", "sig-1-again"); !fault.IsKind(err, fault.Conflict) {
		t.Fatalf("expected conflict on double sign, got %v", err)
	}
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "third", "sig-x"); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden for non-party signer, got %v", err)
	}

	a, err = env.Engine.SubmitSignature(env.Ctx, a.ID, "adopter", "sig-2")
	if err != nil {
		t.Fatalf("adopter sign: %v", err)
	}
	if a.Status != domain.AgreementFinalized || a.FinalizedAt == nil {
		t.Fatalf("expected finalized, got %+v", a)
	}
	// Finalization cascades: listing adopted, conversations closed.
	if got, _ := env.Engine.Repo.GetListing(env.Ctx, l.ID); got.Status != domain.ListingAdopted {
		t.Fatalf("expected listing adopted, got %s", got.Status)
	}
	cc, _, err := env.Engine.GetConversation(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if cc.Status != domain.ConversationClosed {
		t.Fatalf("expected conversation closed after finalize, got %s", cc.Status)
	}
	// Signing a finalized agreement is rejected.
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "owner", "again"); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state signing finalized, got %v", err)
	}
	// Voiding a finalized agreement is rejected too.
	if _, err := env.Engine.VoidAgreement(env.Ctx, a.ID, "regret", "owner"); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state voiding finalized, got %v", err)
	}
}

func TestVoidReopensListing(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ListingID: l.ID, AdopterID: "adopter", Terms: "be kind", ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "owner", ""); err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := env.Engine.VoidAgreement(env.Ctx, a.ID, "changed mind", "third"); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden for non-party void, got %v", err)
	}
	a, err = env.Engine.VoidAgreement(env.Ctx, a.ID, "changed mind", "adopter")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if a.Status != domain.AgreementVoid || a.VoidReason == nil {
		t.Fatalf("expected void with reason, got %+v", a)
	}
	// Void is terminal; voiding again is rejected.
	if _, err := env.Engine.VoidAgreement(env.Ctx, a.ID, "", "owner"); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state voiding void agreement, got %v", err)
	}
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "adopter", ""); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state signing void, got %v", err)
	}
	if got, _ := env.Engine.Repo.GetListing(env.Ctx, l.ID); got.Status != domain.ListingAvailable {
		t.Fatalf("expected listing available again, got %s", got.Status)
	}
	// With the first agreement voided, a new draft is allowed.
	if _, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ListingID: l.ID, AdopterID: "third", Terms: "round two", ActorID: "owner",
	}); err != nil {
		t.Fatalf("second draft after void: %v", err)
	}
}

func TestWithdrawCascade(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ListingID: l.ID, AdopterID: "adopter", Terms: "be kind", ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}

	if _, err := env.Engine.WithdrawListing(env.Ctx, l.ID, "adopter"); !fault.IsKind(err, fault.Forbidden) {
		t.Fatalf("expected forbidden for non-owner withdraw, got %v", err)
	}
	got, err := env.Engine.WithdrawListing(env.Ctx, l.ID, "owner")
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got.Status != domain.ListingWithdrawn {
		t.Fatalf("expected withdrawn, got %s", got.Status)
	}
	// Withdraw again is a no-op.
	if _, err := env.Engine.WithdrawListing(env.Ctx, l.ID, "owner"); err != nil {
		t.Fatalf("idempotent withdraw: %v", err)
	}

	cc, _, err := env.Engine.GetConversation(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if cc.Status != domain.ConversationClosed {
		t.Fatalf("expected conversation closed after withdraw, got %s", cc.Status)
	}
	aa, err := env.Engine.Repo.GetAgreement(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get agreement: %v", err)
	}
	if aa.Status != domain.AgreementVoid {
		t.Fatalf("expected agreement voided after withdraw, got %s", aa.Status)
	}
	if aa.VoidReason == nil || *aa.VoidReason != "listing withdrawn" {
		t.Fatalf("expected withdraw void reason, got %+v", aa.VoidReason)
	}
}

func TestWithdrawAdoptedRejected(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ListingID: l.ID, AdopterID: "adopter", Terms: "be kind", ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "owner", ""); err != nil {
		t.Fatalf("owner sign: %v", err)
	}
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "adopter", ""); err != nil {
		t.Fatalf("adopter sign: %v", err)
	}
	if _, err := env.Engine.WithdrawListing(env.Ctx, l.ID, "owner"); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state withdrawing adopted listing, got %v", err)
	}
}

func TestRenderDocument(t *testing.T) {
	env := newTestEnv(t)
	docs := t.TempDir()
	env.Engine.Renderer = render.FileRenderer{Dir: docs}
	l := env.createListing(t, "Biscuit")
	a, err := env.Engine.CreateAgreement(env.Ctx, engine.AgreementCreateOptions{
		ListingID: l.ID, AdopterID: "adopter", Terms: "walks twice a day", ActorID: "owner",
	})
	if err != nil {
		t.Fatalf("create agreement: %v", err)
	}
	if _, err := env.Engine.RenderDocument(env.Ctx, a.ID); !fault.IsKind(err, fault.InvalidState) {
		t.Fatalf("expected invalid state rendering a draft, got %v", err)
	}
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "owner", ""); err != nil {
		t.Fatalf("owner sign: %v", err)
	}
	if _, err := env.Engine.SubmitSignature(env.Ctx, a.ID, "adopter", ""); err != nil {
		t.Fatalf("adopter sign: %v", err)
	}

	out, err := env.Engine.RenderDocument(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.DocumentRef == nil || *out.DocumentRef == "" {
		t.Fatalf("expected document ref, got %+v", out)
	}
	data, err := os.ReadFile(filepath.Join(docs, *out.DocumentRef))
	if err != nil {
		t.Fatalf("read rendered document: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("rendered document is empty")
	}
	// Rendering again keeps the existing reference.
	again, err := env.Engine.RenderDocument(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("re-render: %v", err)
	}
	if *again.DocumentRef != *out.DocumentRef {
		t.Fatalf("document ref changed on re-render: %s vs %s", *again.DocumentRef, *out.DocumentRef)
	}
}

func TestEventLogRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	l := env.createListing(t, "Biscuit")
	c, err := env.Engine.StartConversation(env.Ctx, l.ID, "adopter")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	if _, err := env.Engine.PostMessage(env.Ctx, engine.MessagePostOptions{ConversationID: c.ID, SenderID: "adopter", Text: "hi"}); err != nil {
		t.Fatalf("post: %v", err)
	}

	evts, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, 0, l.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []string{"listing.created", "conversation.started", "message.posted"}
	seen := map[string]bool{}
	for _, evt := range evts {
		seen[evt.Type] = true
	}
	for _, typ := range want {
		if !seen[typ] {
			t.Fatalf("expected %s event, got %+v", typ, evts)
		}
	}
	// Events carry strictly increasing ids; the cursor resumes cleanly.
	for i := 1; i < len(evts); i++ {
		if evts[i].ID <= evts[i-1].ID {
			t.Fatalf("event ids not increasing: %+v", evts)
		}
	}
	tail, err := env.Engine.Repo.EventsAfter(env.Ctx, 100, evts[0].ID, l.ID)
	if err != nil {
		t.Fatalf("events after cursor: %v", err)
	}
	if len(tail) != len(evts)-1 {
		t.Fatalf("cursor skipped events: %d vs %d", len(tail), len(evts)-1)
	}
}
