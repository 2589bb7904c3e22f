package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eduquiz/duel-lobby-backend/internal/broadcast"
	"github.com/eduquiz/duel-lobby-backend/internal/presence"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (f *fakePublisher) Publish(ev broadcast.Event, _ ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakePublisher) byType(t broadcast.EventType) []broadcast.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range f.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fakeBootstrapper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeBootstrapper) Bootstrap(_ context.Context, _, _, _ string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return fmt.Sprintf("sess-%d", f.calls), nil
}

func (f *fakeBootstrapper) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	store *presence.Store
	reg   *Registry
	pub   *fakePublisher
	boot  *fakeBootstrapper
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: presence.NewStore(),
		pub:   &fakePublisher{},
		boot:  &fakeBootstrapper{},
		clock: &fakeClock{t: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)},
	}
	f.reg = New(f.store, f.boot, f.pub, Config{TTL: 30 * time.Second, Retention: 5 * time.Minute}, zap.NewNop())
	f.reg.now = f.clock.Now
	return f
}

func (f *fixture) addPlayer(id string, shard int) {
	f.store.Upsert(presence.Player{
		ID: id, DisplayName: id, Shard: shard,
		Status: presence.StatusAvailable, LastHeartbeat: f.clock.Now(),
	})
}

func (f *fixture) status(t *testing.T, id string) presence.Status {
	t.Helper()
	p, ok := f.store.Get(id)
	if !ok {
		t.Fatalf("player %s not tracked", id)
	}
	return p.Status
}

func TestCreateOffer_Validation(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)
	f.addPlayer("busy", 8)
	if err := f.store.MarkBusy("busy"); err != nil {
		t.Fatalf("MarkBusy: %v", err)
	}

	cases := []struct {
		name       string
		challenger string
		opponent   string
		wantErr    error
	}{
		{"self challenge", "a", "a", ErrSelfChallenge},
		{"opponent offline", "a", "ghost", ErrOpponentNotFound},
		{"opponent busy", "a", "busy", ErrOpponentBusy},
		{"ok", "a", "b", nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.reg.CreateOffer(tc.challenger, tc.opponent, "", 5)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("want %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateOffer_DefaultsAndPendingState(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, err := f.reg.CreateOffer("a", "b", "Matematik", 0)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Status != StatusPending {
		t.Fatalf("want pending, got %q", offer.Status)
	}
	if offer.QuestionCount != DefaultQuestionCount {
		t.Fatalf("want default question count %d, got %d", DefaultQuestionCount, offer.QuestionCount)
	}
	if got := offer.ExpiresAt.Sub(offer.CreatedAt); got != 30*time.Second {
		t.Fatalf("want 30s ttl, got %v", got)
	}
	// Offer creation must not reserve anyone.
	if f.status(t, "a") != presence.StatusAvailable || f.status(t, "b") != presence.StatusAvailable {
		t.Fatalf("players must stay available until accept")
	}
	if got := f.pub.byType(broadcast.EvtChallengeOffer); len(got) != 1 {
		t.Fatalf("want 1 challenge_offer event, got %d", len(got))
	}
}

func TestCreateOffer_DuplicatePairConflicts(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)
	f.addPlayer("c", 8)

	if _, err := f.reg.CreateOffer("a", "b", "", 5); err != nil {
		t.Fatalf("first offer: %v", err)
	}
	// Same unordered pair, either direction.
	if _, err := f.reg.CreateOffer("a", "b", "", 5); !errors.Is(err, ErrDuplicatePending) {
		t.Fatalf("repeat a->b: want ErrDuplicatePending, got %v", err)
	}
	if _, err := f.reg.CreateOffer("b", "a", "", 5); !errors.Is(err, ErrDuplicatePending) {
		t.Fatalf("reverse b->a: want ErrDuplicatePending, got %v", err)
	}
	// A different challenger may still target the same available opponent.
	if _, err := f.reg.CreateOffer("c", "b", "", 5); err != nil {
		t.Fatalf("third party c->b should be allowed: %v", err)
	}
}

func TestRespond_AcceptCreatesOneSessionAndMarksBusy(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, err := f.reg.CreateOffer("a", "b", "Matematik", 5)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	sessionID, err := f.reg.Respond(context.Background(), offer.ID, "b", true)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if sessionID == "" {
		t.Fatalf("want session id")
	}
	if f.status(t, "a") != presence.StatusBusy || f.status(t, "b") != presence.StatusBusy {
		t.Fatalf("both participants must be busy after accept")
	}
	if f.boot.callCount() != 1 {
		t.Fatalf("want exactly 1 bootstrap, got %d", f.boot.callCount())
	}

	got, err := f.reg.Get(offer.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusAccepted || got.SessionID != sessionID {
		t.Fatalf("offer not finalized: %+v", got)
	}

	// Second respond is a no-op that must not create a second session.
	if _, err := f.reg.Respond(context.Background(), offer.ID, "b", true); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("repeat respond: want ErrOfferNotFound, got %v", err)
	}
	if f.boot.callCount() != 1 {
		t.Fatalf("repeat respond created a session")
	}

	resp := f.pub.byType(broadcast.EvtChallengeResponse)
	if len(resp) != 1 || !resp[0].Response.Accepted || resp[0].Response.SessionID != sessionID {
		t.Fatalf("want one accepted challenge_response with session id, got %+v", resp)
	}
}

func TestRespond_RejectLeavesPlayersAvailable(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, _ := f.reg.CreateOffer("a", "b", "", 5)
	sessionID, err := f.reg.Respond(context.Background(), offer.ID, "b", false)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if sessionID != "" {
		t.Fatalf("reject must not return a session id")
	}
	if f.status(t, "a") != presence.StatusAvailable || f.status(t, "b") != presence.StatusAvailable {
		t.Fatalf("players must stay available after reject")
	}
	got, _ := f.reg.Get(offer.ID)
	if got.Status != StatusRejected {
		t.Fatalf("want rejected, got %q", got.Status)
	}
}

func TestRespond_StaleAcceptLosesToExpiry(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, _ := f.reg.CreateOffer("a", "b", "", 5)
	f.clock.Advance(31 * time.Second)

	_, err := f.reg.Respond(context.Background(), offer.ID, "b", true)
	if !errors.Is(err, ErrOfferExpired) {
		t.Fatalf("want ErrOfferExpired, got %v", err)
	}
	got, _ := f.reg.Get(offer.ID)
	if got.Status != StatusExpired {
		t.Fatalf("want expired, got %q", got.Status)
	}
	if f.boot.callCount() != 0 {
		t.Fatalf("stale accept created a session")
	}
	if f.status(t, "a") != presence.StatusAvailable || f.status(t, "b") != presence.StatusAvailable {
		t.Fatalf("stale accept must not mark anyone busy")
	}
}

func TestRespond_WrongResponderLooksLikeMissingOffer(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, _ := f.reg.CreateOffer("a", "b", "", 5)
	if _, err := f.reg.Respond(context.Background(), offer.ID, "a", true); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("challenger accepting own offer: want ErrOfferNotFound, got %v", err)
	}
	if _, err := f.reg.Respond(context.Background(), "nope", "b", true); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("unknown offer: want ErrOfferNotFound, got %v", err)
	}
}

func TestCancel_OnlyChallengerMayWithdraw(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, _ := f.reg.CreateOffer("a", "b", "", 5)
	if err := f.reg.Cancel(offer.ID, "b"); !errors.Is(err, ErrNotChallenger) {
		t.Fatalf("opponent cancelling: want ErrNotChallenger, got %v", err)
	}
	if err := f.reg.Cancel(offer.ID, "a"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, _ := f.reg.Get(offer.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("want cancelled, got %q", got.Status)
	}
	// The pair is free for a fresh offer again.
	if _, err := f.reg.CreateOffer("a", "b", "", 5); err != nil {
		t.Fatalf("new offer after cancel: %v", err)
	}
}

func TestExpireSweep_NotifiesChallengerAndPurgesOldOffers(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, _ := f.reg.CreateOffer("a", "b", "", 5)

	// Not yet due.
	f.clock.Advance(10 * time.Second)
	f.reg.ExpireSweep()
	if got, _ := f.reg.Get(offer.ID); got.Status != StatusPending {
		t.Fatalf("sweep expired an offer inside its ttl")
	}

	f.clock.Advance(21 * time.Second)
	f.reg.ExpireSweep()
	got, err := f.reg.Get(offer.ID)
	if err != nil {
		t.Fatalf("expired offer should stay queryable for the retention window: %v", err)
	}
	if got.Status != StatusExpired {
		t.Fatalf("want expired, got %q", got.Status)
	}
	resp := f.pub.byType(broadcast.EvtChallengeResponse)
	if len(resp) != 1 || resp[0].Response.Accepted {
		t.Fatalf("expiry must emit a rejection-equivalent response, got %+v", resp)
	}

	// Past the retention window the record is gone.
	f.clock.Advance(6 * time.Minute)
	f.reg.ExpireSweep()
	if _, err := f.reg.Get(offer.ID); !errors.Is(err, ErrOfferNotFound) {
		t.Fatalf("want ErrOfferNotFound after retention purge, got %v", err)
	}
}

func TestRespond_BootstrapFailureCompensates(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, _ := f.reg.CreateOffer("a", "b", "", 5)
	f.boot.err = errors.New("database gone")

	_, err := f.reg.Respond(context.Background(), offer.ID, "b", true)
	if err == nil {
		t.Fatalf("expected bootstrap error to surface")
	}
	if f.status(t, "a") != presence.StatusAvailable || f.status(t, "b") != presence.StatusAvailable {
		t.Fatalf("compensation must free both players")
	}
	got, _ := f.reg.Get(offer.ID)
	if got.Status != StatusPending {
		t.Fatalf("offer must return to pending within ttl, got %q", got.Status)
	}

	// Re-issuing the respond succeeds once the infrastructure recovers.
	f.boot.err = nil
	sessionID, err := f.reg.Respond(context.Background(), offer.ID, "b", true)
	if err != nil || sessionID == "" {
		t.Fatalf("retry after recovery: %v", err)
	}
}

func TestRespond_FirstAcceptWinsCancelsOtherOffers(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)
	f.addPlayer("c", 8)

	oa, _ := f.reg.CreateOffer("a", "b", "", 5)
	oc, _ := f.reg.CreateOffer("c", "b", "", 5)

	if _, err := f.reg.Respond(context.Background(), oa.ID, "b", true); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got, _ := f.reg.Get(oc.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("losing offer must be auto-cancelled, got %q", got.Status)
	}
	if f.status(t, "c") != presence.StatusAvailable {
		t.Fatalf("bystander challenger must stay available")
	}
	// c was told their offer died.
	resp := f.pub.byType(broadcast.EvtChallengeResponse)
	var sawCancel bool
	for _, ev := range resp {
		if ev.Response.OfferID == oc.ID && !ev.Response.Accepted {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatalf("no response event for the auto-cancelled offer: %+v", resp)
	}
}

func TestRespond_AcceptByBusyOpponentCancelsOffer(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)

	offer, _ := f.reg.CreateOffer("a", "b", "", 5)

	// b got pulled into another duel before this accept landed.
	if err := f.store.MarkBusy("b"); err != nil {
		t.Fatalf("MarkBusy: %v", err)
	}

	_, err := f.reg.Respond(context.Background(), offer.ID, "b", true)
	if !errors.Is(err, presence.ErrAlreadyBusy) {
		t.Fatalf("want wrapped ErrAlreadyBusy, got %v", err)
	}
	if f.boot.callCount() != 0 {
		t.Fatalf("losing accept created a session")
	}
	if f.status(t, "a") != presence.StatusAvailable {
		t.Fatalf("challenger must be freed when the accept loses")
	}

	// The offer must not linger pending until the sweep; it is dead now.
	got, _ := f.reg.Get(offer.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("want cancelled, got %q", got.Status)
	}
	resp := f.pub.byType(broadcast.EvtChallengeResponse)
	if len(resp) != 1 || resp[0].Response.Accepted || resp[0].Response.OfferID != offer.ID {
		t.Fatalf("want one non-accepted response for the dead offer, got %+v", resp)
	}

	// The pair is free for a fresh offer once b is available again.
	f.store.MarkAvailable("b")
	if _, err := f.reg.CreateOffer("a", "b", "", 5); err != nil {
		t.Fatalf("new offer after cancellation: %v", err)
	}
}

func TestRespond_ConcurrentAcceptsOnSameOpponentYieldOneSession(t *testing.T) {
	f := newFixture(t)
	f.addPlayer("a", 8)
	f.addPlayer("b", 8)
	f.addPlayer("c", 8)

	oa, _ := f.reg.CreateOffer("a", "b", "", 5)
	oc, _ := f.reg.CreateOffer("c", "b", "", 5)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, id := range []string{oa.ID, oc.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, results[i] = f.reg.Respond(context.Background(), id, "b", true)
		}(i, id)
	}
	wg.Wait()

	var wins int
	for _, err := range results {
		if err == nil {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("want exactly one winning accept, got %d (errs: %v)", wins, results)
	}
	if f.boot.callCount() != 1 {
		t.Fatalf("want exactly one session, got %d", f.boot.callCount())
	}
}
