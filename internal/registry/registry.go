package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eduquiz/duel-lobby-backend/internal/broadcast"
	"github.com/eduquiz/duel-lobby-backend/internal/presence"
)

var ErrSelfChallenge = errors.New("cannot challenge yourself")
var ErrOpponentNotFound = errors.New("opponent not in lobby")
var ErrOpponentBusy = errors.New("opponent is busy")
var ErrDuplicatePending = errors.New("pending offer already exists for this pair")
var ErrOfferNotFound = errors.New("offer not found")
var ErrOfferExpired = errors.New("offer expired")
var ErrNotChallenger = errors.New("only the challenger may cancel")

type OfferStatus string

const (
	StatusPending   OfferStatus = "pending"
	StatusAccepted  OfferStatus = "accepted"
	StatusRejected  OfferStatus = "rejected"
	StatusExpired   OfferStatus = "expired"
	StatusCancelled OfferStatus = "cancelled"
)

const DefaultQuestionCount = 5

type Offer struct {
	ID            string      `json:"offer_id"`
	ChallengerID  string      `json:"challenger_id"`
	OpponentID    string      `json:"opponent_id"`
	Topic         string      `json:"topic,omitempty"` // empty means mixed
	QuestionCount int         `json:"question_count"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	Status        OfferStatus `json:"status"`
	SessionID     string      `json:"session_id,omitempty"` // set once accepted

	resolvedAt time.Time // when the offer left pending; drives retention purge
	accepting  bool      // accept in flight, sweep/cancel must keep hands off
}

// Bootstrapper turns exactly one accepted offer into exactly one duel
// session. Called while the pair lock for the offer is held.
type Bootstrapper interface {
	Bootstrap(ctx context.Context, challengerID, opponentID, topic string, questionCount int) (string, error)
}

// Publisher delivers an event to the shard of each named player, once per
// shard. Players no longer tracked are skipped; delivery is best-effort.
type Publisher interface {
	Publish(ev broadcast.Event, playerIDs ...string)
}

type Config struct {
	TTL       time.Duration // offer lifetime, pending past this expires
	Retention time.Duration // how long terminal offers stay queryable
}

// Registry is the single writer of offer status. Every accept/reject
// decision resolves here, never client-side, so two accepts cannot race
// into two sessions.
type Registry struct {
	mu      sync.Mutex
	offers  map[string]*Offer
	pending map[pairKey]string // at most one pending offer per unordered pair
	pairs   *pairLocks

	store *presence.Store
	boot  Bootstrapper
	pub   Publisher
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
}

func New(store *presence.Store, boot Bootstrapper, pub Publisher, cfg Config, log *zap.Logger) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	return &Registry{
		offers:  make(map[string]*Offer),
		pending: make(map[pairKey]string),
		pairs:   newPairLocks(),
		store:   store,
		boot:    boot,
		pub:     pub,
		cfg:     cfg,
		now:     time.Now,
		log:     log,
	}
}

// CreateOffer records a pending challenge from challengerID to opponentID.
// The opponent must be online and available; both players stay available
// until an accept. Several challengers may have pending offers to the same
// opponent at once, only a repeat for the same pair conflicts.
func (r *Registry) CreateOffer(challengerID, opponentID, topic string, questionCount int) (Offer, error) {
	if challengerID == opponentID {
		return Offer{}, ErrSelfChallenge
	}
	if questionCount <= 0 {
		questionCount = DefaultQuestionCount
	}

	unlock := r.pairs.lock(challengerID, opponentID)
	defer unlock()

	opp, ok := r.store.Get(opponentID)
	if !ok {
		return Offer{}, ErrOpponentNotFound
	}
	if opp.Status == presence.StatusBusy {
		return Offer{}, ErrOpponentBusy
	}

	now := r.now()
	key := pairOf(challengerID, opponentID)

	r.mu.Lock()
	if id, exists := r.pending[key]; exists {
		prev := r.offers[id]
		if now.After(prev.ExpiresAt) && !prev.accepting {
			// The blocking offer already ran out, resolve it here rather
			// than waiting for the sweep.
			r.resolveLocked(prev, StatusExpired, now)
			defer r.publishResponse(*prev)
		} else {
			r.mu.Unlock()
			return Offer{}, ErrDuplicatePending
		}
	}

	o := &Offer{
		ID:            uuid.NewString(),
		ChallengerID:  challengerID,
		OpponentID:    opponentID,
		Topic:         topic,
		QuestionCount: questionCount,
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.cfg.TTL),
		Status:        StatusPending,
	}
	r.offers[o.ID] = o
	r.pending[key] = o.ID
	snapshot := *o
	r.mu.Unlock()

	r.pub.Publish(broadcast.Event{
		Type: broadcast.EvtChallengeOffer,
		Offer: &broadcast.OfferEvent{
			OfferID:       snapshot.ID,
			ChallengerID:  snapshot.ChallengerID,
			OpponentID:    snapshot.OpponentID,
			Topic:         snapshot.Topic,
			QuestionCount: snapshot.QuestionCount,
			ExpiresAt:     snapshot.ExpiresAt,
		},
	}, challengerID, opponentID)

	r.log.Info("challenge offered",
		zap.String("offer_id", snapshot.ID),
		zap.String("challenger_id", challengerID),
		zap.String("opponent_id", opponentID))
	return snapshot, nil
}

// Respond resolves a pending offer. Only the offer's opponent may respond;
// anyone else gets ErrOfferNotFound, as does a second respond on an already
// resolved offer (which never creates a second session). An accept that
// arrives after the TTL loses to expiry on purpose: stale accepts must not
// create sessions.
func (r *Registry) Respond(ctx context.Context, offerID, opponentID string, accept bool) (string, error) {
	r.mu.Lock()
	o, ok := r.offers[offerID]
	if !ok {
		r.mu.Unlock()
		return "", ErrOfferNotFound
	}
	challengerID, offerOpponent := o.ChallengerID, o.OpponentID
	r.mu.Unlock()

	unlock := r.pairs.lock(challengerID, offerOpponent)
	defer unlock()

	now := r.now()

	r.mu.Lock()
	o, ok = r.offers[offerID] // revalidate under the pair lock
	if !ok || o.OpponentID != opponentID || o.Status != StatusPending {
		r.mu.Unlock()
		return "", ErrOfferNotFound
	}
	if now.After(o.ExpiresAt) {
		r.resolveLocked(o, StatusExpired, now)
		snapshot := *o
		r.mu.Unlock()
		r.publishResponse(snapshot)
		return "", ErrOfferExpired
	}
	if !accept {
		r.resolveLocked(o, StatusRejected, now)
		snapshot := *o
		r.mu.Unlock()
		r.publishResponse(snapshot)
		r.log.Info("challenge rejected", zap.String("offer_id", offerID))
		return "", nil
	}
	o.accepting = true
	r.mu.Unlock()

	return r.finalizeAccept(ctx, o)
}

// finalizeAccept runs the accept sequence: mark both players busy, bootstrap
// the session, then flip the offer to accepted. Any partial failure is
// compensated so the pair is never left "accepted but no session". Caller
// holds the pair lock; the offer is still pending.
func (r *Registry) finalizeAccept(ctx context.Context, o *Offer) (string, error) {
	challengerID, opponentID := o.ChallengerID, o.OpponentID

	if err := r.store.MarkBusy(challengerID); err != nil {
		// Challenger left or got pulled into another duel; the offer is dead.
		r.mu.Lock()
		o.accepting = false
		r.resolveLocked(o, StatusCancelled, r.now())
		snapshot := *o
		r.mu.Unlock()
		r.publishResponse(snapshot)
		return "", fmt.Errorf("challenger unavailable: %w", err)
	}
	if err := r.store.MarkBusy(opponentID); err != nil {
		// Opponent got pulled into another duel (or evicted) first; this
		// offer lost the race and is dead, same as an auto-cancel.
		r.store.MarkAvailable(challengerID)
		r.mu.Lock()
		o.accepting = false
		r.resolveLocked(o, StatusCancelled, r.now())
		snapshot := *o
		r.mu.Unlock()
		r.publishResponse(snapshot)
		return "", fmt.Errorf("responder unavailable: %w", err)
	}

	sessionID, err := r.boot.Bootstrap(ctx, challengerID, opponentID, o.Topic, o.QuestionCount)
	if err != nil {
		// Compensate: free both players, put the offer back so the pair can
		// retry within the TTL.
		r.store.MarkAvailable(challengerID)
		r.store.MarkAvailable(opponentID)
		r.mu.Lock()
		o.accepting = false
		var snapshot *Offer
		if r.now().After(o.ExpiresAt) {
			r.resolveLocked(o, StatusExpired, r.now())
			s := *o
			snapshot = &s
		}
		r.mu.Unlock()
		if snapshot != nil {
			r.publishResponse(*snapshot)
		}
		r.log.Error("bootstrap failed", zap.String("offer_id", o.ID), zap.Error(err))
		return "", fmt.Errorf("bootstrap duel session: %w", err)
	}

	now := r.now()
	r.mu.Lock()
	o.accepting = false
	o.Status = StatusAccepted
	o.SessionID = sessionID
	o.resolvedAt = now
	delete(r.pending, pairOf(challengerID, opponentID))
	accepted := *o
	// Both players just went busy; every other pending offer touching
	// either of them is dead. First accept wins.
	cancelled := r.cancelInvolvingLocked(now, challengerID, opponentID)
	r.mu.Unlock()

	r.publishResponse(accepted)
	for _, c := range cancelled {
		r.publishResponse(c)
	}

	r.log.Info("challenge accepted",
		zap.String("offer_id", o.ID),
		zap.String("session_id", sessionID),
		zap.Int("auto_cancelled", len(cancelled)))
	return sessionID, nil
}

// Cancel withdraws a pending offer. Only its challenger may do so.
func (r *Registry) Cancel(offerID, challengerID string) error {
	r.mu.Lock()
	o, ok := r.offers[offerID]
	if !ok || o.Status != StatusPending || o.accepting {
		r.mu.Unlock()
		return ErrOfferNotFound
	}
	if o.ChallengerID != challengerID {
		r.mu.Unlock()
		return ErrNotChallenger
	}
	r.resolveLocked(o, StatusCancelled, r.now())
	snapshot := *o
	r.mu.Unlock()

	r.publishResponse(snapshot)
	r.log.Info("challenge cancelled", zap.String("offer_id", offerID))
	return nil
}

// Get returns a snapshot of an offer while it is still retained. Terminal
// offers stay readable for Config.Retention so a client that never saw the
// response event can re-query the outcome (and the session id).
func (r *Registry) Get(offerID string) (Offer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.offers[offerID]
	if !ok {
		return Offer{}, ErrOfferNotFound
	}
	return *o, nil
}

// ExpireSweep transitions pending offers past their TTL to expired and
// notifies the challenger so their client stops waiting. It also discards
// terminal offers past the retention window. Runs periodically.
func (r *Registry) ExpireSweep() {
	now := r.now()

	r.mu.Lock()
	var expired []Offer
	for id, o := range r.offers {
		switch {
		case o.accepting:
			// In-flight accept; it resolves or compensates on its own.
		case o.Status == StatusPending && now.After(o.ExpiresAt):
			r.resolveLocked(o, StatusExpired, now)
			expired = append(expired, *o)
		case o.Status != StatusPending && now.Sub(o.resolvedAt) > r.cfg.Retention:
			delete(r.offers, id)
		}
	}
	r.mu.Unlock()

	for _, o := range expired {
		r.publishResponse(o)
		r.log.Info("offer expired", zap.String("offer_id", o.ID))
	}
}

// resolveLocked moves a pending offer to a terminal status. r.mu held.
func (r *Registry) resolveLocked(o *Offer, status OfferStatus, now time.Time) {
	o.Status = status
	o.resolvedAt = now
	delete(r.pending, pairOf(o.ChallengerID, o.OpponentID))
}

// cancelInvolvingLocked resolves every pending offer that involves any of
// the given players. r.mu held; snapshots are returned for notification
// outside the lock.
func (r *Registry) cancelInvolvingLocked(now time.Time, playerIDs ...string) []Offer {
	involved := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		involved[id] = true
	}

	var cancelled []Offer
	for _, o := range r.offers {
		if o.Status != StatusPending || o.accepting {
			continue
		}
		if involved[o.ChallengerID] || involved[o.OpponentID] {
			r.resolveLocked(o, StatusCancelled, now)
			cancelled = append(cancelled, *o)
		}
	}
	return cancelled
}

// publishResponse broadcasts the terminal outcome of an offer to both
// participants' shards.
func (r *Registry) publishResponse(o Offer) {
	r.pub.Publish(broadcast.Event{
		Type: broadcast.EvtChallengeResponse,
		Response: &broadcast.ResponseEvent{
			OfferID:   o.ID,
			Accepted:  o.Status == StatusAccepted,
			SessionID: o.SessionID,
		},
	}, o.ChallengerID, o.OpponentID)
}
