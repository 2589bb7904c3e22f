package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eduquiz/duel-lobby-backend/internal/broadcast"
	"github.com/eduquiz/duel-lobby-backend/internal/presence"
)

var ErrInvalidShard = errors.New("shard out of range")

type JoinMeta struct {
	DisplayName    string
	AvatarRef      string
	Rating         float64
	PreferredTopic string
}

// Router maps each player to exactly one shard (one per grade level) and
// owns the broadcast channel of every shard. Partitioning by grade keeps
// fan-out proportional to shard size, not platform size.
type Router struct {
	store      *presence.Store
	channels   map[int]*broadcast.Channel
	minShard   int
	maxShard   int
	staleAfter time.Duration
	now        func() time.Time
	log        *zap.Logger
}

func NewRouter(parent context.Context, store *presence.Store, minShard, maxShard int, staleAfter time.Duration, log *zap.Logger) *Router {
	channels := make(map[int]*broadcast.Channel, maxShard-minShard+1)
	for k := minShard; k <= maxShard; k++ {
		channels[k] = broadcast.NewChannel(parent)
	}
	return &Router{
		store:      store,
		channels:   channels,
		minShard:   minShard,
		maxShard:   maxShard,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        log,
	}
}

func (r *Router) ValidShard(shard int) bool {
	return shard >= r.minShard && shard <= r.maxShard
}

// Join registers presence in a shard. Idempotent: re-joining the same shard
// updates metadata; joining a different shard moves the player and announces
// a synthetic leave in the old one.
func (r *Router) Join(playerID string, shard int, meta JoinMeta) error {
	if !r.ValidShard(shard) {
		return ErrInvalidShard
	}

	p := presence.Player{
		ID:             playerID,
		DisplayName:    meta.DisplayName,
		AvatarRef:      meta.AvatarRef,
		Shard:          shard,
		Rating:         meta.Rating,
		PreferredTopic: meta.PreferredTopic,
		Status:         presence.StatusAvailable,
		LastHeartbeat:  r.now(),
	}
	prevShard, moved := r.store.Upsert(p)
	if moved {
		r.publish(prevShard, broadcast.Event{Type: broadcast.EvtPresenceLeave, PlayerID: playerID})
	}
	joined, _ := r.store.Get(playerID)
	r.publish(shard, broadcast.Event{Type: broadcast.EvtPresenceJoin, Player: &joined})

	r.log.Info("player joined shard", zap.String("player_id", playerID), zap.Int("shard", shard))
	return nil
}

// Leave removes the player from whichever shard they are in. Not an error
// when absent.
func (r *Router) Leave(playerID string) {
	p, ok := r.store.Remove(playerID)
	if !ok {
		return
	}
	r.publish(p.Shard, broadcast.Event{Type: broadcast.EvtPresenceLeave, PlayerID: playerID})
	r.log.Info("player left shard", zap.String("player_id", playerID), zap.Int("shard", p.Shard))
}

// Heartbeat refreshes liveness. A heartbeat for an untracked player counts
// as a join with minimal metadata; one naming a different shard moves the
// player there but keeps the metadata they joined with.
func (r *Router) Heartbeat(playerID string, shard int) error {
	if !r.ValidShard(shard) {
		return ErrInvalidShard
	}
	if r.store.Touch(playerID, shard, r.now()) {
		return nil
	}
	meta := JoinMeta{}
	if p, ok := r.store.Get(playerID); ok {
		meta = JoinMeta{
			DisplayName:    p.DisplayName,
			AvatarRef:      p.AvatarRef,
			Rating:         p.Rating,
			PreferredTopic: p.PreferredTopic,
		}
	}
	return r.Join(playerID, shard, meta)
}

func (r *Router) Members(shard int) ([]presence.Player, error) {
	if !r.ValidShard(shard) {
		return nil, ErrInvalidShard
	}
	return r.store.List(shard), nil
}

// Subscribe attaches an outbox to a shard's broadcast channel. The first
// event on the outbox is a presence_sync snapshot so the client can build
// its member list before any incremental event arrives.
func (r *Router) Subscribe(shard int, clientID string, outbox chan broadcast.Event) error {
	if !r.ValidShard(shard) {
		return ErrInvalidShard
	}
	welcome := broadcast.Event{Type: broadcast.EvtPresenceSync, Members: r.store.List(shard)}
	r.channels[shard].Inbox() <- broadcast.Subscribe{ClientID: clientID, Outbox: outbox, Welcome: &welcome}
	return nil
}

func (r *Router) Unsubscribe(shard int, clientID string) {
	if !r.ValidShard(shard) {
		return
	}
	r.channels[shard].Inbox() <- broadcast.Unsubscribe{ClientID: clientID}
}

// Publish delivers ev to the shard of each named player, once per shard.
// Implements the registry's Publisher contract.
func (r *Router) Publish(ev broadcast.Event, playerIDs ...string) {
	seen := make(map[int]bool, len(playerIDs))
	for _, id := range playerIDs {
		p, ok := r.store.Get(id)
		if !ok || seen[p.Shard] {
			continue
		}
		seen[p.Shard] = true
		r.publish(p.Shard, ev)
	}
}

// SweepPresence evicts players whose heartbeat went stale and announces a
// synthetic leave so shard members reconcile. Runs periodically.
func (r *Router) SweepPresence() {
	evicted := r.store.SweepStale(r.now().Add(-r.staleAfter))
	for _, p := range evicted {
		r.publish(p.Shard, broadcast.Event{Type: broadcast.EvtPresenceLeave, PlayerID: p.ID})
		r.log.Info("evicted stale presence", zap.String("player_id", p.ID), zap.Int("shard", p.Shard))
	}
}

// Shutdown closes every shard channel, disconnecting all subscribers.
func (r *Router) Shutdown() {
	for _, ch := range r.channels {
		ch.Inbox() <- broadcast.Shutdown{}
	}
}

func (r *Router) publish(shard int, ev broadcast.Event) {
	if ch := r.channels[shard]; ch != nil {
		ch.Inbox() <- broadcast.Publish{Event: ev}
	}
}
