package presence

import (
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("player not in lobby")
var ErrAlreadyBusy = errors.New("player already busy")

type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
)

type Player struct {
	ID             string    `json:"player_id"`
	DisplayName    string    `json:"display_name"`
	AvatarRef      string    `json:"avatar_ref,omitempty"`
	Shard          int       `json:"shard"`
	Rating         float64   `json:"rating"`
	PreferredTopic string    `json:"preferred_topic,omitempty"`
	Status         Status    `json:"status"`
	LastHeartbeat  time.Time `json:"-"`
}

// Store tracks which players are online, partitioned by shard. A player is
// in at most one shard at a time; the byID index enforces that.
type Store struct {
	mu     sync.RWMutex
	shards map[int]map[string]*Player
	byID   map[string]int
}

func NewStore() *Store {
	return &Store{
		shards: make(map[int]map[string]*Player),
		byID:   make(map[string]int),
	}
}

// Upsert registers p in p.Shard. Re-registering in the same shard updates
// metadata in place and keeps the current status (a busy player re-joining
// must not free themselves). If the player was tracked in a different shard
// they are moved there; prevShard tells the caller where to announce the
// departure.
func (s *Store) Upsert(p Player) (prevShard int, moved bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.byID[p.ID]; ok {
		if existing := s.shards[prev][p.ID]; existing != nil {
			p.Status = existing.Status
		}
		if prev != p.Shard {
			delete(s.shards[prev], p.ID)
			prevShard, moved = prev, true
		}
	}

	if s.shards[p.Shard] == nil {
		s.shards[p.Shard] = make(map[string]*Player)
	}
	cp := p
	s.shards[p.Shard][p.ID] = &cp
	s.byID[p.ID] = p.Shard
	return prevShard, moved
}

func (s *Store) Remove(id string) (Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shard, ok := s.byID[id]
	if !ok {
		return Player{}, false
	}
	p := *s.shards[shard][id]
	delete(s.shards[shard], id)
	delete(s.byID, id)
	return p, true
}

func (s *Store) Get(id string) (Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shard, ok := s.byID[id]
	if !ok {
		return Player{}, false
	}
	return *s.shards[shard][id], true
}

// List returns the current members of a shard in no particular order.
func (s *Store) List(shard int) []Player {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]Player, 0, len(s.shards[shard]))
	for _, p := range s.shards[shard] {
		members = append(members, *p)
	}
	return members
}

// Touch refreshes the heartbeat of a player tracked in the given shard.
// Returns false when the player is untracked or tracked elsewhere, in which
// case the caller should treat the heartbeat as a join.
func (s *Store) Touch(id string, shard int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[id]
	if !ok || cur != shard {
		return false
	}
	s.shards[shard][id].LastHeartbeat = now
	return true
}

// MarkBusy flips a player to busy. Failing when already busy is what keeps
// one player out of two duels at once.
func (s *Store) MarkBusy(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	shard, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	p := s.shards[shard][id]
	if p.Status == StatusBusy {
		return ErrAlreadyBusy
	}
	p.Status = StatusBusy
	return nil
}

// MarkAvailable is a no-op for untracked players so compensation paths can
// call it unconditionally.
func (s *Store) MarkAvailable(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if shard, ok := s.byID[id]; ok {
		s.shards[shard][id].Status = StatusAvailable
	}
}

// SweepStale removes every player whose last heartbeat is before cutoff and
// returns the evicted entries so the caller can announce synthetic leaves.
func (s *Store) SweepStale(cutoff time.Time) []Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []Player
	for _, members := range s.shards {
		for id, p := range members {
			if p.LastHeartbeat.Before(cutoff) {
				evicted = append(evicted, *p)
				delete(members, id)
				delete(s.byID, id)
			}
		}
	}
	return evicted
}
