package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("session not found")

// Session is the hand-off artifact into the duel-play flow, which owns all
// state after creation. One session per accepted challenge, never more.
type Session struct {
	ID            string    `gorm:"primaryKey;size:36" json:"session_id"`
	ParticipantA  string    `gorm:"size:64;not null;index" json:"participant_a"`
	ParticipantB  string    `gorm:"size:64;not null;index" json:"participant_b"`
	Topic         string    `gorm:"size:128" json:"topic,omitempty"`
	QuestionCount int       `gorm:"not null" json:"question_count"`
	CreatedAt     time.Time `json:"created_at"`
}

func (Session) TableName() string { return "duel_sessions" }

type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (g *GormStore) Create(ctx context.Context, s *Session) error {
	return g.db.WithContext(ctx).Create(s).Error
}

func (g *GormStore) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := g.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// MemoryStore keeps sessions in process. Used in tests and when no
// DATABASE_URL is configured.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// Bootstrapper materializes a duel session from an accepted offer. The
// registry calls it with the pair lock held, so two racing accepts can
// never both get here for the same offer.
type Bootstrapper struct {
	store Store
	log   *zap.Logger
}

func NewBootstrapper(store Store, log *zap.Logger) *Bootstrapper {
	return &Bootstrapper{store: store, log: log}
}

func (b *Bootstrapper) Bootstrap(ctx context.Context, challengerID, opponentID, topic string, questionCount int) (string, error) {
	s := &Session{
		ID:            uuid.NewString(),
		ParticipantA:  challengerID,
		ParticipantB:  opponentID,
		Topic:         topic,
		QuestionCount: questionCount,
		CreatedAt:     time.Now(),
	}
	if err := b.store.Create(ctx, s); err != nil {
		return "", fmt.Errorf("create duel session: %w", err)
	}

	b.log.Info("duel session created",
		zap.String("session_id", s.ID),
		zap.String("participant_a", challengerID),
		zap.String("participant_b", opponentID),
		zap.String("topic", topic),
		zap.Int("question_count", questionCount))
	return s.ID, nil
}
