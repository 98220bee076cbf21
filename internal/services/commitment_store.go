package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"fairbet-gateway/internal/models"
)

var (
	ErrCommitmentNotFound  = errors.New("commitment not found")
	ErrDuplicateCommitment = errors.New("commitment already exists for request")
	ErrCommitmentFinalized = errors.New("commitment is no longer pending")
)

// CommitmentStore is the store of record for commitments. It is authoritative
// for whether a request has been processed.
type CommitmentStore interface {
	// Create fails with ErrDuplicateCommitment when (UserID, RequestID) exists.
	Create(ctx context.Context, c *models.Commitment) error
	GetByRequest(ctx context.Context, userID, requestID string) (*models.Commitment, error)
	// LastNonce is the highest nonce committed for (user, variant).
	LastNonce(ctx context.Context, userID string, variant models.GameVariant) (int64, bool, error)
	// Finalize moves a pending commitment to the terminal state carried by c.
	// It fails with ErrCommitmentFinalized if the stored row is not pending.
	Finalize(ctx context.Context, c *models.Commitment) error
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Commitment, error)
	Ping(ctx context.Context) error
}

// ReviewQueue receives accounts escalated to manual review.
type ReviewQueue interface {
	FlagForReview(ctx context.Context, userID string, score int, reasons []string) error
	IsUnderReview(ctx context.Context, userID string) (bool, error)
}

type MemoryCommitmentStore struct {
	mu          sync.RWMutex
	byRequest   map[string]*models.Commitment
	lastNonce   map[string]int64
	underReview map[string]reviewEntry
}

type reviewEntry struct {
	Score     int
	Reasons   []string
	FlaggedAt time.Time
}

func NewMemoryCommitmentStore() *MemoryCommitmentStore {
	return &MemoryCommitmentStore{
		byRequest:   make(map[string]*models.Commitment),
		lastNonce:   make(map[string]int64),
		underReview: make(map[string]reviewEntry),
	}
}

func requestKey(userID, requestID string) string {
	return userID + "\x00" + requestID
}

func nonceKey(userID string, variant models.GameVariant) string {
	return userID + "\x00" + string(variant)
}

func (s *MemoryCommitmentStore) Create(ctx context.Context, c *models.Commitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := requestKey(c.UserID, c.RequestID)
	if _, exists := s.byRequest[k]; exists {
		return ErrDuplicateCommitment
	}
	cp := *c
	s.byRequest[k] = &cp

	nk := nonceKey(c.UserID, c.GameVariant)
	if last, ok := s.lastNonce[nk]; !ok || c.Nonce > last {
		s.lastNonce[nk] = c.Nonce
	}
	return nil
}

func (s *MemoryCommitmentStore) GetByRequest(ctx context.Context, userID, requestID string) (*models.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byRequest[requestKey(userID, requestID)]
	if !ok {
		return nil, ErrCommitmentNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryCommitmentStore) LastNonce(ctx context.Context, userID string, variant models.GameVariant) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.lastNonce[nonceKey(userID, variant)]
	return n, ok, nil
}

func (s *MemoryCommitmentStore) Finalize(ctx context.Context, c *models.Commitment) error {
	if !c.Status.Terminal() {
		return errors.New("finalize requires a terminal status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := requestKey(c.UserID, c.RequestID)
	current, ok := s.byRequest[k]
	if !ok {
		return ErrCommitmentNotFound
	}
	if current.Status != models.CommitmentPending {
		return ErrCommitmentFinalized
	}
	cp := *c
	s.byRequest[k] = &cp
	return nil
}

func (s *MemoryCommitmentStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Commitment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Commitment
	for _, c := range s.byRequest {
		if c.ExpiredAt(now) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryCommitmentStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryCommitmentStore) FlagForReview(ctx context.Context, userID string, score int, reasons []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.underReview[userID]; ok {
		return nil
	}
	s.underReview[userID] = reviewEntry{
		Score:     score,
		Reasons:   append([]string(nil), reasons...),
		FlaggedAt: time.Now(),
	}
	return nil
}

func (s *MemoryCommitmentStore) IsUnderReview(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.underReview[userID]
	return ok, nil
}
