package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	now        func() time.Time
	sessions   map[string]*memoryRecord
	byToken    map[string]string
	byRefresh  map[string]string
	byPrevious map[string]string
	userIndex  map[string]map[string]struct{}
}

type memoryRecord struct {
	sess         Session
	previousHash string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. A nil now uses time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:        now,
		sessions:   make(map[string]*memoryRecord),
		byToken:    make(map[string]string),
		byRefresh:  make(map[string]string),
		byPrevious: make(map[string]string),
		userIndex:  make(map[string]map[string]struct{}),
	}
}

// Create inserts a new active session.
func (m *MemoryStore) Create(ctx context.Context, in NewSession) (*Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	now := m.now()
	if err := validateNew(in, now); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tokenHash := HashToken(in.Token)
	if _, exists := m.byToken[tokenHash]; exists {
		return nil, ErrDuplicateToken
	}

	rec := &memoryRecord{sess: Session{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		TokenHash:  tokenHash,
		ExpiresAt:  in.ExpiresAt,
		IPAddress:  in.IPAddress,
		UserAgent:  in.UserAgent,
		DeviceType: ClassifyUserAgent(in.UserAgent),
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}}
	if in.RefreshToken != "" {
		rec.sess.RefreshHash = HashToken(in.RefreshToken)
		m.byRefresh[rec.sess.RefreshHash] = rec.sess.ID
	}
	m.sessions[rec.sess.ID] = rec
	m.byToken[tokenHash] = rec.sess.ID
	if m.userIndex[in.UserID] == nil {
		m.userIndex[in.UserID] = make(map[string]struct{})
	}
	m.userIndex[in.UserID][rec.sess.ID] = struct{}{}

	out := rec.sess
	return &out, nil
}

// FindByToken returns the live session bound to an access token.
func (m *MemoryStore) FindByToken(ctx context.Context, token string) (*Session, error) {
	return m.findBy(ctx, m.byToken, token)
}

// FindByRefreshToken returns the live session bound to a refresh token.
func (m *MemoryStore) FindByRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	return m.findBy(ctx, m.byRefresh, refreshToken)
}

func (m *MemoryStore) findBy(ctx context.Context, index map[string]string, token string) (*Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := index[HashToken(token)]
	if !ok {
		return nil, ErrNotFound
	}
	rec, ok := m.sessions[id]
	if !ok || !rec.sess.Live(m.now()) {
		return nil, ErrNotFound
	}
	out := rec.sess
	return &out, nil
}

// Rotate swaps the token pair of r.SessionID if its refresh token still matches.
func (m *MemoryStore) Rotate(ctx context.Context, r Rotation) (*Session, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	now := m.now()
	if err := validateRotation(r, now); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.sessions[r.SessionID]
	if !ok || !rec.sess.Live(now) {
		return nil, ErrNotFound
	}
	if rec.sess.RefreshHash != HashToken(r.PreviousRefreshToken) {
		return nil, ErrRotateConflict
	}
	nextToken := HashToken(r.Token)
	if owner, exists := m.byToken[nextToken]; exists && owner != rec.sess.ID {
		return nil, ErrDuplicateToken
	}

	delete(m.byToken, rec.sess.TokenHash)
	delete(m.byRefresh, rec.sess.RefreshHash)
	if rec.previousHash != "" {
		delete(m.byPrevious, rec.previousHash)
	}

	rec.previousHash = rec.sess.RefreshHash
	rec.sess.TokenHash = nextToken
	rec.sess.RefreshHash = HashToken(r.RefreshToken)
	rec.sess.ExpiresAt = r.ExpiresAt
	rec.sess.IsActive = true
	rec.sess.UpdatedAt = now

	m.byToken[rec.sess.TokenHash] = rec.sess.ID
	m.byRefresh[rec.sess.RefreshHash] = rec.sess.ID
	m.byPrevious[rec.previousHash] = rec.sess.ID

	out := rec.sess
	return &out, nil
}

// Invalidate deletes the session bound to token.
func (m *MemoryStore) Invalidate(ctx context.Context, token string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byToken[HashToken(token)]; ok {
		m.deleteLocked(id)
	}
	return nil
}

// InvalidateByID deletes a session by id.
func (m *MemoryStore) InvalidateByID(ctx context.Context, sessionID string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteLocked(sessionID)
	return nil
}

// InvalidateUser deletes every session of userID.
func (m *MemoryStore) InvalidateUser(ctx context.Context, userID string) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	live := 0
	for id := range m.userIndex[userID] {
		if rec, ok := m.sessions[id]; ok && rec.sess.Live(now) {
			live++
		}
		m.deleteLocked(id)
	}
	delete(m.userIndex, userID)
	return live, nil
}

// RevokeStaleRefresh deletes the session that last rotated away from refreshToken.
func (m *MemoryStore) RevokeStaleRefresh(ctx context.Context, refreshToken string) (bool, error) {
	if err := ctxErr(ctx); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byPrevious[HashToken(refreshToken)]
	if !ok {
		return false, nil
	}
	_, exists := m.sessions[id]
	m.deleteLocked(id)
	return exists, nil
}

// Len returns the number of stored rows, live or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *MemoryStore) deleteLocked(id string) {
	rec, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	delete(m.byToken, rec.sess.TokenHash)
	if rec.sess.RefreshHash != "" {
		delete(m.byRefresh, rec.sess.RefreshHash)
	}
	if rec.previousHash != "" {
		delete(m.byPrevious, rec.previousHash)
	}
	if ids := m.userIndex[rec.sess.UserID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.userIndex, rec.sess.UserID)
		}
	}
}
