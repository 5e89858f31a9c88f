package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MrEthical07/courseauth"
	"github.com/MrEthical07/courseauth/permission"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// memoryUsers is the account backend of the memory and redis store backends.
type memoryUsers struct {
	mu      sync.RWMutex
	byID    map[string]courseauth.UserRecord
	byEmail map[string]string
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{
		byID:    make(map[string]courseauth.UserRecord),
		byEmail: make(map[string]string),
	}
}

func (m *memoryUsers) put(u courseauth.UserRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.Email = strings.ToLower(u.Email)
	m.byID[u.ID] = u
	m.byEmail[u.Email] = u.ID
}

func (m *memoryUsers) GetUserByEmail(_ context.Context, email string) (courseauth.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return courseauth.UserRecord{}, courseauth.ErrUserNotFound
	}
	return m.byID[id], nil
}

func (m *memoryUsers) GetUserByID(_ context.Context, userID string) (courseauth.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.byID[userID]
	if !ok {
		return courseauth.UserRecord{}, courseauth.ErrUserNotFound
	}
	return u, nil
}

func (m *memoryUsers) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[userID]
	if !ok {
		return courseauth.ErrUserNotFound
	}
	u.PasswordHash = hash
	m.byID[userID] = u
	return nil
}

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
  id            TEXT PRIMARY KEY,
  email         TEXT NOT NULL UNIQUE,
  role          TEXT NOT NULL CHECK (role IN ('admin', 'teacher', 'student')),
  password_hash TEXT NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// postgresUsers reads accounts from the users table.
type postgresUsers struct {
	db pgDB
}

func (p *postgresUsers) migrate(ctx context.Context) error {
	_, err := p.db.Exec(ctx, usersSchema)
	return err
}

func (p *postgresUsers) GetUserByEmail(ctx context.Context, email string) (courseauth.UserRecord, error) {
	return p.get(ctx, `SELECT id, email, role, password_hash FROM users WHERE lower(email) = lower($1)`, email)
}

func (p *postgresUsers) GetUserByID(ctx context.Context, userID string) (courseauth.UserRecord, error) {
	return p.get(ctx, `SELECT id, email, role, password_hash FROM users WHERE id = $1`, userID)
}

func (p *postgresUsers) get(ctx context.Context, query, arg string) (courseauth.UserRecord, error) {
	var (
		u    courseauth.UserRecord
		role string
	)
	err := p.db.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &role, &u.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return courseauth.UserRecord{}, courseauth.ErrUserNotFound
	}
	if err != nil {
		return courseauth.UserRecord{}, fmt.Errorf("users: %w", err)
	}
	u.Role = permission.Role(role)
	return u, nil
}

func (p *postgresUsers) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	tag, err := p.db.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, userID, hash)
	if err != nil {
		return fmt.Errorf("users: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return courseauth.ErrUserNotFound
	}
	return nil
}
