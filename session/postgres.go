package session

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema creates the sessions table. session_token, refresh_token and
// previous_refresh_token hold HashToken digests.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
  id                     UUID PRIMARY KEY,
  user_id                TEXT NOT NULL,
  session_token          TEXT NOT NULL,
  refresh_token          TEXT,
  previous_refresh_token TEXT,
  expires_at             TIMESTAMPTZ NOT NULL,
  ip_address             TEXT,
  user_agent             TEXT,
  device_type            TEXT NOT NULL DEFAULT 'unknown',
  is_active              BOOLEAN NOT NULL DEFAULT TRUE,
  created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS sessions_session_token_key ON sessions (session_token);
CREATE INDEX IF NOT EXISTS sessions_refresh_token_idx ON sessions (refresh_token);
CREATE INDEX IF NOT EXISTS sessions_previous_refresh_token_idx ON sessions (previous_refresh_token)
  WHERE previous_refresh_token IS NOT NULL;
CREATE INDEX IF NOT EXISTS sessions_user_id_idx ON sessions (user_id);
`

const sessionColumns = `id::text, user_id, session_token, COALESCE(refresh_token, ''), expires_at,
  COALESCE(ip_address, ''), COALESCE(user_agent, ''), device_type, is_active, created_at, updated_at`

// DB is the subset of pgx used by the Postgres stores. *pgxpool.Pool, *pgx.Conn
// and pgx.Tx all satisfy it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps sessions in a relational table.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store over db. A nil now uses time.Now.
func NewPostgresStore(db DB, now func() time.Time) *PostgresStore {
	if now == nil {
		now = time.Now
	}
	return &PostgresStore{db: db, now: now}
}

// Migrate creates the sessions table and its indexes if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return unavailable(err)
	}
	return nil
}

// Create inserts a new active row.
func (s *PostgresStore) Create(ctx context.Context, in NewSession) (*Session, error) {
	now := s.now()
	if err := validateNew(in, now); err != nil {
		return nil, err
	}

	var refresh *string
	if in.RefreshToken != "" {
		h := HashToken(in.RefreshToken)
		refresh = &h
	}

	row := s.db.QueryRow(ctx, `
    INSERT INTO sessions (id, user_id, session_token, refresh_token, expires_at,
      ip_address, user_agent, device_type, is_active, created_at, updated_at)
    VALUES (gen_random_uuid(), $1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, TRUE, $8, $8)
    RETURNING `+sessionColumns,
		in.UserID,
		HashToken(in.Token),
		refresh,
		in.ExpiresAt,
		in.IPAddress,
		in.UserAgent,
		string(ClassifyUserAgent(in.UserAgent)),
		now,
	)
	sess, err := scanSession(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateToken
		}
		return nil, unavailable(err)
	}
	return sess, nil
}

// FindByToken returns the live row whose session_token matches.
func (s *PostgresStore) FindByToken(ctx context.Context, token string) (*Session, error) {
	return s.findBy(ctx, "session_token", token)
}

// FindByRefreshToken returns the live row whose refresh_token matches.
func (s *PostgresStore) FindByRefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	return s.findBy(ctx, "refresh_token", refreshToken)
}

func (s *PostgresStore) findBy(ctx context.Context, column, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	// column is one of two constants above, never caller input.
	row := s.db.QueryRow(ctx, `
    SELECT `+sessionColumns+`
    FROM sessions
    WHERE `+column+` = $1 AND is_active AND expires_at > $2
  `, HashToken(token), s.now())
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, unavailable(err)
	}
	return sess, nil
}

// Rotate swaps the token pair in a single conditional UPDATE keyed by id and
// the current refresh token. A losing concurrent caller matches zero rows.
func (s *PostgresStore) Rotate(ctx context.Context, r Rotation) (*Session, error) {
	now := s.now()
	if err := validateRotation(r, now); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, `
    UPDATE sessions
    SET session_token = $2,
        refresh_token = $3,
        previous_refresh_token = refresh_token,
        expires_at = $4,
        is_active = TRUE,
        updated_at = $6
    WHERE id::text = $1 AND refresh_token = $5 AND is_active AND expires_at > $6
    RETURNING `+sessionColumns,
		r.SessionID,
		HashToken(r.Token),
		HashToken(r.RefreshToken),
		r.ExpiresAt,
		HashToken(r.PreviousRefreshToken),
		now,
	)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrDuplicateToken
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, unavailable(err)
	}

	var live bool
	err = s.db.QueryRow(ctx, `
    SELECT is_active AND expires_at > $2 FROM sessions WHERE id::text = $1
  `, r.SessionID, now).Scan(&live)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, unavailable(err)
	case !live:
		return nil, ErrNotFound
	default:
		return nil, ErrRotateConflict
	}
}

// Invalidate deletes the row bound to token.
func (s *PostgresStore) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE session_token = $1`, HashToken(token)); err != nil {
		return unavailable(err)
	}
	return nil
}

// InvalidateByID deletes a row by id.
func (s *PostgresStore) InvalidateByID(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id::text = $1`, sessionID); err != nil {
		return unavailable(err)
	}
	return nil
}

// InvalidateUser deletes every row of userID and returns how many were live.
func (s *PostgresStore) InvalidateUser(ctx context.Context, userID string) (int, error) {
	var live int
	err := s.db.QueryRow(ctx, `
    WITH deleted AS (
      DELETE FROM sessions WHERE user_id = $1
      RETURNING is_active AND expires_at > $2 AS live
    )
    SELECT count(*) FILTER (WHERE live) FROM deleted
  `, userID, s.now()).Scan(&live)
	if err != nil {
		return 0, unavailable(err)
	}
	return live, nil
}

// RevokeStaleRefresh deletes the row whose previous_refresh_token matches.
func (s *PostgresStore) RevokeStaleRefresh(ctx context.Context, refreshToken string) (bool, error) {
	if refreshToken == "" {
		return false, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE previous_refresh_token = $1`, HashToken(refreshToken))
	if err != nil {
		return false, unavailable(err)
	}
	return tag.RowsAffected() > 0, nil
}

// PurgeExpired deletes rows that expired before cutoff and returns the count.
func (s *PostgresStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= $1 OR NOT is_active`, cutoff)
	if err != nil {
		return 0, unavailable(err)
	}
	return tag.RowsAffected(), nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var (
		sess   Session
		device string
	)
	err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.TokenHash,
		&sess.RefreshHash,
		&sess.ExpiresAt,
		&sess.IPAddress,
		&sess.UserAgent,
		&device,
		&sess.IsActive,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.DeviceType = DeviceType(device)
	return &sess, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
