package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"bringmehome/internal/types"
)

// SessionRepository resolves session tokens issued by the site's auth layer.
// Tokens are stored as SHA-256 digests.
type SessionRepository struct {
	db  DBTX
	now func() time.Time
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db, now: time.Now}
}

// HashToken returns the hex SHA-256 digest stored for a raw token.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ResolveToken returns the Actor owning the session token.
func (r *SessionRepository) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	var (
		actor     types.Actor
		expiresAt time.Time
	)
	err := r.db.QueryRow(ctx,
		`SELECT u.id, u.email, s.is_site_admin, s.expires_at
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash = $1`,
		HashToken(token),
	).Scan(&actor.UserID, &actor.Email, &actor.IsSiteAdmin, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "session not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to resolve session", err)
	}
	if !expiresAt.After(r.now()) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "session expired", nil)
	}
	return &actor, nil
}
