package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"bringmehome/internal/types"
)

// SuppressionRepository provides data access for email_suppressions. Emails
// are stored lower-cased and are unique.
type SuppressionRepository struct {
	db DBTX
}

// NewSuppressionRepository creates a SuppressionRepository.
func NewSuppressionRepository(db DBTX) *SuppressionRepository {
	return &SuppressionRepository{db: db}
}

const suppressionColumns = `id, email, reason, reason_details, source, bounce_type,
	bounce_sub_type, created_at, updated_at`

func scanSuppression(row pgx.Row) (*types.EmailSuppression, error) {
	var s types.EmailSuppression
	var details, bounceType, bounceSubType *string
	if err := row.Scan(
		&s.ID,
		&s.Email,
		&s.Reason,
		&details,
		&s.Source,
		&bounceType,
		&bounceSubType,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.ReasonDetails = derefString(details)
	s.BounceType = derefString(bounceType)
	s.BounceSubType = derefString(bounceSubType)
	return &s, nil
}

// Upsert inserts the suppression or overwrites the metadata of the existing
// row for the same address.
func (r *SuppressionRepository) Upsert(ctx context.Context, s *types.EmailSuppression) (*types.EmailSuppression, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO email_suppressions
		 (id, email, reason, reason_details, source, bounce_type, bounce_sub_type, created_at, updated_at)
		 VALUES ($1, LOWER($2), $3, $4, $5, $6, $7, NOW(), NOW())
		 ON CONFLICT (email) DO UPDATE SET
		     reason = EXCLUDED.reason,
		     reason_details = EXCLUDED.reason_details,
		     source = EXCLUDED.source,
		     bounce_type = EXCLUDED.bounce_type,
		     bounce_sub_type = EXCLUDED.bounce_sub_type,
		     updated_at = NOW()
		 RETURNING `+suppressionColumns,
		s.ID,
		s.Email,
		string(s.Reason),
		nilIfEmpty(s.ReasonDetails),
		string(s.Source),
		nilIfEmpty(s.BounceType),
		nilIfEmpty(s.BounceSubType),
	)
	out, err := scanSuppression(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert email suppression", err)
	}
	return out, nil
}

// Exists reports whether the address is suppressed.
func (r *SuppressionRepository) Exists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM email_suppressions WHERE email = LOWER($1))`,
		email,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check email suppression", err)
	}
	return exists, nil
}

// FindSuppressed returns the subset of emails (lower-cased) that are suppressed.
func (r *SuppressionRepository) FindSuppressed(ctx context.Context, emails []string) ([]string, error) {
	if len(emails) == 0 {
		return nil, nil
	}
	lowered := make([]string, len(emails))
	for i, e := range emails {
		lowered[i] = strings.ToLower(e)
	}
	rows, err := r.db.Query(ctx,
		`SELECT email FROM email_suppressions WHERE email = ANY($1)`,
		lowered,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up email suppressions", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan email suppression", err)
		}
		out = append(out, email)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate email suppressions", err)
	}
	return out, nil
}

// Delete removes the address. It returns false when nothing was suppressed.
func (r *SuppressionRepository) Delete(ctx context.Context, email string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM email_suppressions WHERE email = LOWER($1)`,
		email,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to delete email suppression", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SuppressionFilter narrows the suppression listing. Search matches email or
// reason details, case-insensitively.
type SuppressionFilter struct {
	Reason types.SuppressionReason
	Search string
	Limit  int
	Offset int
}

// List returns a page of suppressions, newest first, with the total count.
func (r *SuppressionRepository) List(ctx context.Context, f SuppressionFilter) ([]*types.EmailSuppression, int, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if f.Reason != "" {
		conditions = append(conditions, fmt.Sprintf("reason = $%d", argIdx))
		args = append(args, string(f.Reason))
		argIdx++
	}
	if f.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(email ILIKE $%d OR reason_details ILIKE $%d)", argIdx, argIdx))
		args = append(args, "%"+escapeLike(f.Search)+"%")
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT %s, COUNT(*) OVER() AS total
		 FROM email_suppressions
		 %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`,
		suppressionColumns, where, argIdx, argIdx+1,
	)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to list email suppressions", err)
	}
	defer rows.Close()

	var (
		out   []*types.EmailSuppression
		total int
	)
	for rows.Next() {
		var s types.EmailSuppression
		var details, bounceType, bounceSubType *string
		if err := rows.Scan(
			&s.ID, &s.Email, &s.Reason, &details, &s.Source,
			&bounceType, &bounceSubType, &s.CreatedAt, &s.UpdatedAt, &total,
		); err != nil {
			return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to scan email suppression", err)
		}
		s.ReasonDetails = derefString(details)
		s.BounceType = derefString(bounceType)
		s.BounceSubType = derefString(bounceSubType)
		out = append(out, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate email suppressions", err)
	}
	return out, total, nil
}

// Stats returns the total and per-reason counts.
func (r *SuppressionRepository) Stats(ctx context.Context) (*types.SuppressionStats, error) {
	rows, err := r.db.Query(ctx,
		`SELECT reason, COUNT(*) FROM email_suppressions GROUP BY reason`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count email suppressions", err)
	}
	defer rows.Close()

	stats := &types.SuppressionStats{ByReason: make(map[types.SuppressionReason]int)}
	for rows.Next() {
		var reason types.SuppressionReason
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan suppression stats", err)
		}
		stats.ByReason[reason] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate suppression stats", err)
	}
	return stats, nil
}

// GetByEmail returns the suppression for an address.
func (r *SuppressionRepository) GetByEmail(ctx context.Context, email string) (*types.EmailSuppression, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+suppressionColumns+` FROM email_suppressions WHERE email = LOWER($1)`,
		email,
	)
	s, err := scanSuppression(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get email suppression", err)
	}
	return s, nil
}

// escapeLike escapes LIKE wildcards in user-supplied search text.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
