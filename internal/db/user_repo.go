package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"bringmehome/internal/types"
)

// UserRepository reads and writes the email preference state of users and
// their person-scoped opt-outs.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a UserRepository.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, name, opt_out_of_all_email, opt_out_note, opt_out_date`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var name, note *string
	if err := row.Scan(
		&u.ID,
		&u.Email,
		&name,
		&u.OptOutOfAllEmail,
		&note,
		&u.OptOutDate,
	); err != nil {
		return nil, err
	}
	u.Name = derefString(name)
	u.OptOutNote = derefString(note)
	return &u, nil
}

// GetByID returns a user by id.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*types.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user", err)
	}
	return u, nil
}

// GetByEmail returns the user with the address, or nil when none exists.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*types.User, error) {
	u, err := scanUser(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get user by email", err)
	}
	return u, nil
}

// SetGlobalOptOut sets or clears the user's all-email opt-out. Clearing also
// clears the note and date.
func (r *UserRepository) SetGlobalOptOut(ctx context.Context, userID string, optOut bool, note string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET opt_out_of_all_email = $2,
		     opt_out_note = CASE WHEN $2 THEN $3 ELSE NULL END,
		     opt_out_date = CASE WHEN $2 THEN NOW() ELSE NULL END
		 WHERE id = $1`,
		userID, optOut, nilIfEmpty(note),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update email opt-out", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// OptOutByEmail sets the global opt-out for the user owning email. It returns
// false when no user has that address.
func (r *UserRepository) OptOutByEmail(ctx context.Context, email, note string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET opt_out_of_all_email = true, opt_out_note = $2, opt_out_date = NOW()
		 WHERE LOWER(email) = LOWER($1)`,
		email, note,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to opt out user by email", err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertPersonOptOut records that the user wants no mail about the person.
func (r *UserRepository) UpsertPersonOptOut(ctx context.Context, userID, personID string, source types.OptOutSource) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO person_email_opt_outs (user_id, person_id, source, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id, person_id) DO UPDATE SET source = EXCLUDED.source`,
		userID, personID, string(source),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record person opt-out", err)
	}
	return nil
}

// DeletePersonOptOut removes a person-scoped opt-out.
func (r *UserRepository) DeletePersonOptOut(ctx context.Context, userID, personID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM person_email_opt_outs WHERE user_id = $1 AND person_id = $2`,
		userID, personID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to remove person opt-out", err)
	}
	return nil
}

// ClearPersonOptOuts removes every person-scoped opt-out of the user.
func (r *UserRepository) ClearPersonOptOuts(ctx context.Context, userID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM person_email_opt_outs WHERE user_id = $1`, userID)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to clear person opt-outs", err)
	}
	return tag.RowsAffected(), nil
}

// ListPersonOptOuts returns the user's person-scoped opt-outs.
func (r *UserRepository) ListPersonOptOuts(ctx context.Context, userID string) ([]types.PersonOptOut, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id, person_id, source, created_at
		 FROM person_email_opt_outs
		 WHERE user_id = $1
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list person opt-outs", err)
	}
	defer rows.Close()

	var out []types.PersonOptOut
	for rows.Next() {
		var o types.PersonOptOut
		if err := rows.Scan(&o.UserID, &o.PersonID, &o.Source, &o.CreatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan person opt-out", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate person opt-outs", err)
	}
	return out, nil
}

// OptOutState is the preference state relevant to one notification.
type OptOutState struct {
	UserFound    bool
	Global       bool
	PersonScoped bool
}

// GetOptOutState returns the user's global flag and whether a person opt-out
// exists for personID. personID may be nil.
func (r *UserRepository) GetOptOutState(ctx context.Context, userID string, personID *string) (OptOutState, error) {
	var st OptOutState
	err := r.db.QueryRow(ctx,
		`SELECT u.opt_out_of_all_email,
		        EXISTS (SELECT 1 FROM person_email_opt_outs p
		                WHERE p.user_id = u.id AND p.person_id = $2)
		 FROM users u
		 WHERE u.id = $1`,
		userID, personID,
	).Scan(&st.Global, &st.PersonScoped)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, nil
		}
		return st, types.NewAppError(types.ErrCodeInternalDB, "failed to load opt-out state", err)
	}
	st.UserFound = true
	return st, nil
}

// ScrubPersonalData deletes the user's sessions and anonymises their comments
// in one transaction.
func ScrubPersonalData(ctx context.Context, beginner TxBeginner, userID string) error {
	return RunInTx(ctx, beginner, func(tx DBTX) error {
		if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to delete user sessions", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE comments
			 SET author_name = 'Deleted user', author_email = NULL, ip_address = NULL, user_id = NULL
			 WHERE user_id = $1`, userID); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to anonymise user comments", err)
		}
		return nil
	})
}
