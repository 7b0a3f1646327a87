// Package suppression owns the list of addresses that must never receive
// mail. The dispatcher's transport consults it before every send; webhook
// ingestion and admins mutate it.
package suppression

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"bringmehome/internal/db"
	"bringmehome/internal/types"
)

// Store is the persistence used by Service. *db.SuppressionRepository
// satisfies it.
type Store interface {
	Upsert(ctx context.Context, s *types.EmailSuppression) (*types.EmailSuppression, error)
	Exists(ctx context.Context, email string) (bool, error)
	FindSuppressed(ctx context.Context, emails []string) ([]string, error)
	Delete(ctx context.Context, email string) (bool, error)
	List(ctx context.Context, f db.SuppressionFilter) ([]*types.EmailSuppression, int, error)
	Stats(ctx context.Context) (*types.SuppressionStats, error)
	GetByEmail(ctx context.Context, email string) (*types.EmailSuppression, error)
}

// UserOptOut sets the global opt-out of the user owning an address.
// *db.UserRepository satisfies it.
type UserOptOut interface {
	OptOutByEmail(ctx context.Context, email, note string) (bool, error)
}

// Opt-out notes written when a suppression forces a user opt-out.
const (
	NoteSpamComplaint   = "Automatically opted out: email marked as spam"
	NoteBouncePermanent = "Automatically opted out: email address bounced permanently"
)

// AddInput is a request to suppress an address.
type AddInput struct {
	Email         string                  `json:"email" validate:"required,email"`
	Reason        types.SuppressionReason `json:"reason" validate:"required"`
	ReasonDetails string                  `json:"reasonDetails,omitempty"`
	Source        types.SuppressionSource `json:"source" validate:"required"`
	BounceType    string                  `json:"bounceType,omitempty"`
	BounceSubType string                  `json:"bounceSubType,omitempty"`
}

// Service implements the suppression list operations.
type Service struct {
	store    Store
	users    UserOptOut
	validate *validator.Validate
	logger   types.Logger
}

// NewService creates a Service. users may be nil, in which case forced
// opt-outs are skipped.
func NewService(store Store, users UserOptOut, logger types.Logger) *Service {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Service{
		store:    store,
		users:    users,
		validate: validator.New(),
		logger:   logger,
	}
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsSuppressed reports whether the address is on the list. Comparison is
// case-insensitive.
func (s *Service) IsSuppressed(ctx context.Context, email string) (bool, error) {
	email = normalize(email)
	if email == "" {
		return false, nil
	}
	return s.store.Exists(ctx, email)
}

// AreEmailsSuppressed returns a map from each input address (as given) to
// whether it is suppressed.
func (s *Service) AreEmailsSuppressed(ctx context.Context, emails []string) (map[string]bool, error) {
	out := make(map[string]bool, len(emails))
	if len(emails) == 0 {
		return out, nil
	}

	lookup := make([]string, 0, len(emails))
	for _, e := range emails {
		out[e] = false
		if n := normalize(e); n != "" {
			lookup = append(lookup, n)
		}
	}

	found, err := s.store.FindSuppressed(ctx, lookup)
	if err != nil {
		return nil, err
	}
	hit := make(map[string]struct{}, len(found))
	for _, f := range found {
		hit[f] = struct{}{}
	}
	for _, e := range emails {
		_, out[e] = hit[normalize(e)]
	}
	return out, nil
}

// Add upserts the address. Adding an existing address overwrites its
// metadata. Spam complaints and permanent bounces also set the global
// opt-out of the user with that address, if one exists.
func (s *Service) Add(ctx context.Context, in AddInput) (*types.EmailSuppression, error) {
	in.Email = normalize(in.Email)
	if err := s.validate.Struct(in); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid suppression request", err)
	}
	if !in.Reason.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidReason, "unknown suppression reason: "+string(in.Reason), nil)
	}
	if !in.Source.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidReason, "unknown suppression source: "+string(in.Source), nil)
	}

	rec, err := s.store.Upsert(ctx, &types.EmailSuppression{
		ID:            uuid.NewString(),
		Email:         in.Email,
		Reason:        in.Reason,
		ReasonDetails: in.ReasonDetails,
		Source:        in.Source,
		BounceType:    in.BounceType,
		BounceSubType: in.BounceSubType,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("email suppressed",
		"email", types.RedactEmail(in.Email),
		"reason", string(in.Reason),
		"source", string(in.Source),
	)

	if in.Reason.ForcesOptOut() && s.users != nil {
		note := NoteBouncePermanent
		if in.Reason == types.ReasonSpamComplaint {
			note = NoteSpamComplaint
		}
		found, err := s.users.OptOutByEmail(ctx, in.Email, note)
		if err != nil {
			return nil, err
		}
		if found {
			s.logger.Info("user opted out after suppression",
				"email", types.RedactEmail(in.Email),
				"reason", string(in.Reason),
			)
		}
	}
	return rec, nil
}

// Remove deletes the address from the list. It returns false, not an error,
// when the address was not suppressed. The user's opt-out flag is left as is.
func (s *Service) Remove(ctx context.Context, email string) (bool, error) {
	email = normalize(email)
	if email == "" {
		return false, types.NewAppError(types.ErrCodeValidationMissingField, "email is required", nil)
	}
	removed, err := s.store.Delete(ctx, email)
	if err != nil {
		return false, err
	}
	if removed {
		s.logger.Info("email unsuppressed", "email", types.RedactEmail(email))
	}
	return removed, nil
}

// Get returns the suppression entry for an address, or nil.
func (s *Service) Get(ctx context.Context, email string) (*types.EmailSuppression, error) {
	return s.store.GetByEmail(ctx, normalize(email))
}

// List returns a filtered page of the list.
func (s *Service) List(ctx context.Context, f db.SuppressionFilter) ([]*types.EmailSuppression, int, error) {
	if f.Reason != "" && !f.Reason.Valid() {
		return nil, 0, types.NewAppError(types.ErrCodeValidationInvalidReason, "unknown suppression reason: "+string(f.Reason), nil)
	}
	return s.store.List(ctx, f)
}

// Stats returns the total and per-reason counts.
func (s *Service) Stats(ctx context.Context) (*types.SuppressionStats, error) {
	return s.store.Stats(ctx)
}
