// Package preferences manages user email opt-outs and answers whether a
// notification may be sent to its user.
package preferences

import (
	"context"

	"bringmehome/internal/db"
	"bringmehome/internal/types"
)

// Store is the persistence used by Service. *db.UserRepository satisfies it.
type Store interface {
	GetByID(ctx context.Context, id string) (*types.User, error)
	SetGlobalOptOut(ctx context.Context, userID string, optOut bool, note string) error
	UpsertPersonOptOut(ctx context.Context, userID, personID string, source types.OptOutSource) error
	DeletePersonOptOut(ctx context.Context, userID, personID string) error
	ClearPersonOptOuts(ctx context.Context, userID string) (int64, error)
	ListPersonOptOuts(ctx context.Context, userID string) ([]types.PersonOptOut, error)
	GetOptOutState(ctx context.Context, userID string, personID *string) (db.OptOutState, error)
}

// Notes written when the opt-out comes from a user or a provider callback.
const (
	NoteUserGlobal     = "Opted out of all email from profile settings"
	NoteUnsubscribeAll = "Opted out of all email via unsubscribe link"
)

// Decision is the outcome of an eligibility check.
type Decision int

const (
	// Allowed means the notification may be sent.
	Allowed Decision = iota
	// OptedOutGlobal means the user opted out of all email.
	OptedOutGlobal
	// OptedOutPerson means the user opted out of mail about this person.
	OptedOutPerson
)

func (d Decision) String() string {
	switch d {
	case OptedOutGlobal:
		return "opted_out_global"
	case OptedOutPerson:
		return "opted_out_person"
	}
	return "allowed"
}

// Preferences is the view returned to the profile page.
type Preferences struct {
	OptOutOfAllEmail bool                 `json:"optOutOfAllEmail"`
	PersonOptOuts    []types.PersonOptOut `json:"personOptOuts"`
}

// Service implements the preference toggles.
type Service struct {
	store  Store
	logger types.Logger
}

// NewService creates a Service.
func NewService(store Store, logger types.Logger) *Service {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Service{store: store, logger: logger}
}

// Get returns the user's global flag and person opt-outs.
func (s *Service) Get(ctx context.Context, userID string) (*Preferences, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	persons, err := s.store.ListPersonOptOuts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if persons == nil {
		persons = []types.PersonOptOut{}
	}
	return &Preferences{OptOutOfAllEmail: u.OptOutOfAllEmail, PersonOptOuts: persons}, nil
}

// SetGlobal sets or clears the all-email opt-out. Re-subscribing also clears
// every person opt-out of the user.
func (s *Service) SetGlobal(ctx context.Context, userID string, optOut bool, note string) error {
	if optOut && note == "" {
		note = NoteUserGlobal
	}
	if err := s.store.SetGlobalOptOut(ctx, userID, optOut, note); err != nil {
		return err
	}
	if optOut {
		s.logger.Info("user opted out of all email", "user_id", userID)
		return nil
	}

	cleared, err := s.store.ClearPersonOptOuts(ctx, userID)
	if err != nil {
		return err
	}
	s.logger.Info("user re-subscribed to email", "user_id", userID, "person_opt_outs_cleared", cleared)
	return nil
}

// SetPerson records or removes an opt-out scoped to one person.
func (s *Service) SetPerson(ctx context.Context, userID, personID string, optOut bool, source types.OptOutSource) error {
	if personID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "personId is required", nil)
	}
	if !optOut {
		return s.store.DeletePersonOptOut(ctx, userID, personID)
	}
	if source == "" {
		source = types.OptOutSourceUser
	}
	return s.store.UpsertPersonOptOut(ctx, userID, personID, source)
}

// CanReceive decides whether a notification owned by userID and optionally
// about personID may be sent. A notification without an owning user, or whose
// user no longer exists, is allowed; recipient resolution handles the rest.
func (s *Service) CanReceive(ctx context.Context, userID *string, personID *string) (Decision, error) {
	if userID == nil || *userID == "" {
		return Allowed, nil
	}
	st, err := s.store.GetOptOutState(ctx, *userID, personID)
	if err != nil {
		return Allowed, err
	}
	switch {
	case !st.UserFound:
		return Allowed, nil
	case st.Global:
		return OptedOutGlobal, nil
	case personID != nil && st.PersonScoped:
		return OptedOutPerson, nil
	}
	return Allowed, nil
}
