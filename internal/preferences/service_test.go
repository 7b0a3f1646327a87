package preferences

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bringmehome/internal/db"
	"bringmehome/internal/types"
)

type fakeStore struct {
	users   map[string]*types.User
	persons map[string]map[string]types.OptOutSource
	cleared int
}

func newFakeStore(users ...*types.User) *fakeStore {
	f := &fakeStore{users: map[string]*types.User{}, persons: map[string]map[string]types.OptOutSource{}}
	for _, u := range users {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*types.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return u, nil
}

func (f *fakeStore) SetGlobalOptOut(_ context.Context, userID string, optOut bool, note string) error {
	u, ok := f.users[userID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	u.OptOutOfAllEmail = optOut
	u.OptOutNote = ""
	if optOut {
		u.OptOutNote = note
	}
	return nil
}

func (f *fakeStore) UpsertPersonOptOut(_ context.Context, userID, personID string, source types.OptOutSource) error {
	if f.persons[userID] == nil {
		f.persons[userID] = map[string]types.OptOutSource{}
	}
	f.persons[userID][personID] = source
	return nil
}

func (f *fakeStore) DeletePersonOptOut(_ context.Context, userID, personID string) error {
	delete(f.persons[userID], personID)
	return nil
}

func (f *fakeStore) ClearPersonOptOuts(_ context.Context, userID string) (int64, error) {
	n := int64(len(f.persons[userID]))
	delete(f.persons, userID)
	f.cleared++
	return n, nil
}

func (f *fakeStore) ListPersonOptOuts(_ context.Context, userID string) ([]types.PersonOptOut, error) {
	var out []types.PersonOptOut
	for pid, src := range f.persons[userID] {
		out = append(out, types.PersonOptOut{UserID: userID, PersonID: pid, Source: src})
	}
	return out, nil
}

func (f *fakeStore) GetOptOutState(_ context.Context, userID string, personID *string) (db.OptOutState, error) {
	u, ok := f.users[userID]
	if !ok {
		return db.OptOutState{}, nil
	}
	st := db.OptOutState{UserFound: true, Global: u.OptOutOfAllEmail}
	if personID != nil {
		_, st.PersonScoped = f.persons[userID][*personID]
	}
	return st, nil
}

func strPtr(s string) *string { return &s }

func TestSetGlobal_OptOutWritesDefaultNote(t *testing.T) {
	store := newFakeStore(&types.User{ID: "u1"})
	svc := NewService(store, nil)

	require.NoError(t, svc.SetGlobal(context.Background(), "u1", true, ""))
	assert.True(t, store.users["u1"].OptOutOfAllEmail)
	assert.Equal(t, NoteUserGlobal, store.users["u1"].OptOutNote)
	assert.Zero(t, store.cleared)
}

func TestSetGlobal_ResubscribeClearsPersonOptOuts(t *testing.T) {
	store := newFakeStore(&types.User{ID: "u1", OptOutOfAllEmail: true})
	svc := NewService(store, nil)
	ctx := context.Background()
	require.NoError(t, svc.SetPerson(ctx, "u1", "p1", true, ""))
	require.NoError(t, svc.SetPerson(ctx, "u1", "p2", true, types.OptOutSourceWebhook))

	require.NoError(t, svc.SetGlobal(ctx, "u1", false, ""))

	prefs, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, prefs.OptOutOfAllEmail)
	assert.Empty(t, prefs.PersonOptOuts)
	assert.Equal(t, 1, store.cleared)
}

func TestSetGlobal_UnknownUser(t *testing.T) {
	err := NewService(newFakeStore(), nil).SetGlobal(context.Background(), "ghost", true, "")
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestSetPerson(t *testing.T) {
	store := newFakeStore(&types.User{ID: "u1"})
	svc := NewService(store, nil)
	ctx := context.Background()

	require.NoError(t, svc.SetPerson(ctx, "u1", "p1", true, ""))
	assert.Equal(t, types.OptOutSourceUser, store.persons["u1"]["p1"])

	require.NoError(t, svc.SetPerson(ctx, "u1", "p1", false, ""))
	assert.NotContains(t, store.persons["u1"], "p1")

	err := svc.SetPerson(ctx, "u1", "", true, "")
	require.Error(t, err)
}

func TestCanReceive(t *testing.T) {
	store := newFakeStore(
		&types.User{ID: "global", OptOutOfAllEmail: true},
		&types.User{ID: "scoped"},
	)
	store.persons["scoped"] = map[string]types.OptOutSource{"p1": types.OptOutSourceUser}
	svc := NewService(store, nil)

	tests := []struct {
		name     string
		userID   *string
		personID *string
		want     Decision
	}{
		{"no user", nil, strPtr("p1"), Allowed},
		{"unknown user", strPtr("ghost"), nil, Allowed},
		{"global opt-out", strPtr("global"), nil, OptedOutGlobal},
		{"global opt-out with person", strPtr("global"), strPtr("p9"), OptedOutGlobal},
		{"person match", strPtr("scoped"), strPtr("p1"), OptedOutPerson},
		{"other person", strPtr("scoped"), strPtr("p2"), Allowed},
		{"no person on row", strPtr("scoped"), nil, Allowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.CanReceive(context.Background(), tt.userID, tt.personID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, got.String())
		})
	}
}
