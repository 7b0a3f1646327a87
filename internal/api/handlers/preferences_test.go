package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bringmehome/internal/preferences"
	"bringmehome/internal/types"
)

type mockPreferenceService struct {
	getFn       func(ctx context.Context, userID string) (*preferences.Preferences, error)
	setGlobalFn func(ctx context.Context, userID string, optOut bool, note string) error
	setPersonFn func(ctx context.Context, userID, personID string, optOut bool, source types.OptOutSource) error

	lastUser   string
	lastPerson string
	lastOptOut bool
	lastSource types.OptOutSource
}

func (m *mockPreferenceService) Get(ctx context.Context, userID string) (*preferences.Preferences, error) {
	m.lastUser = userID
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return &preferences.Preferences{PersonOptOuts: []types.PersonOptOut{}}, nil
}

func (m *mockPreferenceService) SetGlobal(ctx context.Context, userID string, optOut bool, note string) error {
	m.lastUser, m.lastOptOut = userID, optOut
	if m.setGlobalFn != nil {
		return m.setGlobalFn(ctx, userID, optOut, note)
	}
	return nil
}

func (m *mockPreferenceService) SetPerson(ctx context.Context, userID, personID string, optOut bool, source types.OptOutSource) error {
	m.lastUser, m.lastPerson, m.lastOptOut, m.lastSource = userID, personID, optOut, source
	if m.setPersonFn != nil {
		return m.setPersonFn(ctx, userID, personID, optOut, source)
	}
	return nil
}

func TestPreferences_Get(t *testing.T) {
	svc := &mockPreferenceService{getFn: func(context.Context, string) (*preferences.Preferences, error) {
		return &preferences.Preferences{
			OptOutOfAllEmail: true,
			PersonOptOuts:    []types.PersonOptOut{{UserID: "user-1", PersonID: "p-9", Source: types.OptOutSourceUser}},
		}, nil
	}}
	h := NewPreferencesHandler(svc, testLogger())

	rec := serve(t, h, http.MethodGet, "/profile/email-preferences", nil, userActor())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", svc.lastUser)
	body := decodeBody[preferences.Preferences](t, rec)
	assert.True(t, body.OptOutOfAllEmail)
	require.Len(t, body.PersonOptOuts, 1)
	assert.Equal(t, "p-9", body.PersonOptOuts[0].PersonID)
}

func TestPreferences_RequiresSession(t *testing.T) {
	h := NewPreferencesHandler(&mockPreferenceService{}, testLogger())

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/profile/email-preferences"},
		{http.MethodPut, "/profile/email-preferences/global"},
		{http.MethodPut, "/profile/email-preferences/person/p-1"},
	} {
		rec := serve(t, h, tc.method, tc.path, map[string]bool{"optOut": true}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.path)
		assert.Equal(t, "Unauthorized", decodeBody[map[string]any](t, rec)["error"])
	}
}

func TestPreferences_PutGlobal(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantOptOut bool
	}{
		{"opt out", map[string]any{"optOut": true}, http.StatusOK, true},
		{"opt back in", map[string]any{"optOut": false}, http.StatusOK, false},
		{"missing flag", map[string]any{}, http.StatusBadRequest, false},
		{"string flag", map[string]any{"optOut": "yes"}, http.StatusBadRequest, false},
		{"not json", "optOut=true", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPreferenceService{}
			h := NewPreferencesHandler(svc, testLogger())

			rec := serve(t, h, http.MethodPut, "/profile/email-preferences/global", tt.body, userActor())

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, true, decodeBody[map[string]any](t, rec)["success"])
				assert.Equal(t, tt.wantOptOut, svc.lastOptOut)
			} else {
				assert.Equal(t, "optOut must be a boolean", decodeBody[map[string]any](t, rec)["error"])
			}
		})
	}
}

func TestPreferences_PutPerson(t *testing.T) {
	svc := &mockPreferenceService{}
	h := NewPreferencesHandler(svc, testLogger())

	rec := serve(t, h, http.MethodPut, "/profile/email-preferences/person/p-42", map[string]bool{"optOut": true}, userActor())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", svc.lastUser)
	assert.Equal(t, "p-42", svc.lastPerson)
	assert.True(t, svc.lastOptOut)
	assert.Equal(t, types.OptOutSourceUser, svc.lastSource)
}

func TestPreferences_ServiceFailureIsGeneric(t *testing.T) {
	svc := &mockPreferenceService{setGlobalFn: func(context.Context, string, bool, string) error {
		return errors.New("connection reset by peer")
	}}
	h := NewPreferencesHandler(svc, testLogger())

	rec := serve(t, h, http.MethodPut, "/profile/email-preferences/global", map[string]bool{"optOut": true}, userActor())

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Failed to update email preferences", decodeBody[map[string]any](t, rec)["error"])
}
