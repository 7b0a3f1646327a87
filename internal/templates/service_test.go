package templates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bringmehome/internal/types"
)

type fakeStore struct {
	byID    map[string]*types.EmailTemplate
	refs    map[string]int
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]*types.EmailTemplate{}, refs: map[string]int{}}
}

func (f *fakeStore) Create(_ context.Context, t *types.EmailTemplate) (*types.EmailTemplate, error) {
	for _, existing := range f.byID {
		if existing.Name == t.Name {
			return nil, types.NewAppError(types.ErrCodeConflictTemplateName, "a template with this name already exists", nil)
		}
	}
	cp := *t
	f.byID[t.ID] = &cp
	return &cp, nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*types.EmailTemplate, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "email template not found", nil)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) GetByName(_ context.Context, name string) (*types.EmailTemplate, error) {
	for _, t := range f.byID {
		if t.Name == name {
			return t, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "email template not found", nil)
}

func (f *fakeStore) List(_ context.Context, activeOnly bool) ([]*types.EmailTemplate, error) {
	var out []*types.EmailTemplate
	for _, t := range f.byID {
		if !activeOnly || t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) Update(_ context.Context, t *types.EmailTemplate) (*types.EmailTemplate, error) {
	cp := *t
	f.byID[t.ID] = &cp
	return &cp, nil
}

func (f *fakeStore) CountReferences(_ context.Context, id string) (int, error) {
	return f.refs[id], nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundTemplate, "email template not found", nil)
	}
	delete(f.byID, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestService(store Store) *Service {
	return NewService(store, NewRenderer(), "https://bringmehome.org", nil)
}

func requireCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
}

func TestService_Create(t *testing.T) {
	svc := newTestService(newFakeStore())
	tpl, err := svc.Create(context.Background(), CreateInput{
		Name:        "  comment-approved ",
		Subject:     "Your comment on {{ personName }} was approved",
		HTMLContent: "<p>Thanks</p>{{UNSUBSCRIBE_FULL}}",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tpl.ID)
	assert.Equal(t, "comment-approved", tpl.Name)
	assert.True(t, tpl.IsActive)
}

func TestService_Create_Invalid(t *testing.T) {
	svc := newTestService(newFakeStore())
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Name: "x", Subject: "s"})
	requireCode(t, err, types.ErrCodeValidationInvalidBody)

	_, err = svc.Create(ctx, CreateInput{Name: "x", Subject: "s", HTMLContent: "<p>", WebhookURL: "not a url"})
	requireCode(t, err, types.ErrCodeValidationInvalidBody)

	_, err = svc.Create(ctx, CreateInput{Name: "x", Subject: "{% if x %}open", HTMLContent: "<p>"})
	requireCode(t, err, types.ErrCodeValidationInvalidTemplate)
}

func TestService_Update(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	tpl, err := svc.Create(ctx, CreateInput{Name: "a", Subject: "s", HTMLContent: "<p>h</p>"})
	require.NoError(t, err)

	inactive := false
	subject := "new subject"
	out, err := svc.Update(ctx, tpl.ID, UpdateInput{Subject: &subject, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "new subject", out.Subject)
	assert.Equal(t, "<p>h</p>", out.HTMLContent)
	assert.False(t, out.IsActive)

	_, err = svc.Update(ctx, "missing", UpdateInput{Subject: &subject})
	requireCode(t, err, types.ErrCodeNotFoundTemplate)
}

func TestService_Delete_GuardedByReferences(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	tpl, err := svc.Create(ctx, CreateInput{Name: "a", Subject: "s", HTMLContent: "<p>h</p>"})
	require.NoError(t, err)

	store.refs[tpl.ID] = 2
	err = svc.Delete(ctx, tpl.ID)
	requireCode(t, err, types.ErrCodeConflictTemplateInUse)
	assert.Empty(t, store.deleted)

	store.refs[tpl.ID] = 0
	require.NoError(t, svc.Delete(ctx, tpl.ID))
	assert.Equal(t, []string{tpl.ID}, store.deleted)
}

func TestService_Preview_UsesSampleVariables(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	tpl, err := svc.Create(ctx, CreateInput{
		Name:        "a",
		Subject:     "Hello {{ name }}",
		HTMLContent: "<p>{{ name }} follows {{ personName }}</p>{{UNSUBSCRIBE_PERSON_ONLY}}",
		Variables:   types.TemplateVars{"name": "Sam", "personName": "Jane Doe"},
	})
	require.NoError(t, err)

	out, err := svc.Preview(ctx, tpl.ID, map[string]any{"name": "Alex"})
	require.NoError(t, err)
	assert.Equal(t, "Hello Alex", out.Subject)
	assert.Contains(t, out.HTML, "Alex follows Jane Doe")
	assert.Contains(t, out.HTML, "https://bringmehome.org/profile/email-preferences?unsubscribe=person")
}
