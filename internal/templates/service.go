// Package templates is the email template store: admin CRUD guarded against
// deleting referenced templates, and liquid rendering with unsubscribe
// blocks.
package templates

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"bringmehome/internal/types"
)

// Store is the persistence used by Service. *db.TemplateRepository
// satisfies it.
type Store interface {
	Create(ctx context.Context, t *types.EmailTemplate) (*types.EmailTemplate, error)
	GetByID(ctx context.Context, id string) (*types.EmailTemplate, error)
	GetByName(ctx context.Context, name string) (*types.EmailTemplate, error)
	List(ctx context.Context, activeOnly bool) ([]*types.EmailTemplate, error)
	Update(ctx context.Context, t *types.EmailTemplate) (*types.EmailTemplate, error)
	CountReferences(ctx context.Context, id string) (int, error)
	Delete(ctx context.Context, id string) error
}

// CreateInput is a new template.
type CreateInput struct {
	Name            string             `json:"name" validate:"required,max=200"`
	Subject         string             `json:"subject" validate:"required,max=998"`
	HTMLContent     string             `json:"htmlContent" validate:"required"`
	TextContent     string             `json:"textContent"`
	Variables       types.TemplateVars `json:"variables"`
	TrackingEnabled bool               `json:"trackingEnabled"`
	WebhookURL      string             `json:"webhookUrl" validate:"omitempty,url"`
	IsActive        *bool              `json:"isActive"`
}

// UpdateInput changes the fields that are set.
type UpdateInput struct {
	Name            *string            `json:"name" validate:"omitempty,min=1,max=200"`
	Subject         *string            `json:"subject" validate:"omitempty,min=1,max=998"`
	HTMLContent     *string            `json:"htmlContent" validate:"omitempty,min=1"`
	TextContent     *string            `json:"textContent"`
	Variables       types.TemplateVars `json:"variables"`
	TrackingEnabled *bool              `json:"trackingEnabled"`
	WebhookURL      *string            `json:"webhookUrl" validate:"omitempty,url"`
	IsActive        *bool              `json:"isActive"`
}

// Service implements the template store.
type Service struct {
	store    Store
	renderer *Renderer
	validate *validator.Validate
	baseURL  string
	logger   types.Logger
}

// NewService creates a Service. baseURL is used for the unsubscribe links in
// previews.
func NewService(store Store, renderer *Renderer, baseURL string, logger types.Logger) *Service {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Service{
		store:    store,
		renderer: renderer,
		validate: validator.New(),
		baseURL:  baseURL,
		logger:   logger,
	}
}

// Renderer returns the renderer used by the service.
func (s *Service) Renderer() *Renderer { return s.renderer }

func (s *Service) checkSyntax(t *types.EmailTemplate) error {
	err := s.renderer.Validate(Content{Subject: t.Subject, HTML: t.HTMLContent, Text: t.TextContent})
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidTemplate, "template does not parse: "+err.Error(), err)
	}
	return nil
}

// Create validates and stores a template. Templates are active unless the
// input says otherwise.
func (s *Service) Create(ctx context.Context, in CreateInput) (*types.EmailTemplate, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid template", err)
	}
	t := &types.EmailTemplate{
		ID:              uuid.NewString(),
		Name:            in.Name,
		Subject:         in.Subject,
		HTMLContent:     in.HTMLContent,
		TextContent:     in.TextContent,
		Variables:       in.Variables,
		TrackingEnabled: in.TrackingEnabled,
		WebhookURL:      in.WebhookURL,
		IsActive:        in.IsActive == nil || *in.IsActive,
	}
	if err := s.checkSyntax(t); err != nil {
		return nil, err
	}
	out, err := s.store.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	s.logger.Info("email template created", "template_id", out.ID, "name", out.Name)
	return out, nil
}

// Get returns a template by id.
func (s *Service) Get(ctx context.Context, id string) (*types.EmailTemplate, error) {
	return s.store.GetByID(ctx, id)
}

// GetByName returns a template by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (*types.EmailTemplate, error) {
	return s.store.GetByName(ctx, name)
}

// List returns templates ordered by name.
func (s *Service) List(ctx context.Context, activeOnly bool) ([]*types.EmailTemplate, error) {
	out, err := s.store.List(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*types.EmailTemplate{}
	}
	return out, nil
}

// Update applies the set fields of in to the template.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*types.EmailTemplate, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidBody, "invalid template", err)
	}
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		t.Name = strings.TrimSpace(*in.Name)
	}
	if in.Subject != nil {
		t.Subject = *in.Subject
	}
	if in.HTMLContent != nil {
		t.HTMLContent = *in.HTMLContent
	}
	if in.TextContent != nil {
		t.TextContent = *in.TextContent
	}
	if in.Variables != nil {
		t.Variables = in.Variables
	}
	if in.TrackingEnabled != nil {
		t.TrackingEnabled = *in.TrackingEnabled
	}
	if in.WebhookURL != nil {
		t.WebhookURL = *in.WebhookURL
	}
	if in.IsActive != nil {
		t.IsActive = *in.IsActive
	}
	if err := s.checkSyntax(t); err != nil {
		return nil, err
	}
	return s.store.Update(ctx, t)
}

// Delete removes a template that no queued notification references.
func (s *Service) Delete(ctx context.Context, id string) error {
	refs, err := s.store.CountReferences(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictTemplateInUse,
			"template is referenced by queued notifications", nil,
			map[string]any{"references": refs})
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("email template deleted", "template_id", id)
	return nil
}

// Preview renders the template with its sample variables, overridden by
// vars.
func (s *Service) Preview(ctx context.Context, id string, vars map[string]any) (*Rendered, error) {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(t.Variables)+len(vars))
	for k, v := range t.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	personName, _ := merged["personName"].(string)
	links := BuildUnsubscribeLinks(s.baseURL, "preview", personName)

	out, err := s.renderer.Render(TemplateContent(t), merged, links)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTemplate, "failed to render template preview", err)
	}
	return out, nil
}

// TemplateContent returns the renderable parts of t.
func TemplateContent(t *types.EmailTemplate) Content {
	return Content{Subject: t.Subject, HTML: t.HTMLContent, Text: t.TextContent}
}
