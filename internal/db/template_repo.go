package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"bringmehome/internal/types"
)

// TemplateRepository provides data access for email_templates.
type TemplateRepository struct {
	db DBTX
}

// NewTemplateRepository creates a TemplateRepository.
func NewTemplateRepository(db DBTX) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `id, name, subject, html_content, text_content, variables,
	tracking_enabled, webhook_url, is_active, created_at, updated_at`

func scanTemplate(row pgx.Row) (*types.EmailTemplate, error) {
	var t types.EmailTemplate
	var textContent, webhookURL *string
	if err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Subject,
		&t.HTMLContent,
		&textContent,
		&t.Variables,
		&t.TrackingEnabled,
		&webhookURL,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.TextContent = derefString(textContent)
	t.WebhookURL = derefString(webhookURL)
	return &t, nil
}

// Create inserts a template. Name must be unique.
func (r *TemplateRepository) Create(ctx context.Context, t *types.EmailTemplate) (*types.EmailTemplate, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO email_templates
		 (id, name, subject, html_content, text_content, variables, tracking_enabled,
		  webhook_url, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 RETURNING `+templateColumns,
		t.ID,
		t.Name,
		t.Subject,
		t.HTMLContent,
		nilIfEmpty(t.TextContent),
		t.Variables,
		t.TrackingEnabled,
		nilIfEmpty(t.WebhookURL),
		t.IsActive,
	)
	out, err := scanTemplate(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.NewAppError(types.ErrCodeConflictTemplateName, "a template with this name already exists", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create email template", err)
	}
	return out, nil
}

// GetByID returns a template by id.
func (r *TemplateRepository) GetByID(ctx context.Context, id string) (*types.EmailTemplate, error) {
	return r.getOne(ctx, `SELECT `+templateColumns+` FROM email_templates WHERE id = $1`, id)
}

// GetByName returns a template by its unique name.
func (r *TemplateRepository) GetByName(ctx context.Context, name string) (*types.EmailTemplate, error) {
	return r.getOne(ctx, `SELECT `+templateColumns+` FROM email_templates WHERE name = $1`, name)
}

func (r *TemplateRepository) getOne(ctx context.Context, query string, arg string) (*types.EmailTemplate, error) {
	t, err := scanTemplate(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "email template not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get email template", err)
	}
	return t, nil
}

// List returns templates ordered by name. activeOnly hides inactive ones.
func (r *TemplateRepository) List(ctx context.Context, activeOnly bool) ([]*types.EmailTemplate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+templateColumns+`
		 FROM email_templates
		 WHERE ($1 = false OR is_active = true)
		 ORDER BY name ASC`,
		activeOnly,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list email templates", err)
	}
	defer rows.Close()

	var out []*types.EmailTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan email template", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate email templates", err)
	}
	return out, nil
}

// Update overwrites the editable fields of a template.
func (r *TemplateRepository) Update(ctx context.Context, t *types.EmailTemplate) (*types.EmailTemplate, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE email_templates
		 SET name = $2, subject = $3, html_content = $4, text_content = $5,
		     variables = $6, tracking_enabled = $7, webhook_url = $8,
		     is_active = $9, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+templateColumns,
		t.ID,
		t.Name,
		t.Subject,
		t.HTMLContent,
		nilIfEmpty(t.TextContent),
		t.Variables,
		t.TrackingEnabled,
		nilIfEmpty(t.WebhookURL),
		t.IsActive,
	)
	out, err := scanTemplate(row)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, types.NewAppError(types.ErrCodeNotFoundTemplate, "email template not found", nil)
		case isUniqueViolation(err):
			return nil, types.NewAppError(types.ErrCodeConflictTemplateName, "a template with this name already exists", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update email template", err)
	}
	return out, nil
}

// CountReferences returns how many queue rows point at the template.
func (r *TemplateRepository) CountReferences(ctx context.Context, id string) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM email_notifications WHERE template_id = $1`, id,
	).Scan(&count); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count template references", err)
	}
	return count, nil
}

// Delete removes a template row unconditionally. The reference guard lives in
// the template service.
func (r *TemplateRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM email_templates WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete email template", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundTemplate, "email template not found", nil)
	}
	return nil
}
