package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"bringmehome/internal/types"
)

// NotificationRepository provides data access for the email_notifications
// queue table.
//
// Rows are claimed before sending by stamping claimed_by/claimed_at with a
// conditional UPDATE. A claim older than the lease is treated as abandoned,
// so a crashed run cannot strand a row in SENDING forever.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a NotificationRepository backed by the
// given pool or transaction.
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// notificationColumns must match the scan order in scanNotification.
const notificationColumns = `n.id, n.user_id, n.person_id, n.sent_to, n.subject, n.html_content,
	n.text_content, n.template_id, n.tracking_enabled, n.webhook_url, n.status,
	n.scheduled_for, n.retry_count, n.max_retries, n.sent_at, n.delivered_at,
	n.opened_at, n.message_id, n.provider, n.last_mail_server_message,
	n.last_mail_server_message_date, n.error_message, n.suppression_checked,
	n.webhook_events, n.created_at, n.updated_at, COALESCE(u.email, '')`

func scanNotification(row pgx.Row) (*types.EmailNotification, error) {
	var n types.EmailNotification
	var (
		sentTo, textContent, webhookURL          *string
		messageID, provider, lastMessage, errMsg *string
	)
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.PersonID,
		&sentTo,
		&n.Subject,
		&n.HTMLContent,
		&textContent,
		&n.TemplateID,
		&n.TrackingEnabled,
		&webhookURL,
		&n.Status,
		&n.ScheduledFor,
		&n.RetryCount,
		&n.MaxRetries,
		&n.SentAt,
		&n.DeliveredAt,
		&n.OpenedAt,
		&messageID,
		&provider,
		&lastMessage,
		&n.LastMailServerMessageDate,
		&errMsg,
		&n.SuppressionChecked,
		&n.WebhookEvents,
		&n.CreatedAt,
		&n.UpdatedAt,
		&n.UserEmail,
	)
	if err != nil {
		return nil, err
	}
	n.SentTo = derefString(sentTo)
	n.TextContent = derefString(textContent)
	n.WebhookURL = derefString(webhookURL)
	n.MessageID = derefString(messageID)
	n.Provider = derefString(provider)
	n.LastMailServerMessage = derefString(lastMessage)
	n.ErrorMessage = derefString(errMsg)
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*types.EmailNotification, error) {
	defer rows.Close()
	var out []*types.EmailNotification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Insert adds a new queue row. ID and ScheduledFor must be set by the caller.
func (r *NotificationRepository) Insert(ctx context.Context, n *types.EmailNotification) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO email_notifications
		 (id, user_id, person_id, sent_to, subject, html_content, text_content,
		  template_id, tracking_enabled, webhook_url, status, scheduled_for,
		  retry_count, max_retries, suppression_checked, webhook_events,
		  created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, false, '{}'::jsonb, NOW(), NOW())`,
		n.ID,
		n.UserID,
		n.PersonID,
		nilIfEmpty(n.SentTo),
		n.Subject,
		n.HTMLContent,
		nilIfEmpty(n.TextContent),
		n.TemplateID,
		n.TrackingEnabled,
		nilIfEmpty(n.WebhookURL),
		string(types.StatusSending),
		n.ScheduledFor,
		n.MaxRetries,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert email notification", err)
	}
	return nil
}

// GetByID returns a single queue row.
func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*types.EmailNotification, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+`
		 FROM email_notifications n
		 LEFT JOIN users u ON u.id = n.user_id
		 WHERE n.id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "email notification not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get email notification", err)
	}
	return n, nil
}

// FindByMessageID returns the row whose provider message id matches.
func (r *NotificationRepository) FindByMessageID(ctx context.Context, messageID string) (*types.EmailNotification, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+`
		 FROM email_notifications n
		 LEFT JOIN users u ON u.id = n.user_id
		 WHERE n.message_id = $1
		 ORDER BY n.created_at DESC
		 LIMIT 1`, messageID)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "no email notification for message id", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up email notification by message id", err)
	}
	return n, nil
}

// SelectDue returns rows eligible for sending, oldest first. Rows holding a
// claim newer than claimCutoff belong to another run and are excluded.
func (r *NotificationRepository) SelectDue(ctx context.Context, now, claimCutoff time.Time, limit int) ([]*types.EmailNotification, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM email_notifications n
		 LEFT JOIN users u ON u.id = n.user_id
		 WHERE n.status = 'SENDING'
		   AND n.scheduled_for <= $1
		   AND n.retry_count < n.max_retries
		   AND (n.claimed_at IS NULL OR n.claimed_at < $2)
		 ORDER BY n.created_at ASC
		 LIMIT $3`,
		now, claimCutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to select due email notifications", err)
	}
	out, err := collectNotifications(rows)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due email notifications", err)
	}
	return out, nil
}

// Claim atomically takes ownership of a SENDING row for processID. It returns
// false when the row already left SENDING or another run holds a live claim.
func (r *NotificationRepository) Claim(ctx context.Context, id, processID string, claimCutoff time.Time) (bool, error) {
	var claimed string
	err := r.db.QueryRow(ctx,
		`UPDATE email_notifications
		 SET claimed_by = $2, claimed_at = NOW()
		 WHERE id = $1
		   AND status = 'SENDING'
		   AND (claimed_at IS NULL OR claimed_at < $3)
		 RETURNING id`,
		id, processID, claimCutoff,
	).Scan(&claimed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim email notification", err)
	}
	return true, nil
}

// SendSuccess is the write-back for an accepted message.
type SendSuccess struct {
	// ProcessID must still own the claim or nothing is written.
	ProcessID string
	MessageID string
	Provider  string
	Message   string
	SentAt    time.Time
	// SentEvent, when non-nil, is merged into webhook_events under "sent".
	SentEvent *types.WebhookEventRecord
}

// MarkSent records a successful send and releases the claim. It returns a
// conflict error when the claim has passed to another run.
func (r *NotificationRepository) MarkSent(ctx context.Context, id string, s SendSuccess) error {
	events := types.WebhookEvents{}
	if s.SentEvent != nil {
		events[types.EventSent] = *s.SentEvent
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE email_notifications
		 SET status = 'SENT',
		     sent_at = $2,
		     message_id = $3,
		     provider = $4,
		     last_mail_server_message = $5,
		     last_mail_server_message_date = $2,
		     error_message = NULL,
		     webhook_events = COALESCE(webhook_events, '{}'::jsonb) || $6::jsonb,
		     claimed_by = NULL,
		     claimed_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND claimed_by = $7`,
		id, s.SentAt, s.MessageID, nilIfEmpty(s.Provider), s.Message, events, s.ProcessID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark email notification sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictClaimLost, "email notification is not claimed by this run", nil)
	}
	return nil
}

// SendFailure is the write-back for a rejected or unattempted message.
type SendFailure struct {
	ProcessID string
	Message   string
	Provider  string
	// Suppressed permanently excludes the row from the retry sweep.
	Suppressed bool
}

// MarkFailed records a failed attempt, consuming one retry, and releases the
// claim.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id string, f SendFailure) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_notifications
		 SET status = 'FAILED',
		     retry_count = retry_count + 1,
		     last_mail_server_message = $2,
		     last_mail_server_message_date = NOW(),
		     error_message = $2,
		     provider = COALESCE($3, provider),
		     suppression_checked = suppression_checked OR $4,
		     claimed_by = NULL,
		     claimed_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1 AND claimed_by = $5`,
		id, f.Message, nilIfEmpty(f.Provider), f.Suppressed, f.ProcessID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark email notification failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictClaimLost, "email notification is not claimed by this run", nil)
	}
	return nil
}

// RequeueFailed moves FAILED rows that still have attempts left, were never
// confirmed suppressed, and have cooled down since cutoff back to SENDING.
// scheduled_for is left untouched.
func (r *NotificationRepository) RequeueFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_notifications
		 SET status = 'SENDING', updated_at = NOW()
		 WHERE status = 'FAILED'
		   AND retry_count < max_retries
		   AND suppression_checked = false
		   AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to requeue failed email notifications", err)
	}
	return tag.RowsAffected(), nil
}

// ResetForRetry is the admin retry: a FAILED, non-suppressed row returns to
// SENDING with one more attempt available if it had reached its cap.
func (r *NotificationRepository) ResetForRetry(ctx context.Context, id string) error {
	var got string
	err := r.db.QueryRow(ctx,
		`UPDATE email_notifications
		 SET status = 'SENDING',
		     max_retries = GREATEST(max_retries, retry_count + 1),
		     scheduled_for = GREATEST(scheduled_for, NOW()),
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'FAILED' AND suppression_checked = false
		 RETURNING id`, id).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeConflictNotRetryable, "email notification is not a retryable failure", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to reset email notification", err)
	}
	return nil
}

// WebhookUpdate is one provider event applied to a row. Nil fields leave the
// column unchanged. OpenedAt only fills an empty column.
type WebhookUpdate struct {
	Event        types.WebhookEventType
	Record       types.WebhookEventRecord
	Status       *types.NotificationStatus
	DeliveredAt  *time.Time
	OpenedAt     *time.Time
	ErrorMessage *string
}

// ApplyWebhookEvent merges the event record into webhook_events and applies
// any status transition in one statement. A transition to FAILED consumes a
// retry, so provider-reported failures cannot cycle through the sweep forever.
func (r *NotificationRepository) ApplyWebhookEvent(ctx context.Context, id string, u WebhookUpdate) error {
	record, err := json.Marshal(u.Record)
	if err != nil {
		return fmt.Errorf("marshal webhook event record: %w", err)
	}
	var status *string
	if u.Status != nil {
		s := string(*u.Status)
		status = &s
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE email_notifications
		 SET webhook_events = COALESCE(webhook_events, '{}'::jsonb) || jsonb_build_object($2::text, $3::jsonb),
		     status = COALESCE($4, status),
		     retry_count = retry_count + CASE WHEN $4::text = 'FAILED' THEN 1 ELSE 0 END,
		     delivered_at = COALESCE($5, delivered_at),
		     opened_at = COALESCE(opened_at, $6),
		     error_message = COALESCE($7, error_message),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, string(u.Event), record, status, u.DeliveredAt, u.OpenedAt, u.ErrorMessage,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply webhook event", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundNotification, "email notification not found", nil)
	}
	return nil
}

// NotificationFilter narrows the admin queue listing.
type NotificationFilter struct {
	Status types.NotificationStatus
	Email  string
	Limit  int
	Offset int
}

// List returns a page of queue rows, newest first, with the total match count.
func (r *NotificationRepository) List(ctx context.Context, f NotificationFilter) ([]*types.EmailNotification, int, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("n.status = $%d", argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}
	if f.Email != "" {
		conditions = append(conditions, fmt.Sprintf("LOWER(COALESCE(n.sent_to, u.email)) = LOWER($%d)", argIdx))
		args = append(args, f.Email)
		argIdx++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM email_notifications n LEFT JOIN users u ON u.id = n.user_id `+where,
		args...,
	).Scan(&total); err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count email notifications", err)
	}

	query := fmt.Sprintf(
		`SELECT %s
		 FROM email_notifications n
		 LEFT JOIN users u ON u.id = n.user_id
		 %s
		 ORDER BY n.created_at DESC
		 LIMIT $%d OFFSET $%d`,
		notificationColumns, where, argIdx, argIdx+1,
	)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to list email notifications", err)
	}
	out, err := collectNotifications(rows)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to scan email notifications", err)
	}
	return out, total, nil
}
