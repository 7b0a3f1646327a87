package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"bringmehome/internal/types"
)

// ControlRepository provides data access for the email_processor_control
// singleton row and the email_processor_logs stream.
type ControlRepository struct {
	db DBTX
}

// NewControlRepository creates a ControlRepository.
func NewControlRepository(db DBTX) *ControlRepository {
	return &ControlRepository{db: db}
}

const controlColumns = `id, is_paused, paused_by, paused_at, is_aborted, aborted_by,
	aborted_at, last_check_at, updated_at`

func scanControl(row pgx.Row) (*types.ProcessorControl, error) {
	var c types.ProcessorControl
	var pausedBy, abortedBy *string
	if err := row.Scan(
		&c.ID,
		&c.IsPaused,
		&pausedBy,
		&c.PausedAt,
		&c.IsAborted,
		&abortedBy,
		&c.AbortedAt,
		&c.LastCheckAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.PausedBy = derefString(pausedBy)
	c.AbortedBy = derefString(abortedBy)
	return &c, nil
}

// Get returns the control record, creating the default row on first access.
func (r *ControlRepository) Get(ctx context.Context) (*types.ProcessorControl, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO email_processor_control (id, is_paused, is_aborted, updated_at)
		 VALUES ($1, false, false, NOW())
		 ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		 RETURNING `+controlColumns,
		types.ProcessorControlID,
	)
	c, err := scanControl(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load processor control", err)
	}
	return c, nil
}

// Heartbeat stamps last_check_at and returns the current control state in
// the same round trip.
func (r *ControlRepository) Heartbeat(ctx context.Context, at time.Time) (*types.ProcessorControl, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO email_processor_control (id, is_paused, is_aborted, last_check_at, updated_at)
		 VALUES ($1, false, false, $2, NOW())
		 ON CONFLICT (id) DO UPDATE SET last_check_at = EXCLUDED.last_check_at
		 RETURNING `+controlColumns,
		types.ProcessorControlID, at,
	)
	c, err := scanControl(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to record processor heartbeat", err)
	}
	return c, nil
}

// Save writes the pause/abort fields of c. last_check_at is owned by
// Heartbeat and is not touched.
func (r *ControlRepository) Save(ctx context.Context, c *types.ProcessorControl) (*types.ProcessorControl, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO email_processor_control
		 (id, is_paused, paused_by, paused_at, is_aborted, aborted_by, aborted_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		     is_paused = EXCLUDED.is_paused,
		     paused_by = EXCLUDED.paused_by,
		     paused_at = EXCLUDED.paused_at,
		     is_aborted = EXCLUDED.is_aborted,
		     aborted_by = EXCLUDED.aborted_by,
		     aborted_at = EXCLUDED.aborted_at,
		     updated_at = NOW()
		 RETURNING `+controlColumns,
		types.ProcessorControlID,
		c.IsPaused,
		nilIfEmpty(c.PausedBy),
		c.PausedAt,
		c.IsAborted,
		nilIfEmpty(c.AbortedBy),
		c.AbortedAt,
	)
	out, err := scanControl(row)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to save processor control", err)
	}
	return out, nil
}

const logColumns = `id, timestamp, level, category, message, metadata, process_id, batch_id`

func scanLog(row pgx.Row) (*types.ProcessorLog, error) {
	var l types.ProcessorLog
	var processID, batchID *string
	if err := row.Scan(
		&l.ID,
		&l.Timestamp,
		&l.Level,
		&l.Category,
		&l.Message,
		&l.Metadata,
		&processID,
		&batchID,
	); err != nil {
		return nil, err
	}
	l.ProcessID = derefString(processID)
	l.BatchID = derefString(batchID)
	return &l, nil
}

// InsertLog appends a processor log entry.
func (r *ControlRepository) InsertLog(ctx context.Context, l *types.ProcessorLog) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO email_processor_logs
		 (id, timestamp, level, category, message, metadata, process_id, batch_id)
		 VALUES ($1, COALESCE($2, NOW()), $3, $4, $5, $6, $7, $8)`,
		l.ID,
		nilIfZeroTime(l.Timestamp),
		string(l.Level),
		l.Category,
		l.Message,
		l.Metadata,
		nilIfEmpty(l.ProcessID),
		nilIfEmpty(l.BatchID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert processor log", err)
	}
	return nil
}

// LogFilter narrows the processor log listing.
type LogFilter struct {
	Level     types.LogLevel
	Category  string
	ProcessID string
	BatchID   string
	Limit     int
	Offset    int
}

// ListLogs returns a page of logs, newest first, with the total match count.
func (r *ControlRepository) ListLogs(ctx context.Context, f LogFilter) ([]*types.ProcessorLog, int, error) {
	var conditions []string
	var args []any
	argIdx := 1

	add := func(column, value string) {
		if value == "" {
			return
		}
		conditions = append(conditions, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}
	add("level", string(f.Level))
	add("category", f.Category)
	add("process_id", f.ProcessID)
	add("batch_id", f.BatchID)

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM email_processor_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count processor logs", err)
	}

	query := fmt.Sprintf(
		`SELECT %s FROM email_processor_logs %s ORDER BY timestamp DESC LIMIT $%d OFFSET $%d`,
		logColumns, where, argIdx, argIdx+1,
	)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to list processor logs", err)
	}
	logs, err := collectLogs(rows)
	if err != nil {
		return nil, 0, err
	}
	return logs, total, nil
}

// LogFilterValues are the distinct values available to filter logs by.
type LogFilterValues struct {
	Levels     []string `json:"levels"`
	Categories []string `json:"categories"`
}

// DistinctLogFilters returns the distinct levels and categories in the log.
func (r *ControlRepository) DistinctLogFilters(ctx context.Context) (*LogFilterValues, error) {
	out := &LogFilterValues{Levels: []string{}, Categories: []string{}}
	rows, err := r.db.Query(ctx,
		`SELECT 'level' AS kind, level AS value FROM email_processor_logs GROUP BY level
		 UNION ALL
		 SELECT 'category', category FROM email_processor_logs GROUP BY category
		 ORDER BY 1, 2`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load processor log filters", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind, value string
		if err := rows.Scan(&kind, &value); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan processor log filter", err)
		}
		if kind == "level" {
			out.Levels = append(out.Levels, value)
		} else {
			out.Categories = append(out.Categories, value)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate processor log filters", err)
	}
	return out, nil
}

// ListLogsOlderThan returns up to limit logs older than cutoff, oldest first.
func (r *ControlRepository) ListLogsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*types.ProcessorLog, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+logColumns+`
		 FROM email_processor_logs
		 WHERE timestamp < $1
		 ORDER BY timestamp ASC
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list expired processor logs", err)
	}
	return collectLogs(rows)
}

// DeleteLogsByIDs removes the given log rows.
func (r *ControlRepository) DeleteLogsByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM email_processor_logs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete processor logs", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteLogsOlderThan removes every log older than cutoff.
func (r *ControlRepository) DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM email_processor_logs WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge processor logs", err)
	}
	return tag.RowsAffected(), nil
}

func collectLogs(rows pgx.Rows) ([]*types.ProcessorLog, error) {
	defer rows.Close()
	var out []*types.ProcessorLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan processor log", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate processor logs", err)
	}
	return out, nil
}
