// Package control implements the processor control switch: the singleton
// pause/abort record, its heartbeat, and the processor log stream.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bringmehome/internal/db"
	"bringmehome/internal/types"
)

// RunningWindow is how recent a heartbeat must be for the processor to be
// reported as running.
const RunningWindow = 30 * time.Second

// Log listing bounds.
const (
	DefaultLogLimit = 100
	MaxLogLimit     = 500
)

// DefaultRetentionDays is the purge default when no value is supplied.
const DefaultRetentionDays = 7

// Store is the persistence surface the service needs.
// *db.ControlRepository satisfies it.
type Store interface {
	Get(ctx context.Context) (*types.ProcessorControl, error)
	Heartbeat(ctx context.Context, at time.Time) (*types.ProcessorControl, error)
	Save(ctx context.Context, c *types.ProcessorControl) (*types.ProcessorControl, error)
	InsertLog(ctx context.Context, l *types.ProcessorLog) error
	ListLogs(ctx context.Context, f db.LogFilter) ([]*types.ProcessorLog, int, error)
	DistinctLogFilters(ctx context.Context) (*db.LogFilterValues, error)
	ListLogsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*types.ProcessorLog, error)
	DeleteLogsByIDs(ctx context.Context, ids []string) (int64, error)
	DeleteLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Action is an admin transition request.
type Action string

const (
	ActionPause  Action = "pause"
	ActionResume Action = "resume"
	ActionAbort  Action = "abort"
	ActionReset  Action = "reset"
)

// State is the derived state of the control record.
type State string

const (
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
	StateAborted State = "ABORTED"
)

// StateOf derives the state machine position from the stored flags. Abort
// wins over pause.
func StateOf(c *types.ProcessorControl) State {
	switch {
	case c.IsAborted:
		return StateAborted
	case c.IsPaused:
		return StatePaused
	default:
		return StateRunning
	}
}

// allowed lists the states each action may be applied from.
var allowed = map[Action][]State{
	ActionPause:  {StateRunning},
	ActionResume: {StatePaused},
	ActionAbort:  {StateRunning, StatePaused},
	ActionReset:  {StateAborted, StatePaused},
}

// Status is the control record plus the derived liveness flag.
type Status struct {
	Control   *types.ProcessorControl `json:"control"`
	IsRunning bool                    `json:"isRunning"`
}

// LogPage is one page of processor logs with the available filter values.
type LogPage struct {
	Logs    []*types.ProcessorLog `json:"logs"`
	Total   int                   `json:"total"`
	Limit   int                   `json:"limit"`
	Offset  int                   `json:"offset"`
	Filters *db.LogFilterValues   `json:"filters"`
}

// Service implements processor control operations.
type Service struct {
	store    Store
	archiver *Archiver
	clock    types.Clock
	logger   *slog.Logger
}

// NewService creates a Service. archiver may be nil, in which case purges
// delete without archiving.
func NewService(store Store, archiver *Archiver, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, archiver: archiver, clock: clock, logger: logger}
}

// Get returns the control record and whether a heartbeat was seen within
// RunningWindow.
func (s *Service) Get(ctx context.Context) (*Status, error) {
	c, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{Control: c, IsRunning: s.isRunning(c)}, nil
}

func (s *Service) isRunning(c *types.ProcessorControl) bool {
	if c.LastCheckAt == nil {
		return false
	}
	return s.clock.Now().Sub(*c.LastCheckAt) < RunningWindow
}

// Heartbeat stamps lastCheckAt and returns the current record.
func (s *Service) Heartbeat(ctx context.Context) (*types.ProcessorControl, error) {
	return s.store.Heartbeat(ctx, s.clock.Now())
}

// Current re-reads the record without touching the heartbeat.
func (s *Service) Current(ctx context.Context) (*types.ProcessorControl, error) {
	return s.store.Get(ctx)
}

// Apply performs an admin transition on behalf of actor. Transitions not
// permitted from the current state return a conflict error and write
// nothing.
func (s *Service) Apply(ctx context.Context, action Action, actor string) (*types.ProcessorControl, error) {
	from, ok := allowed[action]
	if !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidAction,
			"action must be one of pause, resume, abort, reset", nil,
			map[string]any{"action": string(action)})
	}

	c, err := s.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	state := StateOf(c)
	if !stateIn(state, from) {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictControlState,
			fmt.Sprintf("cannot %s while %s", action, state), nil,
			map[string]any{"action": string(action), "state": string(state)})
	}

	now := s.clock.Now()
	next := *c
	switch action {
	case ActionPause:
		next.IsPaused = true
		next.PausedBy = actor
		next.PausedAt = &now
	case ActionResume:
		next.IsPaused = false
		next.PausedBy = ""
		next.PausedAt = nil
	case ActionAbort:
		next.IsAborted = true
		next.AbortedBy = actor
		next.AbortedAt = &now
	case ActionReset:
		next.IsPaused = false
		next.PausedBy = ""
		next.PausedAt = nil
		next.IsAborted = false
		next.AbortedBy = ""
		next.AbortedAt = nil
	}

	saved, err := s.store.Save(ctx, &next)
	if err != nil {
		return nil, err
	}

	s.Log(ctx, types.ProcessorLog{
		Level:    types.LogLevelWarning,
		Category: types.LogCategoryControl,
		Message:  fmt.Sprintf("Processor %s by %s", pastTense(action), actor),
		Metadata: types.LogMetadata{
			"action": string(action),
			"actor":  actor,
			"from":   string(state),
			"to":     string(StateOf(saved)),
		},
	})
	return saved, nil
}

func stateIn(s State, set []State) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func pastTense(a Action) string {
	switch a {
	case ActionPause:
		return "paused"
	case ActionResume:
		return "resumed"
	case ActionAbort:
		return "aborted"
	default:
		return "reset"
	}
}

// Log appends an entry to the processor log. Failures are logged and
// swallowed: the log stream never fails the operation it describes.
func (s *Service) Log(ctx context.Context, entry types.ProcessorLog) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock.Now()
	}
	if entry.Level == "" {
		entry.Level = types.LogLevelInfo
	}
	if err := s.store.InsertLog(ctx, &entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to write processor log",
			"error", err,
			"category", entry.Category,
			"message", entry.Message,
		)
	}
}

// ListLogs returns a page of logs and the distinct filter values.
func (s *Service) ListLogs(ctx context.Context, f db.LogFilter) (*LogPage, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultLogLimit
	}
	if f.Limit > MaxLogLimit {
		f.Limit = MaxLogLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	logs, total, err := s.store.ListLogs(ctx, f)
	if err != nil {
		return nil, err
	}
	filters, err := s.store.DistinctLogFilters(ctx)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*types.ProcessorLog{}
	}
	return &LogPage{Logs: logs, Total: total, Limit: f.Limit, Offset: f.Offset, Filters: filters}, nil
}

// PurgeResult reports what a purge removed.
type PurgeResult struct {
	Deleted  int64    `json:"deleted"`
	Archived int64    `json:"archived"`
	Keys     []string `json:"archiveKeys,omitempty"`
	Cutoff   string   `json:"cutoff"`
	KeptDays int      `json:"daysToKeep"`
}

// Purge removes logs older than daysToKeep days. With an archiver the rows
// are uploaded first and deleted by id; an upload failure leaves them in
// place.
func (s *Service) Purge(ctx context.Context, daysToKeep int) (*PurgeResult, error) {
	if daysToKeep < 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidQuery, "daysToKeep must not be negative", nil)
	}
	cutoff := s.clock.Now().AddDate(0, 0, -daysToKeep)
	res := &PurgeResult{Cutoff: cutoff.Format(time.RFC3339), KeptDays: daysToKeep}

	if s.archiver != nil {
		archived, keys, err := s.archiver.ArchiveOlderThan(ctx, s.store, cutoff)
		res.Archived, res.Deleted, res.Keys = archived, archived, keys
		if err != nil {
			return res, types.NewAppError(types.ErrCodeInternalArchive, "failed to archive processor logs", err)
		}
	} else {
		n, err := s.store.DeleteLogsOlderThan(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		res.Deleted = n
	}

	s.Log(ctx, types.ProcessorLog{
		Level:    types.LogLevelInfo,
		Category: types.LogCategoryMaintenance,
		Message:  fmt.Sprintf("Purged %d processor logs older than %d days", res.Deleted, daysToKeep),
		Metadata: types.LogMetadata{"deleted": res.Deleted, "archived": res.Archived, "daysToKeep": daysToKeep},
	})
	return res, nil
}
