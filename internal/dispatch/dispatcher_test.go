package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bringmehome/internal/db"
	"bringmehome/internal/notifications/email"
	"bringmehome/internal/preferences"
	"bringmehome/internal/types"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

// memQueue is an in-memory queue table honoring the repository semantics.
type memQueue struct {
	mu        sync.Mutex
	now       time.Time
	rows      map[string]*types.EmailNotification
	claims    map[string]string
	order     []string
	selectErr error
}

func newMemQueue(now time.Time) *memQueue {
	return &memQueue{now: now, rows: map[string]*types.EmailNotification{}, claims: map[string]string{}}
}

func (q *memQueue) add(n *types.EmailNotification) {
	if n.MaxRetries == 0 {
		n.MaxRetries = 3
	}
	if n.Status == "" {
		n.Status = types.StatusSending
	}
	if n.ScheduledFor.IsZero() {
		n.ScheduledFor = q.now.Add(-time.Minute)
	}
	q.rows[n.ID] = n
	q.order = append(q.order, n.ID)
}

func (q *memQueue) get(id string) types.EmailNotification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.rows[id]
}

func (q *memQueue) SelectDue(_ context.Context, now, _ time.Time, limit int) ([]*types.EmailNotification, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.selectErr != nil {
		return nil, q.selectErr
	}
	var out []*types.EmailNotification
	for _, id := range q.order {
		n := q.rows[id]
		if n.Status != types.StatusSending || n.ScheduledFor.After(now) || n.RetryCount >= n.MaxRetries {
			continue
		}
		if _, held := q.claims[id]; held {
			continue
		}
		c := *n
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *memQueue) Claim(_ context.Context, id, processID string, _ time.Time) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.rows[id].Status != types.StatusSending {
		return false, nil
	}
	if _, held := q.claims[id]; held {
		return false, nil
	}
	q.claims[id] = processID
	return true, nil
}

var errNotClaimed = errors.New("not claimed by this run")

func (q *memQueue) MarkSent(ctx context.Context, id string, s db.SendSuccess) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claims[id] != s.ProcessID {
		return errNotClaimed
	}
	n := q.rows[id]
	n.Status = types.StatusSent
	n.SentAt = &s.SentAt
	n.MessageID = s.MessageID
	n.Provider = s.Provider
	n.LastMailServerMessage = s.Message
	if s.SentEvent != nil {
		n.WebhookEvents = n.WebhookEvents.Merge(types.EventSent, *s.SentEvent)
	}
	n.UpdatedAt = q.now
	delete(q.claims, id)
	return nil
}

func (q *memQueue) MarkFailed(ctx context.Context, id string, f db.SendFailure) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claims[id] != f.ProcessID {
		return errNotClaimed
	}
	n := q.rows[id]
	n.Status = types.StatusFailed
	n.RetryCount++
	n.LastMailServerMessage = f.Message
	n.ErrorMessage = f.Message
	if f.Provider != "" {
		n.Provider = f.Provider
	}
	n.SuppressionChecked = n.SuppressionChecked || f.Suppressed
	n.UpdatedAt = q.now
	delete(q.claims, id)
	return nil
}

func (q *memQueue) RequeueFailed(_ context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var count int64
	for _, n := range q.rows {
		if n.Status == types.StatusFailed && n.RetryCount < n.MaxRetries && !n.SuppressionChecked && n.UpdatedAt.Before(cutoff) {
			n.Status = types.StatusSending
			n.UpdatedAt = q.now
			count++
		}
	}
	return count, nil
}

type fakeControl struct {
	state      types.ProcessorControl
	heartbeats int
	// afterCurrent flips the state on the n-th Current call.
	afterCurrent func(call int, c *types.ProcessorControl)
	calls        int
	logs         []types.ProcessorLog
}

func (f *fakeControl) Heartbeat(context.Context) (*types.ProcessorControl, error) {
	f.heartbeats++
	c := f.state
	return &c, nil
}

func (f *fakeControl) Current(context.Context) (*types.ProcessorControl, error) {
	f.calls++
	if f.afterCurrent != nil {
		f.afterCurrent(f.calls, &f.state)
	}
	c := f.state
	return &c, nil
}

func (f *fakeControl) Log(_ context.Context, e types.ProcessorLog) { f.logs = append(f.logs, e) }

type fakePrefs struct {
	decisions map[string]preferences.Decision
}

func (f fakePrefs) CanReceive(_ context.Context, userID, _ *string) (preferences.Decision, error) {
	if userID == nil {
		return preferences.Allowed, nil
	}
	return f.decisions[*userID], nil
}

type fakeProvider struct {
	mu     sync.Mutex
	fail   map[string]error
	sent   []string
	nextID int
}

func (p *fakeProvider) Name() string { return "ses" }

func (p *fakeProvider) Send(_ context.Context, in types.SendInput) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[in.To]; err != nil {
		return "", err
	}
	p.sent = append(p.sent, in.To)
	p.nextID++
	return "m" + string(rune('0'+p.nextID)), nil
}

type fakeChecker struct {
	suppressed map[string]bool
	err        error
}

func (c fakeChecker) AreEmailsSuppressed(_ context.Context, emails []string) (map[string]bool, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := map[string]bool{}
	for _, e := range emails {
		out[e] = c.suppressed[strings.ToLower(e)]
	}
	return out, nil
}

type fakeLock struct {
	held     bool
	released int
}

func (l *fakeLock) TryLock(context.Context) (ReleaseFunc, bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func(context.Context) error {
		l.held = false
		l.released++
		return nil
	}, true, nil
}

type harness struct {
	queue    *memQueue
	control  *fakeControl
	provider *fakeProvider
	checker  *fakeChecker
	lock     *fakeLock
	prefs    fakePrefs
	d        *Dispatcher
}

func newHarness(t *testing.T, batchSize int) *harness {
	t.Helper()
	h := &harness{
		queue:    newMemQueue(t0),
		control:  &fakeControl{},
		provider: &fakeProvider{fail: map[string]error{}},
		checker:  &fakeChecker{suppressed: map[string]bool{}},
		lock:     &fakeLock{},
		prefs:    fakePrefs{decisions: map[string]preferences.Decision{}},
	}
	h.build(batchSize)
	return h
}

func (h *harness) build(batchSize int) {
	transport := email.NewTransport(email.TransportConfig{
		Provider:     h.provider,
		Suppressions: h.checker,
		From:         types.SenderIdentity{Name: "Bring Me Home", Address: "noreply@bringmehome.org"},
		Concurrency:  2,
	})
	h.d = New(Config{BatchSize: batchSize}, Deps{
		Store:       h.queue,
		Control:     h.control,
		Preferences: h.prefs,
		Sender:      transport,
		Lock:        h.lock,
		Clock:       types.FixedClock(t0),
	})
}

func ptr(s string) *string { return &s }

func TestRun_SendsDueRow(t *testing.T) {
	h := newHarness(t, 10)
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com", Subject: "Hi", HTMLContent: "<p>x</p>"})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.RunStats{Processed: 1, Sent: 1}, *stats)

	row := h.queue.get("n1")
	assert.Equal(t, types.StatusSent, row.Status)
	assert.Equal(t, "m1", row.MessageID)
	assert.Equal(t, "ses", row.Provider)
	require.NotNil(t, row.SentAt)
	assert.True(t, row.SentAt.Equal(t0))
	assert.Equal(t, "Accepted by ses (message id m1)", row.LastMailServerMessage)
	assert.Empty(t, row.WebhookEvents, "no tracking configured")
	assert.Equal(t, 1, h.control.heartbeats)
	assert.Equal(t, 1, h.lock.released)
}

func TestRun_SuppressedRecipientIsTerminal(t *testing.T) {
	h := newHarness(t, 10)
	h.checker.suppressed["a@example.com"] = true
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com"})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, h.provider.sent, "provider must never see a suppressed address")

	row := h.queue.get("n1")
	assert.Equal(t, types.StatusFailed, row.Status)
	assert.True(t, row.SuppressionChecked)
	assert.Equal(t, "Email address is suppressed", row.LastMailServerMessage)

	// Ten minutes later the sweep still leaves it alone.
	h.queue.now = t0.Add(10 * time.Minute)
	h.d.clock = types.FixedClock(t0.Add(10 * time.Minute))
	stats, err = h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.RetriedForNextRun)
	assert.Equal(t, types.StatusFailed, h.queue.get("n1").Status)
}

func TestRun_RetryBoundAndCooldown(t *testing.T) {
	h := newHarness(t, 10)
	h.provider.fail["a@example.com"] = errors.New("connection reset")
	h.queue.add(&types.EmailNotification{
		ID: "n1", SentTo: "a@example.com",
		Status: types.StatusFailed, RetryCount: 2, MaxRetries: 3,
		UpdatedAt: t0.Add(-6 * time.Minute),
	})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RetriedForNextRun)
	assert.Equal(t, types.StatusSending, h.queue.get("n1").Status)

	// Next run attempts the send and fails for the last time.
	stats, err = h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	row := h.queue.get("n1")
	assert.Equal(t, 3, row.RetryCount)
	assert.Equal(t, "connection reset", row.LastMailServerMessage)
	assert.Zero(t, stats.RetriedForNextRun, "just failed, still cooling down")

	// Well past the cool-down it is permanently excluded.
	h.d.clock = types.FixedClock(t0.Add(time.Hour))
	stats, err = h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.RetriedForNextRun)
	assert.Equal(t, types.StatusFailed, h.queue.get("n1").Status)
}

func TestRun_NoRecipientIsTerminalAndNotCountedFailed(t *testing.T) {
	h := newHarness(t, 10)
	h.queue.add(&types.EmailNotification{ID: "n1", UserID: ptr("u1")})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.RunStats{Processed: 1}, *stats)

	row := h.queue.get("n1")
	assert.Equal(t, types.StatusFailed, row.Status)
	assert.Equal(t, "No recipient email address", row.LastMailServerMessage)
	assert.Equal(t, 1, row.RetryCount)
	assert.True(t, row.IsTerminal())
}

func TestRun_OptedOutRecipient(t *testing.T) {
	h := newHarness(t, 10)
	h.prefs.decisions["u1"] = preferences.OptedOutGlobal
	h.prefs.decisions["u2"] = preferences.OptedOutPerson
	h.build(10)
	h.queue.add(&types.EmailNotification{ID: "n1", UserID: ptr("u1"), UserEmail: "u1@example.com"})
	h.queue.add(&types.EmailNotification{ID: "n2", UserID: ptr("u2"), PersonID: ptr("p1"), UserEmail: "u2@example.com"})
	h.queue.add(&types.EmailNotification{ID: "n3", UserID: ptr("u3"), UserEmail: "u3@example.com"})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.RunStats{Processed: 3, Sent: 1}, *stats)
	assert.Equal(t, []string{"u3@example.com"}, h.provider.sent)

	for _, id := range []string{"n1", "n2"} {
		row := h.queue.get(id)
		assert.Equal(t, types.StatusFailed, row.Status)
		assert.True(t, row.SuppressionChecked)
		assert.Equal(t, "Recipient has opted out of email", row.LastMailServerMessage)
	}
}

func TestRun_TrackingRecordsSentEvent(t *testing.T) {
	h := newHarness(t, 10)
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com", TrackingEnabled: true, WebhookURL: "https://hooks.example.com"})
	h.queue.add(&types.EmailNotification{ID: "n2", SentTo: "b@example.com", TrackingEnabled: true})

	_, err := h.d.Run(context.Background())
	require.NoError(t, err)

	ev, ok := h.queue.get("n1").WebhookEvents[types.EventSent]
	require.True(t, ok)
	assert.True(t, ev.Timestamp.Equal(t0))
	assert.NotEmpty(t, ev.MessageID)
	assert.Empty(t, h.queue.get("n2").WebhookEvents, "tracking without a webhook url records nothing")
}

func TestRun_BatchErrorFailsEveryRow(t *testing.T) {
	h := newHarness(t, 10)
	h.checker.err = errors.New("suppression table unavailable")
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com"})
	h.queue.add(&types.EmailNotification{ID: "n2", SentTo: "b@example.com"})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err, "batch failures never fail the run")
	assert.Equal(t, types.RunStats{Processed: 2, Failed: 2}, *stats)
	for _, id := range []string{"n1", "n2"} {
		row := h.queue.get(id)
		assert.Equal(t, types.StatusFailed, row.Status)
		assert.Contains(t, row.LastMailServerMessage, "suppression table unavailable")
		assert.False(t, row.SuppressionChecked)
		assert.Equal(t, "ses", row.Provider)
	}

	var batchLogs int
	for _, l := range h.control.logs {
		if l.Category == types.LogCategoryBatch {
			batchLogs++
			assert.Equal(t, types.LogLevelError, l.Level)
			assert.NotEmpty(t, l.BatchID)
		}
	}
	assert.Equal(t, 1, batchLogs)
}

func TestRun_PausedProcessesNothingButHeartbeats(t *testing.T) {
	h := newHarness(t, 10)
	h.control.state.IsPaused = true
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com"})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Processed)
	assert.Equal(t, 1, h.control.heartbeats)
	assert.Equal(t, types.StatusSending, h.queue.get("n1").Status)
}

func TestRun_AbortedStopsImmediately(t *testing.T) {
	h := newHarness(t, 10)
	h.control.state.IsAborted = true
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com"})
	h.queue.add(&types.EmailNotification{
		ID: "n2", SentTo: "b@example.com",
		Status: types.StatusFailed, RetryCount: 1, UpdatedAt: t0.Add(-time.Hour),
	})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.RunStats{}, *stats)
	assert.Equal(t, 1, h.control.heartbeats)
	assert.Equal(t, types.StatusSending, h.queue.get("n1").Status)
	assert.Equal(t, types.StatusFailed, h.queue.get("n2").Status, "aborted runs do not sweep")
}

func TestRun_AbortBetweenBatchesLeavesRestQueued(t *testing.T) {
	h := newHarness(t, 2)
	h.control.afterCurrent = func(call int, c *types.ProcessorControl) {
		if call == 1 {
			c.IsAborted = true
		}
	}
	for _, id := range []string{"n1", "n2", "n3", "n4"} {
		h.queue.add(&types.EmailNotification{ID: id, SentTo: id + "@example.com"})
	}

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Sent)
	assert.Equal(t, types.StatusSent, h.queue.get("n1").Status)
	assert.Equal(t, types.StatusSent, h.queue.get("n2").Status)
	assert.Equal(t, types.StatusSending, h.queue.get("n3").Status)
	assert.Equal(t, types.StatusSending, h.queue.get("n4").Status)
	assert.Empty(t, h.queue.claims, "unsent rows are never claimed")
}

func TestRun_SkippedWhenLockHeld(t *testing.T) {
	h := newHarness(t, 10)
	h.lock.held = true
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com"})

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, stats.Skipped)
	assert.Equal(t, 1, h.control.heartbeats, "a skipped run still marks the check")
	assert.Equal(t, types.StatusSending, h.queue.get("n1").Status)
}

// afterSend runs hook once the wrapped sender has returned.
type afterSend struct {
	Sender
	hook func()
}

func (s afterSend) Send(ctx context.Context, batch []email.Message) (*email.BatchResult, error) {
	res, err := s.Sender.Send(ctx, batch)
	s.hook()
	return res, err
}

func TestRun_CancelAfterSendStillRecordsOutcome(t *testing.T) {
	h := newHarness(t, 10)
	h.provider.fail["b@example.com"] = errors.New("mailbox unavailable")
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com"})
	h.queue.add(&types.EmailNotification{ID: "n2", SentTo: "b@example.com"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.d.sender = afterSend{Sender: h.d.sender, hook: cancel}

	stats, err := h.d.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Failed)

	sent := h.queue.get("n1")
	assert.Equal(t, types.StatusSent, sent.Status)
	assert.Equal(t, "m1", sent.MessageID)
	failed := h.queue.get("n2")
	assert.Equal(t, types.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)
	assert.Empty(t, h.queue.claims, "claims are released")
	assert.Equal(t, 1, h.lock.released)
}

func TestRun_StaleClaimWritesNothing(t *testing.T) {
	h := newHarness(t, 10)
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com"})

	// The lease expires mid-send and another run takes the row over.
	h.d.sender = afterSend{Sender: h.d.sender, hook: func() {
		h.queue.mu.Lock()
		h.queue.claims["n1"] = "other-run"
		h.queue.mu.Unlock()
	}}

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	assert.Zero(t, stats.Sent, "an unrecorded send is not counted")

	row := h.queue.get("n1")
	assert.Equal(t, types.StatusSending, row.Status)
	assert.Empty(t, row.MessageID)
	assert.Equal(t, "other-run", h.queue.claims["n1"])
}

func TestRun_LostClaimIsSkipped(t *testing.T) {
	h := newHarness(t, 10)
	h.queue.add(&types.EmailNotification{ID: "n1", SentTo: "a@example.com"})
	h.queue.add(&types.EmailNotification{ID: "n2", SentTo: "b@example.com"})

	// Another run claims n1 after selection.
	h.d.store = &racingStore{memQueue: h.queue, steal: "n1"}

	stats, err := h.d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.RunStats{Processed: 1, Sent: 1}, *stats)
	assert.Equal(t, types.StatusSending, h.queue.get("n1").Status)
	assert.Equal(t, []string{"b@example.com"}, h.provider.sent)
}

type racingStore struct {
	*memQueue
	steal string
}

func (r *racingStore) SelectDue(ctx context.Context, now, cutoff time.Time, limit int) ([]*types.EmailNotification, error) {
	out, err := r.memQueue.SelectDue(ctx, now, cutoff, limit)
	r.claims[r.steal] = "other-run"
	return out, err
}

func TestRun_SelectFailureIsReturned(t *testing.T) {
	h := newHarness(t, 10)
	h.queue.selectErr = errors.New("connection refused")

	_, err := h.d.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, h.lock.released)
}

func TestRun_OldestFirstAcrossBatches(t *testing.T) {
	h := newHarness(t, 1)
	for _, id := range []string{"a", "b", "c"} {
		h.queue.add(&types.EmailNotification{ID: id, SentTo: id + "@example.com"})
	}

	_, err := h.d.Run(context.Background())
	require.NoError(t, err)
	sent := append([]string(nil), h.provider.sent...)
	assert.True(t, sort.StringsAreSorted(sent))
	assert.Equal(t, []string{"a@example.com", "b@example.com", "c@example.com"}, sent)
}
