package email

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"bringmehome/internal/external"
	"bringmehome/internal/types"
)

// DefaultSendConcurrency bounds provider calls in flight for one batch.
const DefaultSendConcurrency = 5

// SuppressionChecker is the batch lookup the transport gates on.
// *suppression.Service satisfies it.
type SuppressionChecker interface {
	AreEmailsSuppressed(ctx context.Context, emails []string) (map[string]bool, error)
}

// Message is one rendered queue row ready to send.
type Message struct {
	NotificationID string
	To             string
	Subject        string
	HTML           string
	Text           string
	Headers        map[string]string
}

// Sent is a message the provider accepted.
type Sent struct {
	NotificationID string
	MessageID      string
	Provider       string
	// Response is the human-readable outcome stored on the row.
	Response string
}

// Failure is a message that was rejected or never attempted.
type Failure struct {
	NotificationID string
	Provider       string
	Err            error
}

// Suppressed reports whether the failure must exclude the row from retries.
func (f Failure) Suppressed() bool { return IsSuppressionError(f.Err) }

// BatchResult partitions a batch by outcome. Every input message appears in
// exactly one of the slices, in input order.
type BatchResult struct {
	Succeeded []Sent
	Failed    []Failure
}

// Transport sends batches through the configured provider, refusing
// suppressed recipients without contacting it.
type Transport struct {
	provider     external.EmailProvider
	suppressions SuppressionChecker
	from         types.SenderIdentity
	concurrency  int
	logger       types.Logger
}

// TransportConfig holds the dependencies of a Transport.
type TransportConfig struct {
	Provider     external.EmailProvider
	Suppressions SuppressionChecker
	From         types.SenderIdentity
	Concurrency  int
	Logger       types.Logger
}

// NewTransport creates a Transport.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSendConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = types.NopLogger{}
	}
	return &Transport{
		provider:     cfg.Provider,
		suppressions: cfg.Suppressions,
		from:         cfg.From,
		concurrency:  cfg.Concurrency,
		logger:       cfg.Logger,
	}
}

// ProviderName returns the name recorded on rows sent through t.
func (t *Transport) ProviderName() string { return t.provider.Name() }

type outcome struct {
	sent *Sent
	fail *Failure
}

// Send delivers the batch. The returned error is set only when the batch as a
// whole could not be attempted, e.g. the suppression lookup failed; callers
// must then treat every message as failed.
func (t *Transport) Send(ctx context.Context, batch []Message) (*BatchResult, error) {
	result := &BatchResult{}
	if len(batch) == 0 {
		return result, nil
	}

	addrs := make([]string, 0, len(batch))
	for _, m := range batch {
		if m.To != "" {
			addrs = append(addrs, m.To)
		}
	}
	suppressed, err := t.suppressions.AreEmailsSuppressed(ctx, addrs)
	if err != nil {
		return nil, fmt.Errorf("suppression lookup: %w", err)
	}

	providerName := t.provider.Name()
	outcomes := make([]outcome, len(batch))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)

	for i, m := range batch {
		switch {
		case m.To == "":
			outcomes[i] = outcome{fail: &Failure{NotificationID: m.NotificationID, Err: ErrNoRecipient}}
			continue
		case suppressed[m.To]:
			t.logger.Warn("refusing to send to suppressed address",
				"notification_id", m.NotificationID,
				"to", types.RedactEmail(m.To),
			)
			outcomes[i] = outcome{fail: &Failure{NotificationID: m.NotificationID, Err: ErrRecipientSuppressed}}
			continue
		}

		g.Go(func() error {
			msgID, err := t.provider.Send(gCtx, types.SendInput{
				To:          m.To,
				From:        t.from,
				Subject:     m.Subject,
				BodyHTML:    m.HTML,
				BodyText:    m.Text,
				ReferenceID: m.NotificationID,
				Headers:     m.Headers,
			})
			var o outcome
			if err != nil {
				// Per-message errors are isolated; the rest of the batch proceeds.
				o.fail = &Failure{NotificationID: m.NotificationID, Provider: providerName, Err: err}
			} else {
				o.sent = &Sent{
					NotificationID: m.NotificationID,
					MessageID:      msgID,
					Provider:       providerName,
					Response:       fmt.Sprintf("Accepted by %s (message id %s)", providerName, msgID),
				}
			}
			outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.sent != nil {
			result.Succeeded = append(result.Succeeded, *o.sent)
		} else if o.fail != nil {
			result.Failed = append(result.Failed, *o.fail)
		}
	}
	return result, nil
}
