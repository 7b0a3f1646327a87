package external

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"bringmehome/internal/types"
)

// StubEmailProvider logs messages instead of sending them. It is selected
// with EMAIL_PROVIDER=stub and is the default for APP_ENV=local.
type StubEmailProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []types.SendInput
}

// NewStubEmailProvider creates a StubEmailProvider.
func NewStubEmailProvider(logger *slog.Logger) *StubEmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEmailProvider{logger: logger}
}

// Name implements EmailProvider.
func (s *StubEmailProvider) Name() string { return ProviderStub }

// Send implements EmailProvider.
func (s *StubEmailProvider) Send(ctx context.Context, input types.SendInput) (string, error) {
	s.mu.Lock()
	s.sent = append(s.sent, input)
	s.mu.Unlock()

	id := "stub-" + uuid.NewString()
	s.logger.InfoContext(ctx, "stub: email accepted",
		"reference_id", input.ReferenceID,
		"subject", input.Subject,
		"message_id", id,
	)
	return id, nil
}

// Sent returns a copy of every message accepted so far.
func (s *StubEmailProvider) Sent() []types.SendInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.SendInput(nil), s.sent...)
}

var _ EmailProvider = (*StubEmailProvider)(nil)
