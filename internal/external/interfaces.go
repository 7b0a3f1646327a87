package external

import (
	"context"

	"bringmehome/internal/types"
)

// Provider names recorded on queue rows.
const (
	ProviderSES      = "ses"
	ProviderSendGrid = "sendgrid"
	ProviderStub     = "stub"
)

// EmailProvider transmits one pre-rendered message and returns the
// provider's message id, which webhook callbacks later reference.
type EmailProvider interface {
	Name() string
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)
}
