package external

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"bringmehome/internal/config"
)

// NewEmailProvider returns the provider selected by EMAIL_PROVIDER. Local
// environments always get the stub so a laptop never sends real mail.
func NewEmailProvider(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (EmailProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	name := cfg.Email.Provider
	if cfg.Environment == "local" {
		name = ProviderStub
	}
	logger.Info("initializing email provider", "provider", name, "environment", cfg.Environment)

	switch name {
	case ProviderSES:
		return NewSESClient(awsCfg, SESClientConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger.With("client", "ses"),
		}), nil
	case ProviderSendGrid:
		if !cfg.Email.SendGridAPIKey.IsSet() {
			return nil, fmt.Errorf("sendgrid provider requires SENDGRID_API_KEY")
		}
		return NewSendGridClient(&http.Client{Timeout: 10 * time.Second}, SendGridClientConfig{
			APIKey: cfg.Email.SendGridAPIKey.Unmask(),
			Logger: logger.With("client", "sendgrid"),
		}), nil
	case ProviderStub:
		return NewStubEmailProvider(logger.With("client", "stub")), nil
	}
	return nil, fmt.Errorf("unknown email provider %q", name)
}
