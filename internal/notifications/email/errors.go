// Package email is the suppression-gated mail transport used by the
// dispatcher, plus parsing and processing of SES delivery feedback.
package email

import (
	"errors"

	"bringmehome/internal/types"
)

// Per-message failures. Their text is stored on the queue row as the last
// mail server message, so it must stay stable.
var (
	ErrRecipientSuppressed = errors.New("Email address is suppressed")
	ErrNoRecipient         = errors.New("No recipient email address")
	ErrRecipientOptedOut   = errors.New("Recipient has opted out of email")
)

// IsBlocklistError reports whether the provider refused the recipient. The
// provider clients map such rejections to ErrCodeEmailBlocked.
func IsBlocklistError(err error) bool {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == types.ErrCodeEmailBlocked
	}
	return false
}

// IsSuppressionError reports whether err means the address must never be
// retried: it is on our suppression list or the provider's.
func IsSuppressionError(err error) bool {
	return errors.Is(err, ErrRecipientSuppressed) || IsBlocklistError(err)
}
