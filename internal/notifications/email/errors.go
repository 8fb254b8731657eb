// Package email renders billing and security notices and delivers them
// through an EmailProvider.
package email

import (
	"errors"

	"funnelmetrics/internal/types"
)

// ErrRecipientBlocked marks a recipient the provider will not deliver to.
var ErrRecipientBlocked = errors.New("recipient blocked by provider")

// IsBlocklistError reports whether err means the recipient is suppressed.
func IsBlocklistError(err error) bool {
	if errors.Is(err, ErrRecipientBlocked) {
		return true
	}
	return types.HasCode(err, types.ErrCodeEmailBlocked)
}

// IsRetryable reports whether a failed send may succeed on redelivery.
func IsRetryable(err error) bool {
	if err == nil || IsBlocklistError(err) {
		return false
	}
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeValidationMissingField {
		return false
	}
	return true
}
