package models

import "errors"

// Sentinel errors for the failure classes callers branch on. Wrap with
// fmt.Errorf("%w: detail", ...) so errors.Is keeps working through layers.
var (
	ErrInvalidObservation   = errors.New("invalid observation")
	ErrDuplicateObservation = errors.New("duplicate observation")
	ErrInvalidRecipient     = errors.New("invalid recipient")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrInsufficientMemory   = errors.New("insufficient memory")
	ErrModelNotAvailable    = errors.New("model not available")
	ErrCycleTimeout         = errors.New("cycle deadline exceeded")
)

// Delivery errors. Only transient network failures are retried by the
// dispatcher; the permanent kinds are recorded as failed.
var (
	ErrTransientNetwork     = errors.New("transient network failure")
	ErrPermanentAddress     = errors.New("invalid recipient address")
	ErrPermanentCredentials = errors.New("provider rejected credentials")
	ErrProviderRateLimited  = errors.New("rate limited by provider")
)

// Transient reports whether a delivery error is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// DeliveryKind names the delivery failure class for notification records.
func DeliveryKind(err error) string {
	switch {
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, ErrPermanentAddress):
		return "permanent_address"
	case errors.Is(err, ErrPermanentCredentials):
		return "permanent_credentials"
	case errors.Is(err, ErrProviderRateLimited):
		return "permanent_rate_limited_by_provider"
	}
	return "unknown"
}
