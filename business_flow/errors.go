// Package businessflow contains the dispatch, accounting and reconciliation use cases
package businessflow

import (
	"errors"
	"fmt"

	"github.com/amirphl/orochi-dispatch/utils"
)

// Business flow error constants
var (
	// Request validation errors
	ErrMissingFields         = errors.New("phone, token and message are required")
	ErrInvalidPhoneNumber    = utils.ErrInvalidPhoneNumber
	ErrInvalidChannel        = errors.New("unknown channel")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidReader         = errors.New("reader id is required")
	ErrMessageNotIncoming    = errors.New("read acknowledgements apply to incoming messages only")
	ErrStartDateAfterEndDate = errors.New("start date cannot be after end date")

	// Account errors
	ErrUnauthorized    = errors.New("invalid or inactive account token")
	ErrAccountNotFound = errors.New("account not found")

	// Quota and balance errors
	ErrDailyLimitExceeded   = errors.New("daily message limit exceeded")
	ErrMonthlyLimitExceeded = errors.New("monthly message limit exceeded")
	ErrInsufficientBalance  = errors.New("insufficient balance")

	// Channel errors
	ErrNoChannelEnabled     = errors.New("no channel enabled for account")
	ErrNoChannelInitialized = errors.New("no enabled channel has an initialized provider")
	ErrAllChannelsFailed    = errors.New("all channels failed")
	ErrDispatchUnavailable  = errors.New("dispatch queue unavailable")

	// Message errors
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageBusy     = errors.New("message is locked by another worker")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsMissingFields(err error) bool {
	return errors.Is(err, ErrMissingFields)
}

func IsInvalidPhoneNumber(err error) bool {
	return errors.Is(err, ErrInvalidPhoneNumber)
}

func IsInvalidChannel(err error) bool {
	return errors.Is(err, ErrInvalidChannel)
}

func IsInvalidAmount(err error) bool {
	return errors.Is(err, ErrInvalidAmount)
}

func IsInvalidReader(err error) bool {
	return errors.Is(err, ErrInvalidReader)
}

func IsMessageNotIncoming(err error) bool {
	return errors.Is(err, ErrMessageNotIncoming)
}

func IsStartDateAfterEndDate(err error) bool {
	return errors.Is(err, ErrStartDateAfterEndDate)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

func IsAccountNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound)
}

func IsDailyLimitExceeded(err error) bool {
	return errors.Is(err, ErrDailyLimitExceeded)
}

func IsMonthlyLimitExceeded(err error) bool {
	return errors.Is(err, ErrMonthlyLimitExceeded)
}

func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}

func IsNoChannelEnabled(err error) bool {
	return errors.Is(err, ErrNoChannelEnabled)
}

func IsNoChannelInitialized(err error) bool {
	return errors.Is(err, ErrNoChannelInitialized)
}

func IsAllChannelsFailed(err error) bool {
	return errors.Is(err, ErrAllChannelsFailed)
}

func IsDispatchUnavailable(err error) bool {
	return errors.Is(err, ErrDispatchUnavailable)
}

func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

func IsMessageBusy(err error) bool {
	return errors.Is(err, ErrMessageBusy)
}
