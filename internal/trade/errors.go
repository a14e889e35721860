package trade

import (
	"context"
	"errors"
	"net/http"

	"github.com/atmx/options-engine/internal/store"
)

// Kind is the stable, client-visible classification of an error.
type Kind string

const (
	KindValidation            Kind = "validation_error"
	KindNotFound              Kind = "not_found"
	KindInsufficientFunds     Kind = "insufficient_funds"
	KindPriceUnavailable      Kind = "price_unavailable"
	KindPriceResolutionFailed Kind = "price_resolution_failed"
	KindInternal              Kind = "internal_error"
)

var (
	ErrValidation            = errors.New("invalid request")
	ErrPairUnavailable       = errors.New("trading pair unavailable")
	ErrPriceUnavailable      = errors.New("current price unavailable")
	ErrPriceResolutionFailed = errors.New("closing price could not be resolved")
	ErrInsufficientFunds     = errors.New("insufficient funds")

	// ErrNotExpired is returned when settlement is requested before the
	// trade's expiry.
	ErrNotExpired = errors.New("trade has not expired yet")
)

// KindOf classifies err. A nil error has no kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotExpired):
		return KindValidation
	case errors.Is(err, ErrPairUnavailable),
		errors.Is(err, store.ErrPairNotFound),
		errors.Is(err, store.ErrWalletNotFound),
		errors.Is(err, store.ErrTradeNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, store.ErrNegativeBalance):
		return KindInsufficientFunds
	case errors.Is(err, ErrPriceUnavailable):
		return KindPriceUnavailable
	case errors.Is(err, ErrPriceResolutionFailed):
		return KindPriceResolutionFailed
	default:
		return KindInternal
	}
}

// HTTPStatus maps a kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindInsufficientFunds:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPriceUnavailable:
		return http.StatusServiceUnavailable
	case KindPriceResolutionFailed, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// isCancelled reports whether err came from the caller going away rather
// than from the engine.
func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
