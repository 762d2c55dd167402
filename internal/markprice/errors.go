package markprice

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTimeout is returned by Read when no valid mark price became available in time.
	ErrTimeout = errors.New("mark price: timed out waiting for a valid price")

	// ErrInvalidInput is returned by ValidatePrice for prices that must never reach a cache.
	ErrInvalidInput = errors.New("mark price: invalid input")
)

// ValidatePrice rejects NaN, infinities and non-positive prices.
// Ingestion boundaries call it before handing a price to Cache.Submit.
func ValidatePrice(price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("%w: non-finite price %v", ErrInvalidInput, price)
	}
	if price <= 0 {
		return fmt.Errorf("%w: price must be positive, got %v", ErrInvalidInput, price)
	}
	return nil
}
