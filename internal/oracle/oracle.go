package oracle

import (
	"errors"
	"fmt"

	"PerpClearing/internal/fixedpoint"
)

var (
	ErrNoReference    = errors.New("no reference price for instrument")
	ErrStalePrice     = errors.New("reference price is stale")
	ErrPriceOutOfBand = errors.New("price outside acceptance band")
)

// Validator is the price-oracle collaborator boundary: a supplied execution
// price either validates against the reference feed or the whole enclosing
// operation aborts.
type Validator interface {
	ValidatePrice(instrumentID, subInstrumentID uint32, price, now int64) error
}

type feedKey struct {
	instrumentID    uint32
	subInstrumentID uint32
}

type feed struct {
	price     int64
	updatedAt int64 // microseconds
}

// ReferenceValidator checks supplied prices against a stored reference feed:
// the reference must be fresh within MaxAge and the supplied price must sit
// within BandBps of it.
type ReferenceValidator struct {
	feeds   map[feedKey]*feed
	maxAge  int64 // microseconds
	bandBps int64
}

func NewReferenceValidator(maxAge, bandBps int64) *ReferenceValidator {
	return &ReferenceValidator{
		feeds:   make(map[feedKey]*feed),
		maxAge:  maxAge,
		bandBps: bandBps,
	}
}

// SetReference records the latest reference price for an instrument.
func (v *ReferenceValidator) SetReference(instrumentID, subInstrumentID uint32, price, updatedAt int64) {
	key := feedKey{instrumentID: instrumentID, subInstrumentID: subInstrumentID}
	existing := v.feeds[key]
	if existing != nil && updatedAt <= existing.updatedAt {
		// Stale feed update, ignore (idempotent).
		return
	}
	v.feeds[key] = &feed{price: price, updatedAt: updatedAt}
}

func (v *ReferenceValidator) ValidatePrice(instrumentID, subInstrumentID uint32, price, now int64) error {
	f := v.feeds[feedKey{instrumentID: instrumentID, subInstrumentID: subInstrumentID}]
	if f == nil {
		return fmt.Errorf("%w: %d/%d", ErrNoReference, instrumentID, subInstrumentID)
	}

	if now-f.updatedAt > v.maxAge {
		return fmt.Errorf("%w: instrument %d/%d reference age %dus > %dus",
			ErrStalePrice, instrumentID, subInstrumentID, now-f.updatedAt, v.maxAge)
	}

	deviation := fixedpoint.Abs(price - f.price)
	allowed := fixedpoint.ApplyBps(f.price, v.bandBps)
	if deviation > allowed {
		return fmt.Errorf("%w: instrument %d/%d price %d vs reference %d (band %d)",
			ErrPriceOutOfBand, instrumentID, subInstrumentID, price, f.price, allowed)
	}

	return nil
}
