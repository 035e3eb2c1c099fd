package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Observation statuses.
const (
	StatusLive     = "live"
	StatusFallback = "fallback"
	StatusErrored  = "errored"
)

// PriceObservation is one monitor bucket: what the resolver decided and at which price.
type PriceObservation struct {
	Bucket         time.Time
	Reason         string
	Status         string
	Price          decimal.Decimal
	PriceDecimals  int16
	NativePerUnit  decimal.Decimal
	QuoteUpdatedAt *time.Time
	Error          *string
	CreatedAt      time.Time
}

// Live reports whether the bucket was priced from the oracle.
func (o PriceObservation) Live() bool {
	return o.Status == StatusLive
}

// AlertRecord captures an emitted pricing alert for cooldown and auditing.
type AlertRecord struct {
	ID             int64
	Bucket         time.Time
	Reason         string
	PreviousReason string
	Recovered      bool
	Channels       []string
	CreatedAt      time.Time
}
