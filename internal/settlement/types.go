package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/pricing"
)

// TransferRequest is one item of a settlement call. Amount is a value for
// native and fungible kinds and a quantity for non-fungible and semi-fungible
// kinds; TokenID is only meaningful for the latter two.
type TransferRequest struct {
	AssetType asset.Type     `json:"assetType"`
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
	TokenID   *uint256.Int   `json:"tokenId,omitempty"`
	Token     common.Address `json:"token,omitempty"`
	Message   string         `json:"message,omitempty"`
}

func (r TransferRequest) validate() error {
	if !r.AssetType.Valid() {
		return fmt.Errorf("%w: %s", asset.ErrUnsupportedType, r.AssetType)
	}
	if r.Recipient == (common.Address{}) {
		return fmt.Errorf("%w: recipient is the zero address", ErrInvalidRequest)
	}
	if r.Amount == nil || r.Amount.IsZero() {
		return fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRequest)
	}
	if r.AssetType != asset.Native && r.Token == (common.Address{}) {
		return fmt.Errorf("%w: token address required for %s", ErrInvalidRequest, r.AssetType)
	}
	if r.AssetType.IdentifierBearing() && r.TokenID == nil {
		return fmt.Errorf("%w: token id required for %s", ErrInvalidRequest, r.AssetType)
	}
	if r.AssetType == asset.NonFungible && !r.Amount.Eq(uint256.NewInt(1)) {
		return fmt.Errorf("%w: non-fungible amount must be 1", ErrInvalidRequest)
	}
	return nil
}

// Outcome is the advisory per-item result of fee computation.
type Outcome struct {
	Index     int            `json:"index"`
	AssetType asset.Type     `json:"assetType"`
	Recipient common.Address `json:"recipient"`
	Amount    *uint256.Int   `json:"amount"`
	Fee       *uint256.Int   `json:"fee"`
	// NativeRequired is the native value this item consumes: its native fee
	// plus the amount itself for native transfers.
	NativeRequired *uint256.Int `json:"nativeRequired"`
	InKind         bool         `json:"inKind"`
	Exempt         bool         `json:"exempt"`
	// MinimalFee is the native floor; nil for in-kind or exempt items.
	MinimalFee *uint256.Int `json:"minimalFee,omitempty"`
}

// BatchQuote aggregates the outcomes of a batch.
type BatchQuote struct {
	Items               []Outcome          `json:"items"`
	TotalNativeAmount   *uint256.Int       `json:"totalNativeAmount"`
	TotalNativeFees     *uint256.Int       `json:"totalNativeFees"`
	TotalNativeRequired *uint256.Int       `json:"totalNativeRequired"`
	MinimumAccepted     *uint256.Int       `json:"minimumAccepted"`
	SlippageBps         uint64             `json:"slippageBps"`
	Price               pricing.Resolution `json:"-"`
	PriceResolved       bool               `json:"priceResolved"`
}

// TransferRecord is published for every transfer of a committed settlement.
type TransferRecord struct {
	ID         uuid.UUID      `json:"id"`
	BatchID    uuid.UUID      `json:"batchId"`
	Index      int            `json:"index"`
	Sender     common.Address `json:"sender"`
	Recipient  common.Address `json:"recipient"`
	AssetType  asset.Type     `json:"assetType"`
	Token      common.Address `json:"token"`
	TokenID    *uint256.Int   `json:"tokenId,omitempty"`
	Amount     *uint256.Int   `json:"amount"`
	FeeCharged *uint256.Int   `json:"feeCharged"`
	FeeInKind  bool           `json:"feeInKind"`
	Message    string         `json:"message,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Receipt describes a committed settlement.
type Receipt struct {
	BatchID      uuid.UUID        `json:"batchId"`
	Quote        BatchQuote       `json:"quote"`
	Supplied     *uint256.Int     `json:"supplied"`
	Excess       *uint256.Int     `json:"excess"`
	Records      []TransferRecord `json:"records"`
	Attestations []common.Hash    `json:"attestations,omitempty"`
}

// EventSink receives transfer records after a settlement commits.
type EventSink interface {
	Publish(ctx context.Context, records []TransferRecord) error
}

// MemorySink keeps published records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []TransferRecord
}

// Publish implements EventSink.
func (m *MemorySink) Publish(_ context.Context, records []TransferRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

// Records returns a copy of everything published so far.
func (m *MemorySink) Records() []TransferRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransferRecord(nil), m.records...)
}

var _ EventSink = (*MemorySink)(nil)
