// Package attest records third-party attestations for transfers to public-good
// recipients.
package attest

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"tip-settlement/internal/metrics"
)

// ErrNotConfigured is returned when attestation is enabled without a registry or schema.
var ErrNotConfigured = errors.New("attest: registry or schema not configured")

// Registry is an external attestation registry.
type Registry interface {
	Attest(ctx context.Context, recipient, attester common.Address, schemaID common.Hash) (common.Hash, error)
}

// Attestation is one record held by a MemoryRegistry.
type Attestation struct {
	ID        common.Hash    `json:"id"`
	Schema    common.Hash    `json:"schema"`
	Recipient common.Address `json:"recipient"`
	Attester  common.Address `json:"attester"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MemoryRegistry keeps attestations in process. IDs are the keccak256 of the
// schema, recipient, attester and a sequence number.
type MemoryRegistry struct {
	mu      sync.Mutex
	seq     uint64
	records []Attestation
	now     func() time.Time
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{now: time.Now}
}

// Attest implements Registry.
func (m *MemoryRegistry) Attest(_ context.Context, recipient, attester common.Address, schemaID common.Hash) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], m.seq)
	id := crypto.Keccak256Hash(schemaID.Bytes(), recipient.Bytes(), attester.Bytes(), seq[:])

	m.records = append(m.records, Attestation{
		ID:        id,
		Schema:    schemaID,
		Recipient: recipient,
		Attester:  attester,
		CreatedAt: m.now().UTC(),
	})
	return id, nil
}

// Records returns a copy of every attestation made so far.
func (m *MemoryRegistry) Records() []Attestation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attestation(nil), m.records...)
}

// SchemaID derives a schema identifier from its textual definition.
func SchemaID(definition string) common.Hash {
	return crypto.Keccak256Hash([]byte(definition))
}

// Hook calls the registry after committed transfers. Failures are logged and
// never propagate to the settlement.
type Hook struct {
	registry Registry
	schema   common.Hash
	attester common.Address
	logger   zerolog.Logger
	metrics  metrics.Recorder

	mu      sync.RWMutex
	enabled bool
}

// NewHook builds a disabled hook. registry may be nil, in which case Enable fails.
func NewHook(registry Registry, schema common.Hash, attester common.Address, logger zerolog.Logger, rec metrics.Recorder) *Hook {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Hook{
		registry: registry,
		schema:   schema,
		attester: attester,
		logger:   logger.With().Str("component", "attestation_hook").Logger(),
		metrics:  rec,
	}
}

// Enable turns attestation on.
func (h *Hook) Enable() error {
	if h.registry == nil || h.schema == (common.Hash{}) || h.attester == (common.Address{}) {
		return ErrNotConfigured
	}
	h.mu.Lock()
	h.enabled = true
	h.mu.Unlock()
	return nil
}

// Disable turns attestation off.
func (h *Hook) Disable() {
	h.mu.Lock()
	h.enabled = false
	h.mu.Unlock()
}

// Enabled reports whether attestations are being recorded.
func (h *Hook) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.enabled
}

// Attest records an attestation for recipient if the hook is enabled. The
// returned bool is false when nothing was recorded.
func (h *Hook) Attest(ctx context.Context, recipient common.Address) (common.Hash, bool) {
	if !h.Enabled() {
		return common.Hash{}, false
	}

	id, err := h.registry.Attest(ctx, recipient, h.attester, h.schema)
	if err != nil {
		h.metrics.IncCounter(metrics.EventAttestation, map[string]string{"outcome": "failed"})
		h.logger.Warn().Err(err).Str("recipient", recipient.Hex()).Msg("attestation failed")
		return common.Hash{}, false
	}

	h.metrics.IncCounter(metrics.EventAttestation, map[string]string{"outcome": "recorded"})
	h.logger.Debug().Str("recipient", recipient.Hex()).Str("id", id.Hex()).Msg("attestation recorded")
	return id, true
}
