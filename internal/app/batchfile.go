package app

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
	"github.com/spf13/viper"

	"tip-settlement/internal/asset"
	"tip-settlement/internal/ledger"
	"tip-settlement/internal/oracle"
	"tip-settlement/internal/pricing"
	"tip-settlement/internal/settlement"
)

// BatchFile is the input of `tipsettle quote` and `tipsettle simulate`.
// Transfer amounts accept decimal or 0x-prefixed hex; the other amounts are decimal.
type BatchFile struct {
	Sender string `json:"sender" validate:"required,eth_addr"`
	// Supplied is the native value attached to the call; empty means exactly
	// the quoted requirement.
	Supplied string `json:"supplied" validate:"omitempty,numeric"`
	// Native funds the sender in simulations.
	Native    string                       `json:"native" validate:"omitempty,numeric"`
	Tokens    []TokenFixture               `json:"tokens" validate:"dive"`
	Transfers []settlement.TransferRequest `json:"transfers" validate:"required,min=1"`
	// Oracle replaces the configured feeds with fixed answers and enables live pricing.
	Oracle *OracleFixture `json:"oracle"`
}

// OracleFixture is a fixed oracle answer. Age and SequencerUpFor are Go
// durations such as "90m"; the sequencer feed is only attached when one of
// the sequencer fields is set.
type OracleFixture struct {
	Answer         string `json:"answer" validate:"required,numeric"`
	Decimals       uint8  `json:"decimals"`
	Age            string `json:"age"`
	SequencerDown  bool   `json:"sequencerDown"`
	SequencerUpFor string `json:"sequencerUpFor"`
}

// TokenFixture deploys and funds a token in the simulated ledger.
type TokenFixture struct {
	Address string `json:"address" validate:"required,eth_addr"`
	Kind    string `json:"kind" validate:"required"`
	// Balance is minted to the sender: the token balance for fungible kinds,
	// the per-id balance for semi-fungible tokens.
	Balance  string   `json:"balance" validate:"omitempty,numeric"`
	TokenIDs []string `json:"tokenIds" validate:"dive,numeric"`
}

var batchValidate = validator.New(validator.WithRequiredStructEnabled())

// LoadBatchFile reads a JSON batch file, or a YAML one through viper.
func LoadBatchFile(path string) (*BatchFile, error) {
	raw, err := readBatchJSON(path)
	if err != nil {
		return nil, err
	}

	var file BatchFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode batch file: %w", err)
	}
	if err := batchValidate.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid batch file: %w", err)
	}
	for i, tok := range file.Tokens {
		if _, err := asset.ParseType(tok.Kind); err != nil {
			return nil, fmt.Errorf("tokens[%d]: %w", i, err)
		}
	}
	return &file, nil
}

func readBatchJSON(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read batch file: %w", err)
		}
		// viper lower-cases keys; encoding/json matches field names case-insensitively.
		raw, err := json.Marshal(v.AllSettings())
		if err != nil {
			return nil, fmt.Errorf("convert batch file: %w", err)
		}
		return raw, nil
	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read batch file: %w", err)
		}
		return raw, nil
	}
}

// Feeds builds the fixed price and sequencer feeds.
func (o *OracleFixture) Feeds(now func() time.Time) (pricing.PriceFeed, pricing.SequencerFeed, error) {
	answer, ok := new(big.Int).SetString(o.Answer, 10)
	if !ok {
		return nil, nil, fmt.Errorf("oracle answer %q is not an integer", o.Answer)
	}
	age, err := optionalDuration(o.Age)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle age: %w", err)
	}
	feed := &oracle.Static{Answer: answer, FeedDecimals: o.Decimals, Age: age, Now: now}

	if !o.SequencerDown && o.SequencerUpFor == "" {
		return feed, nil, nil
	}
	upFor, err := optionalDuration(o.SequencerUpFor)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle sequencerUpFor: %w", err)
	}
	return feed, oracle.StaticSequencer{Down: o.SequencerDown, UpSince: now().Add(-upFor)}, nil
}

func optionalDuration(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}

// SenderAddress returns the parsed sender.
func (b *BatchFile) SenderAddress() common.Address {
	return common.HexToAddress(b.Sender)
}

// SuppliedValue returns the attached value, or nil when the file leaves it to the quote.
func (b *BatchFile) SuppliedValue() (*uint256.Int, error) {
	if b.Supplied == "" {
		return nil, nil
	}
	return uint256.FromDecimal(b.Supplied)
}

// Seed deploys the file's tokens into l, funds the sender and grants engine
// the allowances and approvals the transfers need.
func (b *BatchFile) Seed(ctx context.Context, l *ledger.Ledger, engine common.Address) error {
	sender := b.SenderAddress()

	if b.Native != "" {
		native, err := uint256.FromDecimal(b.Native)
		if err != nil {
			return fmt.Errorf("native balance: %w", err)
		}
		l.Fund(sender, native)
	}

	for i, tok := range b.Tokens {
		kind, _ := asset.ParseType(tok.Kind)
		addr := common.HexToAddress(tok.Address)
		balance := new(uint256.Int)
		if tok.Balance != "" {
			parsed, err := uint256.FromDecimal(tok.Balance)
			if err != nil {
				return fmt.Errorf("tokens[%d] balance: %w", i, err)
			}
			balance = parsed
		}

		switch kind {
		case asset.GenericFungible, asset.SupportedFungible:
			t, err := l.DeployFungible(addr)
			if err != nil {
				return fmt.Errorf("tokens[%d]: %w", i, err)
			}
			t.Mint(sender, balance)
			if err := t.Approve(ctx, sender, engine, balance); err != nil {
				return fmt.Errorf("tokens[%d] approve: %w", i, err)
			}
		case asset.NonFungible:
			t, err := l.DeployNonFungible(addr)
			if err != nil {
				return fmt.Errorf("tokens[%d]: %w", i, err)
			}
			for _, id := range tok.TokenIDs {
				tokenID, err := uint256.FromDecimal(id)
				if err != nil {
					return fmt.Errorf("tokens[%d] id %q: %w", i, id, err)
				}
				t.Mint(sender, tokenID)
			}
			if err := t.SetApprovalForAll(ctx, sender, engine, true); err != nil {
				return fmt.Errorf("tokens[%d] approve: %w", i, err)
			}
		case asset.SemiFungible:
			t, err := l.DeploySemiFungible(addr)
			if err != nil {
				return fmt.Errorf("tokens[%d]: %w", i, err)
			}
			for _, id := range tok.TokenIDs {
				tokenID, err := uint256.FromDecimal(id)
				if err != nil {
					return fmt.Errorf("tokens[%d] id %q: %w", i, id, err)
				}
				t.Mint(sender, tokenID, balance)
			}
			if err := t.SetApprovalForAll(ctx, sender, engine, true); err != nil {
				return fmt.Errorf("tokens[%d] approve: %w", i, err)
			}
		default:
			return fmt.Errorf("tokens[%d]: %w: %s", i, asset.ErrUnsupportedType, kind)
		}
	}
	return nil
}
