// Package oracle provides pricing.PriceFeed and pricing.SequencerFeed
// implementations: Chainlink aggregators over JSON-RPC, an HTTP price API and
// static feeds for simulation.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"tip-settlement/internal/pricing"
)

const aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`

var aggregatorV3ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

var (
	ErrRPCNotConfigured     = errors.New("oracle: ethereum rpc url not configured")
	ErrAddressNotConfigured = errors.New("oracle: feed contract address not configured")
	ErrUnexpectedResponse   = errors.New("oracle: unexpected feed response")
)

// ClientOptions parameterise the shared JSON-RPC client.
type ClientOptions struct {
	RPCURL  string
	Timeout time.Duration
}

// Client dials lazily and is shared by every Chainlink feed on the same network.
type Client struct {
	opts      ClientOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewClient builds a client; no connection is made until the first call.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	return &Client{opts: opts, logger: logger.With().Str("component", "oracle_client").Logger()}
}

// Close releases the underlying connection, if any.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *Client) call(ctx context.Context, addr common.Address, method string) ([]interface{}, error) {
	if c.opts.RPCURL == "" {
		return nil, ErrRPCNotConfigured
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), err)
	}
	return aggregatorV3ABI.Unpack(method, res)
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Msg("connected to ethereum rpc")
	c.client = client
	return client, nil
}

// Chainlink reads an AggregatorV3 contract. The same type serves price feeds
// and L2 sequencer uptime feeds.
type Chainlink struct {
	client  *Client
	address string
}

// NewChainlink binds a feed address to a client.
func NewChainlink(client *Client, address string) *Chainlink {
	return &Chainlink{client: client, address: strings.TrimSpace(address)}
}

// LatestRoundData implements pricing.PriceFeed and pricing.SequencerFeed.
func (f *Chainlink) LatestRoundData(ctx context.Context) (pricing.Round, error) {
	addr, err := f.contract()
	if err != nil {
		return pricing.Round{}, err
	}
	outputs, err := f.client.call(ctx, addr, "latestRoundData")
	if err != nil {
		return pricing.Round{}, err
	}
	return decodeRound(outputs)
}

// Decimals implements pricing.PriceFeed.
func (f *Chainlink) Decimals(ctx context.Context) (uint8, error) {
	addr, err := f.contract()
	if err != nil {
		return 0, err
	}
	outputs, err := f.client.call(ctx, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("%w: decimals returned %d values", ErrUnexpectedResponse, len(outputs))
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: failed to decode decimals output", ErrUnexpectedResponse)
	}
	return decimals, nil
}

func (f *Chainlink) contract() (common.Address, error) {
	if f.address == "" {
		return common.Address{}, ErrAddressNotConfigured
	}
	if !common.IsHexAddress(f.address) {
		return common.Address{}, fmt.Errorf("%w: invalid address %q", ErrAddressNotConfigured, f.address)
	}
	return common.HexToAddress(f.address), nil
}

func decodeRound(outputs []interface{}) (pricing.Round, error) {
	if len(outputs) != 5 {
		return pricing.Round{}, fmt.Errorf("%w: latestRoundData returned %d values", ErrUnexpectedResponse, len(outputs))
	}
	var ints [4]*big.Int
	for i := range ints {
		v, ok := outputs[i].(*big.Int)
		if !ok {
			return pricing.Round{}, fmt.Errorf("%w: latestRoundData output %d is %T", ErrUnexpectedResponse, i, outputs[i])
		}
		ints[i] = v
	}
	return pricing.Round{
		RoundID:   ints[0],
		Answer:    ints[1],
		StartedAt: unixTime(ints[2]),
		UpdatedAt: unixTime(ints[3]),
	}, nil
}

func unixTime(v *big.Int) time.Time {
	if !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

var (
	_ pricing.PriceFeed     = (*Chainlink)(nil)
	_ pricing.SequencerFeed = (*Chainlink)(nil)
)
