package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tip-settlement/internal/pricing"
)

// HTTPOptions parameterise the HTTP price feed.
type HTTPOptions struct {
	URL       string
	Decimals  uint8
	Timeout   time.Duration
	UserAgent string
}

// HTTPFeed reads a price from an off-chain JSON endpoint. The endpoint answers
// {"answer": "2512.34", "startedAt": 1717243200, "updatedAt": 1717243200} and
// may override the precision with "decimals".
type HTTPFeed struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTPFeed constructs an HTTP price feed.
func NewHTTPFeed(opts HTTPOptions, logger zerolog.Logger) *HTTPFeed {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Decimals == 0 {
		opts.Decimals = 8
	}
	opts.URL = strings.TrimSpace(opts.URL)

	return &HTTPFeed{
		opts:   opts,
		logger: logger.With().Str("component", "http_price_feed").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// Decimals implements pricing.PriceFeed.
func (f *HTTPFeed) Decimals(context.Context) (uint8, error) {
	return f.opts.Decimals, nil
}

// LatestRoundData implements pricing.PriceFeed.
func (f *HTTPFeed) LatestRoundData(ctx context.Context) (pricing.Round, error) {
	if f.opts.URL == "" {
		return pricing.Round{}, errors.New("oracle: price api url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.opts.URL, nil)
	if err != nil {
		return pricing.Round{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(f.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "tipsettle/1.0")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return pricing.Round{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return pricing.Round{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return pricing.Round{}, parseHTTPError(resp.StatusCode, payload)
	}

	var body priceResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return pricing.Round{}, fmt.Errorf("decode price response: %w", err)
	}

	answer, err := decimal.NewFromString(strings.TrimSpace(body.Answer))
	if err != nil {
		return pricing.Round{}, fmt.Errorf("parse answer: %w", err)
	}
	decimals := f.opts.Decimals
	if body.Decimals != nil {
		decimals = *body.Decimals
	}
	raw := answer.Shift(int32(decimals)).Truncate(0)

	f.logger.Debug().Str("answer", answer.String()).Uint8("decimals", decimals).Msg("price fetched")

	return pricing.Round{
		Answer:    raw.BigInt(),
		StartedAt: time.Unix(body.StartedAt, 0).UTC(),
		UpdatedAt: time.Unix(body.UpdatedAt, 0).UTC(),
	}, nil
}

type priceResponse struct {
	Answer    string `json:"answer"`
	Decimals  *uint8 `json:"decimals,omitempty"`
	StartedAt int64  `json:"startedAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ pricing.PriceFeed = (*HTTPFeed)(nil)
