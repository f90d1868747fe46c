package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// contractPriceDecimals is the fixed-point scale used by trigger prices on
// the ledger: 1 USD == 1_000_000.
const contractPriceDecimals = 6

// Oracle serves USD prices per mint with a short TTL cache in front of the
// price API. Stream updates land in the same cache via SetPrice.
type Oracle struct {
	apiURL     string
	httpClient *http.Client
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.RWMutex
	cache map[solana.PublicKey]cacheEntry
}

type cacheEntry struct {
	price     float64
	fetchedAt time.Time
}

func NewOracle(apiURL string, ttl time.Duration, logger *slog.Logger) *Oracle {
	return &Oracle{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		ttl:        ttl,
		logger:     logger,
		now:        time.Now,
		cache:      make(map[solana.PublicKey]cacheEntry),
	}
}

// Price returns the USD price for mint, served from cache while fresh.
func (o *Oracle) Price(ctx context.Context, mint solana.PublicKey) (float64, error) {
	o.mu.RLock()
	entry, ok := o.cache[mint]
	o.mu.RUnlock()
	if ok && o.now().Sub(entry.fetchedAt) < o.ttl {
		return entry.price, nil
	}

	price, err := o.fetchPrice(ctx, mint)
	if err != nil {
		return 0, err
	}

	o.SetPrice(mint, price)
	return price, nil
}

// SetPrice stores a price observation, last writer wins.
func (o *Oracle) SetPrice(mint solana.PublicKey, price float64) {
	o.mu.Lock()
	o.cache[mint] = cacheEntry{price: price, fetchedAt: o.now()}
	o.mu.Unlock()
}

type priceResponse struct {
	Data map[string]struct {
		Price json.Number `json:"price"`
	} `json:"data"`
}

func (o *Oracle) fetchPrice(ctx context.Context, mint solana.PublicKey) (float64, error) {
	endpoint := o.apiURL + "?ids=" + url.QueryEscape(mint.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build price request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch price for %s: %w", mint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price API returned status %d for %s", resp.StatusCode, mint)
	}

	var payload priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode price response for %s: %w", mint, err)
	}

	entry, ok := payload.Data[mint.String()]
	if !ok {
		return 0, fmt.Errorf("price API has no quote for %s", mint)
	}
	price, err := entry.Price.Float64()
	if err != nil {
		return 0, fmt.Errorf("parse price %q for %s: %w", entry.Price, mint, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("price API returned non-positive price %v for %s", price, mint)
	}
	return price, nil
}

// ToContractPrice converts a USD price to the ledger's 6-decimal fixed-point
// representation, truncating toward zero.
func ToContractPrice(price float64) uint64 {
	scaled := decimal.NewFromFloat(price).Shift(contractPriceDecimals)
	if scaled.Sign() <= 0 {
		return 0
	}
	return uint64(scaled.IntPart())
}

// FromContractPrice is the inverse conversion, for logging.
func FromContractPrice(price uint64) float64 {
	out, _ := decimal.NewFromUint64(price).Shift(-contractPriceDecimals).Float64()
	return out
}
