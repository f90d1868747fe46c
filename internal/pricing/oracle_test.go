package pricing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

var testMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func priceServer(t *testing.T, price string, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Equal(t, testMint.String(), r.URL.Query().Get("ids"))
		fmt.Fprintf(w, `{"data":{"%s":{"price":"%s"}}}`, testMint, price)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestPriceCachesWithinTTL(t *testing.T) {
	var hits atomic.Int64
	server := priceServer(t, "195.5", &hits)

	oracle := NewOracle(server.URL, 10*time.Second, discardLogger())

	now := time.Unix(1_700_000_000, 0)
	oracle.now = func() time.Time { return now }

	first, err := oracle.Price(context.Background(), testMint)
	require.NoError(t, err)
	require.Equal(t, 195.5, first)

	now = now.Add(5 * time.Second)
	second, err := oracle.Price(context.Background(), testMint)
	require.NoError(t, err)
	require.Equal(t, 195.5, second)
	require.Equal(t, int64(1), hits.Load(), "second call within TTL must be served from cache")

	now = now.Add(6 * time.Second)
	_, err = oracle.Price(context.Background(), testMint)
	require.NoError(t, err)
	require.Equal(t, int64(2), hits.Load(), "expired entry must be refetched")
}

func TestPriceMissingQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{}}`)
	}))
	t.Cleanup(server.Close)

	oracle := NewOracle(server.URL, time.Second, discardLogger())
	_, err := oracle.Price(context.Background(), testMint)
	require.Error(t, err)
}

func TestSetPriceFeedsCache(t *testing.T) {
	var hits atomic.Int64
	server := priceServer(t, "100", &hits)

	oracle := NewOracle(server.URL, 10*time.Second, discardLogger())
	oracle.SetPrice(testMint, 201.25)

	price, err := oracle.Price(context.Background(), testMint)
	require.NoError(t, err)
	require.Equal(t, 201.25, price)
	require.Zero(t, hits.Load(), "stream updates keep the HTTP API out of the hot path")
}

func TestToContractPrice(t *testing.T) {
	tests := []struct {
		in   float64
		want uint64
	}{
		{195.5, 195_500_000},
		{200, 200_000_000},
		{0.000001, 1},
		{1.9999999, 1_999_999}, // truncates toward zero
		{0, 0},
		{-5, 0},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ToContractPrice(tt.in), "in=%v", tt.in)
	}
}

func TestFromContractPriceRoundTrip(t *testing.T) {
	require.Equal(t, 195.5, FromContractPrice(195_500_000))
	require.Equal(t, 0.000001, FromContractPrice(1))
}
