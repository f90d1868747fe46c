package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

var (
	testInputMint  = solana.MustPublicKeyFromBase58("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v")
	testOutputMint = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// unsignedSwapTransaction builds a transaction with signer as fee payer, the
// way the order endpoint returns one for the taker to sign.
func unsignedSwapTransaction(t *testing.T, signer solana.PrivateKey) string {
	t.Helper()
	ix := solana.NewInstruction(
		solana.MemoProgramID,
		solana.AccountMetaSlice{solana.NewAccountMeta(signer.PublicKey(), false, true)},
		[]byte("swap"),
	)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		solana.Hash{},
		solana.TransactionPayer(signer.PublicKey()),
	)
	require.NoError(t, err)
	raw, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	// prepend an empty signature slot, matching an unsigned wire transaction
	payload := append([]byte{1}, make([]byte, 64)...)
	payload = append(payload, raw...)
	return base64.StdEncoding.EncodeToString(payload)
}

func TestGetOrderNoRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	signer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	client := New(server.URL, signer, time.Minute, discardLogger())

	_, err = client.GetOrder(context.Background(), testInputMint, testOutputMint, 1000)
	require.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestGetOrderEmptyTransaction(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"requestId":"","transaction":"","error":"no route"}`)
	}))
	t.Cleanup(server.Close)

	signer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	client := New(server.URL, signer, time.Minute, discardLogger())

	_, err = client.GetOrder(context.Background(), testInputMint, testOutputMint, 1000)
	require.ErrorIs(t, err, ErrQuoteUnavailable)
}

func TestExecuteSwapFullFlow(t *testing.T) {
	signer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	unsigned := unsignedSwapTransaction(t, signer)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order":
			require.Equal(t, testInputMint.String(), r.URL.Query().Get("inputMint"))
			require.Equal(t, testOutputMint.String(), r.URL.Query().Get("outputMint"))
			require.Equal(t, "100000", r.URL.Query().Get("amount"))
			require.Equal(t, signer.PublicKey().String(), r.URL.Query().Get("taker"))
			fmt.Fprintf(w, `{"requestId":"req-1","inAmount":"100000","outAmount":"5000","transaction":"%s"}`, unsigned)
		case "/execute":
			var req executeRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "req-1", req.RequestID)
			require.NotEmpty(t, req.SignedTransaction)
			require.NotEqual(t, unsigned, req.SignedTransaction, "transaction must be signed before execution")
			fmt.Fprint(w, `{"status":"Success","signature":"sig-1","inputAmountResult":"99500","outputAmountResult":"4998"}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(server.Close)

	client := New(server.URL, signer, time.Minute, discardLogger())
	result, err := client.ExecuteSwap(context.Background(), testInputMint, testOutputMint, 100_000)
	require.NoError(t, err)
	require.Equal(t, "sig-1", result.Signature)
	require.Equal(t, uint64(99_500), result.InputAmount, "realized input, not the quote")
	require.Equal(t, uint64(4_998), result.OutputAmount, "realized output, not the quote")
}

func TestExecuteSwapFailureStatus(t *testing.T) {
	signer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	unsigned := unsignedSwapTransaction(t, signer)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order":
			fmt.Fprintf(w, `{"requestId":"req-2","inAmount":"100000","outAmount":"5000","transaction":"%s"}`, unsigned)
		case "/execute":
			fmt.Fprint(w, `{"status":"Failed","error":"slippage tolerance exceeded"}`)
		}
	}))
	t.Cleanup(server.Close)

	client := New(server.URL, signer, time.Minute, discardLogger())
	_, err = client.ExecuteSwap(context.Background(), testInputMint, testOutputMint, 100_000)
	require.ErrorIs(t, err, ErrSwapFailed)
	require.Contains(t, err.Error(), "slippage")
}
