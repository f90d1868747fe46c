// Package jupiter wraps the Jupiter Ultra API: quote, sign, execute.
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	// ErrQuoteUnavailable: no executable route exists for the pair right now.
	ErrQuoteUnavailable = errors.New("jupiter: no route available")
	// ErrSwapFailed: the aggregator reported a non-success execution status.
	ErrSwapFailed = errors.New("jupiter: swap execution failed")
	// ErrSwapTimeout: execution did not settle within the configured window.
	ErrSwapTimeout = errors.New("jupiter: swap execution timed out")
)

// Quote is an executable order from the aggregator. The transaction is
// base64-encoded and pre-built for the taker to sign.
type Quote struct {
	RequestID   string
	InAmount    uint64
	OutAmount   uint64
	Transaction string
}

// SwapResult carries the realized amounts of a completed swap. Settlement
// must use these, never the quoted amounts.
type SwapResult struct {
	Signature    string
	InputAmount  uint64
	OutputAmount uint64
}

type Client struct {
	apiURL     string
	httpClient *http.Client
	signer     solana.PrivateKey
	timeout    time.Duration
	logger     *slog.Logger
}

func New(apiURL string, signer solana.PrivateKey, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		signer:     signer,
		timeout:    timeout,
		logger:     logger,
	}
}

type orderResponse struct {
	RequestID   string `json:"requestId"`
	InAmount    string `json:"inAmount"`
	OutAmount   string `json:"outAmount"`
	Transaction string `json:"transaction"`
	ErrorMsg    string `json:"error"`
}

// GetOrder asks the aggregator for an executable swap of amount inputMint
// into outputMint, taken by the keeper wallet.
func (c *Client) GetOrder(ctx context.Context, inputMint, outputMint solana.PublicKey, amount uint64) (*Quote, error) {
	query := url.Values{}
	query.Set("inputMint", inputMint.String())
	query.Set("outputMint", outputMint.String())
	query.Set("amount", strconv.FormatUint(amount, 10))
	query.Set("taker", c.signer.PublicKey().String())

	endpoint := c.apiURL + "/order?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: order API status %d", ErrQuoteUnavailable, resp.StatusCode)
	}

	var order orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}
	if order.Transaction == "" || order.RequestID == "" {
		if order.ErrorMsg != "" {
			return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, order.ErrorMsg)
		}
		return nil, ErrQuoteUnavailable
	}

	inAmount, err := strconv.ParseUint(order.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse inAmount %q: %w", order.InAmount, err)
	}
	outAmount, err := strconv.ParseUint(order.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse outAmount %q: %w", order.OutAmount, err)
	}

	return &Quote{
		RequestID:   order.RequestID,
		InAmount:    inAmount,
		OutAmount:   outAmount,
		Transaction: order.Transaction,
	}, nil
}

type executeRequest struct {
	SignedTransaction string `json:"signedTransaction"`
	RequestID         string `json:"requestId"`
}

type executeResponse struct {
	Status             string `json:"status"`
	Signature          string `json:"signature"`
	ErrorMsg           string `json:"error"`
	InputAmountResult  string `json:"inputAmountResult"`
	OutputAmountResult string `json:"outputAmountResult"`
}

// ExecuteSwap runs the full quote-sign-execute flow and returns realized
// amounts. The execute leg runs under the swap timeout so a hung aggregator
// cannot stall a whole polling cycle.
func (c *Client) ExecuteSwap(ctx context.Context, inputMint, outputMint solana.PublicKey, amount uint64) (*SwapResult, error) {
	quote, err := c.GetOrder(ctx, inputMint, outputMint, amount)
	if err != nil {
		return nil, err
	}

	signed, err := c.signTransaction(quote.Transaction)
	if err != nil {
		return nil, fmt.Errorf("sign swap transaction: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	result, err := c.execute(execCtx, signed, quote.RequestID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", ErrSwapTimeout, c.timeout)
		}
		return nil, err
	}

	inputAmount := quote.InAmount
	if parsed, err := strconv.ParseUint(result.InputAmountResult, 10, 64); err == nil && parsed > 0 {
		inputAmount = parsed
	}
	outputAmount := quote.OutAmount
	if parsed, err := strconv.ParseUint(result.OutputAmountResult, 10, 64); err == nil && parsed > 0 {
		outputAmount = parsed
	}

	c.logger.Debug("swap executed",
		"signature", result.Signature,
		"input_amount", inputAmount,
		"output_amount", outputAmount,
	)

	return &SwapResult{
		Signature:    result.Signature,
		InputAmount:  inputAmount,
		OutputAmount: outputAmount,
	}, nil
}

func (c *Client) signTransaction(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", fmt.Errorf("deserialize transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.signer.PublicKey().Equals(key) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	signedRaw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize signed transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signedRaw), nil
}

func (c *Client) execute(ctx context.Context, signedTransaction, requestID string) (*executeResponse, error) {
	body, err := json.Marshal(executeRequest{
		SignedTransaction: signedTransaction,
		RequestID:         requestID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute swap: %w", err)
	}
	defer resp.Body.Close()

	var result executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}

	if result.Status != "Success" {
		if result.ErrorMsg != "" {
			return nil, fmt.Errorf("%w: %s (status %s)", ErrSwapFailed, result.ErrorMsg, result.Status)
		}
		return nil, fmt.Errorf("%w: status %s", ErrSwapFailed, result.Status)
	}
	return &result, nil
}
