package kryptos

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/kryptos-labs/keeper/internal/config"
)

var (
	ixExecuteDca    = instructionDiscriminator("execute_dca")
	ixExecuteIntent = instructionDiscriminator("execute_intent")
)

// Client is the keeper's view of the Kryptos escrow program: account scans,
// settlement instructions, and the transaction plumbing around them.
type Client struct {
	cfg    config.KeeperConfig
	rpc    *rpc.Client
	signer solana.PrivateKey
	logger *slog.Logger
}

func NewClient(cfg config.KeeperConfig, logger *slog.Logger) (*Client, error) {
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		signer: signer,
		logger: logger,
	}, nil
}

func loadSigner(cfg config.KeeperConfig) (solana.PrivateKey, error) {
	if cfg.KeypairBase64 != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.KeypairBase64)
		if err != nil {
			return nil, fmt.Errorf("decode KEEPER_PRIVATE_KEY: %w", err)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid KEEPER_PRIVATE_KEY: got %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
		}
		return solana.PrivateKey(raw), nil
	}

	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}
	return signer, nil
}

func (c *Client) Signer() solana.PrivateKey { return c.signer }

func (c *Client) Keeper() solana.PublicKey { return c.signer.PublicKey() }

// Slot is the startup reachability probe.
func (c *Client) Slot(ctx context.Context) (uint64, error) {
	return c.rpc.GetSlot(ctx, c.cfg.Commitment)
}

// Balance returns the keeper account's lamport balance.
func (c *Client) Balance(ctx context.Context) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, c.signer.PublicKey(), c.cfg.Commitment)
	if err != nil {
		return 0, fmt.Errorf("get keeper balance: %w", err)
	}
	return out.Value, nil
}

// ClusterUnixTime reads the cluster clock; the local clock is the fallback so
// a degraded RPC node cannot stall eligibility checks.
func (c *Client) ClusterUnixTime(ctx context.Context) int64 {
	slot, err := c.rpc.GetSlot(ctx, c.cfg.Commitment)
	if err != nil {
		c.logger.Warn("using local clock because getSlot failed", "err", err)
		return time.Now().Unix()
	}

	blockTime, err := c.rpc.GetBlockTime(ctx, slot)
	if err != nil || blockTime == nil {
		c.logger.Warn("using local clock because getBlockTime unavailable", "slot", slot, "err", err)
		return time.Now().Unix()
	}

	return int64(*blockTime)
}

func (c *Client) FetchAllDcaVaults(ctx context.Context) ([]KeyedDcaVault, error) {
	accounts, err := c.scanProgramAccounts(ctx, AccountDcaVault)
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts dca vaults: %w", err)
	}

	vaults := make([]KeyedDcaVault, 0, len(accounts))
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		vault, err := ParseDcaVault(item.Account.Data.GetBinary())
		if err != nil {
			c.logger.Warn("failed to parse dca vault account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		vaults = append(vaults, KeyedDcaVault{Pubkey: item.Pubkey, Vault: vault})
	}
	return vaults, nil
}

func (c *Client) FetchAllIntentVaults(ctx context.Context) ([]KeyedIntentVault, error) {
	accounts, err := c.scanProgramAccounts(ctx, AccountIntentVault)
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts intent vaults: %w", err)
	}

	vaults := make([]KeyedIntentVault, 0, len(accounts))
	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		vault, err := ParseIntentVault(item.Account.Data.GetBinary())
		if err != nil {
			c.logger.Warn("failed to parse intent vault account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		vaults = append(vaults, KeyedIntentVault{Pubkey: item.Pubkey, Vault: vault})
	}
	return vaults, nil
}

// FetchDcaVault reloads one vault, used after settlement for fresh counters.
func (c *Client) FetchDcaVault(ctx context.Context, vault solana.PublicKey) (*DcaVault, error) {
	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, vault, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch dca vault %s: %w", vault, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("dca vault %s not found", vault)
	}
	return ParseDcaVault(resp.Value.Data.GetBinary())
}

func (c *Client) scanProgramAccounts(ctx context.Context, discriminator [8]byte) (rpc.GetProgramAccountsResult, error) {
	return c.rpc.GetProgramAccountsWithOpts(ctx, c.cfg.ProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: c.cfg.Commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}},
		},
	})
}

// SettleDca records a completed swap against a DCA vault: the program moves
// swapAmount out of the input escrow, receivedAmount into the output escrow,
// updates the counters, and advances next_execution.
func (c *Client) SettleDca(
	ctx context.Context,
	vault solana.PublicKey,
	state *DcaVault,
	swapAmount uint64,
	receivedAmount uint64,
) (solana.Signature, error) {
	keeper := c.signer.PublicKey()
	keeperInput, _, err := solana.FindAssociatedTokenAddress(keeper, state.InputMint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive keeper input ATA: %w", err)
	}
	keeperOutput, _, err := solana.FindAssociatedTokenAddress(keeper, state.OutputMint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive keeper output ATA: %w", err)
	}

	data := encodeInstructionData(ixExecuteDca, swapAmount, receivedAmount)
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(keeper, true, true),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(state.InputVault, true, false),
		solana.NewAccountMeta(state.OutputVault, true, false),
		solana.NewAccountMeta(keeperInput, true, false),
		solana.NewAccountMeta(keeperOutput, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	ix := solana.NewInstruction(c.cfg.ProgramID, accounts, data)

	sig, err := c.submitSettlement(ctx, ix)
	if err != nil {
		return solana.Signature{}, classifySettlementError(err)
	}
	return sig, nil
}

// SettleIntent records a completed swap against an intent vault. The program
// re-verifies the trigger against currentPrice when the intent is still in
// Monitoring; afterwards swapped funds go straight to the owner's ATA.
func (c *Client) SettleIntent(
	ctx context.Context,
	vault solana.PublicKey,
	state *IntentVault,
	currentPrice uint64,
	swapAmount uint64,
	receivedAmount uint64,
) (solana.Signature, error) {
	keeper := c.signer.PublicKey()
	keeperInput, _, err := solana.FindAssociatedTokenAddress(keeper, state.InputMint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive keeper input ATA: %w", err)
	}
	keeperOutput, _, err := solana.FindAssociatedTokenAddress(keeper, state.OutputMint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive keeper output ATA: %w", err)
	}
	userOutput, _, err := solana.FindAssociatedTokenAddress(state.Authority, state.OutputMint)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("derive user output ATA: %w", err)
	}

	data := encodeInstructionData(ixExecuteIntent, currentPrice, swapAmount, receivedAmount)
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(keeper, true, true),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(state.InputVault, true, false),
		solana.NewAccountMeta(keeperInput, true, false),
		solana.NewAccountMeta(keeperOutput, true, false),
		solana.NewAccountMeta(userOutput, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
	}
	ix := solana.NewInstruction(c.cfg.ProgramID, accounts, data)

	sig, err := c.submitSettlement(ctx, ix)
	if err != nil {
		return solana.Signature{}, classifySettlementError(err)
	}
	return sig, nil
}

// EnsureTokenAccount creates the keeper's associated token account for mint
// when it does not exist yet. Swap legs land in keeper ATAs before settlement
// moves them into escrow.
func (c *Client) EnsureTokenAccount(ctx context.Context, mint solana.PublicKey) error {
	keeper := c.signer.PublicKey()
	ata, _, err := solana.FindAssociatedTokenAddress(keeper, mint)
	if err != nil {
		return fmt.Errorf("derive keeper ATA for %s: %w", mint, err)
	}

	resp, err := c.rpc.GetAccountInfoWithOpts(ctx, ata, &rpc.GetAccountInfoOpts{Commitment: c.cfg.Commitment})
	if err == nil && resp != nil && resp.Value != nil {
		return nil
	}

	createIx, err := associatedtokenaccount.NewCreateInstruction(keeper, keeper, mint).ValidateAndBuild()
	if err != nil {
		return fmt.Errorf("build create ATA instruction: %w", err)
	}

	c.logger.Info("creating keeper token account", "mint", mint, "ata", ata)

	txCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()

	sig, err := c.sendTransaction(txCtx, []solana.Instruction{createIx})
	if err != nil {
		return fmt.Errorf("send create ATA transaction: %w", err)
	}
	if err := c.waitForConfirmation(txCtx, sig); err != nil {
		return fmt.Errorf("confirm create ATA %s: %w", sig, err)
	}
	return nil
}

func (c *Client) submitSettlement(ctx context.Context, settleIx solana.Instruction) (solana.Signature, error) {
	instructions := make([]solana.Instruction, 0, 3)
	if c.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(c.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if c.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(c.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return solana.Signature{}, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	instructions = append(instructions, settleIx)

	txCtx, cancel := context.WithTimeout(ctx, c.cfg.TxTimeout)
	defer cancel()

	sig, err := c.sendTransaction(txCtx, instructions)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send settlement transaction: %w", err)
	}
	if err := c.waitForConfirmation(txCtx, sig); err != nil {
		return solana.Signature{}, fmt.Errorf("confirm settlement %s: %w", sig, err)
	}
	return sig, nil
}

func (c *Client) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := c.rpc.GetLatestBlockhash(ctx, c.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(c.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if c.signer.PublicKey().Equals(key) {
			return &c.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       c.cfg.SkipPreflight,
		PreflightCommitment: c.cfg.Commitment,
	}
	if c.cfg.MaxRetries != nil {
		retries := *c.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	return c.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

func (c *Client) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

func encodeInstructionData(discriminator [8]byte, args ...uint64) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 8+8*len(args)))
	buf.Write(discriminator[:])
	scratch := make([]byte, 8)
	for _, arg := range args {
		binary.LittleEndian.PutUint64(scratch, arg)
		buf.Write(scratch)
	}
	return buf.Bytes()
}
