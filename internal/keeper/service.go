// Package keeper runs the polling loops that execute scheduled DCA vaults
// and price-triggered intents against the Kryptos escrow program.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/kryptos-labs/keeper/internal/config"
	"github.com/kryptos-labs/keeper/internal/history"
	"github.com/kryptos-labs/keeper/internal/jupiter"
	"github.com/kryptos-labs/keeper/internal/kryptos"
	"github.com/kryptos-labs/keeper/internal/pricing"
)

// minKeeperLamports is the balance below which the startup check warns that
// the keeper cannot pay fees for long.
const minKeeperLamports = 100_000_000

// Ledger is the slice of the program client the loops need.
type Ledger interface {
	Keeper() solana.PublicKey
	Slot(ctx context.Context) (uint64, error)
	Balance(ctx context.Context) (uint64, error)
	ClusterUnixTime(ctx context.Context) int64
	FetchAllDcaVaults(ctx context.Context) ([]kryptos.KeyedDcaVault, error)
	FetchAllIntentVaults(ctx context.Context) ([]kryptos.KeyedIntentVault, error)
	FetchDcaVault(ctx context.Context, vault solana.PublicKey) (*kryptos.DcaVault, error)
	SettleDca(ctx context.Context, vault solana.PublicKey, state *kryptos.DcaVault, swapAmount, receivedAmount uint64) (solana.Signature, error)
	SettleIntent(ctx context.Context, vault solana.PublicKey, state *kryptos.IntentVault, currentPrice, swapAmount, receivedAmount uint64) (solana.Signature, error)
	EnsureTokenAccount(ctx context.Context, mint solana.PublicKey) error
}

// Swapper executes market swaps through the aggregator.
type Swapper interface {
	ExecuteSwap(ctx context.Context, inputMint, outputMint solana.PublicKey, amount uint64) (*jupiter.SwapResult, error)
}

// PriceSource serves USD prices per mint.
type PriceSource interface {
	Price(ctx context.Context, mint solana.PublicKey) (float64, error)
}

// HistoryStore records swaps so interrupted settlements can be resumed.
type HistoryStore interface {
	EnsureSchema(ctx context.Context) error
	RecordSwap(ctx context.Context, rec history.ExecutionRecord) error
	MarkSettled(ctx context.Context, swapSignature, settleSignature string) error
	UnsettledIntentSwap(ctx context.Context, vault string, nonce uint64) (*history.ExecutionRecord, error)
	UnsettledCount(ctx context.Context) (int, error)
}

type Service struct {
	cfg         config.KeeperConfig
	ledger      Ledger
	swapper     Swapper
	prices      PriceSource
	hist        HistoryStore
	durableHist bool
	stream      *pricing.Stream
	policy      *Policy
	locks       *vaultLocks
	logger      *slog.Logger

	// vaults whose last intent chunk was settled by this process, used to
	// tell "between chunks" apart from "restarted mid-execution" when the
	// history store is not durable
	chunkMu      sync.Mutex
	chunkSettled map[solana.PublicKey]struct{}
}

// NewService wires the full keeper from config: program client, aggregator
// client, price oracle, optional history store, optional price stream.
func NewService(ctx context.Context, cfg config.KeeperConfig, logger *slog.Logger) (*Service, error) {
	ledger, err := kryptos.NewClient(cfg, logger.With("component", "ledger"))
	if err != nil {
		return nil, err
	}

	oracle := pricing.NewOracle(cfg.JupiterPriceURL, cfg.PriceCacheTTL, logger.With("component", "oracle"))
	swapper := jupiter.New(cfg.JupiterAPIURL, ledger.Signer(), cfg.SwapTimeout, logger.With("component", "jupiter"))

	var hist HistoryStore
	durableHist := cfg.HistoryDSN != ""
	if durableHist {
		store, err := history.NewStore(ctx, cfg.HistoryDSN)
		if err != nil {
			return nil, fmt.Errorf("connect history store: %w", err)
		}
		hist = store
	} else {
		hist = history.NewMemoryStore()
	}

	var stream *pricing.Stream
	if cfg.PriceStreamEnabled {
		stream = pricing.NewStream(
			cfg.PriceStreamURL,
			cfg.PriceStreamReconnectInterval,
			cfg.PriceStreamSymbols,
			oracle,
			logger.With("component", "price-stream"),
		)
	}

	return &Service{
		cfg:          cfg,
		ledger:       ledger,
		swapper:      swapper,
		prices:       oracle,
		hist:         hist,
		durableHist:  durableHist,
		stream:       stream,
		policy:       NewPolicy(time.Now().UnixNano()),
		locks:        newVaultLocks(),
		logger:       logger,
		chunkSettled: make(map[solana.PublicKey]struct{}),
	}, nil
}

func (s *Service) markChunkSettled(vault solana.PublicKey) {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	if s.chunkSettled == nil {
		s.chunkSettled = make(map[solana.PublicKey]struct{})
	}
	s.chunkSettled[vault] = struct{}{}
}

func (s *Service) chunkSettledThisRun(vault solana.PublicKey) bool {
	s.chunkMu.Lock()
	defer s.chunkMu.Unlock()
	_, ok := s.chunkSettled[vault]
	return ok
}

// Run performs the startup checks, then drives the DCA and intent loops
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.startupChecks(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.runDcaLoop(groupCtx) })
	group.Go(func() error { return s.runIntentLoop(groupCtx) })
	if s.stream != nil {
		group.Go(func() error { return s.stream.Run(groupCtx) })
	}

	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) startupChecks(ctx context.Context) error {
	slot, err := s.ledger.Slot(ctx)
	if err != nil {
		return fmt.Errorf("rpc unreachable: %w", err)
	}
	s.logger.Info("connected to cluster", "slot", slot, "keeper", s.ledger.Keeper())

	balance, err := s.ledger.Balance(ctx)
	if err != nil {
		return fmt.Errorf("check keeper balance: %w", err)
	}
	s.logger.Info("keeper balance", "lamports", balance)
	if balance < minKeeperLamports {
		s.logger.Warn("keeper balance is low, settlements may start failing", "lamports", balance)
	}

	if s.hist != nil {
		if err := s.hist.EnsureSchema(ctx); err != nil {
			return err
		}
		unsettled, err := s.hist.UnsettledCount(ctx)
		if err != nil {
			return err
		}
		if unsettled > 0 {
			s.logger.Warn("found unsettled executions from a previous run", "count", unsettled)
		}
	}

	return nil
}
