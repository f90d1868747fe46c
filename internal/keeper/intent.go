package keeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kryptos-labs/keeper/internal/history"
	"github.com/kryptos-labs/keeper/internal/jupiter"
	"github.com/kryptos-labs/keeper/internal/kryptos"
	"github.com/kryptos-labs/keeper/internal/pricing"
)

func (s *Service) runIntentLoop(ctx context.Context) error {
	s.logger.Info("intent loop started", "poll_interval", s.cfg.IntentPollInterval)

	if err := s.processIntentTick(ctx); err != nil {
		s.logger.Error("intent tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.IntentPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.processIntentTick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("intent tick failed", "err", err)
			}
		}
	}
}

func (s *Service) processIntentTick(ctx context.Context) error {
	vaults, err := s.ledger.FetchAllIntentVaults(ctx)
	if err != nil {
		return err
	}

	now := time.Unix(s.ledger.ClusterUnixTime(ctx), 0)

	type job struct {
		keyed  kryptos.KeyedIntentVault
		price  uint64
		resume bool
	}
	jobs := make([]job, 0, len(vaults))

	for _, keyed := range vaults {
		vault := keyed.Vault
		if vault.Status.Terminal() {
			continue
		}

		// Trigger conditions are evaluated against the output mint: what the
		// user wants to acquire, at the price they set.
		contractPrice, priceOK := s.contractPrice(ctx, keyed)

		switch EvaluateIntent(vault, now, contractPrice) {
		case IntentExpire:
			s.logger.Debug("intent past its deadline, leaving for on-chain expiry",
				"vault", keyed.Pubkey, "expires_at", vault.ExpiresAt)
		case IntentResume:
			if !priceOK {
				// The program skips the trigger check outside Monitoring,
				// so the last known trigger price is good enough here.
				contractPrice = vault.TriggerPrice
			}
			jobs = append(jobs, job{keyed: keyed, price: contractPrice, resume: true})
		case IntentTrigger:
			if !priceOK {
				continue
			}
			s.logger.Info("intent trigger condition met",
				"vault", keyed.Pubkey,
				"trigger", vault.TriggerType.String(),
				"trigger_price", vault.TriggerPrice,
				"current_price", contractPrice,
			)
			jobs = append(jobs, job{keyed: keyed, price: contractPrice})
		}
	}

	if len(jobs) == 0 {
		s.logger.Debug("no actionable intents", "total", len(vaults))
		return nil
	}
	if len(jobs) > s.cfg.MaxVaultsPerTick {
		s.logger.Warn("capping actionable intents for this tick", "actionable", len(jobs), "cap", s.cfg.MaxVaultsPerTick)
		jobs = jobs[:s.cfg.MaxVaultsPerTick]
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrentExecutions)
	for _, item := range jobs {
		item := item
		group.Go(func() error {
			s.executeIntent(groupCtx, item.keyed, item.price, item.resume)
			return nil
		})
	}
	return group.Wait()
}

func (s *Service) contractPrice(ctx context.Context, keyed kryptos.KeyedIntentVault) (uint64, bool) {
	price, err := s.prices.Price(ctx, keyed.Vault.OutputMint)
	if err != nil {
		if keyed.Vault.Status == kryptos.IntentMonitoring {
			s.logger.Warn("price unavailable, skipping intent this cycle",
				"vault", keyed.Pubkey, "mint", keyed.Vault.OutputMint, "err", err)
		}
		return 0, false
	}
	return pricing.ToContractPrice(price), true
}

func (s *Service) executeIntent(ctx context.Context, keyed kryptos.KeyedIntentVault, contractPrice uint64, resume bool) {
	if !s.locks.tryAcquire(keyed.Pubkey) {
		s.logger.Debug("intent already executing, skipping", "vault", keyed.Pubkey)
		return
	}
	defer s.locks.release(keyed.Pubkey)

	vault := keyed.Vault
	logger := s.logger.With("vault", keyed.Pubkey, "nonce", vault.Nonce, "status", vault.Status.String())

	if resume {
		if s.settlePendingSwap(ctx, keyed, contractPrice, logger) {
			return
		}
		// No pending swap on record. With a durable store that proves the
		// intent is simply between chunks. Without one the proof only holds
		// for chunks this process settled itself; a restart into Executing
		// could hide a swap that already moved funds. Never risk a double
		// spend.
		if !s.durableHist && vault.Status == kryptos.IntentExecuting && !s.chunkSettledThisRun(keyed.Pubkey) {
			logger.Warn("intent stuck in executing with no durable history, operator intervention required")
			return
		}
	}

	amount := IntentChunkAmount(vault)
	if amount == 0 {
		logger.Debug("intent has nothing left to deploy")
		return
	}

	if err := s.ledger.EnsureTokenAccount(ctx, vault.InputMint); err != nil {
		logger.Warn("failed to ensure keeper input token account", "err", err)
		return
	}
	if err := s.ledger.EnsureTokenAccount(ctx, vault.OutputMint); err != nil {
		logger.Warn("failed to ensure keeper output token account", "err", err)
		return
	}

	swap, err := s.swapper.ExecuteSwap(ctx, vault.InputMint, vault.OutputMint, amount)
	if err != nil {
		if errors.Is(err, jupiter.ErrQuoteUnavailable) {
			logger.Warn("no swap route available, will retry", "amount", amount)
			return
		}
		logger.Error("intent swap failed", "amount", amount, "err", err)
		return
	}

	logger.Info("intent swap completed",
		"swap_signature", swap.Signature,
		"spent", swap.InputAmount,
		"received", swap.OutputAmount,
	)

	// The swap has moved funds. Shutdown must not cut off the bookkeeping
	// and settlement that follow; the settle RPC is still bounded by its
	// own timeout.
	ctx = context.WithoutCancel(ctx)

	if s.hist != nil {
		rec := history.ExecutionRecord{
			Vault:         keyed.Pubkey.String(),
			Kind:          history.KindIntent,
			Nonce:         vault.Nonce,
			SwapSignature: swap.Signature,
			InputAmount:   swap.InputAmount,
			OutputAmount:  swap.OutputAmount,
		}
		if err := s.hist.RecordSwap(ctx, rec); err != nil {
			logger.Warn("failed to record intent swap", "err", err)
		}
	}

	s.settleIntentSwap(ctx, keyed, contractPrice, swap.Signature, swap.InputAmount, swap.OutputAmount, logger)
}

// settlePendingSwap settles a swap left behind by a previous run, if the
// history store has one for this intent. Returns true when this cycle's work
// on the intent is done.
func (s *Service) settlePendingSwap(ctx context.Context, keyed kryptos.KeyedIntentVault, contractPrice uint64, logger *slog.Logger) bool {
	if s.hist == nil {
		return false
	}

	rec, err := s.hist.UnsettledIntentSwap(ctx, keyed.Pubkey.String(), keyed.Vault.Nonce)
	if errors.Is(err, history.ErrNotFound) {
		return false
	}
	if err != nil {
		logger.Warn("failed to look up pending swaps, skipping intent this cycle", "err", err)
		return true
	}

	logger.Info("settling swap from a previous run",
		"swap_signature", rec.SwapSignature,
		"spent", rec.InputAmount,
		"received", rec.OutputAmount,
	)
	s.settleIntentSwap(ctx, keyed, contractPrice, rec.SwapSignature, rec.InputAmount, rec.OutputAmount, logger)
	return true
}

func (s *Service) settleIntentSwap(
	ctx context.Context,
	keyed kryptos.KeyedIntentVault,
	contractPrice uint64,
	swapSignature string,
	spent, received uint64,
	logger *slog.Logger,
) {
	sig, err := s.ledger.SettleIntent(ctx, keyed.Pubkey, keyed.Vault, contractPrice, spent, received)
	if err != nil {
		switch kryptos.SettlementKind(err) {
		case kryptos.SettlementTriggerNotMet:
			logger.Debug("settlement rejected, trigger no longer met on-chain", "err", err)
		case kryptos.SettlementIntentExpired:
			logger.Debug("settlement rejected, intent expired on-chain", "err", err)
		case kryptos.SettlementInvalidState:
			logger.Warn("settlement rejected, intent no longer executable", "err", err)
		default:
			logger.Error("intent settlement failed, swap output held in keeper wallet",
				"swap_signature", swapSignature, "err", err)
		}
		return
	}

	if s.hist != nil {
		if err := s.hist.MarkSettled(ctx, swapSignature, sig.String()); err != nil {
			logger.Warn("failed to mark intent swap settled", "err", err)
		}
	}
	s.markChunkSettled(keyed.Pubkey)

	logger.Info("intent execution settled", "settle_signature", sig)
}
