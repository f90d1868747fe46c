package keeper

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kryptos-labs/keeper/internal/history"
	"github.com/kryptos-labs/keeper/internal/jupiter"
	"github.com/kryptos-labs/keeper/internal/kryptos"
)

func (s *Service) runDcaLoop(ctx context.Context) error {
	s.logger.Info("dca loop started", "poll_interval", s.cfg.DcaPollInterval)

	if err := s.processDcaTick(ctx); err != nil {
		s.logger.Error("dca tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.DcaPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.processDcaTick(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error("dca tick failed", "err", err)
			}
		}
	}
}

func (s *Service) processDcaTick(ctx context.Context) error {
	vaults, err := s.ledger.FetchAllDcaVaults(ctx)
	if err != nil {
		return err
	}

	now := time.Unix(s.ledger.ClusterUnixTime(ctx), 0)

	due := make([]kryptos.KeyedDcaVault, 0, len(vaults))
	for _, keyed := range vaults {
		if DcaDue(keyed.Vault, now) {
			due = append(due, keyed)
		}
	}
	if len(due) == 0 {
		s.logger.Debug("no dca vaults due", "total", len(vaults))
		return nil
	}
	if len(due) > s.cfg.MaxVaultsPerTick {
		s.logger.Warn("capping due dca vaults for this tick", "due", len(due), "cap", s.cfg.MaxVaultsPerTick)
		due = due[:s.cfg.MaxVaultsPerTick]
	}

	s.logger.Info("processing due dca vaults", "due", len(due), "total", len(vaults))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.MaxConcurrentExecutions)
	for _, keyed := range due {
		keyed := keyed
		group.Go(func() error {
			// Per-vault failures are logged, never returned, so one bad
			// vault cannot abort the rest of the tick.
			s.executeDca(groupCtx, keyed)
			return nil
		})
	}
	return group.Wait()
}

func (s *Service) executeDca(ctx context.Context, keyed kryptos.KeyedDcaVault) {
	if !s.locks.tryAcquire(keyed.Pubkey) {
		s.logger.Debug("dca vault already executing, skipping", "vault", keyed.Pubkey)
		return
	}
	defer s.locks.release(keyed.Pubkey)

	vault := keyed.Vault
	logger := s.logger.With("vault", keyed.Pubkey, "input_mint", vault.InputMint, "output_mint", vault.OutputMint)

	amount := s.policy.ExecutionAmount(vault)
	if amount == 0 {
		logger.Debug("dca vault has nothing left to deploy")
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
		// No funds moved yet; the vault stays untouched and the next
		// eligible tick retries.
		if errors.Is(err, jupiter.ErrQuoteUnavailable) {
			logger.Warn("no swap route available, will retry", "amount", amount)
			return
		}
		logger.Error("dca swap failed", "amount", amount, "err", err)
		return
	}

	logger.Info("dca swap completed",
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
			Kind:          history.KindDca,
			SwapSignature: swap.Signature,
			InputAmount:   swap.InputAmount,
			OutputAmount:  swap.OutputAmount,
		}
		if err := s.hist.RecordSwap(ctx, rec); err != nil {
			logger.Warn("failed to record dca swap", "err", err)
		}
	}

	sig, err := s.ledger.SettleDca(ctx, keyed.Pubkey, vault, swap.InputAmount, swap.OutputAmount)
	if err != nil {
		switch kryptos.SettlementKind(err) {
		case kryptos.SettlementTimingNotAllowed:
			logger.Warn("settlement rejected, execution not allowed yet", "err", err)
		case kryptos.SettlementInvalidState:
			logger.Warn("settlement rejected, vault no longer executable", "err", err)
		default:
			logger.Error("dca settlement failed, swap output held in keeper wallet",
				"swap_signature", swap.Signature, "err", err)
		}
		return
	}

	if s.hist != nil {
		if err := s.hist.MarkSettled(ctx, swap.Signature, sig.String()); err != nil {
			logger.Warn("failed to mark dca swap settled", "err", err)
		}
	}

	logger.Info("dca execution settled", "settle_signature", sig)

	refreshed, err := s.ledger.FetchDcaVault(ctx, keyed.Pubkey)
	if err != nil {
		clusterNow := time.Unix(s.ledger.ClusterUnixTime(ctx), 0)
		projected := s.policy.NextExecution(clusterNow, vault)
		logger.Debug("could not refresh vault after settlement",
			"projected_next_execution", projected.Unix(), "err", err)
		return
	}
	logger.Info("dca vault state",
		"execution_count", refreshed.ExecutionCount,
		"total_spent", refreshed.TotalSpent,
		"total_received", refreshed.TotalReceived,
		"next_execution", refreshed.NextExecution,
		"completed", refreshed.Completed(),
	)
}
