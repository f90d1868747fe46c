// force-execute runs a single DCA execution for one vault, bypassing the
// polling loops. Operator tool for testing and for unsticking a vault whose
// schedule drifted. The on-chain timing checks still apply.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	_ "github.com/joho/godotenv/autoload"

	"github.com/kryptos-labs/keeper/internal/config"
	"github.com/kryptos-labs/keeper/internal/jupiter"
	"github.com/kryptos-labs/keeper/internal/keeper"
	"github.com/kryptos-labs/keeper/internal/kryptos"
	"github.com/kryptos-labs/keeper/internal/logging"
)

func main() {
	var (
		vaultFlag      = flag.String("vault", "", "DCA vault address")
		ownerFlag      = flag.String("owner", "", "vault owner (used with -input-mint and -output-mint when -vault is not set)")
		inputMintFlag  = flag.String("input-mint", "", "input mint for PDA derivation")
		outputMintFlag = flag.String("output-mint", "", "output mint for PDA derivation")
		dryRun         = flag.Bool("dry-run", false, "print vault state and exit without swapping")
	)
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadKeeperConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("force-execute", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		_ = closeLogger()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *vaultFlag, *ownerFlag, *inputMintFlag, *outputMintFlag, *dryRun); err != nil {
		logger.Error("force-execute failed", "err", err)
		os.Exit(1)
	}
}

func run(
	ctx context.Context,
	cfg config.KeeperConfig,
	logger *slog.Logger,
	vaultFlag, ownerFlag, inputMintFlag, outputMintFlag string,
	dryRun bool,
) error {
	client, err := kryptos.NewClient(cfg, logger)
	if err != nil {
		return err
	}

	vaultAddr, err := resolveVault(cfg, vaultFlag, ownerFlag, inputMintFlag, outputMintFlag)
	if err != nil {
		return err
	}

	vault, err := client.FetchDcaVault(ctx, vaultAddr)
	if err != nil {
		return err
	}

	now := time.Unix(client.ClusterUnixTime(ctx), 0)
	due := keeper.DcaDue(vault, now)

	logger.Info("vault state",
		"vault", vaultAddr,
		"authority", vault.Authority,
		"input_mint", vault.InputMint,
		"output_mint", vault.OutputMint,
		"active", vault.IsActive,
		"total_spent", vault.TotalSpent,
		"total_amount", vault.TotalAmount,
		"execution_count", vault.ExecutionCount,
		"next_execution", vault.NextExecution,
		"window", fmt.Sprintf("%02d-%02d UTC", vault.WindowStartHour, vault.WindowEndHour),
		"due", due,
	)

	if dryRun {
		return nil
	}
	if !due {
		logger.Warn("vault is not due, the program will likely reject settlement")
	}

	policy := keeper.NewPolicy(time.Now().UnixNano())
	amount := policy.ExecutionAmount(vault)
	if amount == 0 {
		return fmt.Errorf("vault %s has no funds left to deploy", vaultAddr)
	}
	logger.Info("executing", "amount", amount)

	if err := client.EnsureTokenAccount(ctx, vault.InputMint); err != nil {
		return err
	}
	if err := client.EnsureTokenAccount(ctx, vault.OutputMint); err != nil {
		return err
	}

	swapper := jupiter.New(cfg.JupiterAPIURL, client.Signer(), cfg.SwapTimeout, logger)
	swap, err := swapper.ExecuteSwap(ctx, vault.InputMint, vault.OutputMint, amount)
	if err != nil {
		return err
	}
	logger.Info("swap completed", "signature", swap.Signature, "spent", swap.InputAmount, "received", swap.OutputAmount)

	sig, err := client.SettleDca(ctx, vaultAddr, vault, swap.InputAmount, swap.OutputAmount)
	if err != nil {
		return fmt.Errorf("settle: %w (swap output remains in keeper wallet, signature %s)", err, swap.Signature)
	}
	logger.Info("settled", "signature", sig)

	refreshed, err := client.FetchDcaVault(ctx, vaultAddr)
	if err == nil {
		logger.Info("vault after execution",
			"execution_count", refreshed.ExecutionCount,
			"total_spent", refreshed.TotalSpent,
			"total_received", refreshed.TotalReceived,
			"next_execution", refreshed.NextExecution,
		)
	}
	return nil
}

func resolveVault(cfg config.KeeperConfig, vaultFlag, ownerFlag, inputMintFlag, outputMintFlag string) (solana.PublicKey, error) {
	if vaultFlag != "" {
		vault, err := solana.PublicKeyFromBase58(vaultFlag)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("invalid -vault: %w", err)
		}
		return vault, nil
	}

	if ownerFlag == "" || inputMintFlag == "" || outputMintFlag == "" {
		return solana.PublicKey{}, fmt.Errorf("pass -vault, or -owner with -input-mint and -output-mint")
	}
	owner, err := solana.PublicKeyFromBase58(ownerFlag)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid -owner: %w", err)
	}
	inputMint, err := solana.PublicKeyFromBase58(inputMintFlag)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid -input-mint: %w", err)
	}
	outputMint, err := solana.PublicKeyFromBase58(outputMintFlag)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid -output-mint: %w", err)
	}

	vault, _, err := kryptos.DeriveDcaVaultPDA(cfg.ProgramID, owner, inputMint, outputMint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive vault PDA: %w", err)
	}
	return vault, nil
}
