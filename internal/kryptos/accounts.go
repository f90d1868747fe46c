package kryptos

import (
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Anchor account discriminators for the two vault account types.
var (
	AccountDcaVault    = accountDiscriminator("DcaVault")
	AccountIntentVault = accountDiscriminator("IntentVault")
)

type IntentType uint8

const (
	IntentTypeBuy IntentType = iota
	IntentTypeSell
	IntentTypeSwap
)

type TriggerType uint8

const (
	TriggerPriceAbove TriggerType = iota
	TriggerPriceBelow
	TriggerPriceRange
)

func (t TriggerType) String() string {
	switch t {
	case TriggerPriceAbove:
		return "price_above"
	case TriggerPriceBelow:
		return "price_below"
	case TriggerPriceRange:
		return "price_range"
	default:
		return fmt.Sprintf("trigger_type(%d)", uint8(t))
	}
}

type ExecutionStyle uint8

const (
	ExecutionImmediate ExecutionStyle = iota
	ExecutionStealth
	ExecutionTwap
)

type IntentStatus uint8

const (
	IntentMonitoring IntentStatus = iota
	IntentTriggered
	IntentExecuting
	IntentExecuted
	IntentExpired
	IntentCancelled
)

func (s IntentStatus) String() string {
	switch s {
	case IntentMonitoring:
		return "monitoring"
	case IntentTriggered:
		return "triggered"
	case IntentExecuting:
		return "executing"
	case IntentExecuted:
		return "executed"
	case IntentExpired:
		return "expired"
	case IntentCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Terminal reports whether no further keeper action may ever apply.
func (s IntentStatus) Terminal() bool {
	return s == IntentExecuted || s == IntentExpired || s == IntentCancelled
}

// DcaVault mirrors the on-chain DcaVault account (borsh, little-endian).
type DcaVault struct {
	Authority       solana.PublicKey
	InputMint       solana.PublicKey
	OutputMint      solana.PublicKey
	InputVault      solana.PublicKey
	OutputVault     solana.PublicKey
	TotalAmount     uint64
	AmountPerTrade  uint64
	VarianceBps     uint16
	MinExecutions   uint8
	MaxExecutions   uint8
	WindowStartHour uint8
	WindowEndHour   uint8
	TotalSpent      uint64
	TotalReceived   uint64
	ExecutionCount  uint32
	LastExecution   int64
	NextExecution   int64
	IsActive        bool
	CreatedAt       int64
	Bump            uint8
	InputVaultBump  uint8
	OutputVaultBump uint8
}

// Remaining is the undeployed input balance, saturating at zero.
func (v *DcaVault) Remaining() uint64 {
	if v.TotalSpent >= v.TotalAmount {
		return 0
	}
	return v.TotalAmount - v.TotalSpent
}

func (v *DcaVault) Completed() bool {
	return v.TotalSpent >= v.TotalAmount
}

// IntentVault mirrors the on-chain IntentVault account.
type IntentVault struct {
	Authority       solana.PublicKey
	Nonce           uint64
	IntentType      IntentType
	InputMint       solana.PublicKey
	OutputMint      solana.PublicKey
	InputVault      solana.PublicKey
	Amount          uint64
	TriggerType     TriggerType
	TriggerPrice    uint64
	TriggerPriceMax uint64
	ExecutionStyle  ExecutionStyle
	NumChunks       uint8
	ChunksExecuted  uint8
	ExpiresAt       int64
	TriggeredAt     int64
	ExecutedAt      int64
	CreatedAt       int64
	Status          IntentStatus
	TotalSpent      uint64
	TotalReceived   uint64
	Bump            uint8
	VaultBump       uint8
}

// Remaining is the input balance still reserved for this order.
func (v *IntentVault) Remaining() uint64 {
	if v.TotalSpent >= v.Amount {
		return 0
	}
	return v.Amount - v.TotalSpent
}

type KeyedDcaVault struct {
	Pubkey solana.PublicKey
	Vault  *DcaVault
}

type KeyedIntentVault struct {
	Pubkey solana.PublicKey
	Vault  *IntentVault
}

func ParseDcaVault(data []byte) (*DcaVault, error) {
	payload, err := stripDiscriminator(data, AccountDcaVault, "DcaVault")
	if err != nil {
		return nil, err
	}
	out := new(DcaVault)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode DcaVault: %w", err)
	}
	return out, nil
}

func ParseIntentVault(data []byte) (*IntentVault, error) {
	payload, err := stripDiscriminator(data, AccountIntentVault, "IntentVault")
	if err != nil {
		return nil, err
	}
	out := new(IntentVault)
	if err := bin.NewBorshDecoder(payload).Decode(out); err != nil {
		return nil, fmt.Errorf("decode IntentVault: %w", err)
	}
	return out, nil
}

func stripDiscriminator(data []byte, want [8]byte, accountType string) ([]byte, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%s payload too short (%d bytes)", accountType, len(data))
	}
	var got [8]byte
	copy(got[:], data[:8])
	if got != want {
		return nil, fmt.Errorf("%s discriminator mismatch", accountType)
	}
	return data[8:], nil
}

func accountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

func instructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
