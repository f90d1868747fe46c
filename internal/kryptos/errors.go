package kryptos

import (
	"errors"
	"strings"
)

// SettlementErrorKind classifies ledger-side settlement rejections so the
// loops can branch on them instead of string-matching log lines. The ledger's
// own validation is the final authority; most of these are expected outcomes
// under concurrent access, not bugs.
type SettlementErrorKind int

const (
	SettlementUnknown SettlementErrorKind = iota
	// SettlementTimingNotAllowed: the vault's next_execution gate rejected the
	// call (stale read or a second keeper won the race).
	SettlementTimingNotAllowed
	// SettlementTriggerNotMet: the price moved between observation and
	// settlement and the on-chain trigger check failed.
	SettlementTriggerNotMet
	SettlementIntentExpired
	// SettlementInvalidState: the vault/intent is inactive, completed, or in a
	// terminal status.
	SettlementInvalidState
	SettlementInsufficientEscrow
)

func (k SettlementErrorKind) String() string {
	switch k {
	case SettlementTimingNotAllowed:
		return "timing_not_allowed"
	case SettlementTriggerNotMet:
		return "trigger_not_met"
	case SettlementIntentExpired:
		return "intent_expired"
	case SettlementInvalidState:
		return "invalid_state"
	case SettlementInsufficientEscrow:
		return "insufficient_escrow"
	default:
		return "unknown"
	}
}

type SettlementError struct {
	Kind SettlementErrorKind
	Err  error
}

func (e *SettlementError) Error() string {
	return "settlement rejected (" + e.Kind.String() + "): " + e.Err.Error()
}

func (e *SettlementError) Unwrap() error { return e.Err }

// anchor error names emitted by the program, as they appear in RPC error
// payloads and simulation logs.
var settlementErrorNames = map[string]SettlementErrorKind{
	"DcaExecutionNotAllowed": SettlementTimingNotAllowed,
	"TriggerConditionNotMet": SettlementTriggerNotMet,
	"IntentExpired":          SettlementIntentExpired,
	"DcaNotActive":           SettlementInvalidState,
	"DcaCompleted":           SettlementInvalidState,
	"IntentNotMonitoring":    SettlementInvalidState,
	"IntentAlreadyExecuted":  SettlementInvalidState,
	"IntentAlreadyCancelled": SettlementInvalidState,
	"InsufficientFunds":      SettlementInsufficientEscrow,
}

// classifySettlementError wraps err in a SettlementError when the message
// carries one of the program's error names. Unknown errors pass through
// unwrapped so transport failures keep their own identity.
func classifySettlementError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for name, kind := range settlementErrorNames {
		if strings.Contains(msg, name) {
			return &SettlementError{Kind: kind, Err: err}
		}
	}
	return err
}

// SettlementKind extracts the rejection kind from an error chain;
// SettlementUnknown means the error was not a classified ledger rejection.
func SettlementKind(err error) SettlementErrorKind {
	var se *SettlementError
	if errors.As(err, &se) {
		return se.Kind
	}
	return SettlementUnknown
}
