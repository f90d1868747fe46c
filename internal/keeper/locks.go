package keeper

import (
	"sync"

	"github.com/gagliardetto/solana-go"
)

// vaultLocks guards against concurrent execution attempts on the same vault
// within one keeper process. Try-acquire semantics: a losing goroutine skips
// the vault instead of queueing behind the winner.
type vaultLocks struct {
	mu   sync.Mutex
	held map[solana.PublicKey]struct{}
}

func newVaultLocks() *vaultLocks {
	return &vaultLocks{held: make(map[solana.PublicKey]struct{})}
}

func (l *vaultLocks) tryAcquire(vault solana.PublicKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[vault]; busy {
		return false
	}
	l.held[vault] = struct{}{}
	return true
}

func (l *vaultLocks) release(vault solana.PublicKey) {
	l.mu.Lock()
	delete(l.held, vault)
	l.mu.Unlock()
}
