package history

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps execution records in process memory. It gives the
// swap-then-settle bookkeeping the same shape as the database store within a
// single run, so chunked intents and settlement retries work without a
// database, but records do not survive a restart.
type MemoryStore struct {
	mu   sync.Mutex
	recs []*ExecutionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) EnsureSchema(context.Context) error { return nil }

func (s *MemoryStore) RecordSwap(_ context.Context, rec ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.recs {
		if existing.SwapSignature == rec.SwapSignature {
			return nil
		}
	}
	rec.CreatedAt = time.Now()
	s.recs = append(s.recs, &rec)
	return nil
}

func (s *MemoryStore) MarkSettled(_ context.Context, swapSignature, settleSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.SwapSignature == swapSignature {
			rec.Settled = true
			rec.SettleSignature = settleSignature
			return nil
		}
	}
	return fmt.Errorf("mark settled %s: %w", swapSignature, ErrNotFound)
}

func (s *MemoryStore) UnsettledIntentSwap(_ context.Context, vault string, nonce uint64) (*ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.recs) - 1; i >= 0; i-- {
		rec := s.recs[i]
		if rec.Kind == KindIntent && rec.Vault == vault && rec.Nonce == nonce && !rec.Settled {
			out := *rec
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UnsettledCount(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.recs {
		if !rec.Settled {
			count++
		}
	}
	return count, nil
}
