// Package history persists swap executions so settlement survives keeper
// restarts. A swap recorded here but not marked settled is an in-flight
// execution that must be settled, never re-swapped.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrNotFound = errors.New("history: record not found")

const (
	KindDca    = "dca"
	KindIntent = "intent"
)

// ExecutionRecord is one completed swap and its settlement state.
type ExecutionRecord struct {
	Vault           string
	Kind            string
	Nonce           uint64
	SwapSignature   string
	InputAmount     uint64
	OutputAmount    uint64
	SettleSignature string
	Settled         bool
	CreatedAt       time.Time
}

type Store struct {
	db *sql.DB
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) EnsureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS kryptos_executions (
    id               BIGSERIAL PRIMARY KEY,
    vault            TEXT NOT NULL,
    kind             TEXT NOT NULL,
    nonce            BIGINT NOT NULL DEFAULT 0,
    swap_signature   TEXT NOT NULL,
    input_amount     BIGINT NOT NULL,
    output_amount    BIGINT NOT NULL,
    settle_signature TEXT NOT NULL DEFAULT '',
    settled          BOOLEAN NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (swap_signature)
);
CREATE INDEX IF NOT EXISTS idx_kryptos_executions_unsettled
    ON kryptos_executions (kind, vault, nonce) WHERE NOT settled;
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

// RecordSwap stores a completed swap before settlement is attempted.
// Duplicate signatures are ignored so a retried settlement path stays
// idempotent.
func (s *Store) RecordSwap(ctx context.Context, rec ExecutionRecord) error {
	query := rebindPostgresPlaceholders(`
INSERT INTO kryptos_executions (vault, kind, nonce, swap_signature, input_amount, output_amount)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (swap_signature) DO NOTHING`)

	_, err := s.db.ExecContext(ctx, query,
		rec.Vault, rec.Kind, int64(rec.Nonce), rec.SwapSignature,
		int64(rec.InputAmount), int64(rec.OutputAmount),
	)
	if err != nil {
		return fmt.Errorf("record swap %s: %w", rec.SwapSignature, err)
	}
	return nil
}

func (s *Store) MarkSettled(ctx context.Context, swapSignature, settleSignature string) error {
	query := rebindPostgresPlaceholders(`
UPDATE kryptos_executions SET settled = TRUE, settle_signature = ?
WHERE swap_signature = ?`)

	result, err := s.db.ExecContext(ctx, query, settleSignature, swapSignature)
	if err != nil {
		return fmt.Errorf("mark settled %s: %w", swapSignature, err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return fmt.Errorf("mark settled %s: %w", swapSignature, ErrNotFound)
	}
	return nil
}

// UnsettledIntentSwap finds an in-flight intent execution from a previous
// run of the keeper. Nonces are assigned per owner, so the lookup is scoped
// to the vault address.
func (s *Store) UnsettledIntentSwap(ctx context.Context, vault string, nonce uint64) (*ExecutionRecord, error) {
	query := rebindPostgresPlaceholders(`
SELECT vault, kind, nonce, swap_signature, input_amount, output_amount, settle_signature, settled, created_at
FROM kryptos_executions
WHERE kind = ? AND vault = ? AND nonce = ? AND NOT settled
ORDER BY created_at DESC
LIMIT 1`)

	var rec ExecutionRecord
	var nonceOut, inputAmount, outputAmount int64
	err := s.db.QueryRowContext(ctx, query, KindIntent, vault, int64(nonce)).Scan(
		&rec.Vault, &rec.Kind, &nonceOut, &rec.SwapSignature,
		&inputAmount, &outputAmount, &rec.SettleSignature, &rec.Settled, &rec.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query unsettled intent %s/%d: %w", vault, nonce, err)
	}
	rec.Nonce = uint64(nonceOut)
	rec.InputAmount = uint64(inputAmount)
	rec.OutputAmount = uint64(outputAmount)
	return &rec, nil
}

// UnsettledCount reports how many swaps still await settlement, for the
// startup reconcile log line.
func (s *Store) UnsettledCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kryptos_executions WHERE NOT settled`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unsettled executions: %w", err)
	}
	return count, nil
}

// rebindPostgresPlaceholders rewrites ? placeholders to $1..$n, skipping
// literals inside single quotes.
func rebindPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	inQuote := false
	n := 0
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			fmt.Fprintf(&b, "$%d", n)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
