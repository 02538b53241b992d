package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/loangraph/loansync/internal/domain/loan"
)

// SnapshotRepository archives the last installed snapshot per scope so a
// restarted service can serve a view before its first live fetch completes.
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

func NewSnapshotRepository(db *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: db}
}

// ArchivedScope summarizes one archived snapshot without its loans.
type ArchivedScope struct {
	ScopeKey    string    `json:"scope"`
	Account     string    `json:"account,omitempty"`
	BlockNumber uint64    `json:"block_number"`
	LoanCount   int       `json:"loan_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r *SnapshotRepository) Load(ctx context.Context, key string) (loan.Snapshot, bool, error) {
	q := `SELECT block_number, loans::text FROM loan_snapshots WHERE scope_key = $1`
	var block int64
	var raw string
	err := r.pool.QueryRow(ctx, q, key).Scan(&block, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return loan.Snapshot{}, false, nil
	}
	if err != nil {
		return loan.Snapshot{}, false, err
	}
	snap, err := decodeSnapshot(block, raw)
	if err != nil {
		return loan.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, true, nil
}

// Save upserts snap unless the archived row is already at the same or a
// later block.
func (r *SnapshotRepository) Save(ctx context.Context, key string, snap loan.Snapshot) error {
	loans := snap.Loans
	if loans == nil {
		loans = []loan.Record{}
	}
	payload, err := json.Marshal(loans)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", key, err)
	}
	pool, account := splitScopeKey(key)
	q := `
INSERT INTO loan_snapshots (scope_key, pool_address, account_address, block_number, loan_count, loans, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6::jsonb, NOW())
ON CONFLICT (scope_key)
DO UPDATE SET
  block_number = EXCLUDED.block_number,
  loan_count = EXCLUDED.loan_count,
  loans = EXCLUDED.loans,
  updated_at = NOW()
WHERE loan_snapshots.block_number < EXCLUDED.block_number
`
	_, err = r.pool.Exec(ctx, q, key, pool, account, int64(snap.BlockNumber), len(loans), string(payload))
	return err
}

// ListByPool returns every archived scope of a pool, pool-wide scope first.
func (r *SnapshotRepository) ListByPool(ctx context.Context, poolAddress string) ([]ArchivedScope, error) {
	q := `
SELECT scope_key, COALESCE(account_address, ''), block_number, loan_count, updated_at
FROM loan_snapshots
WHERE pool_address = $1
ORDER BY account_address NULLS FIRST, scope_key
`
	rows, err := r.pool.Query(ctx, q, strings.ToLower(poolAddress))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ArchivedScope, 0)
	for rows.Next() {
		var item ArchivedScope
		var block int64
		if err := rows.Scan(&item.ScopeKey, &item.Account, &block, &item.LoanCount, &item.UpdatedAt); err != nil {
			return nil, err
		}
		item.BlockNumber = uint64(block)
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SnapshotRepository) Delete(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM loan_snapshots WHERE scope_key = $1`, key)
	return err
}

func decodeSnapshot(block int64, raw string) (loan.Snapshot, error) {
	snap := loan.Snapshot{Loans: []loan.Record{}, BlockNumber: uint64(block)}
	if err := json.Unmarshal([]byte(raw), &snap.Loans); err != nil {
		return loan.Snapshot{}, err
	}
	return snap, nil
}

func splitScopeKey(key string) (string, string) {
	pool, account, _ := strings.Cut(strings.ToLower(key), ":")
	return pool, account
}
