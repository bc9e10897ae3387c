// Package store implements the Store (C6): durable transaction records
// and policy rules over database/sql, plus the single-instance-safe
// advisory locking the Confirmation Tracker (C9) needs.
//
// Driver: modernc.org/sqlite, the pure-Go sqlite driver used the same way
// in the retrieval pack's geth-17-indexer (database/sql + "modernc.org/sqlite"
// blank import, idempotent CREATE TABLE IF NOT EXISTS at startup) — no
// cgo, one binary, matching the teacher's directness about schema
// evolution in NewLedger's WAL-replay init.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/holiman/uint256"

	"github.com/synnergy-labs/gas-relay/internal/types"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ErrLocked is returned by TryLock when another worker already holds the
// advisory lock for a tx-hash.
var ErrLocked = errors.New("store: locked")

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	tx_hash             TEXT PRIMARY KEY,
	from_address        TEXT NOT NULL,
	to_address          TEXT NOT NULL,
	network             TEXT NOT NULL,
	token_address       TEXT NOT NULL DEFAULT '',
	token_kind          INTEGER NOT NULL DEFAULT 0,
	amount              TEXT NOT NULL DEFAULT '0',
	token_id            TEXT NOT NULL DEFAULT '0',
	status              TEXT NOT NULL,
	declared_gas_limit  TEXT NOT NULL,
	effective_gas_price TEXT NOT NULL,
	gas_used            TEXT NOT NULL DEFAULT '0',
	block_number        INTEGER,
	relayer_address     TEXT NOT NULL,
	sequence_number     INTEGER NOT NULL,
	submitted_at        INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	stuck_since         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_transactions_from_submitted ON transactions(from_address, submitted_at);
CREATE INDEX IF NOT EXISTS idx_transactions_to_submitted ON transactions(to_address, submitted_at);
CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status);

CREATE TABLE IF NOT EXISTS policy_rules (
	id      TEXT PRIMARY KEY,
	kind    TEXT NOT NULL,
	target  TEXT NOT NULL,
	value   BLOB NOT NULL,
	enabled INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tx_locks (
	tx_hash      TEXT PRIMARY KEY,
	locked_until INTEGER NOT NULL
);
`

// Store owns the transactions and policy_rules tables plus the tx_locks
// advisory-lock table. Writes are brief transactions; C9's scans use the
// same pool but never hold a transaction open across a chain RPC call.
type Store struct {
	db *sql.DB
}

// Open connects to a sqlite database at path (file path, or ":memory:"
// for tests) and applies the schema idempotently. maxOpenConns caps the
// connection pool per spec.md §5 ("Store connection pool: capped").
func Open(path string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = 8
	}
	db.SetMaxOpenConns(maxOpenConns)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the underlying database is reachable, the basis
// for the Store's contribution to the readiness check.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InsertPending persists rec with status forced to pending, failing if a
// row with the same tx-hash already exists — the idempotence guarantee of
// spec.md §8 ("two identical broadcasts... at most one persisted record").
func (s *Store) InsertPending(ctx context.Context, rec *types.TransactionRecord) error {
	rec.Status = types.StatusPending
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			tx_hash, from_address, to_address, network,
			token_address, token_kind, amount, token_id,
			status, declared_gas_limit, effective_gas_price, gas_used, block_number,
			relayer_address, sequence_number, submitted_at, updated_at, stuck_since
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, ?, NULL)`,
		rec.TxHash.Hex(), rec.From.Hex(), rec.To.Hex(), string(rec.Network),
		rec.TokenAddress.Hex(), int(rec.TokenKind), decString(rec.Amount), decString(rec.TokenID),
		string(types.StatusPending), decString(rec.DeclaredGasLimit), decString(rec.EffectiveGasPrice), "0",
		rec.RelayerAddress.Hex(), rec.SequenceNumber, rec.SubmittedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert pending: %w", err)
	}
	return nil
}

// MarkConfirmed transitions a pending record to confirmed. No-op error if
// the record is already in a terminal state: terminal states are
// immutable per spec.md §3.
func (s *Store) MarkConfirmed(ctx context.Context, txHash types.Hash, gasUsed uint64, blockNumber uint64, now int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = ?, gas_used = ?, block_number = ?, updated_at = ?
		WHERE tx_hash = ? AND status = ?`,
		string(types.StatusConfirmed), fmt.Sprintf("%d", gasUsed), blockNumber, now,
		txHash.Hex(), string(types.StatusPending),
	)
	return checkUpdated(res, err)
}

// MarkFailed transitions a pending record to failed (revert receipt).
func (s *Store) MarkFailed(ctx context.Context, txHash types.Hash, gasUsed uint64, blockNumber uint64, now int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = ?, gas_used = ?, block_number = ?, updated_at = ?
		WHERE tx_hash = ? AND status = ?`,
		string(types.StatusFailed), fmt.Sprintf("%d", gasUsed), blockNumber, now,
		txHash.Hex(), string(types.StatusPending),
	)
	return checkUpdated(res, err)
}

// MarkDropped transitions a pending record to dropped.
func (s *Store) MarkDropped(ctx context.Context, txHash types.Hash, now int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET status = ?, updated_at = ?
		WHERE tx_hash = ? AND status = ?`,
		string(types.StatusDropped), now, txHash.Hex(), string(types.StatusPending),
	)
	return checkUpdated(res, err)
}

// MarkStuck records a stuck-since timestamp without changing the row's
// logical "pending" status, per spec.md §4.9 ("represented in DB as
// pending plus a stuck-since timestamp").
func (s *Store) MarkStuck(ctx context.Context, txHash types.Hash, stuckSince int64, now int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET stuck_since = ?, updated_at = ?
		WHERE tx_hash = ? AND status = ? AND stuck_since IS NULL`,
		stuckSince, now, txHash.Hex(), string(types.StatusPending),
	)
	return checkUpdated(res, err)
}

func checkUpdated(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("store: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByHash fetches a single record, or ErrNotFound.
func (s *Store) GetByHash(ctx context.Context, txHash types.Hash) (*types.TransactionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tx_hash, from_address, to_address, network, token_address, token_kind, amount, token_id,
		       status, declared_gas_limit, effective_gas_price, gas_used, block_number,
		       relayer_address, sequence_number, submitted_at, updated_at, stuck_since
		FROM transactions WHERE tx_hash = ?`, txHash.Hex())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get by hash: %w", err)
	}
	return rec, nil
}

// ListByAccount returns records where address appears as from or to,
// newest-first, bounded by limit (capped at 1000 per spec.md §6) and
// offset.
func (s *Store) ListByAccount(ctx context.Context, address types.Address, limit, offset int) ([]*types.TransactionRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, from_address, to_address, network, token_address, token_kind, amount, token_id,
		       status, declared_gas_limit, effective_gas_price, gas_used, block_number,
		       relayer_address, sequence_number, submitted_at, updated_at, stuck_since
		FROM transactions
		WHERE from_address = ?1 OR to_address = ?1
		ORDER BY submitted_at DESC
		LIMIT ?2 OFFSET ?3`, address.Hex(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list by account: %w", err)
	}
	defer rows.Close()

	var out []*types.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListPending returns pending records ordered by submission time, the
// scan source for the Confirmation Tracker (C9).
func (s *Store) ListPending(ctx context.Context) ([]*types.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tx_hash, from_address, to_address, network, token_address, token_kind, amount, token_id,
		       status, declared_gas_limit, effective_gas_price, gas_used, block_number,
		       relayer_address, sequence_number, submitted_at, updated_at, stuck_since
		FROM transactions WHERE status = ? ORDER BY submitted_at ASC`, string(types.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("store: list pending: %w", err)
	}
	defer rows.Close()

	var out []*types.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(r scanner) (*types.TransactionRecord, error) {
	var rec types.TransactionRecord
	var txHash, from, to, network, tokenAddress, status, relayer string
	var amount, tokenID, declaredGas, effectiveFee, gasUsed string
	var tokenKind int
	var blockNumber sql.NullInt64
	var stuckSince sql.NullInt64

	if err := r.Scan(&txHash, &from, &to, &network, &tokenAddress, &tokenKind, &amount, &tokenID,
		&status, &declaredGas, &effectiveFee, &gasUsed, &blockNumber,
		&relayer, &rec.SequenceNumber, &rec.SubmittedAt, &rec.UpdatedAt, &stuckSince); err != nil {
		return nil, err
	}

	var err error
	if rec.TxHash, err = types.HashFromHex(txHash); err != nil {
		return nil, err
	}
	if rec.From, err = types.AddressFromHex(from); err != nil {
		return nil, err
	}
	if rec.To, err = types.AddressFromHex(to); err != nil {
		return nil, err
	}
	if rec.TokenAddress, err = types.AddressFromHex(tokenAddress); err != nil {
		return nil, err
	}
	if rec.RelayerAddress, err = types.AddressFromHex(relayer); err != nil {
		return nil, err
	}
	rec.Network = types.Network(network)
	rec.Status = types.Status(status)
	rec.TokenKind = types.TokenKind(tokenKind)
	rec.Amount = mustDec(amount)
	rec.TokenID = mustDec(tokenID)
	rec.DeclaredGasLimit = mustDec(declaredGas)
	rec.EffectiveGasPrice = mustDec(effectiveFee)
	rec.GasUsed = mustDec(gasUsed)
	if blockNumber.Valid {
		bn := uint64(blockNumber.Int64)
		rec.BlockNumber = &bn
	}
	if stuckSince.Valid {
		ss := stuckSince.Int64
		rec.StuckSince = &ss
	}
	return &rec, nil
}

func decString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func mustDec(s string) *uint256.Int {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.NewInt(0)
	}
	return v
}

// TryLock attempts to take the advisory lock for txHash until
// lockedUntil, the row-level stand-in for a distributed advisory lock
// described in spec.md §4.9 ("single-instance-safe advisory locking").
// Succeeds if no row exists or the existing lock has expired.
func (s *Store) TryLock(ctx context.Context, txHash types.Hash, now, lockedUntil int64) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tx_locks (tx_hash, locked_until) VALUES (?, ?)
		ON CONFLICT(tx_hash) DO UPDATE SET locked_until = excluded.locked_until
		WHERE tx_locks.locked_until < ?`, txHash.Hex(), lockedUntil, now)
	if err != nil {
		return fmt.Errorf("store: try lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: try lock rows affected: %w", err)
	}
	if n == 0 {
		return ErrLocked
	}
	return nil
}

// Unlock releases the advisory lock early, e.g. once a scan iteration for
// txHash completes well before lockedUntil.
func (s *Store) Unlock(ctx context.Context, txHash types.Hash, now int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tx_locks SET locked_until = ? WHERE tx_hash = ?`, now, txHash.Hex())
	if err != nil {
		return fmt.Errorf("store: unlock: %w", err)
	}
	return nil
}

// UpsertPolicyRule inserts or replaces a policy rule, called by the
// Policy Rule CRUD endpoints after schema revalidation (spec.md §6).
func (s *Store) UpsertPolicyRule(ctx context.Context, rule types.PolicyRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_rules (id, kind, target, value, enabled) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, target = excluded.target,
			value = excluded.value, enabled = excluded.enabled`,
		rule.ID, string(rule.Kind), rule.Target, rule.Value, boolToInt(rule.Enabled),
	)
	if err != nil {
		return fmt.Errorf("store: upsert policy rule: %w", err)
	}
	return nil
}

// DeletePolicyRule removes a rule by id.
func (s *Store) DeletePolicyRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = ?`, id)
	return checkUpdated(res, err)
}

// GetPolicyRule fetches a single rule by id.
func (s *Store) GetPolicyRule(ctx context.Context, id string) (types.PolicyRule, error) {
	var rule types.PolicyRule
	var kind string
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT id, kind, target, value, enabled FROM policy_rules WHERE id = ?`, id).
		Scan(&rule.ID, &kind, &rule.Target, &rule.Value, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return types.PolicyRule{}, ErrNotFound
	}
	if err != nil {
		return types.PolicyRule{}, fmt.Errorf("store: get policy rule: %w", err)
	}
	rule.Kind = types.RuleKind(kind)
	rule.Enabled = enabled != 0
	return rule, nil
}

// ListPolicyRules returns every rule of kind, enabled or not, the read
// path the Policy Engine's Reload uses (Reload skips disabled rules).
func (s *Store) ListPolicyRules(ctx context.Context, kind types.RuleKind) ([]types.PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, target, value, enabled FROM policy_rules WHERE kind = ?`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: list policy rules: %w", err)
	}
	defer rows.Close()

	var out []types.PolicyRule
	for rows.Next() {
		var rule types.PolicyRule
		var k string
		var enabled int
		if err := rows.Scan(&rule.ID, &k, &rule.Target, &rule.Value, &enabled); err != nil {
			return nil, fmt.Errorf("store: scan policy rule: %w", err)
		}
		rule.Kind = types.RuleKind(k)
		rule.Enabled = enabled != 0
		out = append(out, rule)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

