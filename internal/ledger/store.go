package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cm64-studio/llmule-broker/internal/classifier"
)

// schema is the Ledger Gateway's persistent layout: balances and
// transactions, the only two collections the core owns directly (spec §3,
// Ownership). Modeled as a single SQLite store the same way the teacher's
// usage package embeds job history — schema-on-open, WAL for concurrent
// reads, micro-unit integers so MULE amounts never drift under float
// rounding across restarts.
const schema = `
CREATE TABLE IF NOT EXISTS balances (
    account_id    TEXT PRIMARY KEY,
    amount_micros INTEGER NOT NULL,
    last_updated  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp         TEXT NOT NULL,
    kind              TEXT NOT NULL,
    consumer_account  TEXT NOT NULL,
    provider_account  TEXT NOT NULL DEFAULT '',
    model             TEXT NOT NULL DEFAULT '',
    tier              TEXT NOT NULL DEFAULT '',
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens      INTEGER NOT NULL DEFAULT 0,
    mule_amount_micros   INTEGER NOT NULL DEFAULT 0,
    platform_fee_micros  INTEGER NOT NULL DEFAULT 0,
    duration_seconds     REAL NOT NULL DEFAULT 0,
    tokens_per_second    REAL NOT NULL DEFAULT 0,
    metadata          TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_transactions_consumer ON transactions(consumer_account, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_provider ON transactions(provider_account, timestamp);
`

const microsPerUnit = 1_000_000

func toMicros(v float64) int64 {
	if v >= 0 {
		return int64(math.Floor(v*microsPerUnit + 0.5))
	}
	return int64(math.Ceil(v*microsPerUnit - 0.5))
}

func fromMicros(v int64) float64 {
	return float64(v) / microsPerUnit
}

// Store provides SQLite-backed storage for balances and transactions.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the ledger database at dbPath and runs
// migrations.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// insertBalanceIfAbsent is the upsert-if-absent half of ensure_balance
// (spec §4.3): it inserts a fresh row only if none exists yet, and reports
// whether this call was the one that created it. The existence check and
// the insert are one statement, so a caller that finds the row already
// present inserts zero rows and reports created=false; any INSERT error is
// returned to the caller.
func (s *Store) insertBalanceIfAbsent(accountID string, amount float64, now time.Time) (created bool, err error) {
	res, err := s.db.Exec(
		`INSERT INTO balances (account_id, amount_micros, last_updated)
		 SELECT ?, ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM balances WHERE account_id = ?)`,
		accountID, toMicros(amount), now.UTC().Format(time.RFC3339Nano), accountID,
	)
	if err != nil {
		return false, fmt.Errorf("insert balance if absent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) getBalanceRow(accountID string) (Balance, bool, error) {
	var micros int64
	var lastUpdated string
	err := s.db.QueryRow(
		`SELECT amount_micros, last_updated FROM balances WHERE account_id = ?`, accountID,
	).Scan(&micros, &lastUpdated)
	if err == sql.ErrNoRows {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, fmt.Errorf("query balance: %w", err)
	}
	ts, _ := time.Parse(time.RFC3339Nano, lastUpdated)
	return Balance{AccountID: accountID, Amount: fromMicros(micros), LastUpdated: ts}, true, nil
}

// addToBalance applies delta (positive or negative) atomically, returning
// the resulting balance.
func (s *Store) addToBalance(accountID string, delta float64, now time.Time) (float64, error) {
	deltaMicros := toMicros(delta)
	res, err := s.db.Exec(
		`UPDATE balances SET amount_micros = amount_micros + ?, last_updated = ? WHERE account_id = ?`,
		deltaMicros, now.UTC().Format(time.RFC3339Nano), accountID,
	)
	if err != nil {
		return 0, fmt.Errorf("update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("account %s has no balance row", accountID)
	}
	bal, ok, err := s.getBalanceRow(accountID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("account %s disappeared after update", accountID)
	}
	return bal.Amount, nil
}

// insertTransaction is the append-only insert behind record_transaction.
func (s *Store) insertTransaction(tx Transaction) (int64, error) {
	metaJSON, err := json.Marshal(tx.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO transactions (
			timestamp, kind, consumer_account, provider_account, model, tier,
			prompt_tokens, completion_tokens, total_tokens,
			mule_amount_micros, platform_fee_micros,
			duration_seconds, tokens_per_second, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Timestamp.UTC().Format(time.RFC3339Nano), string(tx.Kind), tx.ConsumerAccount, tx.ProviderAccount,
		tx.Model, string(tx.Tier),
		tx.Usage.PromptTokens, tx.Usage.CompletionTokens, tx.Usage.TotalTokens,
		toMicros(tx.MuleAmount), toMicros(tx.PlatformFee),
		tx.Performance.DurationSeconds, tx.Performance.TokensPerSecond,
		string(metaJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return res.LastInsertId()
}

// QueryTransactions returns transactions involving accountID as either
// consumer or provider, most recent first, for the §6 read-only accounting
// views.
func (s *Store) QueryTransactions(accountID string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, kind, consumer_account, provider_account, model, tier,
		        prompt_tokens, completion_tokens, total_tokens,
		        mule_amount_micros, platform_fee_micros,
		        duration_seconds, tokens_per_second, metadata
		 FROM transactions
		 WHERE consumer_account = ? OR provider_account = ?
		 ORDER BY id DESC LIMIT ?`, accountID, accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var tx Transaction
	var ts, kind, tier, metaJSON string
	var muleMicros, feeMicros int64
	if err := row.Scan(
		&tx.ID, &ts, &kind, &tx.ConsumerAccount, &tx.ProviderAccount, &tx.Model, &tier,
		&tx.Usage.PromptTokens, &tx.Usage.CompletionTokens, &tx.Usage.TotalTokens,
		&muleMicros, &feeMicros,
		&tx.Performance.DurationSeconds, &tx.Performance.TokensPerSecond,
		&metaJSON,
	); err != nil {
		return Transaction{}, fmt.Errorf("scan transaction: %w", err)
	}
	tx.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	tx.Kind = TransactionKind(kind)
	tx.Tier = classifier.Tier(tier)
	tx.MuleAmount = fromMicros(muleMicros)
	tx.PlatformFee = fromMicros(feeMicros)
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &tx.Metadata)
	}
	return tx, nil
}
