package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres persists an audit chain to a PostgreSQL table. Each logical
// ledger uses its own table (audit_consent, audit_record, audit_market) so
// the trails remain local to the ledger that produced them.
// It implements the Ledger interface.
type Postgres struct {
	pool    *pgxpool.Pool
	table   string
	lockKey int64
	logger  *zap.Logger
}

// NewPostgres creates a Postgres audit ledger backed by the given pool and
// table. The table must exist (see cmd/migrate) and contain the genesis row.
func NewPostgres(pool *pgxpool.Pool, table string, logger *zap.Logger) *Postgres {
	// Advisory lock keys must differ per table so the three trails can
	// append concurrently. A stable FNV-1a of the table name suffices.
	var key int64 = 1469598103934665603
	for _, b := range []byte(table) {
		key ^= int64(b)
		key *= 1099511628211
	}
	return &Postgres{pool: pool, table: table, lockKey: key, logger: logger}
}

// EnsureGenesis inserts the genesis row if the table is empty.
func (l *Postgres) EnsureGenesis(ctx context.Context, at time.Time) error {
	var n int
	if err := l.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", l.table),
	).Scan(&n); err != nil {
		return fmt.Errorf("count %s: %w", l.table, err)
	}
	if n > 0 {
		return nil
	}
	_, err := l.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (idx, ts, actor_did, action, subject_ref, outcome, reason, data_hash, prev_hash, hash)
		 VALUES (0, $1, 'system', 'genesis', '', 'ok', '', $2, $2, $2)`, l.table),
		at.UTC(), GenesisHash,
	)
	if err != nil {
		return fmt.Errorf("insert genesis into %s: %w", l.table, err)
	}
	return nil
}

// Append implements Ledger.
// It acquires a PostgreSQL advisory lock, reads the chain tail, computes the
// new entry hash, and inserts it — all within a single transaction.
func (l *Postgres) Append(ctx context.Context, at time.Time, actorDID, action, subjectRef string, outcome Outcome, reason string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	dataHash := sha256Sum(payloadJSON)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent appends with a transaction-scoped advisory lock.
	// The lock is released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", l.lockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var prevIdx int
	var prevHash string
	if err := tx.QueryRow(ctx,
		fmt.Sprintf("SELECT idx, hash FROM %s ORDER BY idx DESC LIMIT 1", l.table),
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}

	entry := &Entry{
		Index:      prevIdx + 1,
		Timestamp:  at.UTC(),
		ActorDID:   actorDID,
		Action:     action,
		SubjectRef: subjectRef,
		Outcome:    outcome,
		Reason:     reason,
		DataHash:   dataHash,
		PrevHash:   prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (idx, ts, actor_did, action, subject_ref, outcome, reason, data_hash, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, l.table),
		entry.Index, entry.Timestamp, entry.ActorDID,
		entry.Action, entry.SubjectRef, string(entry.Outcome), entry.Reason,
		entry.DataHash, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit audit tx: %w", err)
	}

	l.logger.Debug("audit entry appended",
		zap.String("table", l.table),
		zap.Int("idx", entry.Index),
		zap.String("action", entry.Action),
		zap.String("subject_ref", entry.SubjectRef),
	)
	return entry, nil
}

// Get implements Ledger.
func (l *Postgres) Get(ctx context.Context, index int) (*Entry, error) {
	entry := &Entry{}
	if err := l.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT idx, ts, actor_did, action, subject_ref, outcome, reason, data_hash, prev_hash, hash
		 FROM %s WHERE idx = $1`, l.table), index,
	).Scan(
		&entry.Index, &entry.Timestamp, &entry.ActorDID,
		&entry.Action, &entry.SubjectRef, &entry.Outcome, &entry.Reason,
		&entry.DataHash, &entry.PrevHash, &entry.Hash,
	); err != nil {
		return nil, fmt.Errorf("get audit entry %d: %w", index, err)
	}
	return entry, nil
}

// Len implements Ledger.
func (l *Postgres) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", l.table),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// Export implements Ledger.
func (l *Postgres) Export(ctx context.Context) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx, fmt.Sprintf(
		`SELECT idx, ts, actor_did, action, subject_ref, outcome, reason, data_hash, prev_hash, hash
		 FROM %s ORDER BY idx ASC`, l.table),
	)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(
			&entry.Index, &entry.Timestamp, &entry.ActorDID,
			&entry.Action, &entry.SubjectRef, &entry.Outcome, &entry.Reason,
			&entry.DataHash, &entry.PrevHash, &entry.Hash,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Verify implements Ledger. It streams all rows ordered by idx and validates
// the hash chain. O(n) in trail length.
func (l *Postgres) Verify(ctx context.Context) error {
	entries, err := l.Export(ctx)
	if err != nil {
		return err
	}

	var prev *Entry
	for _, curr := range entries {
		if prev == nil {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			prev = curr
			continue
		}
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
		prev = curr
	}
	return nil
}

// Root implements Ledger.
func (l *Postgres) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT hash FROM %s ORDER BY idx DESC LIMIT 1", l.table),
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get audit root: %w", err)
	}
	return hash, nil
}
