package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/paymeter/internal/retry"
)

// PostgresStore persists audit entries. It is registered as a Sink (every
// append is written through) and as the Archiver (pruned prefixes are
// flagged archived instead of deleted).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const insertEntrySQL = `
	INSERT INTO audit_entries (
		seq, id, ts, action, severity, wallet_addr, agent_id, resource_id,
		details, network, previous_hash, hash, archived_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

var (
	appendRetry  = retry.Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}
	archiveRetry = retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
)

// Append writes one entry, retrying transient failures. Re-appending an
// entry that is already stored is a no-op.
func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	args, err := entryArgs(e, nil)
	if err != nil {
		return err
	}
	_, err = retry.Do(ctx, appendRetry, func(ctx context.Context) error {
		_, err := p.db.ExecContext(ctx, insertEntrySQL+` ON CONFLICT (id) DO NOTHING`, args...)
		return err
	})
	return err
}

// Archive marks the given entries archived, inserting any the sink missed.
func (p *PostgresStore) Archive(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := retry.Do(ctx, archiveRetry, func(ctx context.Context) error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, e := range entries {
			args, err := entryArgs(e, &now)
			if err != nil {
				return retry.Permanent(err)
			}
			if _, err := tx.ExecContext(ctx, insertEntrySQL+`
				ON CONFLICT (id) DO UPDATE SET archived_at = EXCLUDED.archived_at`, args...); err != nil {
				return fmt.Errorf("archive entry %s: %w", e.ID, err)
			}
		}
		return tx.Commit()
	})
	return err
}

const entryColumns = `seq, id, ts, action, severity, wallet_addr, agent_id, resource_id,
		details, network, previous_hash, hash`

// ListLive returns all entries that have not been archived, in chain order.
func (p *PostgresStore) ListLive(ctx context.Context) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE archived_at IS NULL
		ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// ListRange returns every stored entry (archived or not) with seq in
// [fromSeq, toSeq], in chain order.
func (p *PostgresStore) ListRange(ctx context.Context, fromSeq, toSeq int64) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE seq BETWEEN $1 AND $2
		ORDER BY seq ASC`, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// LastArchived returns the newest archived entry, or nil if nothing has
// been archived. Its hash anchors the live chain.
func (p *PostgresStore) LastArchived(ctx context.Context) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM audit_entries
		WHERE archived_at IS NOT NULL
		ORDER BY seq DESC
		LIMIT 1`)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

// LoadLog rebuilds the in-memory log from the live rows, verifying every
// stored hash. With no live rows the log is anchored at the last archived
// entry (or genesis).
func (p *PostgresStore) LoadLog(ctx context.Context, opts ...Option) (*Log, error) {
	last, err := p.LastArchived(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load anchor: %w", err)
	}
	live, err := p.ListLive(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load live entries: %w", err)
	}
	if len(live) > 0 {
		if last != nil && live[0].PreviousHash != last.Hash {
			return nil, fmt.Errorf("%w: entry %s does not link to archived seq %d", ErrChainTampered, live[0].ID, last.Seq)
		}
		return Restore(ctx, live, opts...)
	}
	if last != nil {
		opts = append([]Option{WithAnchor(last.Hash, last.Seq)}, opts...)
	}
	return NewLog(opts...), nil
}

func entryArgs(e *Entry, archivedAt *time.Time) ([]any, error) {
	var details, network []byte
	var err error
	if e.Details != nil {
		if details, err = json.Marshal(e.Details); err != nil {
			return nil, fmt.Errorf("marshal details: %w", err)
		}
	}
	if e.Network != nil {
		if network, err = json.Marshal(e.Network); err != nil {
			return nil, fmt.Errorf("marshal network: %w", err)
		}
	}
	return []any{
		e.Seq, e.ID, e.Timestamp, string(e.Action), string(e.Severity),
		e.WalletAddr, e.AgentID, e.ResourceID,
		nullJSON(details), nullJSON(network),
		e.PreviousHash, e.Hash, nullTime(archivedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	e := &Entry{}
	var action, severity string
	var details, network []byte
	if err := row.Scan(
		&e.Seq, &e.ID, &e.Timestamp, &action, &severity,
		&e.WalletAddr, &e.AgentID, &e.ResourceID,
		&details, &network, &e.PreviousHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Action = Action(action)
	e.Severity = Severity(severity)
	e.Timestamp = canonicalTime(e.Timestamp)
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshal details for %s: %w", e.ID, err)
		}
	}
	if len(network) > 0 {
		e.Network = &NetworkInfo{}
		if err := json.Unmarshal(network, e.Network); err != nil {
			return nil, fmt.Errorf("unmarshal network for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
