package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the primary backend: a relational service reached over
// the network. The pgx pool is owned by the caller; Close is a no-op.
// Every operation is bounded by a statement timeout so a hung network call
// cannot stall the failover controller's failure counting.
type PostgresStore struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithTimeout bounds every remote call (default 5s).
func WithTimeout(d time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithTempAccountTTL sets the temporary account retention window.
func WithTempAccountTTL(ttl time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPostgresClock overrides the time source (tests).
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		s.now = now
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("store: nil pool")
	}
	s := &PostgresStore{
		pool:    pool,
		timeout: 5 * time.Second,
		ttl:     30 * 24 * time.Hour,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

// Schema creates the expected tables when missing. Run once at startup;
// the store treats missing tables at runtime as SchemaMismatch instead of
// creating them on the fly.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id BIGSERIAL PRIMARY KEY,
	chat_id BIGINT NOT NULL,
	kind TEXT NOT NULL DEFAULT 'temporary',
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ,
	migrated BOOLEAN NOT NULL DEFAULT false
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_active_chat
	ON accounts (chat_id) WHERE NOT migrated;

CREATE TABLE IF NOT EXISTS chat_history (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	chat_id BIGINT NOT NULL,
	tier TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	dedup_key TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_history_dedup
	ON chat_history (chat_id, tier, dedup_key);
CREATE INDEX IF NOT EXISTS idx_chat_history_read
	ON chat_history (chat_id, tier, ts);

CREATE TABLE IF NOT EXISTS history_context (
	chat_id BIGINT PRIMARY KEY,
	summary TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);
`

// Setup applies the schema. Separate from construction so operators can
// point the gateway at a database they manage themselves.
func (s *PostgresStore) Setup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return opErr("postgres.Setup", ErrUnavailable, err)
	}
	return nil
}

// mapErr classifies a pgx failure. Undefined tables and columns are schema
// mismatches (fatal for this backend until migrated); everything else that
// reaches us over the wire counts as transiently unavailable.
func mapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703": // undefined_table, undefined_column
			return opErr(op, ErrSchemaMismatch, err)
		}
	}
	return opErr(op, ErrUnavailable, err)
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, chatID int64) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	acct, err := s.accountByChat(ctx, chatID)
	if err == nil && !acct.Expired(s.now()) {
		return acct, nil
	}
	if err != nil && !IsNotFound(err) {
		return Account{}, err
	}

	if err == nil {
		// Expired temporary account: tombstone it and start fresh.
		if _, terr := s.pool.Exec(ctx,
			`UPDATE accounts SET migrated = true WHERE id = $1`, acct.ID); terr != nil {
			return Account{}, mapErr("postgres.EnsureAccount", terr)
		}
	}

	now := s.now().UTC()
	expires := now.Add(s.ttl)
	// ON CONFLICT keeps resolution check-then-create atomic under
	// concurrent first contact for the same chat.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (chat_id, kind, created_at, expires_at)
		VALUES ($1, 'temporary', $2, $3)
		ON CONFLICT (chat_id) WHERE NOT migrated DO UPDATE SET chat_id = EXCLUDED.chat_id
		RETURNING id, chat_id, kind, created_at, expires_at, migrated`,
		chatID, now, expires)
	got, err := scanAccount(row)
	if err != nil {
		return Account{}, mapErr("postgres.EnsureAccount", err)
	}
	return got, nil
}

func (s *PostgresStore) AccountByChat(ctx context.Context, chatID int64) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.accountByChat(ctx, chatID)
}

func (s *PostgresStore) accountByChat(ctx context.Context, chatID int64) (Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, chat_id, kind, created_at, expires_at, migrated
		FROM accounts WHERE chat_id = $1 AND NOT migrated`, chatID)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, opErr("postgres.AccountByChat", ErrNotFound, nil)
		}
		return Account{}, mapErr("postgres.AccountByChat", err)
	}
	return acct, nil
}

// PromoteAccount creates the permanent account and tombstones the
// temporary one in a single transaction. Re-running after a prior success
// returns the existing permanent account.
func (s *PostgresStore) PromoteAccount(ctx context.Context, chatID int64, profile Profile) (Account, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	existing, err := s.accountByChat(ctx, chatID)
	if err == nil && existing.Kind == AccountPermanent {
		return existing, nil
	}
	if err != nil && !IsNotFound(err) {
		return Account{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return Account{}, mapErr("postgres.PromoteAccount", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err == nil {
		if _, terr := tx.Exec(ctx,
			`UPDATE accounts SET migrated = true WHERE id = $1`, existing.ID); terr != nil {
			return Account{}, mapErr("postgres.PromoteAccount", terr)
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO accounts (chat_id, kind, name, email, created_at)
		VALUES ($1, 'permanent', $2, $3, $4)
		RETURNING id, chat_id, kind, created_at, expires_at, migrated`,
		chatID, profile.Name, profile.Email, s.now().UTC())
	acct, err := scanAccount(row)
	if err != nil {
		return Account{}, mapErr("postgres.PromoteAccount", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Account{}, mapErr("postgres.PromoteAccount", err)
	}
	return acct, nil
}

func (s *PostgresStore) Append(ctx context.Context, chatID int64, tier Tier, msg Message) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %q", tier)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	acct, err := s.EnsureAccount(ctx, chatID)
	if err != nil {
		return err
	}
	// Duplicate dedup keys are silently absorbed so reconciliation replays
	// are no-ops.
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO chat_history (account_id, chat_id, tier, role, content, ts, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chat_id, tier, dedup_key) DO NOTHING`,
		acct.ID, chatID, string(tier), string(msg.Role), msg.Content,
		msg.Timestamp.UTC(), msg.DedupKey()); err != nil {
		return mapErr("postgres.Append", err)
	}
	return nil
}

func (s *PostgresStore) Read(ctx context.Context, chatID int64, tier Tier, limit int) ([]Message, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid tier %q", tier)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows pgx.Rows
	var err error
	if limit > 0 {
		// Newest N, returned in chronological order.
		rows, err = s.pool.Query(ctx, `
			SELECT role, content, ts FROM (
				SELECT role, content, ts FROM chat_history
				WHERE chat_id = $1 AND tier = $2
				ORDER BY ts DESC LIMIT $3
			) newest ORDER BY ts ASC`, chatID, string(tier), limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT role, content, ts FROM chat_history
			WHERE chat_id = $1 AND tier = $2
			ORDER BY ts ASC`, chatID, string(tier))
	}
	if err != nil {
		return nil, mapErr("postgres.Read", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&role, &m.Content, &m.Timestamp); err != nil {
			return nil, mapErr("postgres.Read", err)
		}
		m.Role = Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("postgres.Read", err)
	}
	return msgs, nil
}

func (s *PostgresStore) Replace(ctx context.Context, chatID int64, tier Tier, msgs []Message) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %q", tier)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	acct, err := s.EnsureAccount(ctx, chatID)
	if err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr("postgres.Replace", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`DELETE FROM chat_history WHERE chat_id = $1 AND tier = $2`,
		chatID, string(tier)); err != nil {
		return mapErr("postgres.Replace", err)
	}
	for _, m := range msgs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_history (account_id, chat_id, tier, role, content, ts, dedup_key)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (chat_id, tier, dedup_key) DO NOTHING`,
			acct.ID, chatID, string(tier), string(m.Role), m.Content,
			m.Timestamp.UTC(), m.DedupKey()); err != nil {
			return mapErr("postgres.Replace", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("postgres.Replace", err)
	}
	return nil
}

func (s *PostgresStore) SaveContext(ctx context.Context, chatID int64, entry ContextEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `
		INSERT INTO history_context (chat_id, summary, ts, message_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id) DO UPDATE
		SET summary = EXCLUDED.summary, ts = EXCLUDED.ts,
		    message_count = EXCLUDED.message_count`,
		chatID, entry.Summary, entry.Timestamp.UTC(), entry.MessageCount); err != nil {
		return mapErr("postgres.SaveContext", err)
	}
	return nil
}

func (s *PostgresStore) LoadContext(ctx context.Context, chatID int64) (ContextEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	entry := ContextEntry{ChatID: chatID}
	err := s.pool.QueryRow(ctx, `
		SELECT summary, ts, message_count FROM history_context WHERE chat_id = $1`,
		chatID).Scan(&entry.Summary, &entry.Timestamp, &entry.MessageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ContextEntry{}, opErr("postgres.LoadContext", ErrNotFound, nil)
		}
		return ContextEntry{}, mapErr("postgres.LoadContext", err)
	}
	return entry, nil
}

func (s *PostgresStore) Stats(ctx context.Context, chatID int64) (map[Tier]TierStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT tier, COUNT(*), MIN(ts), MAX(ts)
		FROM chat_history WHERE chat_id = $1 GROUP BY tier`, chatID)
	if err != nil {
		return nil, mapErr("postgres.Stats", err)
	}
	defer rows.Close()

	stats := map[Tier]TierStats{
		TierShortTerm:    {},
		TierMidTerm:      {},
		TierWholeHistory: {},
	}
	for rows.Next() {
		var tier string
		var st TierStats
		if err := rows.Scan(&tier, &st.Count, &st.Oldest, &st.Newest); err != nil {
			return nil, mapErr("postgres.Stats", err)
		}
		stats[Tier(tier)] = st
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("postgres.Stats", err)
	}
	return stats, nil
}

// HealthCheck is the lightweight read used by the failover probe.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var one int
	if err := s.pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return mapErr("postgres.HealthCheck", err)
	}
	// A reachable server with a missing schema is still not usable.
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_name IN ('accounts', 'chat_history', 'history_context')`).Scan(&n); err != nil {
		return mapErr("postgres.HealthCheck", err)
	}
	if n < 3 {
		return opErr("postgres.HealthCheck", ErrSchemaMismatch, nil)
	}
	return nil
}

// DedupKeys returns the dedup keys already present remotely for a chat and
// tier at or after since. Used by the reconciler to skip migrated rows.
func (s *PostgresStore) DedupKeys(ctx context.Context, chatID int64, tier Tier, since time.Time) (map[string]bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT dedup_key FROM chat_history
		WHERE chat_id = $1 AND tier = $2 AND ts >= $3`,
		chatID, string(tier), since.UTC())
	if err != nil {
		return nil, mapErr("postgres.DedupKeys", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, mapErr("postgres.DedupKeys", err)
		}
		keys[k] = true
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("postgres.DedupKeys", err)
	}
	return keys, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var acct Account
	var kind string
	if err := row.Scan(&acct.ID, &acct.ChatID, &kind, &acct.CreatedAt,
		&acct.ExpiresAt, &acct.Migrated); err != nil {
		return Account{}, err
	}
	acct.Kind = AccountKind(kind)
	return acct, nil
}
