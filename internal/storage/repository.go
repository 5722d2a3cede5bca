package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createAlertRecordsSQL = `CREATE TABLE IF NOT EXISTS alert_records (
        id         TEXT PRIMARY KEY,
        symbol     TEXT NOT NULL,
        timeframe  TEXT NOT NULL,
        status     TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL,
        payload    JSONB NOT NULL
    );`

	createAlertRecordsIndexSQL = `CREATE INDEX IF NOT EXISTS alert_records_created_at_idx
    ON alert_records (created_at);`

	upsertAlertRecordSQL = `INSERT INTO alert_records (
        id,
        symbol,
        timeframe,
        status,
        created_at,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (id) DO UPDATE
    SET
        status  = EXCLUDED.status,
        payload = EXCLUDED.payload;`

	listAlertRecordsSQL = `SELECT payload
    FROM alert_records
    ORDER BY created_at, id;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RecordStore is the persistence contract of the alert log.
type RecordStore interface {
	Load(ctx context.Context) ([]AlertRecord, error)
	Save(ctx context.Context, alerts []AlertRecord) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store keeps the alert log in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the alert_records table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createAlertRecordsSQL, createAlertRecordsIndexSQL} {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session ends with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Load reads the whole log ordered by creation.
func (s *Store) Load(ctx context.Context) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertRecordsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list alert records: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec AlertRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode alert record: %w", err)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// Save upserts every record in a single transaction.
func (s *Store) Save(ctx context.Context, alerts []AlertRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, rec := range alerts {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode alert record %s: %w", rec.ID, err)
		}
		batch.Queue(upsertAlertRecordSQL, rec.ID, rec.Symbol, rec.Timeframe, rec.Status, rec.CreatedAt(), payload)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert alert records: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit alert records: %w", err)
	}
	return nil
}

var (
	_ RecordStore    = (*Store)(nil)
	_ RecordStore    = (*FileStore)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
