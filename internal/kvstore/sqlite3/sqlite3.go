// Package sqlite3 implements internal/kvstore.Store over SQLite, the
// single-instance fallback driver — Watch here is poll-only since SQLite
// has no cross-connection notify mechanism.
package sqlite3

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rakunlabs/muz"
	_ "modernc.org/sqlite"

	"github.com/rakunlabs/cortex/internal/config"
	"github.com/rakunlabs/cortex/internal/crypto"
	"github.com/rakunlabs/cortex/internal/kvstore"
)

//go:embed migrations/*
var migrationFS embed.FS

var DefaultTablePrefix = "cortex_"

type SQLite struct {
	db      *sql.DB
	goqu    *goqu.Database
	tableKV goqu.Expression

	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "kv_migrations"
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	m := muz.Migrate{Path: "migrations", FS: migrationFS, Extension: ".sql", Values: migrate.Values}
	driver := muz.NewSQLiteDriver(db, migrate.Table, slog.Default())
	if err := m.Migrate(ctx, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("run kv migrations: %w", err)
	}

	slog.Info("connected to kvstore sqlite")

	return &SQLite{
		db:      db,
		goqu:    goqu.New("sqlite3", db),
		tableKV: goqu.T(tablePrefix + "kv"),
		encKey:  encKey,
	}, nil
}

func (s *SQLite) Connect(_ context.Context) error    { return nil }
func (s *SQLite) Disconnect(_ context.Context) error { return s.db.Close() }

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.encKeyMu.RLock()
	encKey := s.encKey
	s.encKeyMu.RUnlock()

	stored, err := crypto.Encrypt(string(value), encKey)
	if err != nil {
		return fmt.Errorf("encrypt value for %q: %w", key, err)
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	now := time.Now().UTC()
	query, args, err := s.goqu.Insert(s.tableKV).Rows(goqu.Record{
		"key": key, "value": []byte(stored), "ttl_expires_at": expiresAt, "updated_at": now,
	}).OnConflict(goqu.DoUpdate("key", goqu.Record{
		"value": []byte(stored), "ttl_expires_at": expiresAt, "updated_at": now,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build set query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := s.goqu.From(s.tableKV).
		Select("value", "ttl_expires_at").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var raw []byte
	var ttlExpiresAt *time.Time
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&raw, &ttlExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}

	if ttlExpiresAt != nil && ttlExpiresAt.Before(time.Now()) {
		_ = s.Delete(ctx, key)
		return nil, errNotFound
	}

	s.encKeyMu.RLock()
	encKey := s.encKey
	s.encKeyMu.RUnlock()

	plain, err := crypto.Decrypt(string(raw), encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt value for %q: %w", key, err)
	}
	return []byte(plain), nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	query, args, err := s.goqu.Delete(s.tableKV).Where(goqu.I("key").Eq(key)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *SQLite) Watch(ctx context.Context, prefix string) (<-chan string, error) {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		seen := map[string]time.Time{}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				query, args, err := s.goqu.From(s.tableKV).
					Select("key", "updated_at").
					Where(goqu.I("key").Like(prefix + "%")).
					ToSQL()
				if err != nil {
					continue
				}
				rows, err := s.db.QueryContext(ctx, query, args...)
				if err != nil {
					continue
				}
				for rows.Next() {
					var k string
					var updatedAt time.Time
					if err := rows.Scan(&k, &updatedAt); err != nil {
						continue
					}
					if last, ok := seen[k]; !ok || updatedAt.After(last) {
						seen[k] = updatedAt
						select {
						case out <- k:
						case <-ctx.Done():
							rows.Close()
							return
						}
					}
				}
				rows.Close()
			}
		}
	}()
	return out, nil
}

func (s *SQLite) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	s.encKeyMu.Lock()
	defer s.encKeyMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableKV).Select("key", "value").ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list kv rows for rotation: %w", err)
	}

	type rowData struct {
		key string
		val []byte
	}
	var allRows []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.key, &r.val); err != nil {
			rows.Close()
			return fmt.Errorf("scan kv row: %w", err)
		}
		allRows = append(allRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate kv rows: %w", err)
	}

	for _, r := range allRows {
		plain, err := crypto.Decrypt(string(r.val), s.encKey)
		if err != nil {
			return fmt.Errorf("decrypt %q: %w", r.key, err)
		}
		reenc, err := crypto.Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt %q: %w", r.key, err)
		}

		updateQuery, args, err := s.goqu.Update(s.tableKV).
			Set(goqu.Record{"value": []byte(reenc)}).
			Where(goqu.I("key").Eq(r.key)).ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.key, err)
		}
		if _, err := tx.ExecContext(ctx, updateQuery, args...); err != nil {
			return fmt.Errorf("update %q: %w", r.key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.encKey = newKey
	slog.Info("kvstore encryption key rotated", "keys_updated", len(allRows))
	return nil
}

func (s *SQLite) SetEncryptionKey(newKey []byte) {
	s.encKeyMu.Lock()
	s.encKey = newKey
	s.encKeyMu.Unlock()
}

var errNotFound = kvstore.ErrNotFound
