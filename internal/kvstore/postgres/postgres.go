// Package postgres implements internal/kvstore.Store over Postgres via
// pgx/v5 and goqu, following the connection-pool and migration bootstrap
// pattern of the teacher's own internal/store/postgres.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rakunlabs/muz"

	"github.com/rakunlabs/cortex/internal/config"
	"github.com/rakunlabs/cortex/internal/crypto"
	"github.com/rakunlabs/cortex/internal/kvstore"
)

//go:embed migrations/*
var migrationFS embed.FS

var (
	ConnMaxLifetime    = 15 * time.Minute
	MaxIdleConns       = 3
	MaxOpenConns       = 3
	DefaultTablePrefix = "cortex_"
)

type Postgres struct {
	db      *sql.DB
	goqu    *goqu.Database
	tableKV exp.IdentifierExpression
	channel string

	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
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
	driver := muz.NewPostgresDriver(db, migrate.Table, slog.Default())
	if err := m.Migrate(ctx, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("run kv migrations: %w", err)
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}
	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to kvstore postgres")

	return &Postgres{
		db:      db,
		goqu:    goqu.New("postgres", db),
		tableKV: goqu.T(tablePrefix + "kv"),
		channel: tablePrefix + "kv_changed",
		encKey:  encKey,
	}, nil
}

func (p *Postgres) Connect(_ context.Context) error    { return nil }
func (p *Postgres) Disconnect(_ context.Context) error { return p.db.Close() }

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

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
	query, args, err := p.goqu.Insert(p.tableKV).Rows(goqu.Record{
		"key": key, "value": []byte(stored), "ttl_expires_at": expiresAt, "updated_at": now,
	}).OnConflict(goqu.DoUpdate("key", goqu.Record{
		"value": []byte(stored), "ttl_expires_at": expiresAt, "updated_at": now,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build set query: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}

	_, err = p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", p.channel, key)
	if err != nil {
		// NOTIFY support is best-effort; pollers remain a valid fallback.
		slog.Warn("kvstore postgres: notify failed", "error", err)
	}

	return nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	query, args, err := p.goqu.From(p.tableKV).
		Select("value", "ttl_expires_at").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get query: %w", err)
	}

	var raw []byte
	var ttlExpiresAt *time.Time
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&raw, &ttlExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kvErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}

	if ttlExpiresAt != nil && ttlExpiresAt.Before(time.Now()) {
		_ = p.Delete(ctx, key)
		return nil, kvErrNotFound
	}

	p.encKeyMu.RLock()
	encKey := p.encKey
	p.encKeyMu.RUnlock()

	plain, err := crypto.Decrypt(string(raw), encKey)
	if err != nil {
		return nil, fmt.Errorf("decrypt value for %q: %w", key, err)
	}

	return []byte(plain), nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	query, args, err := p.goqu.Delete(p.tableKV).Where(goqu.I("key").Eq(key)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Watch reports key changes under prefix. It dedicates one connection to
// LISTEN on p.channel (every Set issues a matching pg_notify) and falls
// back to the 2s poll loop when that connection can't be acquired or
// LISTEN is rejected — e.g. a PgBouncer transaction-pooling datasource,
// where a session-scoped LISTEN has nowhere to live.
func (p *Postgres) Watch(ctx context.Context, prefix string) (<-chan string, error) {
	out := make(chan string, 16)
	go p.listenWatch(ctx, prefix, out)
	return out, nil
}

func (p *Postgres) listenWatch(ctx context.Context, prefix string, out chan<- string) {
	defer close(out)

	conn, err := p.db.Conn(ctx)
	if err != nil {
		slog.Warn("kvstore postgres: acquire listen connection failed, falling back to polling", "error", err)
		p.pollWatch(ctx, prefix, out)
		return
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "LISTEN "+p.channel); err != nil {
		slog.Warn("kvstore postgres: LISTEN failed, falling back to polling", "error", err)
		p.pollWatch(ctx, prefix, out)
		return
	}

	var pgxConn *pgx.Conn
	if err := conn.Raw(func(driverConn any) error {
		stdConn, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("unsupported driver connection type %T", driverConn)
		}
		pgxConn = stdConn.Conn()
		return nil
	}); err != nil {
		slog.Warn("kvstore postgres: raw connection access failed, falling back to polling", "error", err)
		p.pollWatch(ctx, prefix, out)
		return
	}

	for {
		notification, err := pgxConn.WaitForNotification(ctx)
		if err != nil {
			return
		}
		if !strings.HasPrefix(notification.Payload, prefix) {
			continue
		}
		select {
		case out <- notification.Payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Postgres) pollWatch(ctx context.Context, prefix string, out chan<- string) {
	defer close(out)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	seen := map[string]time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			query, args, err := p.goqu.From(p.tableKV).
				Select("key", "updated_at").
				Where(goqu.I("key").Like(prefix + "%")).
				ToSQL()
			if err != nil {
				continue
			}
			rows, err := p.db.QueryContext(ctx, query, args...)
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
}

func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tableKV).Select("key", "value").ForUpdate(exp.Wait).ToSQL()
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
		plain, err := crypto.Decrypt(string(r.val), p.encKey)
		if err != nil {
			return fmt.Errorf("decrypt %q: %w", r.key, err)
		}
		reenc, err := crypto.Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt %q: %w", r.key, err)
		}

		updateQuery, args, err := p.goqu.Update(p.tableKV).
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

	p.encKey = newKey
	slog.Info("kvstore encryption key rotated", "keys_updated", len(allRows))

	return nil
}

func (p *Postgres) SetEncryptionKey(newKey []byte) {
	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
}

var kvErrNotFound = kvstore.ErrNotFound

// IsNotFound reports whether err is (or wraps) the not-found sentinel.
func IsNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
