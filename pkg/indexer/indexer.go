// Copyright 2025 Certen Protocol
//
// Explorer Index for Confirmed Blocks
// Provides connection pooling, health checks, and migration support

// Package indexer maintains an optional Postgres secondary index of
// confirmed blocks, transactions, and withdrawals for explorer-style
// queries. It is strictly derived data: every row can be rebuilt from
// the authenticated store, so index failures never block the chain.
package indexer

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/rollupcore/optiroll/pkg/block"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Client is a pooled Postgres connection with migration support.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// NewClient opens a connection pool against databaseURL.
func NewClient(databaseURL string) (*Client, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("indexer: database URL cannot be empty")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("indexer: open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	client := &Client{
		db:     db,
		logger: log.New(log.Writer(), "[Indexer] ", log.LstdFlags),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("indexer: ping database: %w", err)
	}
	client.logger.Printf("✅ connected to index database")
	return client, nil
}

// Close closes the connection pool.
func (c *Client) Close() error {
	if c.db != nil {
		c.logger.Println("closing index database connection")
		return c.db.Close()
	}
	return nil
}

// migration is one embedded SQL file, ordered by filename.
type migration struct {
	Version string
	SQL     string
}

// MigrateUp applies every embedded migration not yet recorded in
// schema_migrations, in filename order.
func (c *Client) MigrateUp(ctx context.Context) error {
	c.logger.Println("running index migrations...")

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("indexer: load migrations: %w", err)
	}

	applied, err := c.appliedMigrations(ctx)
	if err != nil {
		// First run: the migrations table does not exist yet; the first
		// migration creates it.
		if !strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("indexer: read applied migrations: %w", err)
		}
		applied = make(map[string]bool)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}
		c.logger.Printf("  applying %s...", m.Version)
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("indexer: apply %s: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("indexer: record %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	c.logger.Println("✅ index migrations complete")
	return nil
}

func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		raw, err := migrationsFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, migration{Version: strings.TrimSuffix(e.Name(), ".sql"), SQL: string(raw)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (c *Client) appliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// IndexBlock records a confirmed block and its contents. Runs in one
// SQL transaction so a partially-indexed block is never visible.
func (c *Client) IndexBlock(ctx context.Context, blk *block.Block) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (number, hash, parent_hash, timestamp_ms, tx_count, withdrawal_count, deposit_count, post_account_root)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (number) DO NOTHING`,
		int64(blk.Number), blk.Hash[:], blk.ParentHash[:], int64(blk.Timestamp),
		len(blk.Transactions), len(blk.Withdrawals), len(blk.Deposits), blk.PostAccountRoot[:],
	); err != nil {
		return fmt.Errorf("indexer: insert block %d: %w", blk.Number, err)
	}

	for i, t := range blk.Transactions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (block_number, tx_index, from_id, to_id, nonce, args)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (block_number, tx_index) DO NOTHING`,
			int64(blk.Number), i, int64(t.Tx.FromID), int64(t.Tx.ToID), int64(t.Tx.Nonce), t.Tx.Args,
		); err != nil {
			return fmt.Errorf("indexer: insert tx %d of block %d: %w", i, blk.Number, err)
		}
	}
	for i, w := range blk.Withdrawals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO withdrawals (block_number, wd_index, account_id, sudt_id, amount, capacity)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (block_number, wd_index) DO NOTHING`,
			int64(blk.Number), i, int64(w.Request.AccountID), int64(w.Request.SUDTID),
			fmt.Sprintf("%d", w.Request.Amount), fmt.Sprintf("%d", w.Request.CapacityCKB),
		); err != nil {
			return fmt.Errorf("indexer: insert withdrawal %d of block %d: %w", i, blk.Number, err)
		}
	}
	return tx.Commit()
}

// MarkReverted flags a block as struck from the canonical chain. Its
// rows stay for evidence, matching the authenticated store's behavior.
func (c *Client) MarkReverted(ctx context.Context, blockHash [32]byte) error {
	_, err := c.db.ExecContext(ctx, "UPDATE blocks SET reverted = TRUE WHERE hash = $1", blockHash[:])
	return err
}

// TipNumber returns the highest indexed block number, or -1 when empty.
func (c *Client) TipNumber(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := c.db.QueryRowContext(ctx, "SELECT MAX(number) FROM blocks").Scan(&n); err != nil {
		return -1, err
	}
	if !n.Valid {
		return -1, nil
	}
	return n.Int64, nil
}
