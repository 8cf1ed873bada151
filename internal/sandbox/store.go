package sandbox

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rcourtman/billing-bridge/internal/billing"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store persists the sandbox catalog and the purchases the sandbox store
// considers owned.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens (creating if needed) the sandbox database at path.
func OpenStore(path string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}

	// Open database with WAL mode for better concurrent access
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sandbox database: %w", err)
	}

	// Configure connection pool (SQLite works best with single writer)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, path: path}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("path", path).Msg("Sandbox store initialized")
	return store, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS catalog (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			price TEXT NOT NULL DEFAULT '',
			price_amount_micros INTEGER NOT NULL DEFAULT 0,
			currency_code TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);

		-- Purchases the store reports as owned until consumed
		CREATE TABLE IF NOT EXISTS purchases (
			token TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			purchased_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_purchases_product
		ON purchases(product_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug().Msg("Sandbox schema initialized")
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// UpsertEntries inserts or replaces catalog entries and returns how many were written.
func (s *Store) UpsertEntries(ctx context.Context, entries []billing.CatalogEntry) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin catalog transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO catalog (id, kind, title, description, price, price_amount_micros, currency_code, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = excluded.title,
			description = excluded.description,
			price = excluded.price,
			price_amount_micros = excluded.price_amount_micros,
			currency_code = excluded.currency_code,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare catalog upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, string(e.Kind), e.Title, e.Description,
			e.Price, e.PriceAmountMicros, e.CurrencyCode, now); err != nil {
			return 0, fmt.Errorf("failed to write catalog entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit catalog: %w", err)
	}
	return len(entries), nil
}

// Entries returns the catalog entries of kind whose identifiers are in ids,
// in the order of ids. Unknown identifiers are skipped.
func (s *Store) Entries(ctx context.Context, ids []string, kind billing.Kind) ([]billing.CatalogEntry, error) {
	if len(ids) == 0 {
		return []billing.CatalogEntry{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(kind))
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, title, description, price, price_amount_micros, currency_code
		FROM catalog
		WHERE kind = ? AND id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	found, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]billing.CatalogEntry, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	ordered := make([]billing.CatalogEntry, 0, len(found))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok && !seen[id] {
			ordered = append(ordered, e)
			seen[id] = true
		}
	}
	return ordered, nil
}

// AllEntries returns the whole catalog ordered by kind and identifier.
func (s *Store) AllEntries(ctx context.Context) ([]billing.CatalogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, title, description, price, price_amount_micros, currency_code
		FROM catalog
		ORDER BY kind, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Entry returns a single catalog entry.
func (s *Store) Entry(ctx context.Context, id string) (billing.CatalogEntry, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, title, description, price, price_amount_micros, currency_code
		FROM catalog
		WHERE id = ?
	`, id)
	if err != nil {
		return billing.CatalogEntry{}, false, fmt.Errorf("failed to query catalog entry: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil || len(entries) == 0 {
		return billing.CatalogEntry{}, false, err
	}
	return entries[0], true, nil
}

func scanEntries(rows *sql.Rows) ([]billing.CatalogEntry, error) {
	entries := []billing.CatalogEntry{}
	for rows.Next() {
		var e billing.CatalogEntry
		var kind string
		if err := rows.Scan(&e.ID, &kind, &e.Title, &e.Description, &e.Price, &e.PriceAmountMicros, &e.CurrencyCode); err != nil {
			return nil, fmt.Errorf("failed to scan catalog entry: %w", err)
		}
		e.Kind = billing.Kind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return entries, nil
}

// AddPurchase records an owned purchase.
func (s *Store) AddPurchase(ctx context.Context, p billing.Purchase, kind billing.Kind, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO purchases (token, product_id, kind, purchased_at)
		VALUES (?, ?, ?, ?)
	`, p.Token, p.ProductID, string(kind), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record purchase of %s: %w", p.ProductID, err)
	}
	return nil
}

// OwnedPurchases returns the owned purchases of kind, oldest first.
func (s *Store) OwnedPurchases(ctx context.Context, kind billing.Kind) ([]billing.Purchase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, token
		FROM purchases
		WHERE kind = ?
		ORDER BY purchased_at ASC, token ASC
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	purchases := []billing.Purchase{}
	for rows.Next() {
		var p billing.Purchase
		if err := rows.Scan(&p.ProductID, &p.Token); err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// Owns reports whether productID has an unconsumed purchase.
func (s *Store) Owns(ctx context.Context, productID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchases WHERE product_id = ?`, productID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check ownership of %s: %w", productID, err)
	}
	return n > 0, nil
}

// DeletePurchase removes the purchase with token and reports whether it existed.
func (s *Store) DeletePurchase(ctx context.Context, token string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM purchases WHERE token = ?`, token)
	if err != nil {
		return false, fmt.Errorf("failed to delete purchase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete purchase: %w", err)
	}
	return n > 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
