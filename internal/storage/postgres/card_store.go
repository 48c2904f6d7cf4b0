// Package postgres provides Postgres-backed card stores.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtAerohand/draw/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PoolConfig controls the Postgres connection pool shared by both stores.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// NewPool opens a pgx pool using the provided config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres_dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// CardStore implements crawler.MainStore on one Postgres table.
type CardStore struct {
	pool  pgxPool
	table string
}

// NewCardStore binds a store to table on an existing pool.
func NewCardStore(pool pgxPool, table string) (*CardStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CardStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the table and its category index when missing.
func (s *CardStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id BIGINT PRIMARY KEY,
	category TEXT NOT NULL CHECK (category IN ('monster', 'spell', 'trap')),
	link TEXT NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_category_idx ON %s (category)`, s.table, s.table)
	if _, err := s.pool.Exec(ctx, index); err != nil {
		return fmt.Errorf("create index on %s: %w", s.table, err)
	}
	return nil
}

// Upsert inserts the card or updates the row with the same id.
func (s *CardStore) Upsert(ctx context.Context, card crawler.Card) error {
	if err := card.Validate(); err != nil {
		return fmt.Errorf("upsert card: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, category, link) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET category = EXCLUDED.category, link = EXCLUDED.link`, s.table)
	if _, err := s.pool.Exec(ctx, query, card.ID, string(card.Category), card.Link); err != nil {
		return fmt.Errorf("upsert card %d: %w", card.ID, err)
	}
	return nil
}

// All returns every card ordered by id.
func (s *CardStore) All(ctx context.Context) ([]crawler.Card, error) {
	query := fmt.Sprintf(`SELECT id, category, link FROM %s ORDER BY id`, s.table)
	return s.queryCards(ctx, query)
}

// FindByCategory returns the cards of one category ordered by id.
func (s *CardStore) FindByCategory(ctx context.Context, category crawler.Category) ([]crawler.Card, error) {
	query := fmt.Sprintf(`SELECT id, category, link FROM %s WHERE category = $1 ORDER BY id`, s.table)
	return s.queryCards(ctx, query, string(category))
}

// Size returns the number of rows.
func (s *CardStore) Size(ctx context.Context) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	return n, nil
}

// Clear deletes every row.
func (s *CardStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("clear %s: %w", s.table, err)
	}
	return nil
}

// ReplaceAll swaps the table contents inside one transaction, so concurrent
// readers observe either the previous rows or the new ones.
func (s *CardStore) ReplaceAll(ctx context.Context, cards []crawler.Card) error {
	ids := make([]int64, 0, len(cards))
	categories := make([]string, 0, len(cards))
	links := make([]string, 0, len(cards))
	for _, card := range cards {
		if err := card.Validate(); err != nil {
			return fmt.Errorf("replace cards: %w", err)
		}
		ids = append(ids, card.ID)
		categories = append(categories, string(card.Category))
		links = append(links, card.Link)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	if err := s.replaceInTx(ctx, tx, ids, categories, links); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

func (s *CardStore) replaceInTx(ctx context.Context, tx pgx.Tx, ids []int64, categories, links []string) error {
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("delete %s: %w", s.table, err)
	}
	if len(ids) == 0 {
		return nil
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (id, category, link)
SELECT * FROM unnest($1::bigint[], $2::text[], $3::text[])`, s.table)
	if _, err := tx.Exec(ctx, insert, ids, categories, links); err != nil {
		return fmt.Errorf("insert %s: %w", s.table, err)
	}
	return nil
}

func (s *CardStore) queryCards(ctx context.Context, query string, args ...any) ([]crawler.Card, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	cards := []crawler.Card{}
	for rows.Next() {
		var (
			card     crawler.Card
			category string
		)
		if err := rows.Scan(&card.ID, &category, &card.Link); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", s.table, err)
		}
		card.Category = crawler.Category(category)
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", s.table, err)
	}
	return cards, nil
}
