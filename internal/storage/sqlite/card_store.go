// Package sqlite provides the default durable card stores on a single SQLite
// file, accessed through gorm.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mtAerohand/draw/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const insertBatchSize = 500

type cardRow struct {
	ID       int64  `gorm:"column:id;primaryKey;autoIncrement:false"`
	Category string `gorm:"column:category;not null"`
	Link     string `gorm:"column:link;not null"`
}

// Open opens (creating if needed) the database file at path.
func Open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, errors.New("storage.sqlite_path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection also serializes readers
	// behind an in-flight ReplaceAll transaction.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

// Close releases the database handle.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("sqlite handle: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// CardStore implements crawler.MainStore on one SQLite table.
type CardStore struct {
	db    *gorm.DB
	table string
}

// NewCardStore binds a store to table and migrates its schema.
func NewCardStore(ctx context.Context, db *gorm.DB, table string) (*CardStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	s := &CardStore{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CardStore) migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Table(s.table).AutoMigrate(&cardRow{}); err != nil {
		return fmt.Errorf("migrate %s: %w", s.table, err)
	}
	index := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_category_idx ON %s (category)", s.table, s.table)
	if err := s.db.WithContext(ctx).Exec(index).Error; err != nil {
		return fmt.Errorf("index %s: %w", s.table, err)
	}
	return nil
}

// Upsert inserts the card or updates the row with the same id.
func (s *CardStore) Upsert(ctx context.Context, card crawler.Card) error {
	if err := card.Validate(); err != nil {
		return fmt.Errorf("upsert card: %w", err)
	}
	row := toRow(card)
	err := s.db.WithContext(ctx).Table(s.table).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"category", "link"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert card %d: %w", card.ID, err)
	}
	return nil
}

// All returns every card ordered by id.
func (s *CardStore) All(ctx context.Context) ([]crawler.Card, error) {
	var rows []cardRow
	if err := s.db.WithContext(ctx).Table(s.table).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	return fromRows(rows), nil
}

// FindByCategory returns the cards of one category ordered by id.
func (s *CardStore) FindByCategory(ctx context.Context, category crawler.Category) ([]crawler.Card, error) {
	var rows []cardRow
	err := s.db.WithContext(ctx).Table(s.table).
		Where("category = ?", string(category)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query %s by category: %w", s.table, err)
	}
	return fromRows(rows), nil
}

// Size returns the number of rows.
func (s *CardStore) Size(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Table(s.table).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count %s: %w", s.table, err)
	}
	return int(n), nil
}

// Clear deletes every row.
func (s *CardStore) Clear(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Exec("DELETE FROM " + s.table).Error; err != nil {
		return fmt.Errorf("clear %s: %w", s.table, err)
	}
	return nil
}

// ReplaceAll swaps the table contents inside one transaction.
func (s *CardStore) ReplaceAll(ctx context.Context, cards []crawler.Card) error {
	rows := make([]cardRow, 0, len(cards))
	for _, card := range cards {
		if err := card.Validate(); err != nil {
			return fmt.Errorf("replace cards: %w", err)
		}
		rows = append(rows, toRow(card))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM " + s.table).Error; err != nil {
			return fmt.Errorf("delete %s: %w", s.table, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.Table(s.table).CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return fmt.Errorf("insert %s: %w", s.table, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", s.table, err)
	}
	return nil
}

func toRow(card crawler.Card) cardRow {
	return cardRow{ID: card.ID, Category: string(card.Category), Link: card.Link}
}

func fromRows(rows []cardRow) []crawler.Card {
	cards := make([]crawler.Card, 0, len(rows))
	for _, row := range rows {
		cards = append(cards, crawler.Card{
			ID:       row.ID,
			Category: crawler.Category(row.Category),
			Link:     row.Link,
		})
	}
	return cards
}
