// Package padstore persists pads: the stored documents rooms load on start
// and save back on autosave and close.
package padstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Pad is stored document metadata. Hash doubles as the room key.
type Pad struct {
	ID       int64
	Hash     string
	Title    string
	Language string
	Status   int
}

// Store handles SQLite operations for pads and their contents.
type Store struct {
	db     *sql.DB
	dbPath string
}

// New opens (creating if necessary) the sqlite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db, dbPath: dbPath}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate ensures the database schema is up to date.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		hash TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'plaintext',
		status INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS pad_contents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pad_id INTEGER NOT NULL,
		code TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (pad_id) REFERENCES pads(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_pad_contents_pad_id ON pad_contents(pad_id, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// CreatePad inserts a new pad. The hash must be unique.
func (s *Store) CreatePad(ctx context.Context, hash, title, language string) (*Pad, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pads (hash, title, language) VALUES (?, ?, ?)`,
		hash, title, language)
	if err != nil {
		return nil, fmt.Errorf("failed to create pad %s: %w", hash, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Pad{ID: id, Hash: hash, Title: title, Language: language}, nil
}

// LoadPad returns the pad for a room key together with its most recent
// content. found is false when no pad exists for the key; that is not an
// error.
func (s *Store) LoadPad(ctx context.Context, hash string) (pad *Pad, content string, found bool, err error) {
	pad = &Pad{}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, hash, title, language, status FROM pads WHERE hash = ?`, hash)
	if err := row.Scan(&pad.ID, &pad.Hash, &pad.Title, &pad.Language, &pad.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("failed to load pad %s: %w", hash, err)
	}

	row = s.db.QueryRowContext(ctx,
		`SELECT code FROM pad_contents WHERE pad_id = ? ORDER BY id DESC LIMIT 1`, pad.ID)
	if err := row.Scan(&content); err != nil {
		if err == sql.ErrNoRows {
			return pad, "", true, nil
		}
		return nil, "", false, fmt.Errorf("failed to load pad content %s: %w", hash, err)
	}
	return pad, content, true, nil
}

// SaveContent appends a new content revision for the pad.
func (s *Store) SaveContent(ctx context.Context, padID int64, code string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pad_contents (pad_id, code) VALUES (?, ?)`, padID, code)
	if err != nil {
		return fmt.Errorf("failed to save content for pad %d: %w", padID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE pads SET updated_at = ? WHERE id = ?`, time.Now().UTC(), padID)
	if err != nil {
		return fmt.Errorf("failed to touch pad %d: %w", padID, err)
	}
	return nil
}

// UpdateLanguage records a language change on the pad.
func (s *Store) UpdateLanguage(ctx context.Context, padID int64, language string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pads SET language = ?, updated_at = ? WHERE id = ?`,
		language, time.Now().UTC(), padID)
	if err != nil {
		return fmt.Errorf("failed to update language for pad %d: %w", padID, err)
	}
	return nil
}
