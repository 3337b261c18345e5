package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Worker is a provisioned worker as persisted in the roster store.
type Worker struct {
	Name        string
	Description string
	CreatedAt   time.Time
}

// Store persists the provisioned-worker roster in SQLite so the roster
// survives controller restarts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the roster database at path.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode keeps the CLI and a running controller from blocking each
	// other.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS workers (
			name TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create provisions a worker. Creating an existing name is an error.
func (s *Store) Create(name, description string) error {
	if name == "" {
		return fmt.Errorf("worker name must not be empty")
	}
	_, err := s.db.Exec(
		"INSERT INTO workers (name, description) VALUES (?, ?)",
		name, description,
	)
	if err != nil {
		return fmt.Errorf("failed to create worker %q: %w", name, err)
	}
	return nil
}

// Upsert provisions a worker, updating the description if the name
// already exists.
func (s *Store) Upsert(name, description string) error {
	if name == "" {
		return fmt.Errorf("worker name must not be empty")
	}
	_, err := s.db.Exec(
		`INSERT INTO workers (name, description) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET description = excluded.description`,
		name, description,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert worker %q: %w", name, err)
	}
	return nil
}

// Get returns a worker by name, nil if not provisioned.
func (s *Store) Get(name string) (*Worker, error) {
	row := s.db.QueryRow(
		"SELECT name, description, created_at FROM workers WHERE name = ?",
		name,
	)

	var w Worker
	if err := row.Scan(&w.Name, &w.Description, &w.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get worker %q: %w", name, err)
	}
	return &w, nil
}

// List returns all provisioned workers ordered by name.
func (s *Store) List() ([]Worker, error) {
	rows, err := s.db.Query(
		"SELECT name, description, created_at FROM workers ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var workers []Worker
	for rows.Next() {
		var w Worker
		if err := rows.Scan(&w.Name, &w.Description, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// Delete deprovisions a worker. It reports whether the name existed.
func (s *Store) Delete(name string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM workers WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("failed to delete worker %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Hydrate loads every provisioned worker into the registry.
func (s *Store) Hydrate(r *Registry) error {
	workers, err := s.List()
	if err != nil {
		return err
	}
	for _, w := range workers {
		r.Add(w.Name)
	}
	return nil
}
