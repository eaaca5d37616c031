package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var inspectedTables = []string{"users", "tasks", "user_completed_tasks"}

// Report describes the state of a database file without migrating it.
type Report struct {
	Integrity string         `json:"integrity"`
	Counts    map[string]int `json:"counts"`
}

func (r Report) OK() bool {
	return r.Integrity == "ok"
}

func openRaw(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", filepath.Clean(path)+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	return db, nil
}

// Snapshot writes a transactionally consistent copy of the database at src
// to dest using VACUUM INTO. dest must not exist.
func Snapshot(ctx context.Context, src, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("snapshot target already exists: %s", dest)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	db, err := openRaw(src)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

// Inspect runs an integrity check and counts rows in the application tables.
// Tables that do not exist yet count as zero.
func Inspect(ctx context.Context, path string) (Report, error) {
	db, err := openRaw(path)
	if err != nil {
		return Report{}, err
	}
	defer db.Close()

	rep := Report{Counts: make(map[string]int, len(inspectedTables))}
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&rep.Integrity); err != nil {
		return Report{}, fmt.Errorf("integrity check: %w", err)
	}
	for _, table := range inspectedTables {
		var n int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
		if err != nil {
			if strings.Contains(err.Error(), "no such table") {
				rep.Counts[table] = 0
				continue
			}
			return Report{}, fmt.Errorf("count %s: %w", table, err)
		}
		rep.Counts[table] = n
	}
	return rep, nil
}
