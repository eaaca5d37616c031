package ops

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BlackStone8960/codequest-backend/internal/storage/sqlite"
)

// DrillReport is the outcome of a backup/restore rehearsal.
type DrillReport struct {
	Archive    string                   `json:"archive"`
	RestoreDir string                   `json:"restore_dir"`
	Files      int                      `json:"files"`
	Databases  map[string]sqlite.Report `json:"databases"`
}

// Drill backs up dataDir into workDir, restores the archive next to it and
// checks that every restored database passes an integrity check with the same
// row counts as the source. Run it against a quiet data directory; writes
// landing between backup and comparison show up as count mismatches.
func Drill(ctx context.Context, dataDir, workDir string, now time.Time) (DrillReport, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return DrillReport{}, err
	}
	ts := now.UTC().Format("20060102T150405Z")
	rep := DrillReport{
		Archive:    filepath.Join(workDir, "codequest-drill-"+ts+".tar.gz"),
		RestoreDir: filepath.Join(workDir, "codequest-drill-restore-"+ts),
		Databases:  map[string]sqlite.Report{},
	}

	if _, err := BackupDataDir(ctx, dataDir, rep.Archive, now); err != nil {
		return rep, fmt.Errorf("backup: %w", err)
	}
	man, err := RestoreDataDir(rep.Archive, rep.RestoreDir)
	if err != nil {
		return rep, fmt.Errorf("restore: %w", err)
	}
	rep.Files = len(man.Files)

	err = filepath.WalkDir(rep.RestoreDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isSQLiteDB(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(rep.RestoreDir, path)
		if err != nil {
			return err
		}
		restored, err := sqlite.Inspect(ctx, path)
		if err != nil {
			return fmt.Errorf("inspect restored %s: %w", rel, err)
		}
		if !restored.OK() {
			return fmt.Errorf("restored %s failed integrity check: %s", rel, restored.Integrity)
		}
		source, err := sqlite.Inspect(ctx, filepath.Join(dataDir, rel))
		if err != nil {
			return fmt.Errorf("inspect source %s: %w", rel, err)
		}
		for table, n := range source.Counts {
			if restored.Counts[table] != n {
				return fmt.Errorf("%s: %s has %d rows after restore, source has %d", rel, table, restored.Counts[table], n)
			}
		}
		rep.Databases[filepath.ToSlash(rel)] = restored
		return nil
	})
	if err != nil {
		return rep, err
	}
	return rep, nil
}
