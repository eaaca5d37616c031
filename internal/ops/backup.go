// Package ops holds backup, restore and recovery drill routines for the
// codequest data directory.
package ops

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BlackStone8960/codequest-backend/internal/storage/sqlite"
)

const manifestName = "MANIFEST.json"

// Manifest is stored at the root of every archive.
type Manifest struct {
	CreatedAt time.Time      `json:"created_at"`
	Files     []ManifestFile `json:"files"`
}

type ManifestFile struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

func isSQLiteSidecar(name string) bool {
	return strings.HasSuffix(name, "-wal") || strings.HasSuffix(name, "-shm") || strings.HasSuffix(name, "-journal")
}

func isSQLiteDB(name string) bool {
	switch filepath.Ext(name) {
	case ".db", ".sqlite", ".sqlite3":
		return true
	}
	return false
}

// BackupDataDir archives srcDir into a gzipped tarball. SQLite databases are
// copied with VACUUM INTO so a running server does not tear the copy, and
// their -wal/-shm sidecars are skipped.
func BackupDataDir(ctx context.Context, srcDir, archivePath string, now time.Time) (Manifest, error) {
	srcDir, archivePath = strings.TrimSpace(srcDir), strings.TrimSpace(archivePath)
	if srcDir == "" || archivePath == "" {
		return Manifest{}, fmt.Errorf("srcDir and archivePath are required")
	}
	srcDir, archivePath = filepath.Clean(srcDir), filepath.Clean(archivePath)
	info, err := os.Stat(srcDir)
	if err != nil {
		return Manifest{}, err
	}
	if !info.IsDir() {
		return Manifest{}, fmt.Errorf("source is not a directory: %s", srcDir)
	}

	stage, err := os.MkdirTemp("", "codequest-backup-")
	if err != nil {
		return Manifest{}, err
	}
	defer os.RemoveAll(stage)

	if err := stageDataDir(ctx, srcDir, stage); err != nil {
		return Manifest{}, err
	}
	files, err := hashTree(stage)
	if err != nil {
		return Manifest{}, err
	}
	man := Manifest{CreatedAt: now.UTC(), Files: files}
	if err := writeArchive(stage, archivePath, man); err != nil {
		return Manifest{}, err
	}
	return man, nil
}

func stageDataDir(ctx context.Context, srcDir, stage string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if filepath.ToSlash(rel) == manifestName {
			return nil
		}
		dest := filepath.Join(stage, rel)

		switch {
		case d.Type()&os.ModeSymlink != 0:
			return nil
		case d.IsDir():
			return os.MkdirAll(dest, 0o755)
		case isSQLiteSidecar(d.Name()):
			return nil
		case isSQLiteDB(d.Name()):
			return sqlite.Snapshot(ctx, path, dest)
		}
		return copyFile(path, dest)
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func writeArchive(stage, archivePath string, man Manifest) error {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	body, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     manifestName,
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     int64(len(body)),
		ModTime:  man.CreatedAt,
	}); err != nil {
		return err
	}
	if _, err := tw.Write(body); err != nil {
		return err
	}

	err = filepath.WalkDir(stage, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == stage {
			return nil
		}
		rel, err := filepath.Rel(stage, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}

// RestoreDataDir extracts archivePath into targetDir and verifies every file
// against the archive manifest. Archives without a manifest are extracted
// unverified.
func RestoreDataDir(archivePath, targetDir string) (Manifest, error) {
	archivePath, targetDir = strings.TrimSpace(archivePath), strings.TrimSpace(targetDir)
	if archivePath == "" || targetDir == "" {
		return Manifest{}, fmt.Errorf("archivePath and targetDir are required")
	}
	archivePath, targetDir = filepath.Clean(archivePath), filepath.Clean(targetDir)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return Manifest{}, err
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return Manifest{}, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return Manifest{}, err
	}
	defer gz.Close()

	var man *Manifest
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Manifest{}, err
		}

		rel, err := sanitizeArchiveRelPath(hdr.Name)
		if err != nil {
			return Manifest{}, err
		}
		if filepath.ToSlash(rel) == manifestName {
			var m Manifest
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return Manifest{}, fmt.Errorf("decode manifest: %w", err)
			}
			man = &m
			continue
		}
		outPath := filepath.Join(targetDir, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(outPath, 0o755); err != nil {
				return Manifest{}, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return Manifest{}, err
			}
			dst, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return Manifest{}, err
			}
			if _, err := io.Copy(dst, tr); err != nil {
				_ = dst.Close()
				return Manifest{}, err
			}
			if err := dst.Close(); err != nil {
				return Manifest{}, err
			}
		default:
			// links and devices are never written by BackupDataDir
		}
	}

	if man == nil {
		return Manifest{}, nil
	}
	if err := verifyTree(targetDir, man.Files); err != nil {
		return Manifest{}, err
	}
	return *man, nil
}

func verifyTree(root string, want []ManifestFile) error {
	for _, mf := range want {
		sum, size, err := hashFile(filepath.Join(root, filepath.FromSlash(mf.Path)))
		if err != nil {
			return fmt.Errorf("verify %s: %w", mf.Path, err)
		}
		if sum != mf.SHA256 || size != mf.Size {
			return fmt.Errorf("verify %s: checksum mismatch", mf.Path)
		}
	}
	return nil
}

func hashTree(root string) ([]ManifestFile, error) {
	var files []ManifestFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		sum, size, err := hashFile(path)
		if err != nil {
			return err
		}
		files = append(files, ManifestFile{Path: filepath.ToSlash(rel), Size: size, SHA256: sum})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func sanitizeArchiveRelPath(name string) (string, error) {
	name = filepath.Clean(strings.TrimSpace(name))
	if name == "." || name == "" {
		return "", fmt.Errorf("invalid archive entry path")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid absolute archive entry path: %s", name)
	}
	if strings.HasPrefix(name, ".."+string(filepath.Separator)) || name == ".." {
		return "", fmt.Errorf("invalid archive entry path traversal: %s", name)
	}
	return name, nil
}
