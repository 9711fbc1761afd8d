package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	backupSuffix = ".backup"
	backupLayout = "20060102_150405.000Z"
	// legacyLayout names backups written in local time without a zone.
	legacyLayout  = "20060102_150405.000"
	rebuildSuffix = ".rebuild"
	restoreSuffix = ".restore"
)

// BackupInfo describes one backup file.
type BackupInfo struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
}

// Name returns the file name without its directory.
func (b BackupInfo) Name() string { return filepath.Base(b.Path) }

// Backup copies the live database to <path>.<timestamp>.backup with VACUUM
// INTO and prunes old backups down to the retention count. It returns nil
// when the live file does not exist yet.
func (s *SQLiteStore) Backup(ctx context.Context) (*BackupInfo, error) {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	s.mu.RLock()
	at := s.now()
	target := s.backupPath(at)
	for exists(target) {
		at = at.Add(time.Millisecond)
		target = s.backupPath(at)
	}
	_, err := s.db.ExecContext(ctx, "VACUUM INTO ?", target)
	s.mu.RUnlock()
	if err != nil {
		os.Remove(target)
		return nil, wrap(KindSQLite, "backup", err)
	}

	if err := s.pruneBackups(); err != nil {
		return nil, wrap(KindSQLite, "prune backups", err)
	}

	fi, err := os.Stat(target)
	if err != nil {
		return nil, wrap(KindSQLite, "backup", err)
	}
	return &BackupInfo{Path: target, CreatedAt: at, Size: fi.Size()}, nil
}

func (s *SQLiteStore) backupPath(at time.Time) string {
	return s.path + "." + at.UTC().Format(backupLayout) + backupSuffix
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ListBackups returns backups of this database, newest first.
func (s *SQLiteStore) ListBackups() ([]BackupInfo, error) {
	matches, err := filepath.Glob(globEscape(s.path) + ".*" + backupSuffix)
	if err != nil {
		return nil, err
	}

	prefix := filepath.Base(s.path) + "."
	var out []BackupInfo
	for _, m := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), backupSuffix)
		at, err := parseBackupStamp(stamp)
		if err != nil {
			continue
		}
		fi, err := os.Stat(m)
		if err != nil {
			continue
		}
		out = append(out, BackupInfo{Path: m, CreatedAt: at, Size: fi.Size()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func parseBackupStamp(stamp string) (time.Time, error) {
	if at, err := time.Parse(backupLayout, stamp); err == nil {
		return at, nil
	}
	return time.ParseInLocation(legacyLayout, stamp, time.Local)
}

func globEscape(p string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(p)
}

func (s *SQLiteStore) pruneBackups() error {
	backups, err := s.ListBackups()
	if err != nil {
		return err
	}
	for i := s.opts.Retention; i < len(backups); i++ {
		if err := os.Remove(backups[i].Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ResolveBackup finds a backup by full path or file name. An empty ref or
// "latest" selects the newest.
func (s *SQLiteStore) ResolveBackup(ref string) (BackupInfo, error) {
	backups, err := s.ListBackups()
	if err != nil {
		return BackupInfo{}, err
	}
	if len(backups) == 0 {
		return BackupInfo{}, ErrBackupNotFound
	}
	if ref == "" || ref == "latest" {
		return backups[0], nil
	}
	for _, b := range backups {
		if b.Path == ref || b.Name() == ref || b.Path == filepath.Clean(ref) {
			return b, nil
		}
	}
	return BackupInfo{}, fmt.Errorf("%w: %s", ErrBackupNotFound, ref)
}

// Restore replaces the live database with a backup. The backup is copied to a
// temp file and verified before it is renamed over the live file, so a bad
// backup never touches the live data.
func (s *SQLiteStore) Restore(ctx context.Context, ref string) (BackupInfo, error) {
	b, err := s.ResolveBackup(ref)
	if err != nil {
		return BackupInfo{}, wrap(KindSQLite, "restore", err)
	}

	tmp := s.path + restoreSuffix
	if err := copyFile(b.Path, tmp); err != nil {
		os.Remove(tmp)
		return b, wrap(KindSQLite, "restore", err)
	}
	if err := Verify(ctx, tmp); err != nil {
		os.Remove(tmp)
		return b, wrap(KindSQLite, "restore", err)
	}
	if err := s.swapIn(ctx, tmp); err != nil {
		return b, wrap(KindSQLite, "restore", err)
	}
	return b, nil
}

// Verify checks that the file at path is a sound database holding every
// table of the schema.
func Verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	db, err := openBun(path, false)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check: %s", ErrInvalidBackup, result)
	}

	for _, table := range Tables {
		n, err := db.NewSelect().
			TableExpr("sqlite_master").
			Where("type = 'table'").
			Where("name = ?", table).
			Count(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBackup, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: missing table %s", ErrInvalidBackup, table)
		}
	}
	return nil
}

// swapIn renames file over the live database and reopens the handle.
func (s *SQLiteStore) swapIn(ctx context.Context, file string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Close(); err != nil {
		return err
	}
	renameErr := os.Rename(file, s.path)

	// Reopen whichever file is now live, even when the rename failed.
	db, err := openBun(s.path, s.opts.Debug)
	if err != nil {
		return errors.Join(renameErr, err)
	}
	s.db = db
	if renameErr != nil {
		return renameErr
	}
	return db.PingContext(ctx)
}

// BeginRebuild opens an empty store at <path>.rebuild with its schema created
// and status updating. The live database is untouched until Swap.
func (s *SQLiteStore) BeginRebuild(ctx context.Context) (*SQLiteStore, error) {
	tmpPath := s.path + rebuildSuffix
	if err := removeDB(tmpPath); err != nil {
		return nil, wrap(KindSQLite, "begin rebuild", err)
	}

	tmp, err := OpenSQLite(ctx, tmpPath, SQLiteOptions{Retention: s.opts.Retention, Debug: s.opts.Debug})
	if err != nil {
		return nil, err
	}
	tmp.now = s.now
	if err := tmp.CreateSchema(ctx); err != nil {
		tmp.Discard()
		return nil, err
	}
	if err := tmp.MarkUpdating(ctx); err != nil {
		tmp.Discard()
		return nil, err
	}
	return tmp, nil
}

// Swap closes tmp, verifies it and renames it over the live database.
func (s *SQLiteStore) Swap(ctx context.Context, tmp *SQLiteStore) error {
	if err := tmp.Close(); err != nil {
		return wrap(KindSQLite, "swap", err)
	}
	if err := Verify(ctx, tmp.path); err != nil {
		return wrap(KindSQLite, "swap", err)
	}
	return wrap(KindSQLite, "swap", s.swapIn(ctx, tmp.path))
}

// Discard closes the store and deletes its file.
func (s *SQLiteStore) Discard() error {
	s.Close()
	return removeDB(s.path)
}

func removeDB(path string) error {
	for _, p := range []string{path, path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
