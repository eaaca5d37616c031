// Package sqlite provides the SQLite-backed user and task store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/model"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
	"github.com/BlackStone8960/codequest-backend/internal/storage/sqlite/migrations"
)

// Store persists users and tasks in one SQLite file. Writes run in
// IMMEDIATE transactions, so read-modify-write cycles are serialized.
type Store struct {
	sqlDB *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

// Open opens (creating if needed) the database at path and applies embedded
// migrations.
func Open(path string) (*Store, error) {
	sqlDB, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := ApplyMigrations(context.Background(), sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Migrate applies pending embedded migrations to the database at path and
// returns the names of the ones it ran.
func Migrate(ctx context.Context, path string) ([]string, error) {
	sqlDB, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer sqlDB.Close()
	applied, err := ApplyMigrations(ctx, sqlDB, migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return applied, nil
}

func openDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return sqlDB, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// withTx runs fn in one transaction and commits only if fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const userColumns = `id, username, email, password_hash, github_id, github_access_token,
	avatar_url, display_name, level, current_level_xp, level_up_xp, total_experience,
	current_hp, max_hp, rank, streak, longest_streak, total_contributions,
	last_commit_date, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (model.User, error) {
	var (
		u          model.User
		githubID   sql.NullString
		lastCommit sql.NullString
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&u.ID, &u.Username, &u.Email, &u.PasswordHash, &githubID, &u.GitHubAccessToken,
		&u.AvatarURL, &u.DisplayName, &u.Level, &u.CurrentLevelXP, &u.LevelUpXP, &u.TotalExperience,
		&u.CurrentHP, &u.MaxHP, &u.Rank, &u.Streak, &u.LongestStreak, &u.TotalContributions,
		&lastCommit, &createdAt, &updatedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	u.GitHubID = githubID.String
	if lastCommit.Valid {
		d := lastCommit.String
		u.LastCommitDate = &d
	}
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	u.TasksCompleted = []string{}
	return u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDate(d *string) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *d, Valid: true}
}

func loadUser(ctx context.Context, q querier, where string, arg any) (model.User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, storage.ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("load user: %w", err)
	}
	if u.TasksCompleted, err = loadCompleted(ctx, q, u.ID); err != nil {
		return model.User{}, err
	}
	return u, nil
}

func loadCompleted(ctx context.Context, q querier, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT task_id FROM user_completed_tasks WHERE user_id = ? ORDER BY added_at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("load completed tasks: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan completed task: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, u model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users (`+userColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.Username, u.Email, u.PasswordHash, nullString(u.GitHubID), u.GitHubAccessToken,
			u.AvatarURL, u.DisplayName, u.Level, u.CurrentLevelXP, u.LevelUpXP, u.TotalExperience,
			u.CurrentHP, u.MaxHP, u.Rank, u.Streak, u.LongestStreak, u.TotalContributions,
			nullDate(u.LastCommitDate), toMillis(u.CreatedAt), toMillis(u.UpdatedAt),
		)
		if err != nil {
			return mapWriteError("create user", err)
		}
		return insertCompleted(ctx, tx, u.ID, u.TasksCompleted)
	})
}

func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	return loadUser(ctx, s.sqlDB, "id = ?", id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	if email == "" {
		return model.User{}, storage.ErrUserNotFound
	}
	return loadUser(ctx, s.sqlDB, "email = ?", email)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (model.User, error) {
	if username == "" {
		return model.User{}, storage.ErrUserNotFound
	}
	return loadUser(ctx, s.sqlDB, "username = ?", username)
}

func (s *Store) GetUserByGitHubID(ctx context.Context, githubID string) (model.User, error) {
	if githubID == "" {
		return model.User{}, storage.ErrUserNotFound
	}
	return loadUser(ctx, s.sqlDB, "github_id = ?", githubID)
}

func (s *Store) UpdateUser(ctx context.Context, id string, fn storage.UserMutation) (model.User, error) {
	var out model.User
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		u, err := loadUser(ctx, tx, "id = ?", id)
		if err != nil {
			return err
		}
		stored := append([]string(nil), u.TasksCompleted...)
		if err := fn(&u); err != nil {
			return err
		}
		u.ID = id
		if err := writeUser(ctx, tx, &u, stored); err != nil {
			return err
		}
		out = u
		return nil
	})
	return out, err
}

// writeUser updates the user row and inserts the task ids in
// u.TasksCompleted that are not in stored, the set loaded in this transaction.
func writeUser(ctx context.Context, tx *sql.Tx, u *model.User, stored []string) error {
	u.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, `UPDATE users SET
		username = ?, email = ?, password_hash = ?, github_id = ?, github_access_token = ?,
		avatar_url = ?, display_name = ?, level = ?, current_level_xp = ?, level_up_xp = ?,
		total_experience = ?, current_hp = ?, max_hp = ?, rank = ?, streak = ?,
		longest_streak = ?, total_contributions = ?, last_commit_date = ?, updated_at = ?
		WHERE id = ?`,
		u.Username, u.Email, u.PasswordHash, nullString(u.GitHubID), u.GitHubAccessToken,
		u.AvatarURL, u.DisplayName, u.Level, u.CurrentLevelXP, u.LevelUpXP,
		u.TotalExperience, u.CurrentHP, u.MaxHP, u.Rank, u.Streak,
		u.LongestStreak, u.TotalContributions, nullDate(u.LastCommitDate), toMillis(u.UpdatedAt),
		u.ID,
	)
	if err != nil {
		return mapWriteError("update user", err)
	}
	return insertCompleted(ctx, tx, u.ID, addedTaskIDs(stored, u.TasksCompleted))
}

// addedTaskIDs returns the ids in current that are missing from stored.
func addedTaskIDs(stored, current []string) []string {
	if len(current) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		seen[id] = struct{}{}
	}
	var out []string
	for _, id := range current {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// insertCompleted adds task ids to the user's completed set. The set only
// grows, so existing rows are left alone.
func insertCompleted(ctx context.Context, tx *sql.Tx, userID string, taskIDs []string) error {
	now := toMillis(time.Now())
	for _, taskID := range taskIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO user_completed_tasks (user_id, task_id, added_at) VALUES (?, ?, ?)`,
			userID, taskID, now,
		); err != nil {
			return fmt.Errorf("record completed task: %w", err)
		}
	}
	return nil
}

func (s *Store) ListUsersByExperience(ctx context.Context, limit int) ([]model.User, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+userColumns+` FROM users
		ORDER BY total_experience DESC, created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].TasksCompleted, err = loadCompleted(ctx, s.sqlDB, users[i].ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

const taskColumns = `id, creator_id, title, description, difficulty, experience,
	completed, completed_at, due_date, created_at`

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t           model.Task
		difficulty  string
		completedAt sql.NullInt64
		dueDate     sql.NullString
		createdAt   int64
	)
	if err := row.Scan(
		&t.ID, &t.CreatorID, &t.Title, &t.Description, &difficulty, &t.Experience,
		&t.Completed, &completedAt, &dueDate, &createdAt,
	); err != nil {
		return model.Task{}, err
	}
	t.Difficulty = model.Difficulty(difficulty)
	if completedAt.Valid {
		at := fromMillis(completedAt.Int64)
		t.CompletedAt = &at
	}
	if dueDate.Valid {
		d := dueDate.String
		t.DueDate = &d
	}
	t.CreatedAt = fromMillis(createdAt)
	return t, nil
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func (s *Store) CreateTask(ctx context.Context, t model.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.sqlDB.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.CreatorID, t.Title, t.Description, string(t.Difficulty), t.Experience,
		t.Completed, nullMillis(t.CompletedAt), nullDate(t.DueDate), toMillis(t.CreatedAt),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return storage.ErrUserNotFound
		}
		return mapWriteError("create task", err)
	}
	return nil
}

func loadTask(ctx context.Context, q querier, id, creatorID string) (model.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND creator_id = ?`, id, creatorID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, storage.ErrTaskNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("load task: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id, creatorID string) (model.Task, error) {
	return loadTask(ctx, s.sqlDB, id, creatorID)
}

func (s *Store) ListTasks(ctx context.Context, creatorID string) ([]model.Task, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE creator_id = ? ORDER BY created_at DESC, id DESC`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	out := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CompleteTask(ctx context.Context, taskID, creatorID string, fn storage.CompletionMutation) (model.Task, model.User, error) {
	var (
		outTask model.Task
		outUser model.User
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		t, err := loadTask(ctx, tx, taskID, creatorID)
		if err != nil {
			return err
		}
		u, err := loadUser(ctx, tx, "id = ?", creatorID)
		if err != nil {
			return err
		}
		stored := append([]string(nil), u.TasksCompleted...)
		if err := fn(&t, &u); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET completed = ?, completed_at = ? WHERE id = ? AND creator_id = ?`,
			t.Completed, nullMillis(t.CompletedAt), taskID, creatorID,
		); err != nil {
			return mapWriteError("complete task", err)
		}
		u.ID = creatorID
		if err := writeUser(ctx, tx, &u, stored); err != nil {
			return err
		}
		t.ID, t.CreatorID = taskID, creatorID
		outTask, outUser = t, u
		return nil
	})
	return outTask, outUser, err
}

func (s *Store) ListCompletionTimes(ctx context.Context, creatorID string) ([]time.Time, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT completed_at FROM tasks
		WHERE creator_id = ? AND completed = 1 AND completed_at IS NOT NULL
		ORDER BY completed_at`, creatorID)
	if err != nil {
		return nil, fmt.Errorf("list completion times: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("scan completion time: %w", err)
		}
		out = append(out, fromMillis(ms))
	}
	return out, rows.Err()
}

// mapWriteError turns uniqueness violations into conflict errors naming the
// offending field.
func mapWriteError(op string, err error) error {
	if !isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "users.username"):
		return storage.ErrUsernameTaken
	case strings.Contains(msg, "users.email"):
		return storage.ErrEmailTaken
	case strings.Contains(msg, "users.github_id"):
		return storage.ErrGitHubLinked
	default:
		return apperr.Wrap(apperr.KindConflict, "record already exists", err)
	}
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key constraint failed")
}

var _ storage.Store = (*Store)(nil)
