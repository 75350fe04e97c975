package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mealbot/internal/timex"
	logx "mealbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes ledger/window
	// mutations without component-level locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

func (s *sqliteStore) PutTask(ctx context.Context, t Task) error {
	var rec any
	if t.Recurrence != nil {
		b, err := json.Marshal(t.Recurrence)
		if err != nil {
			return fmt.Errorf("marshal recurrence: %w", err)
		}
		rec = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, kind, execute_at, payload, recurrence) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   kind=excluded.kind, execute_at=excluded.execute_at,
		   payload=excluded.payload, recurrence=excluded.recurrence`,
		t.ID, string(t.Kind), t.ExecuteAt.UnixMilli(), t.Payload, rec,
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, execute_at, payload, recurrence FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (s *sqliteStore) DeleteTask(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, execute_at, payload, recurrence FROM tasks ORDER BY execute_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (Task, error) {
	var (
		t     Task
		kind  string
		atMS  int64
		recNS sql.NullString
	)
	if err := r.Scan(&t.ID, &kind, &atMS, &t.Payload, &recNS); err != nil {
		return Task{}, err
	}
	t.Kind = TaskKind(kind)
	t.ExecuteAt = time.UnixMilli(atMS)
	if recNS.Valid && recNS.String != "" {
		var rec timex.Recurrence
		if err := json.Unmarshal([]byte(recNS.String), &rec); err != nil {
			return Task{}, fmt.Errorf("unmarshal recurrence for task %s: %w", t.ID, err)
		}
		t.Recurrence = &rec
	}
	return t, nil
}

// ---- windows ----

func (s *sqliteStore) InsertWindow(ctx context.Context, w Window) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO windows(id, channel_id, kind, end_at, identifier, status) VALUES(?,?,?,?,?,?)`,
		w.ID, w.ChannelID, w.Kind, w.EndAt.UnixMilli(), w.Identifier, string(w.Status),
	)
	return err
}

func (s *sqliteStore) GetWindow(ctx context.Context, id string) (Window, bool, error) {
	return s.getWindowWhere(ctx, `id = ?`, id)
}

func (s *sqliteStore) GetWindowByIdentifier(ctx context.Context, identifier string) (Window, bool, error) {
	return s.getWindowWhere(ctx, `identifier = ?`, identifier)
}

func (s *sqliteStore) getWindowWhere(ctx context.Context, where string, arg any) (Window, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, kind, end_at, identifier, status FROM windows WHERE `+where, arg)
	var (
		w      Window
		endMS  int64
		status string
	)
	err := row.Scan(&w.ID, &w.ChannelID, &w.Kind, &endMS, &w.Identifier, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, err
	}
	w.EndAt = time.UnixMilli(endMS)
	w.Status = WindowStatus(status)
	return w, true, nil
}

func (s *sqliteStore) SetWindowStatus(ctx context.Context, id string, status WindowStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE windows SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *sqliteStore) ListWindows(ctx context.Context) ([]Window, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, channel_id, kind, end_at, identifier, status FROM windows ORDER BY end_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var (
			w      Window
			endMS  int64
			status string
		)
		if err := rows.Scan(&w.ID, &w.ChannelID, &w.Kind, &endMS, &w.Identifier, &status); err != nil {
			return nil, err
		}
		w.EndAt = time.UnixMilli(endMS)
		w.Status = WindowStatus(status)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteWindow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM reactions WHERE window_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM windows WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- reactions ----

func (s *sqliteStore) UpsertReaction(ctx context.Context, r Reaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reactions(user_id, window_id, kind, at, removed) VALUES(?,?,?,?,0)
		 ON CONFLICT(user_id, window_id, kind) DO UPDATE SET at=excluded.at, removed=0`,
		r.UserID, r.WindowID, r.Kind, r.At.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) RemoveReaction(ctx context.Context, userID int64, windowID, kind string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reactions SET removed = 1, at = ? WHERE user_id = ? AND window_id = ? AND kind = ?`,
		at.UnixMilli(), userID, windowID, kind,
	)
	return err
}

func (s *sqliteStore) ActiveReactions(ctx context.Context, windowID, kind string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM reactions WHERE window_id = ? AND kind = ? AND removed = 0 ORDER BY at`,
		windowID, kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
