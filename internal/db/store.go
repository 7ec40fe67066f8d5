package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/cttmux/internal/model"
)

var ErrDuplicate = errors.New("duplicate")

// TerminalRecord is one persisted registry entry. Position is the tab index
// for top-level terminals and -1 for terminals owned by a container.
type TerminalRecord struct {
	ID          string
	Kind        model.Kind
	Position    int
	DisplayName string
	ProfileRef  string
	CreatedAt   time.Time
	SessionName string
	Status      model.Status
	WorkingDir  string
	Command     string
	Confirmed   bool
	Detached    bool
	Layout      *model.SplitLayout
	Ref         string
	UpdatedAt   time.Time
}

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// ReplaceTerminals stores records as the complete registry and appends
// retired ids, in one transaction.
func (s *Store) ReplaceTerminals(ctx context.Context, records []TerminalRecord, retired []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace terminals: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM terminals`); err != nil {
		return fmt.Errorf("clear terminals: %w", err)
	}
	now := time.Now().UTC()
	for _, rec := range records {
		if err := insertTerminal(ctx, tx, rec, now); err != nil {
			return err
		}
	}
	for _, id := range dedupeNonEmpty(retired) {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO retired_terminals(terminal_id, retired_at) VALUES (?, ?)`, id, ts(now)); err != nil {
			return fmt.Errorf("retire terminal %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace terminals: %w", err)
	}
	return nil
}

func insertTerminal(ctx context.Context, tx *sql.Tx, rec TerminalRecord, now time.Time) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	var (
		sessionName any
		layoutJSON  any
	)
	switch rec.Kind {
	case model.KindLeaf:
		if strings.TrimSpace(rec.SessionName) == "" {
			return fmt.Errorf("leaf %s without session name", rec.ID)
		}
		sessionName = rec.SessionName
	case model.KindContainer:
		if rec.Layout != nil {
			raw, err := json.Marshal(rec.Layout)
			if err != nil {
				return fmt.Errorf("marshal layout %s: %w", rec.ID, err)
			}
			layoutJSON = string(raw)
		}
	default:
		return fmt.Errorf("unknown terminal kind %q", rec.Kind)
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO terminals(terminal_id, kind, position, display_name, profile_ref, created_at, session_name, status, working_dir, command, confirmed, detached, layout_json, ref, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.ID, string(rec.Kind), rec.Position, rec.DisplayName, rec.ProfileRef, ts(rec.CreatedAt), sessionName, string(rec.Status),
		rec.WorkingDir, rec.Command, boolToInt(rec.Confirmed), boolToInt(rec.Detached), layoutJSON, rec.Ref, ts(now))
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("%w: terminal %s: %v", ErrDuplicate, rec.ID, err)
		}
		return fmt.Errorf("insert terminal %s: %w", rec.ID, err)
	}
	return nil
}

// ListTerminals returns every record ordered by position, owned terminals
// last.
func (s *Store) ListTerminals(ctx context.Context) ([]TerminalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT terminal_id, kind, position, display_name, profile_ref, created_at, COALESCE(session_name, ''), status, working_dir, command, confirmed, detached, layout_json, ref, updated_at
FROM terminals
ORDER BY CASE WHEN position < 0 THEN 1 ELSE 0 END, position, terminal_id
`)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make([]TerminalRecord, 0)
	for rows.Next() {
		rec, err := scanTerminal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate terminals: %w", err)
	}
	return out, nil
}

func (s *Store) ListRetired(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT terminal_id FROM retired_terminals ORDER BY terminal_id`)
	if err != nil {
		return nil, fmt.Errorf("list retired terminals: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan retired terminal: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanTerminal(rows *sql.Rows) (TerminalRecord, error) {
	var (
		rec        TerminalRecord
		kind       string
		status     string
		createdAt  string
		updatedAt  string
		confirmed  int
		detached   int
		layoutJSON sql.NullString
	)
	if err := rows.Scan(&rec.ID, &kind, &rec.Position, &rec.DisplayName, &rec.ProfileRef, &createdAt, &rec.SessionName, &status,
		&rec.WorkingDir, &rec.Command, &confirmed, &detached, &layoutJSON, &rec.Ref, &updatedAt); err != nil {
		return TerminalRecord{}, fmt.Errorf("scan terminal: %w", err)
	}
	rec.Kind = model.Kind(kind)
	rec.Status = model.Status(status)
	rec.Confirmed = confirmed != 0
	rec.Detached = detached != 0
	var err error
	if rec.CreatedAt, err = parseTS(createdAt); err != nil {
		return TerminalRecord{}, fmt.Errorf("parse created_at for %s: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return TerminalRecord{}, fmt.Errorf("parse updated_at for %s: %w", rec.ID, err)
	}
	if layoutJSON.Valid && layoutJSON.String != "" {
		var l model.SplitLayout
		if err := json.Unmarshal([]byte(layoutJSON.String), &l); err != nil {
			return TerminalRecord{}, fmt.Errorf("decode layout for %s: %w", rec.ID, err)
		}
		rec.Layout = &l
	}
	return rec, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func dedupeNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsAny(msg,
		"UNIQUE constraint failed",
		"constraint failed: UNIQUE",
	)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}
