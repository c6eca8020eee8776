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

	"storebot/internal/services/broadcast"
	"storebot/internal/transport"
	"storebot/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	errorLogMax int
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
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log, errorLogMax: cfg.ErrorLogMax}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrations.ReadFile("migrations_sqlite.sql")
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

// ---- broadcast.Store ----

func (s *sqliteStore) Create(ctx context.Context, b *broadcast.Broadcast) error {
	buttons, err := jsonOrNil(b.Buttons != nil, b.Buttons)
	if err != nil {
		return err
	}
	filters, err := jsonOrNil(len(b.Filters) > 0, b.Filters)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(text, media_type, media_file_id, buttons, filters, status, created_by, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		b.Text, nullStr(b.MediaType), nullStr(b.MediaFileID), buttons, filters,
		string(b.Status), b.CreatedBy, utcString(b.CreatedAt),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = id
	return nil
}

const sqliteBroadcastCols = `id, text, media_type, media_file_id, buttons, filters, status,
	total_target, success_count, failed_count, error_overflow, created_by, created_at, completed_at`

func (s *sqliteStore) Get(ctx context.Context, id int64) (*broadcast.Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteBroadcastCols+` FROM broadcasts WHERE id = ?`, id)
	b, err := scanSQLiteBroadcast(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, broadcast.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, class, detail, at FROM broadcast_errors WHERE broadcast_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e broadcast.ErrorEntry
		var detail sql.NullString
		var at string
		if err := rows.Scan(&e.UserID, &e.Class, &detail, &at); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		if e.At, err = time.Parse(time.RFC3339, at); err != nil {
			return nil, fmt.Errorf("broadcast %d: bad error timestamp %q: %w", id, at, err)
		}
		b.Errors = append(b.Errors, e)
	}
	return b, rows.Err()
}

func (s *sqliteStore) List(ctx context.Context, limit, offset int) ([]*broadcast.Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBroadcastCols+` FROM broadcasts ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteBroadcasts(rows)
}

func (s *sqliteStore) ListByStatus(ctx context.Context, st broadcast.Status, limit int) ([]*broadcast.Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteBroadcastCols+` FROM broadcasts WHERE status = ? ORDER BY id DESC LIMIT ?`,
		string(st), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSQLiteBroadcasts(rows)
}

func (s *sqliteStore) SetStatus(ctx context.Context, id int64, st broadcast.Status, completedAt *time.Time) error {
	sources := broadcast.TransitionSources(st)
	if len(sources) == 0 {
		return fmt.Errorf("status %q is not a legal transition target", st)
	}
	args := []any{string(st)}
	var completed any
	if completedAt != nil {
		completed = utcString(*completedAt)
	}
	args = append(args, completed, id)
	ph := make([]string, len(sources))
	for i, src := range sources {
		ph[i] = "?"
		args = append(args, string(src))
	}

	// completed_at is stamped once: the first terminal write wins.
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = ?, completed_at = COALESCE(completed_at, ?)
		 WHERE id = ? AND status IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.transitionRefused(ctx, id, st)
	}
	return nil
}

func (s *sqliteStore) transitionRefused(ctx context.Context, id int64, to broadcast.Status) error {
	var cur string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM broadcasts WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &broadcast.ErrIllegalTransition{From: broadcast.Status(cur), To: to}
}

// SetTotalTarget only writes while the broadcast is still pending: a
// cancellation racing the dispatcher must not mutate a terminal record.
// Losing that race is not an error; the status transition that follows
// reports it.
func (s *sqliteStore) SetTotalTarget(ctx context.Context, id int64, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET total_target = ? WHERE id = ? AND status = ?`,
		n, id, string(broadcast.StatusPending))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM broadcasts WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return broadcast.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *sqliteStore) AddProgress(ctx context.Context, id int64, success, failed int) error {
	return s.execOne(ctx,
		`UPDATE broadcasts SET success_count = success_count + ?, failed_count = failed_count + ? WHERE id = ?`,
		success, failed, id)
}

func (s *sqliteStore) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return broadcast.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendError(ctx context.Context, id int64, e broadcast.ErrorEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO broadcast_errors(broadcast_id, user_id, class, detail, at) VALUES(?,?,?,?,?)`,
		id, e.UserID, e.Class, nullStr(e.Detail), utcString(e.At)); err != nil {
		return err
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcast_errors WHERE broadcast_id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if drop := count - s.errorLogMax; drop > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM broadcast_errors WHERE id IN
			 (SELECT id FROM broadcast_errors WHERE broadcast_id = ? ORDER BY id LIMIT ?)`, id, drop); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE broadcasts SET error_overflow = error_overflow + ? WHERE id = ?`, drop, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Stats(ctx context.Context) (broadcast.Stats, error) {
	stats := broadcast.Stats{ByStatus: map[broadcast.Status]int{}}
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(success_count),0), COALESCE(SUM(failed_count),0)
		 FROM broadcasts GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var st string
		var count int
		var success, failed int64
		if err := rows.Scan(&st, &count, &success, &failed); err != nil {
			return stats, err
		}
		stats.ByStatus[broadcast.Status(st)] = count
		stats.TotalSuccess += success
		stats.TotalFailed += failed
	}
	return stats, rows.Err()
}

// ---- broadcast.Audience ----

func (s *sqliteStore) Resolve(ctx context.Context, q broadcast.AudienceQuery) ([]broadcast.Recipient, error) {
	query := `SELECT id, chat_id FROM users WHERE is_banned = 0 AND opted_out = 0`
	var args []any
	if q.ActiveSince != nil {
		query += ` AND last_active_at >= ?`
		args = append(args, utcString(*q.ActiveSince))
	}
	if q.RegisteredAfter != nil {
		query += ` AND created_at >= ?`
		args = append(args, utcString(*q.RegisteredAfter))
	}
	if q.HasOrders {
		query += ` AND EXISTS (SELECT 1 FROM orders o WHERE o.user_id = users.id)`
	}
	if q.NoOrders {
		query += ` AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.user_id = users.id)`
	}
	if q.MinOrders > 0 {
		query += ` AND (SELECT COUNT(*) FROM orders o WHERE o.user_id = users.id) >= ?`
		args = append(args, q.MinOrders)
	}
	// Stable order so a re-resolution of the same snapshot yields the same
	// sequence.
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []broadcast.Recipient
	for rows.Next() {
		var userID, chatID int64
		if err := rows.Scan(&userID, &chatID); err != nil {
			return nil, err
		}
		out = append(out, broadcast.Recipient{UserID: userID, Chat: transport.Recipient{ChatID: chatID}})
	}
	return out, rows.Err()
}

func (s *sqliteStore) Excluded(ctx context.Context, userID int64) (bool, error) {
	var banned, opted bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_banned, opted_out FROM users WHERE id = ?`, userID).Scan(&banned, &opted)
	if errors.Is(err, sql.ErrNoRows) {
		// User row gone since resolution; nothing to deliver to.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return banned || opted, nil
}

// ---- retention ----

func (s *sqliteStore) PruneErrors(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcast_errors WHERE broadcast_id IN
		 (SELECT id FROM broadcasts WHERE completed_at IS NOT NULL AND completed_at < ?)`,
		utcString(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- scanning ----

type rowScanner interface {
	Scan(dst ...any) error
}

func scanSQLiteBroadcast(row rowScanner) (*broadcast.Broadcast, error) {
	var b broadcast.Broadcast
	var status string
	var mediaType, mediaFileID, buttons, filters, completedAt sql.NullString
	var createdAt string

	if err := row.Scan(&b.ID, &b.Text, &mediaType, &mediaFileID, &buttons, &filters, &status,
		&b.TotalTarget, &b.SuccessCount, &b.FailedCount, &b.ErrorOverflow,
		&b.CreatedBy, &createdAt, &completedAt); err != nil {
		return nil, err
	}
	b.Status = broadcast.Status(status)
	b.MediaType = mediaType.String
	b.MediaFileID = mediaFileID.String

	if buttons.Valid {
		var br transport.ButtonRows
		if err := json.Unmarshal([]byte(buttons.String), &br); err != nil {
			return nil, fmt.Errorf("broadcast %d: bad buttons json: %w", b.ID, err)
		}
		b.Buttons = &br
	}
	if filters.Valid {
		if err := json.Unmarshal([]byte(filters.String), &b.Filters); err != nil {
			return nil, fmt.Errorf("broadcast %d: bad filters json: %w", b.ID, err)
		}
	}

	var err error
	if b.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("broadcast %d: bad created_at %q: %w", b.ID, createdAt, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("broadcast %d: bad completed_at %q: %w", b.ID, completedAt.String, err)
		}
		b.CompletedAt = &t
	}
	return &b, nil
}

func collectSQLiteBroadcasts(rows *sql.Rows) ([]*broadcast.Broadcast, error) {
	var out []*broadcast.Broadcast
	for rows.Next() {
		b, err := scanSQLiteBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---- small helpers ----

func utcString(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrNil(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
