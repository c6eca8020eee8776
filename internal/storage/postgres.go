package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"storebot/internal/services/broadcast"
	"storebot/internal/transport"
	"storebot/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations embed.FS

type postgresStore struct {
	db  *sql.DB
	log logx.Logger

	errorLogMax int
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	st := &postgresStore{db: db, log: log, errorLogMax: cfg.ErrorLogMax}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := postgresMigrations.ReadFile("migrations_postgres.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- broadcast.Store ----

func (s *postgresStore) Create(ctx context.Context, b *broadcast.Broadcast) error {
	buttons, err := jsonOrNil(b.Buttons != nil, b.Buttons)
	if err != nil {
		return err
	}
	filters, err := jsonOrNil(len(b.Filters) > 0, b.Filters)
	if err != nil {
		return err
	}

	return s.db.QueryRowContext(ctx,
		`INSERT INTO broadcasts(text, media_type, media_file_id, buttons, filters, status, created_by, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 RETURNING id`,
		b.Text, nullStr(b.MediaType), nullStr(b.MediaFileID), buttons, filters,
		string(b.Status), b.CreatedBy, b.CreatedAt.UTC(),
	).Scan(&b.ID)
}

const postgresBroadcastCols = `id, text, media_type, media_file_id, buttons, filters, status,
	total_target, success_count, failed_count, error_overflow, created_by, created_at, completed_at`

func (s *postgresStore) Get(ctx context.Context, id int64) (*broadcast.Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+postgresBroadcastCols+` FROM broadcasts WHERE id = $1`, id)
	b, err := scanPostgresBroadcast(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, broadcast.ErrNotFound
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, class, detail, at FROM broadcast_errors WHERE broadcast_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var e broadcast.ErrorEntry
		var detail sql.NullString
		if err := rows.Scan(&e.UserID, &e.Class, &detail, &e.At); err != nil {
			return nil, err
		}
		e.Detail = detail.String
		b.Errors = append(b.Errors, e)
	}
	return b, rows.Err()
}

func (s *postgresStore) List(ctx context.Context, limit, offset int) ([]*broadcast.Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postgresBroadcastCols+` FROM broadcasts ORDER BY id DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPostgresBroadcasts(rows)
}

func (s *postgresStore) ListByStatus(ctx context.Context, st broadcast.Status, limit int) ([]*broadcast.Broadcast, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+postgresBroadcastCols+` FROM broadcasts WHERE status = $1 ORDER BY id DESC LIMIT $2`,
		string(st), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPostgresBroadcasts(rows)
}

func (s *postgresStore) SetStatus(ctx context.Context, id int64, st broadcast.Status, completedAt *time.Time) error {
	sources := broadcast.TransitionSources(st)
	if len(sources) == 0 {
		return fmt.Errorf("status %q is not a legal transition target", st)
	}
	args := []any{string(st)}
	var completed any
	if completedAt != nil {
		completed = completedAt.UTC()
	}
	args = append(args, completed, id)
	ph := make([]string, len(sources))
	for i, src := range sources {
		ph[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, string(src))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET status = $1, completed_at = COALESCE(completed_at, $2)
		 WHERE id = $3 AND status IN (`+strings.Join(ph, ",")+`)`, args...)
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

func (s *postgresStore) transitionRefused(ctx context.Context, id int64, to broadcast.Status) error {
	var cur string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM broadcasts WHERE id = $1`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &broadcast.ErrIllegalTransition{From: broadcast.Status(cur), To: to}
}

// SetTotalTarget only writes while the broadcast is still pending; see
// the sqlite store for the race it guards against.
func (s *postgresStore) SetTotalTarget(ctx context.Context, id int64, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET total_target = $1 WHERE id = $2 AND status = $3`,
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
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM broadcasts WHERE id = $1`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return broadcast.ErrNotFound
		}
		return err
	}
	return nil
}

func (s *postgresStore) AddProgress(ctx context.Context, id int64, success, failed int) error {
	return s.execOne(ctx,
		`UPDATE broadcasts SET success_count = success_count + $1, failed_count = failed_count + $2 WHERE id = $3`,
		success, failed, id)
}

func (s *postgresStore) execOne(ctx context.Context, query string, args ...any) error {
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

func (s *postgresStore) AppendError(ctx context.Context, id int64, e broadcast.ErrorEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO broadcast_errors(broadcast_id, user_id, class, detail, at) VALUES($1,$2,$3,$4,$5)`,
		id, e.UserID, e.Class, nullStr(e.Detail), e.At.UTC()); err != nil {
		return err
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcast_errors WHERE broadcast_id = $1`, id).Scan(&count); err != nil {
		return err
	}
	if drop := count - s.errorLogMax; drop > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM broadcast_errors WHERE id IN
			 (SELECT id FROM broadcast_errors WHERE broadcast_id = $1 ORDER BY id LIMIT $2)`, id, drop); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE broadcasts SET error_overflow = error_overflow + $1 WHERE id = $2`, drop, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *postgresStore) Stats(ctx context.Context) (broadcast.Stats, error) {
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

func (s *postgresStore) Resolve(ctx context.Context, q broadcast.AudienceQuery) ([]broadcast.Recipient, error) {
	query := `SELECT id, chat_id FROM users WHERE NOT is_banned AND NOT opted_out`
	var args []any
	if q.ActiveSince != nil {
		args = append(args, q.ActiveSince.UTC())
		query += fmt.Sprintf(` AND last_active_at >= $%d`, len(args))
	}
	if q.RegisteredAfter != nil {
		args = append(args, q.RegisteredAfter.UTC())
		query += fmt.Sprintf(` AND created_at >= $%d`, len(args))
	}
	if q.HasOrders {
		query += ` AND EXISTS (SELECT 1 FROM orders o WHERE o.user_id = users.id)`
	}
	if q.NoOrders {
		query += ` AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.user_id = users.id)`
	}
	if q.MinOrders > 0 {
		args = append(args, q.MinOrders)
		query += fmt.Sprintf(` AND (SELECT COUNT(*) FROM orders o WHERE o.user_id = users.id) >= $%d`, len(args))
	}
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

func (s *postgresStore) Excluded(ctx context.Context, userID int64) (bool, error) {
	var banned, opted bool
	err := s.db.QueryRowContext(ctx,
		`SELECT is_banned, opted_out FROM users WHERE id = $1`, userID).Scan(&banned, &opted)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return banned || opted, nil
}

// ---- retention ----

func (s *postgresStore) PruneErrors(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM broadcast_errors WHERE broadcast_id IN
		 (SELECT id FROM broadcasts WHERE completed_at IS NOT NULL AND completed_at < $1)`,
		before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- scanning ----

func scanPostgresBroadcast(row rowScanner) (*broadcast.Broadcast, error) {
	var b broadcast.Broadcast
	var status string
	var mediaType, mediaFileID sql.NullString
	var buttons, filters []byte
	var completedAt sql.NullTime

	if err := row.Scan(&b.ID, &b.Text, &mediaType, &mediaFileID, &buttons, &filters, &status,
		&b.TotalTarget, &b.SuccessCount, &b.FailedCount, &b.ErrorOverflow,
		&b.CreatedBy, &b.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	b.Status = broadcast.Status(status)
	b.MediaType = mediaType.String
	b.MediaFileID = mediaFileID.String

	if len(buttons) > 0 {
		var br transport.ButtonRows
		if err := json.Unmarshal(buttons, &br); err != nil {
			return nil, fmt.Errorf("broadcast %d: bad buttons json: %w", b.ID, err)
		}
		b.Buttons = &br
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &b.Filters); err != nil {
			return nil, fmt.Errorf("broadcast %d: bad filters json: %w", b.ID, err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

func collectPostgresBroadcasts(rows *sql.Rows) ([]*broadcast.Broadcast, error) {
	var out []*broadcast.Broadcast
	for rows.Next() {
		b, err := scanPostgresBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
