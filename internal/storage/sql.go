package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"halftimebot/internal/domain"
	logx "halftimebot/pkg/logx"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

// sqlStore is shared by the sqlite and postgres drivers. Queries are written
// with "?" placeholders and rebound for postgres.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	driver string
	// returning is set when inserts report ids via RETURNING.
	returning bool

	opCount    atomic.Uint64
	pruneEvery uint64
}

func (s *sqlStore) Driver() string { return s.driver }

func (s *sqlStore) migrate(ctx context.Context, file string) error {
	b, err := schemaFS.ReadFile(file)
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", file, err)
		}
	}
	return nil
}

func (s *sqlStore) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	return rebind(query)
}

// rebind rewrites "?" placeholders to "$1", "$2", ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const insertPick = `INSERT INTO picks(game_label, date, player, current_points, line, difference, odds, hit, created_at, updated_at)
 VALUES(?,?,?,?,?,?,?,?,?,?)`

func (s *sqlStore) InsertPicks(ctx context.Context, rows []domain.PickRecord) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if len(rows) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := s.q(insertPick)
	if s.returning {
		query += " RETURNING id"
	}
	now := time.Now()
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		created := r.CreatedAt
		if created.IsZero() {
			created = now
		}
		args := []any{r.GameLabel, r.Date, r.Player, r.CurrentPoints, r.Line, r.Difference, r.Odds, nullBool(r.Hit), created.UnixMilli(), created.UnixMilli()}
		var id int64
		if s.returning {
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
				return nil, err
			}
		} else {
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			if id, err = res.LastInsertId(); err != nil {
				return nil, err
			}
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

const selectPicks = `SELECT id, game_label, date, player, current_points, line, difference, odds, hit, created_at, updated_at FROM picks`

func (s *sqlStore) PicksFor(ctx context.Context, gameLabel, date string) ([]domain.PickRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, s.q(selectPicks+` WHERE game_label = ? AND date = ? ORDER BY id`), gameLabel, date)
	if err != nil {
		return nil, err
	}
	return scanPicks(rows)
}

func (s *sqlStore) ListPicks(ctx context.Context, f domain.PickFilter) ([]domain.PickRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var where []string
	var args []any
	if f.GameLabel != "" {
		where = append(where, "game_label = ?")
		args = append(args, f.GameLabel)
	}
	if f.Date != "" {
		where = append(where, "date = ?")
		args = append(args, f.Date)
	}
	query := selectPicks
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanPicks(rows)
}

func (s *sqlStore) SetHit(ctx context.Context, id int64, hit bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE picks SET hit = ?, updated_at = ? WHERE id = ?`), hit, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pick %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanPicks(rows *sql.Rows) ([]domain.PickRecord, error) {
	defer rows.Close()
	out := []domain.PickRecord{}
	for rows.Next() {
		var (
			r                domain.PickRecord
			hit              sql.NullBool
			created, updated int64
		)
		if err := rows.Scan(&r.ID, &r.GameLabel, &r.Date, &r.Player, &r.CurrentPoints, &r.Line, &r.Difference, &r.Odds, &hit, &created, &updated); err != nil {
			return nil, err
		}
		if hit.Valid {
			v := hit.Bool
			r.Hit = &v
		}
		r.CreatedAt = time.UnixMilli(created)
		r.UpdatedAt = time.UnixMilli(updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`),
		key, until.UnixMilli(),
	)
	if err == nil && s.pruneEvery > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until < ?`), time.Now().UnixMilli())
	return err
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
