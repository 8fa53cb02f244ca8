package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "workbot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

// sqlStore is shared by the sqlite and postgres drivers. Queries are written
// with '?' placeholders and rebound for dialects that number them.
type sqlStore struct {
	db       *sql.DB
	log      logx.Logger
	numbered bool

	opCount    atomic.Uint64
	pruneEvery uint64
}

func newSQLStore(db *sql.DB, log logx.Logger, numbered bool) (*sqlStore, error) {
	st := &sqlStore{db: db, log: log, numbered: numbered, pruneEvery: 200}
	ctx, cancel := openContext()
	defer cancel()
	if err := st.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, nil
}

func (s *sqlStore) ensureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// q rebinds '?' placeholders to $1..$n when the dialect needs it.
func (s *sqlStore) q(query string) string {
	if !s.numbered {
		return query
	}
	return rebindNumbered(query)
}

func rebindNumbered(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) Commit(ctx context.Context, userID string, start, end time.Time) (float64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if userID == "" {
		return 0, errors.New("empty user id")
	}
	secs := sessionSeconds(start, end)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO work_sessions(session_id, user_id, start_ms, end_ms, seconds) VALUES(?,?,?,?,?)`),
		uuid.NewString(), userID, start.UnixMilli(), end.UnixMilli(), secs,
	); err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}

	var total float64
	err = tx.QueryRowContext(ctx, s.q(
		`INSERT INTO work_totals(user_id, total_seconds, seq, updated_ms)
		 VALUES(?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM work_totals), ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   total_seconds = work_totals.total_seconds + excluded.total_seconds,
		   updated_ms = excluded.updated_ms
		 RETURNING total_seconds`),
		userID, secs, end.UnixMilli(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("upsert total: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *sqlStore) Total(ctx context.Context, userID string) (float64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var total float64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT total_seconds FROM work_totals WHERE user_id = ?`), userID).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return total, err
}

func (s *sqlStore) TotalSince(ctx context.Context, userID string, since time.Time) (float64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	ms := since.UnixMilli()
	var total float64
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT COALESCE(SUM(`+windowSecondsExpr+`), 0) FROM work_sessions WHERE user_id = ? AND end_ms > ?`),
		ms, ms, userID, ms,
	).Scan(&total)
	return total, err
}

// windowSecondsExpr is the part of a session after a window start (two
// placeholders, both the window start in ms). Sessions that began before the
// window only count from the window start.
const windowSecondsExpr = `CASE WHEN start_ms >= ? THEN seconds ELSE CAST(end_ms - ? AS DOUBLE PRECISION) / 1000 END`

func (s *sqlStore) TopN(ctx context.Context, limit int, since time.Time) ([]Ranked, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		query string
		args  []any
	)
	if since.IsZero() {
		query = `SELECT user_id, total_seconds FROM work_totals
		 WHERE total_seconds > 0
		 ORDER BY total_seconds DESC, seq ASC`
	} else {
		ms := since.UnixMilli()
		query = `SELECT user_id, SUM(` + windowSecondsExpr + `) AS total FROM work_sessions
		 WHERE end_ms > ?
		 GROUP BY user_id
		 HAVING SUM(seconds) > 0
		 ORDER BY total DESC, MIN(end_ms) ASC, user_id ASC`
		args = append(args, ms, ms, ms)
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ranked
	for rows.Next() {
		var r Ranked
		if err := rows.Scan(&r.UserID, &r.Seconds); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetMarker(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, ErrDisabled
	}
	var v string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT value FROM markers WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqlStore) PutMarker(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO markers(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`),
		key, value,
	)
	return err
}

func (s *sqlStore) IncrementCounter(ctx context.Context, name, userID string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO counters(name, user_id, n, seq)
		 VALUES(?, ?, 1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM counters))
		 ON CONFLICT(name, user_id) DO UPDATE SET n = counters.n + 1
		 RETURNING n`),
		name, userID,
	).Scan(&n)
	return n, err
}

func (s *sqlStore) Counters(ctx context.Context, name string) ([]Count, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT user_id, n FROM counters WHERE name = ? ORDER BY n DESC, seq ASC`), name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.UserID, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
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
		`INSERT INTO dedup(key, until_ms) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET until_ms = excluded.until_ms`),
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until_ms FROM dedup WHERE key = ?`), key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until_ms < ?`), time.Now().UnixMilli())
	return err
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO audit(at_ms, actor_id, module, action, target, ok, err, meta) VALUES(?,?,?,?,?,?,?,?)`),
		e.At.UnixMilli(), nullStr(e.ActorID), e.Module, e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
