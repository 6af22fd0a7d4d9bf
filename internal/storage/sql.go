package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"strconv"
	"strings"
	"time"

	"postrunner/internal/model"
	logx "postrunner/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqlStore implements Store over database/sql. Statements are written with
// '?' placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect string
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/" + s.dialect + ".sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return err
	}
	s.log.Debug("schema ready")
	return nil
}

func (s *sqlStore) q(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
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

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) LoadAccounts(ctx context.Context) ([]model.Account, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, session_ref, proxy_ref, daily_post_cap, daily_action_cap, warming_started
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var (
			acc     model.Account
			warming int64
		)
		if err := rows.Scan(&acc.ID, &acc.Name, &acc.SessionRef, &acc.ProxyRef, &acc.DailyPostCap, &acc.DailyActionCap, &warming); err != nil {
			return nil, err
		}
		if warming > 0 {
			acc.WarmingStarted = time.UnixMilli(warming).UTC()
		}
		out = append(out, acc.Normalize())
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertAccount(ctx context.Context, acc model.Account) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	acc = acc.Normalize()
	if err := acc.Validate(); err != nil {
		return err
	}
	var warming int64
	if !acc.WarmingStarted.IsZero() {
		warming = acc.WarmingStarted.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO accounts(id, name, session_ref, proxy_ref, daily_post_cap, daily_action_cap, warming_started, updated_at)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name,
			session_ref=excluded.session_ref,
			proxy_ref=excluded.proxy_ref,
			daily_post_cap=excluded.daily_post_cap,
			daily_action_cap=excluded.daily_action_cap,
			warming_started=excluded.warming_started,
			updated_at=excluded.updated_at`),
		acc.ID, acc.Name, acc.SessionRef, acc.ProxyRef, acc.DailyPostCap, acc.DailyActionCap, warming, time.Now().UnixMilli(),
	)
	return err
}

func (s *sqlStore) SaveSession(ctx context.Context, accountID, material string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE accounts SET session_ref = ?, updated_at = ? WHERE id = ?`),
		material, time.Now().UnixMilli(), strings.TrimSpace(accountID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) AppendRun(ctx context.Context, run Run) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO runs(session_id, status, success, started_at, finished_at, accounts, successful_posts, failed_posts, summary)
		VALUES(?,?,?,?,?,?,?,?,?)`),
		run.SessionID, run.Status, run.Success, run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		run.Accounts, run.SuccessfulPosts, run.FailedPosts, nullStr(string(run.Summary)),
	)
	return err
}

func (s *sqlStore) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id, status, success, started_at, finished_at, accounts, successful_posts, failed_posts, summary
		FROM runs ORDER BY finished_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started, finished int64
			summary           []byte
		)
		if err := rows.Scan(&r.SessionID, &r.Status, &r.Success, &started, &finished, &r.Accounts, &r.SuccessfulPosts, &r.FailedPosts, &summary); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		if len(summary) > 0 {
			r.Summary = append([]byte(nil), summary...)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func closeOnErr(db *sql.DB, err error) error {
	if cerr := db.Close(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}
