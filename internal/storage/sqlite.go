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

	"notifygate/internal/notification"
	logx "notifygate/pkg/logx"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"
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
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

const ruleColumns = `id, name, channel, conditions, is_active, start_date, end_date,
	max_sends_per_day, max_sends_per_hour, allowed_days, allowed_hours, priority, metadata`

func (s *sqliteStore) ActiveRules(ctx context.Context, channel string) ([]notification.Rule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryRules(ctx,
		`SELECT `+ruleColumns+` FROM notification_rules WHERE channel = ? AND is_active = 1 ORDER BY id`,
		channel,
	)
}

func (s *sqliteStore) ListRules(ctx context.Context) ([]notification.Rule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM notification_rules ORDER BY id`)
}

func (s *sqliteStore) queryRules(ctx context.Context, q string, args ...any) ([]notification.Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notification.Rule
	for rows.Next() {
		var (
			r                 notification.Rule
			conds             string
			active            int
			start, end        sql.NullInt64
			days, hours, meta sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Channel, &conds, &active, &start, &end,
			&r.MaxSendsPerDay, &r.MaxSendsPerHour, &days, &hours, &r.Priority, &meta); err != nil {
			return nil, err
		}
		r.IsActive = active != 0
		r.StartDate = fromNullMillis(start)
		r.EndDate = fromNullMillis(end)
		if err := unmarshalText(conds, &r.Conditions); err != nil {
			return nil, fmt.Errorf("rule %q conditions: %w", r.Name, err)
		}
		if err := unmarshalText(days.String, &r.AllowedDays); err != nil {
			return nil, fmt.Errorf("rule %q allowed_days: %w", r.Name, err)
		}
		if err := unmarshalText(hours.String, &r.AllowedHours); err != nil {
			return nil, fmt.Errorf("rule %q allowed_hours: %w", r.Name, err)
		}
		if err := unmarshalText(meta.String, &r.Metadata); err != nil {
			return nil, fmt.Errorf("rule %q metadata: %w", r.Name, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CreateRule(ctx context.Context, r notification.Rule) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if err := r.Validate(); err != nil {
		return 0, err
	}
	conds := r.Conditions
	if conds == nil {
		conds = []notification.Condition{}
	}
	condsJSON, err := json.Marshal(conds)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_rules(name, channel, conditions, is_active, start_date, end_date,
			max_sends_per_day, max_sends_per_hour, allowed_days, allowed_hours, priority, metadata, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Name, r.Channel, string(condsJSON), boolInt(r.IsActive), nullMillis(r.StartDate), nullMillis(r.EndDate),
		r.MaxSendsPerDay, r.MaxSendsPerHour, nullJSON(r.AllowedDays, len(r.AllowedDays) == 0),
		nullJSON(r.AllowedHours, len(r.AllowedHours) == 0), r.Priority, nullJSON(r.Metadata, len(r.Metadata) == 0),
		time.Now().UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("%w: %q", ErrDuplicateRule, r.Name)
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) AppendLog(ctx context.Context, e notification.LogEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if !e.Status.Valid() {
		return fmt.Errorf("invalid log status %q", e.Status)
	}
	if e.SentAt.IsZero() {
		e.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_logs(notification_id, channel, recipient, message, status, response, metadata, sent_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.NotificationID, e.Channel, e.Recipient, e.Message, string(e.Status),
		nullStr(e.Response), nullJSON(e.Metadata, len(e.Metadata) == 0), e.SentAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) CountLogs(ctx context.Context, q LogQuery) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	where, args := logWhere(q)
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notification_logs`+where, args...).Scan(&n)
	return n, err
}

func logWhere(q LogQuery) (string, []any) {
	var (
		parts []string
		args  []any
	)
	if q.Channel != "" {
		parts = append(parts, "channel = ?")
		args = append(args, q.Channel)
	}
	if q.Recipient != "" {
		parts = append(parts, "recipient = ?")
		args = append(args, q.Recipient)
	}
	if q.Status != "" {
		parts = append(parts, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		parts = append(parts, "sent_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		parts = append(parts, "sent_at < ?")
		args = append(args, q.Until.UnixMilli())
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func (s *sqliteStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_logs WHERE sent_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendUsage(ctx context.Context, u notification.UsageRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if u.Cost.IsNegative() {
		return fmt.Errorf("negative cost %s", u.Cost)
	}
	if u.UsedAt.IsZero() {
		u.UsedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_usages(notification_id, channel, cost, used_at, metadata) VALUES(?,?,?,?,?)`,
		u.NotificationID, u.Channel, u.Cost.StringFixed(4), u.UsedAt.UnixMilli(),
		nullJSON(u.Metadata, len(u.Metadata) == 0),
	)
	return err
}

// SumUsage adds costs in Go so the total keeps decimal precision.
func (s *sqliteStore) SumUsage(ctx context.Context, q UsageQuery) (UsageSummary, error) {
	if s == nil || s.db == nil {
		return UsageSummary{}, ErrDisabled
	}
	var (
		parts []string
		args  []any
	)
	if q.Channel != "" {
		parts = append(parts, "channel = ?")
		args = append(args, q.Channel)
	}
	if !q.Since.IsZero() {
		parts = append(parts, "used_at >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		parts = append(parts, "used_at < ?")
		args = append(args, q.Until.UnixMilli())
	}
	query := `SELECT cost FROM notification_usages`
	if len(parts) > 0 {
		query += " WHERE " + strings.Join(parts, " AND ")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return UsageSummary{}, err
	}
	defer rows.Close()

	sum := UsageSummary{Total: decimal.Zero}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return UsageSummary{}, err
		}
		c, err := decimal.NewFromString(raw)
		if err != nil {
			s.log.Warn("skipping unparsable usage cost", logx.String("cost", raw), logx.Err(err))
			continue
		}
		sum.Count++
		sum.Total = sum.Total.Add(c)
	}
	return sum, rows.Err()
}

func (s *sqliteStore) PruneUsage(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM notification_usages WHERE used_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullJSON(v any, empty bool) any {
	if empty {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalText(s string, dst any) error {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
