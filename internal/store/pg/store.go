// Package pg is the Postgres persistence layer. One Store satisfies every
// domain store interface; the in-memory managers stay the single writers and
// use it as write-through durable state.
package pg

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"invitegate.org/internal/cooldown"
	"invitegate.org/internal/groups"
	"invitegate.org/internal/pool"
)

type Store struct {
	db *sql.DB
}

var (
	_ pool.Store     = (*Store)(nil)
	_ groups.Store   = (*Store)(nil)
	_ cooldown.Store = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) UpsertAccount(ctx context.Context, acc pool.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(session, phone, active, suspended_until, last_used, daily_invites, daily_ceiling, groups_assigned)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		on conflict (session) do update set
			phone = excluded.phone,
			active = excluded.active,
			suspended_until = excluded.suspended_until,
			last_used = excluded.last_used,
			daily_invites = excluded.daily_invites,
			daily_ceiling = excluded.daily_ceiling,
			groups_assigned = excluded.groups_assigned
	`, acc.Session, acc.Phone, acc.Active, nullTime(acc.SuspendedUntil), nullTime(acc.LastUsed),
		acc.DailyInvites, acc.DailyCeiling, joinList(acc.GroupsAssigned))
	return err
}

func (s *Store) ListAccounts(ctx context.Context) ([]pool.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		select session, phone, active, suspended_until, last_used, daily_invites, daily_ceiling, groups_assigned
		from accounts
		order by session
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pool.Account
	for rows.Next() {
		var (
			acc       pool.Account
			suspended sql.NullTime
			lastUsed  sql.NullTime
			assigned  string
		)
		if err := rows.Scan(&acc.Session, &acc.Phone, &acc.Active, &suspended, &lastUsed,
			&acc.DailyInvites, &acc.DailyCeiling, &assigned); err != nil {
			return nil, err
		}
		acc.SuspendedUntil = suspended.Time
		acc.LastUsed = lastUsed.Time
		acc.GroupsAssigned = splitList(assigned)
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (s *Store) UpsertGroup(ctx context.Context, g groups.Group) error {
	_, err := s.db.ExecContext(ctx, `
		insert into groups(id, name, invite_link, active, max_daily_invites, current_daily_invites, assigned_accounts)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do update set
			name = excluded.name,
			invite_link = excluded.invite_link,
			active = excluded.active,
			max_daily_invites = excluded.max_daily_invites,
			current_daily_invites = excluded.current_daily_invites,
			assigned_accounts = excluded.assigned_accounts
	`, g.ID, g.Name, g.InviteLink, g.Active, g.MaxDailyInvites, g.CurrentDailyInvites,
		joinList(g.AssignedAccounts))
	return err
}

func (s *Store) ListGroups(ctx context.Context) ([]groups.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, invite_link, active, max_daily_invites, current_daily_invites, assigned_accounts
		from groups
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []groups.Group
	for rows.Next() {
		var (
			g        groups.Group
			assigned string
		)
		if err := rows.Scan(&g.ID, &g.Name, &g.InviteLink, &g.Active,
			&g.MaxDailyInvites, &g.CurrentDailyInvites, &assigned); err != nil {
			return nil, err
		}
		g.AssignedAccounts = splitList(assigned)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from groups where id=$1`, id)
	return err
}

func (s *Store) UpsertCooldown(ctx context.Context, rec cooldown.Record) error {
	if rec.LastActionAt.IsZero() {
		// A zero stamp is a revert to "never acted"; drop the row.
		_, err := s.db.ExecContext(ctx,
			`delete from cooldowns where kind=$1 and subject_id=$2`, string(rec.Kind), rec.SubjectID)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into cooldowns(kind, subject_id, last_action_at)
		values ($1,$2,$3)
		on conflict (kind, subject_id) do update set last_action_at = excluded.last_action_at
	`, string(rec.Kind), rec.SubjectID, rec.LastActionAt)
	return err
}

func (s *Store) ListCooldowns(ctx context.Context) ([]cooldown.Record, error) {
	rows, err := s.db.QueryContext(ctx, `select kind, subject_id, last_action_at from cooldowns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cooldown.Record
	for rows.Next() {
		var (
			kind string
			rec  cooldown.Record
		)
		if err := rows.Scan(&kind, &rec.SubjectID, &rec.LastActionAt); err != nil {
			return nil, err
		}
		rec.Kind = cooldown.Kind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Account assignments and group rosters are short lists of identifiers that
// never contain commas; a flat text column keeps scanning on database/sql.
func joinList(items []string) string { return strings.Join(items, ",") }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
