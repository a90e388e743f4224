package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"invitegate.org/internal/invite"
	"invitegate.org/internal/stats"
)

var (
	_ invite.HistoryStore = (*Store)(nil)
	_ stats.Store         = (*Store)(nil)
	_ stats.HistorySource = (*Store)(nil)
)

func (s *Store) AppendInvitation(ctx context.Context, rec invite.Record) error {
	// on conflict do nothing lets the partial unique index absorb a racing
	// duplicate success for the same idempotency window.
	_, err := s.db.ExecContext(ctx, `
		insert into invitation_records(id, requester_id, group_id, group_name, account_session, outcome, detail, idempotency_key, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,nullif($8,''),$9)
		on conflict do nothing
	`, rec.ID, rec.RequesterID, rec.GroupID, rec.GroupName, rec.AccountSession,
		string(rec.Outcome), rec.Detail, rec.IdempotencyKey, rec.CreatedAt)
	return err
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*invite.Record, error) {
	if key == "" {
		return nil, nil
	}
	var (
		rec     invite.Record
		outcome string
		idemKey sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, requester_id, group_id, group_name, account_session, outcome, detail, idempotency_key, created_at
		from invitation_records
		where idempotency_key=$1
		order by created_at desc
		limit 1
	`, key).Scan(&rec.ID, &rec.RequesterID, &rec.GroupID, &rec.GroupName, &rec.AccountSession,
		&outcome, &rec.Detail, &idemKey, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Outcome = invite.Outcome(outcome)
	rec.IdempotencyKey = idemKey.String
	return &rec, nil
}

// RecentInvitations lists the latest records, newest first.
func (s *Store) RecentInvitations(ctx context.Context, limit int) ([]invite.Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, requester_id, group_id, group_name, account_session, outcome, detail, idempotency_key, created_at
		from invitation_records
		order by created_at desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []invite.Record
	for rows.Next() {
		var (
			rec     invite.Record
			outcome string
			idemKey sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.RequesterID, &rec.GroupID, &rec.GroupName, &rec.AccountSession,
			&outcome, &rec.Detail, &idemKey, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Outcome = invite.Outcome(outcome)
		rec.IdempotencyKey = idemKey.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) InvitationCounts(ctx context.Context, groupID string, since time.Time) (int, int, error) {
	var total, succeeded int
	err := s.db.QueryRowContext(ctx, `
		select count(*), count(*) filter (where outcome = 'success')
		from invitation_records
		where group_id=$1 and created_at >= $2
	`, groupID, since).Scan(&total, &succeeded)
	return total, succeeded, err
}

func (s *Store) UpsertGroupStatistics(ctx context.Context, stat stats.GroupStat) error {
	_, err := s.db.ExecContext(ctx, `
		insert into group_statistics(group_id, name, member_count, invites_total, invites_succeeded, success_rate, collected_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (group_id) do update set
			name = excluded.name,
			member_count = excluded.member_count,
			invites_total = excluded.invites_total,
			invites_succeeded = excluded.invites_succeeded,
			success_rate = excluded.success_rate,
			collected_at = excluded.collected_at
	`, stat.GroupID, stat.Name, stat.MemberCount, stat.InvitesTotal,
		stat.InvitesSucceeded, stat.SuccessRate, stat.CollectedAt)
	return err
}

func (s *Store) ListGroupStatistics(ctx context.Context) ([]stats.GroupStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		select group_id, name, member_count, invites_total, invites_succeeded, success_rate, collected_at
		from group_statistics
		order by group_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []stats.GroupStat
	for rows.Next() {
		var stat stats.GroupStat
		if err := rows.Scan(&stat.GroupID, &stat.Name, &stat.MemberCount, &stat.InvitesTotal,
			&stat.InvitesSucceeded, &stat.SuccessRate, &stat.CollectedAt); err != nil {
			return nil, err
		}
		out = append(out, stat)
	}
	return out, rows.Err()
}
