package pg

import (
	"context"
	"database/sql"

	"invitegate.org/internal/whitelist"
)

var _ whitelist.Store = (*Store)(nil)

func (s *Store) UpsertWhitelistEntry(ctx context.Context, e whitelist.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into whitelist(user_id, username, added_by, added_at, expires_at, note)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (user_id) do update set
			username = excluded.username,
			added_by = excluded.added_by,
			added_at = excluded.added_at,
			expires_at = excluded.expires_at,
			note = excluded.note
	`, e.UserID, e.Username, e.AddedBy, e.AddedAt, nullTime(e.ExpiresAt), e.Note)
	return err
}

func (s *Store) DeleteWhitelistEntry(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from whitelist where user_id=$1`, userID)
	return err
}

func (s *Store) ListWhitelistEntries(ctx context.Context) ([]whitelist.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `select user_id, username, added_by, added_at, expires_at, note from whitelist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []whitelist.Entry
	for rows.Next() {
		var (
			e       whitelist.Entry
			expires sql.NullTime
		)
		if err := rows.Scan(&e.UserID, &e.Username, &e.AddedBy, &e.AddedAt, &expires, &e.Note); err != nil {
			return nil, err
		}
		e.ExpiresAt = expires.Time
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertBlock(ctx context.Context, b whitelist.Block) error {
	_, err := s.db.ExecContext(ctx, `
		insert into blocks(user_id, reason, blocked_by, created_at, expires_at)
		values ($1,$2,$3,$4,$5)
		on conflict (user_id) do update set
			reason = excluded.reason,
			blocked_by = excluded.blocked_by,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`, b.UserID, b.Reason, b.BlockedBy, b.CreatedAt, nullTime(b.ExpiresAt))
	return err
}

func (s *Store) DeleteBlock(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `delete from blocks where user_id=$1`, userID)
	return err
}

func (s *Store) ListBlocks(ctx context.Context) ([]whitelist.Block, error) {
	rows, err := s.db.QueryContext(ctx, `select user_id, reason, blocked_by, created_at, expires_at from blocks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []whitelist.Block
	for rows.Next() {
		var (
			b       whitelist.Block
			expires sql.NullTime
		)
		if err := rows.Scan(&b.UserID, &b.Reason, &b.BlockedBy, &b.CreatedAt, &expires); err != nil {
			return nil, err
		}
		b.ExpiresAt = expires.Time
		out = append(out, b)
	}
	return out, rows.Err()
}
