package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"caregrid.org/internal/audit"
)

// Audit persistence: security_outbox buffers events awaiting dispatch,
// security_events is the append-only ledger. Both store the event body as
// jsonb so the schema never chases the Event shape.

var (
	_ audit.Outbox = (*Store)(nil)
	_ audit.Ledger = (*Store)(nil)
)

func (s *Store) Enqueue(ctx context.Context, e *audit.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_outbox (event_id, payload, enqueued_at)
		values ($1, $2, $3)
	`, e.ID, payload, e.OccurredAt)
	return err
}

func (s *Store) PullPending(ctx context.Context, limit int) ([]*audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select payload
		from security_outbox
		order by enqueued_at asc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e audit.Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkDispatched(ctx context.Context, eventIDs []string) error {
	for _, id := range eventIDs {
		if _, err := s.db.ExecContext(ctx, `delete from security_outbox where event_id = $1`, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, e *audit.Event) error {
	diff := []byte(nil)
	if e.Diff != nil {
		raw, err := json.Marshal(e.Diff)
		if err != nil {
			return fmt.Errorf("marshal diff: %w", err)
		}
		diff = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into security_events (id, action, actor_id, actor_org_id, target_id, target_type, diff, success, reason, occurred_at)
		values ($1, $2, nullif($3,''), nullif($4,''), nullif($5,''), nullif($6,''), $7, $8, nullif($9,''), $10)
		on conflict (id) do nothing
	`, e.ID, e.Action, e.ActorID, e.ActorOrgID, e.TargetID, e.TargetType, diff, e.Success, e.Reason, e.OccurredAt)
	return err
}

func (s *Store) List(ctx context.Context, limit int) ([]*audit.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, action, coalesce(actor_id,''), coalesce(actor_org_id,''), coalesce(target_id,''),
		       coalesce(target_type,''), diff, success, coalesce(reason,''), occurred_at
		from security_events
		order by occurred_at desc, id desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var (
			e   audit.Event
			raw []byte
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.ActorID, &e.ActorOrgID, &e.TargetID, &e.TargetType, &raw, &e.Success, &e.Reason, &e.OccurredAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			var d audit.Diff
			if err := json.Unmarshal(raw, &d); err != nil {
				return nil, fmt.Errorf("decode diff: %w", err)
			}
			e.Diff = &d
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
