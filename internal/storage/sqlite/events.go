package sqlite

import (
	"context"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// AppendEvent inserts e. The (frame_id, seq) uniqueness constraint rejects a
// duplicate or out-of-order append, surfacing as a transient_io error the
// caller can retry with the next sequence number.
func (s *SQLiteStorage) AppendEvent(ctx context.Context, e *types.Event) error {
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO events (event_id, frame_id, run_id, seq, event_type, payload, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.FrameID, e.RunID, e.Seq, string(e.EventType), payload, e.TS,
	)
	if err != nil {
		return wrapDBError("append_event", err)
	}
	return nil
}

// GetEvents returns frameID's events in sequence order.
func (s *SQLiteStorage) GetEvents(ctx context.Context, frameID string, limit, offset int) ([]*types.Event, error) {
	q := `SELECT event_id, frame_id, run_id, seq, event_type, payload, ts
	      FROM events WHERE frame_id = ? ORDER BY seq ASC LIMIT ? OFFSET ?`
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.conn(ctx).QueryContext(ctx, q, frameID, limit, offset)
	if err != nil {
		return nil, wrapDBError("get_events", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var e types.Event
		var typ string
		var payload string
		if err := rows.Scan(&e.EventID, &e.FrameID, &e.RunID, &e.Seq, &typ, &payload, &e.TS); err != nil {
			return nil, wrapDBError("get_events", err)
		}
		e.EventType = types.EventType(typ)
		e.Payload = []byte(payload)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("get_events", err)
	}
	return out, nil
}

// NextEventSeq returns the next sequence number for frameID. Callers must
// invoke this and AppendEvent within the same store.WithTx so the read and
// the insert serialize against concurrent appenders under the write lock;
// otherwise two callers could compute the same seq.
func (s *SQLiteStorage) NextEventSeq(ctx context.Context, frameID string) (int64, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE frame_id = ?`, frameID)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, wrapDBError("next_event_seq", err)
	}
	return next, nil
}

// DeleteOrphanEvents removes events whose frame no longer exists, a defensive
// sweep the recovery manager runs at startup; foreign keys already cascade
// these on delete, so this only ever catches rows from a pre-FK database or
// one recovered from a damaged WAL.
func (s *SQLiteStorage) DeleteOrphanEvents(ctx context.Context) (int, error) {
	res, err := s.conn(ctx).ExecContext(ctx, `
		DELETE FROM events WHERE frame_id NOT IN (SELECT frame_id FROM frames)`)
	if err != nil {
		return 0, wrapDBError("delete_orphan_events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("delete_orphan_events", err)
	}
	return int(n), nil
}
