package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

// CreateAnchor inserts a. Anchors are otherwise immutable except for
// priority, which UpdateAnchorPriority adjusts.
func (s *SQLiteStorage) CreateAnchor(ctx context.Context, a *types.Anchor) error {
	metadata, err := marshalMap(a.Metadata)
	if err != nil {
		return types.NewError("add_anchor", types.KindValidation, err)
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO anchors (anchor_id, frame_id, type, text, priority, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.AnchorID, a.FrameID, string(a.Type), a.Text, a.Priority, metadata, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return wrapDBError("add_anchor", err)
	}
	return nil
}

func scanAnchor(row interface {
	Scan(dest ...any) error
}) (*types.Anchor, error) {
	var (
		a          types.Anchor
		typ        string
		metadata   string
		createdAtMS int64
	)
	if err := row.Scan(&a.AnchorID, &a.FrameID, &typ, &a.Text, &a.Priority, &metadata, &createdAtMS); err != nil {
		return nil, err
	}
	a.Type = types.AnchorType(typ)
	a.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	var err error
	a.Metadata, err = unmarshalMap(metadata)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

const anchorColumns = `anchor_id, frame_id, type, text, priority, metadata, created_at`

// GetAnchors returns frameID's anchors ordered by priority, highest first.
func (s *SQLiteStorage) GetAnchors(ctx context.Context, frameID string, limit, offset int) ([]*types.Anchor, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT `+anchorColumns+` FROM anchors
		WHERE frame_id = ? ORDER BY priority DESC, created_at ASC LIMIT ? OFFSET ?`, frameID, limit, offset)
	if err != nil {
		return nil, wrapDBError("get_anchors", err)
	}
	defer rows.Close()

	var out []*types.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, wrapDBError("get_anchors", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("get_anchors", err)
	}
	return out, nil
}

// GetAnchorsAcross returns the anchors belonging to any of frameIDs, ordered
// by priority then recency; used by ContextBuilder when assembling anchors
// from the whole active path at once.
func (s *SQLiteStorage) GetAnchorsAcross(ctx context.Context, frameIDs []string) ([]*types.Anchor, error) {
	if len(frameIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(frameIDs))
	args := make([]any, len(frameIDs))
	for i, id := range frameIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	q := `SELECT ` + anchorColumns + ` FROM anchors WHERE frame_id IN (` +
		strings.Join(placeholders, ",") + `) ORDER BY priority DESC, created_at ASC`

	rows, err := s.conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("get_anchors_across", err)
	}
	defer rows.Close()

	var out []*types.Anchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, wrapDBError("get_anchors_across", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("get_anchors_across", err)
	}
	return out, nil
}

// UpdateAnchorPriority changes an existing anchor's tie-breaking priority.
func (s *SQLiteStorage) UpdateAnchorPriority(ctx context.Context, anchorID string, priority int) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE anchors SET priority = ? WHERE anchor_id = ?`, priority, anchorID)
	if err != nil {
		return wrapDBError("update_anchor_priority", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update_anchor_priority", err)
	}
	if n == 0 {
		return types.NewError("update_anchor_priority", types.KindNotFound, types.ErrNotFound)
	}
	return nil
}
