package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jonathanpeterwu/stackmemory/internal/storage"
	"github.com/jonathanpeterwu/stackmemory/internal/types"
)

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(s string) (map[string]any, error) {
	m := map[string]any{}
	if s == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateFrame inserts f. Depth, State, and CreatedAt must already be set by
// the caller (FrameManager owns stack discipline); this is a pure write.
func (s *SQLiteStorage) CreateFrame(ctx context.Context, f *types.Frame) error {
	inputs, err := marshalMap(f.Inputs)
	if err != nil {
		return types.NewError("create_frame", types.KindValidation, err)
	}
	outputs, err := marshalMap(f.Outputs)
	if err != nil {
		return types.NewError("create_frame", types.KindValidation, err)
	}

	var parent sql.NullString
	if f.ParentFrameID != "" {
		parent = sql.NullString{String: f.ParentFrameID, Valid: true}
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO frames (frame_id, run_id, project_id, parent_frame_id, depth, type, name,
		                     state, inputs, outputs, digest_text, digest_json, created_at, closed_at, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, ?, NULL, 0)`,
		f.FrameID, f.RunID, f.ProjectID, parent, f.Depth, string(f.Type), f.Name,
		string(f.State), inputs, outputs, f.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return wrapDBError("create_frame", err)
	}
	return nil
}

func scanFrame(row interface {
	Scan(dest ...any) error
}) (*types.Frame, error) {
	var (
		f                             types.Frame
		parent                        sql.NullString
		typ, state                    string
		inputs, outputs               string
		digestText                    string
		digestJSON                    sql.NullString
		createdAtMS                   int64
		closedAtMS                    sql.NullInt64
	)
	if err := row.Scan(&f.FrameID, &f.RunID, &f.ProjectID, &parent, &f.Depth, &typ, &f.Name,
		&state, &inputs, &outputs, &digestText, &digestJSON, &createdAtMS, &closedAtMS, &f.Score); err != nil {
		return nil, err
	}

	f.ParentFrameID = parent.String
	f.Type = types.FrameType(typ)
	f.State = types.FrameState(state)
	f.DigestText = digestText
	f.CreatedAt = time.UnixMilli(createdAtMS).UTC()
	if closedAtMS.Valid {
		t := time.UnixMilli(closedAtMS.Int64).UTC()
		f.ClosedAt = &t
	}

	var err error
	f.Inputs, err = unmarshalMap(inputs)
	if err != nil {
		return nil, err
	}
	f.Outputs, err = unmarshalMap(outputs)
	if err != nil {
		return nil, err
	}
	if digestJSON.Valid && digestJSON.String != "" {
		var dj types.DigestJSON
		if err := json.Unmarshal([]byte(digestJSON.String), &dj); err != nil {
			return nil, err
		}
		f.DigestJSON = &dj
	}
	return &f, nil
}

const frameColumns = `frame_id, run_id, project_id, parent_frame_id, depth, type, name,
	                  state, inputs, outputs, digest_text, digest_json, created_at, closed_at, score`

// GetFrame looks up a single frame by ID.
func (s *SQLiteStorage) GetFrame(ctx context.Context, frameID string) (*types.Frame, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+frameColumns+` FROM frames WHERE frame_id = ?`, frameID)
	f, err := scanFrame(row)
	if err != nil {
		return nil, wrapDBError("get_frame", err)
	}
	return f, nil
}

// UpdateFrame applies upd's non-nil fields to frameID.
func (s *SQLiteStorage) UpdateFrame(ctx context.Context, frameID string, upd storage.FrameUpdate) error {
	var sets []string
	var args []any

	if upd.Outputs != nil {
		outputs, err := marshalMap(upd.Outputs)
		if err != nil {
			return types.NewError("update_frame", types.KindValidation, err)
		}
		sets = append(sets, "outputs = ?")
		args = append(args, outputs)
	}
	if upd.DigestText != nil {
		sets = append(sets, "digest_text = ?")
		args = append(args, *upd.DigestText)
	}
	if upd.DigestJSON != nil {
		b, err := json.Marshal(upd.DigestJSON)
		if err != nil {
			return types.NewError("update_frame", types.KindValidation, err)
		}
		sets = append(sets, "digest_json = ?")
		args = append(args, string(b))
	}
	if upd.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*upd.State))
	}
	if upd.Score != nil {
		sets = append(sets, "score = ?")
		args = append(args, *upd.Score)
	}
	if upd.Depth != nil {
		sets = append(sets, "depth = ?")
		args = append(args, *upd.Depth)
	}
	if upd.ParentFrameID != nil {
		sets = append(sets, "parent_frame_id = ?")
		if *upd.ParentFrameID == "" {
			args = append(args, nil)
		} else {
			args = append(args, *upd.ParentFrameID)
		}
	}
	if upd.ClosedAt != nil {
		sets = append(sets, "closed_at = ?")
		args = append(args, upd.ClosedAt.UnixMilli())
	}

	if len(sets) == 0 {
		return nil
	}

	args = append(args, frameID)
	q := "UPDATE frames SET " + strings.Join(sets, ", ") + " WHERE frame_id = ?"
	res, err := s.conn(ctx).ExecContext(ctx, q, args...)
	if err != nil {
		return wrapDBError("update_frame", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("update_frame", err)
	}
	if n == 0 {
		return types.NewError("update_frame", types.KindNotFound, types.ErrNotFound)
	}
	return nil
}

// DeleteFrame removes a frame; CASCADE foreign keys remove its events,
// anchors, and storage item along with it.
func (s *SQLiteStorage) DeleteFrame(ctx context.Context, frameID string) error {
	_, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM frames WHERE frame_id = ?`, frameID)
	if err != nil {
		return wrapDBError("delete_frame", err)
	}
	return nil
}

// ListFrames runs a SQL-pushable subset of filt (project, time range, type,
// state, run) and applies the remaining predicates (content match,
// has-outputs) in Go, matching the query package's Filter/Predicate split.
func (s *SQLiteStorage) ListFrames(ctx context.Context, filt types.FrameFilter, limit, offset int) ([]*types.Frame, error) {
	var where []string
	var args []any

	if filt.ProjectID != "" {
		where = append(where, "project_id = ?")
		args = append(args, filt.ProjectID)
	}
	if filt.TimeFrom != nil {
		where = append(where, "created_at >= ?")
		args = append(args, filt.TimeFrom.UnixMilli())
	}
	if filt.TimeTo != nil {
		where = append(where, "created_at <= ?")
		args = append(args, filt.TimeTo.UnixMilli())
	}
	if filt.Type != nil {
		where = append(where, "type = ?")
		args = append(args, string(*filt.Type))
	}
	if filt.State != nil {
		where = append(where, "state = ?")
		args = append(args, string(*filt.State))
	}
	if filt.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filt.RunID)
	}

	q := "SELECT " + frameColumns + " FROM frames"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"

	rows, err := s.conn(ctx).QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapDBError("list_frames", err)
	}
	defer rows.Close()

	var out []*types.Frame
	for rows.Next() {
		f, err := scanFrame(rows)
		if err != nil {
			return nil, wrapDBError("list_frames", err)
		}
		if filt.ContentQuery != "" || filt.HasOutputs != nil {
			if !filt.Matches(f) {
				continue
			}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list_frames", err)
	}

	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StackTip returns the deepest active frame for runID, the frame at the top
// of its call stack. There must be at most one per run by construction.
func (s *SQLiteStorage) StackTip(ctx context.Context, runID string) (*types.Frame, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+frameColumns+` FROM frames
		WHERE run_id = ? AND state = 'active'
		ORDER BY depth DESC, created_at DESC
		LIMIT 1`, runID)
	f, err := scanFrame(row)
	if err != nil {
		return nil, wrapDBError("stack_tip", err)
	}
	return f, nil
}
