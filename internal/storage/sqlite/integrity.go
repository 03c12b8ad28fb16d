package sqlite

import "context"

// CheckpointWAL forces a WAL checkpoint, truncating the WAL file when
// possible. RecoveryManager runs this once at startup before the integrity
// scan so it reads a consistent main database file.
func (s *SQLiteStorage) CheckpointWAL(ctx context.Context) (bool, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	var busy, logFrames, checkpointed int
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		return false, wrapDBError("checkpoint_wal", err)
	}
	return busy == 0, nil
}

// IntegrityCheck runs SQLite's own foreign-key scan, reporting the number of
// violations found (orphaned child rows left behind by a database that
// predates foreign_keys enforcement, or damage from an unclean shutdown).
// RecoveryManager decides how to act on a non-zero count.
func (s *SQLiteStorage) IntegrityCheck(ctx context.Context) (int, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `PRAGMA foreign_key_check`)
	if err != nil {
		return 0, wrapDBError("integrity_check", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, wrapDBError("integrity_check", err)
	}
	return count, nil
}

// AllFrameIDsWithParent returns every frame's parent pointer, the input
// RecoveryManager's depth-repair pass walks to recompute each frame's depth
// from its root.
func (s *SQLiteStorage) AllFrameIDsWithParent(ctx context.Context) (map[string]string, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT frame_id, parent_frame_id FROM frames`)
	if err != nil {
		return nil, wrapDBError("all_frame_ids_with_parent", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var id string
		var parent *string
		if err := rows.Scan(&id, &parent); err != nil {
			return nil, wrapDBError("all_frame_ids_with_parent", err)
		}
		if parent != nil {
			out[id] = *parent
		} else {
			out[id] = ""
		}
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("all_frame_ids_with_parent", err)
	}
	return out, nil
}
