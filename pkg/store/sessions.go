package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fwdslsh/dispatch/pkg/models"
)

// CreateSession inserts a new session row with status "starting" and
// last_seq 0. The workspace referenced by params.WorkspacePath must already
// exist (see EnsureWorkspace).
func (s *Store) CreateSession(ctx context.Context, id string, params models.CreateParams) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:             id,
		Kind:           params.Kind,
		OwnerUserID:    params.OwnerUserID,
		WorkspacePath:  params.WorkspacePath,
		Title:          params.Title,
		Status:         models.StatusStarting,
		LastSeq:        0,
		CreatedAt:      now,
		LastActivityAt: now,
		Pinned:         false,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, kind, owner_user_id, workspace_path, title, status, last_seq, created_at, last_activity_at, pinned)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sess.ID, string(sess.Kind), sess.OwnerUserID, sess.WorkspacePath, sess.Title,
		string(sess.Status), sess.LastSeq, sess.CreatedAt, sess.LastActivityAt, sess.Pinned,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert session: %v", models.ErrStoreFailure, err)
	}
	return sess, nil
}

// GetSession loads a session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, owner_user_id, workspace_path, title, status, last_seq, created_at, last_activity_at, pinned, type_specific_state
		 FROM sessions WHERE id = $1`, id,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", models.ErrStoreFailure, err)
	}
	return sess, nil
}

// ListSessions returns sessions matching filter, most recently active first.
func (s *Store) ListSessions(ctx context.Context, filter models.ListFilter) ([]*models.Session, error) {
	query := `SELECT id, kind, owner_user_id, workspace_path, title, status, last_seq, created_at, last_activity_at, pinned, type_specific_state
	          FROM sessions WHERE 1=1`
	var args []any
	argN := 1

	if filter.Kind != "" {
		query += fmt.Sprintf(" AND kind = $%d", argN)
		args = append(args, string(filter.Kind))
		argN++
	}
	if filter.WorkspacePath != "" {
		query += fmt.Sprintf(" AND workspace_path = $%d", argN)
		args = append(args, filter.WorkspacePath)
		argN++
	}
	if filter.PinnedOnly {
		query += " AND pinned = true"
	}
	if !filter.IncludeClosed {
		query += fmt.Sprintf(" AND status != $%d", argN)
		args = append(args, string(models.StatusClosed))
		argN++
	}
	query += " ORDER BY last_activity_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", models.ErrStoreFailure, err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session row: %v", models.ErrStoreFailure, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list sessions rows: %v", models.ErrStoreFailure, err)
	}
	return sessions, nil
}

// UpdateStatus transitions a session's persisted status.
func (s *Store) UpdateStatus(ctx context.Context, id string, status models.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, last_activity_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update status: %v", models.ErrStoreFailure, err)
	}
	return checkRowAffected(res, id)
}

// UpdateActivity bumps last_activity_at without changing status, used to
// keep the idle rollup accurate on every inbound write.
func (s *Store) UpdateActivity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $1 WHERE id = $2`, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("%w: update activity: %v", models.ErrStoreFailure, err)
	}
	return checkRowAffected(res, id)
}

// SetPinned toggles whether a session is exempt from the retention sweep.
func (s *Store) SetPinned(ctx context.Context, id string, pinned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET pinned = $1 WHERE id = $2`, pinned, id)
	if err != nil {
		return fmt.Errorf("%w: set pinned: %v", models.ErrStoreFailure, err)
	}
	return checkRowAffected(res, id)
}

// SaveResumeState persists adapter-opaque bytes for a later resume attempt,
// typically called just before a session transitions to closed.
func (s *Store) SaveResumeState(ctx context.Context, id string, state []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET type_specific_state = $1 WHERE id = $2`, state, id,
	)
	if err != nil {
		return fmt.Errorf("%w: save resume state: %v", models.ErrStoreFailure, err)
	}
	return checkRowAffected(res, id)
}

// EnsureWorkspace inserts the workspace row if it does not already exist.
func (s *Store) EnsureWorkspace(ctx context.Context, ws models.Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (path, name, created_at) VALUES ($1, $2, $3) ON CONFLICT (path) DO NOTHING`,
		ws.Path, ws.Name, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: ensure workspace: %v", models.ErrStoreFailure, err)
	}
	return nil
}

// ListWorkspaces returns every known workspace.
func (s *Store) ListWorkspaces(ctx context.Context) ([]models.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT path, name FROM workspaces ORDER BY path ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list workspaces: %v", models.ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []models.Workspace
	for rows.Next() {
		var ws models.Workspace
		if err := rows.Scan(&ws.Path, &ws.Name); err != nil {
			return nil, fmt.Errorf("%w: scan workspace row: %v", models.ErrStoreFailure, err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// OrphanCandidates returns running/idle sessions whose last_activity_at is
// older than threshold, used by the orphan-detection sweep to find sessions
// whose owning dispatchd process likely died without closing them.
func (s *Store) OrphanCandidates(ctx context.Context, threshold time.Duration) ([]*models.Session, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, owner_user_id, workspace_path, title, status, last_seq, created_at, last_activity_at, pinned, type_specific_state
		 FROM sessions WHERE status IN ($1, $2) AND last_activity_at < $3`,
		string(models.StatusRunning), string(models.StatusIdle), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: orphan candidates: %v", models.ErrStoreFailure, err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan orphan row: %v", models.ErrStoreFailure, err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PurgeExpiredEvents deletes events older than the retention window, called
// by the periodic retention sweep. Sessions pinned by a user are still
// subject to event-level TTL; pinning only protects the session row itself.
func (s *Store) PurgeExpiredEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: purge expired events: %v", models.ErrStoreFailure, err)
	}
	return res.RowsAffected()
}

// PurgeClosedSessions deletes unpinned closed sessions older than
// retentionDays, cascading to their events via the foreign key.
func (s *Store) PurgeClosedSessions(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status = $1 AND pinned = false AND last_activity_at < $2`,
		string(models.StatusClosed), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: purge closed sessions: %v", models.ErrStoreFailure, err)
	}
	return res.RowsAffected()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*models.Session, error) {
	var sess models.Session
	var kind, status string
	var typeState []byte
	if err := row.Scan(
		&sess.ID, &kind, &sess.OwnerUserID, &sess.WorkspacePath, &sess.Title,
		&status, &sess.LastSeq, &sess.CreatedAt, &sess.LastActivityAt, &sess.Pinned, &typeState,
	); err != nil {
		return nil, err
	}
	sess.Kind = models.Kind(kind)
	sess.Status = models.Status(status)
	sess.TypeSpecificState = typeState
	return &sess, nil
}

func checkRowAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", models.ErrStoreFailure, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", models.ErrNotFound, id)
	}
	return nil
}
