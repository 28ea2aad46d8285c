package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/capitalize-ai/collaboration-engine/internal/model"
)

// Open connects to Postgres through the pgx database/sql driver.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore implements Store on Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func mustJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return b, nil
}

// Sessions

const sessionColumns = `id, name, session_type, content_type, content_id, owner_id, participants,
	max_participants, is_public, allow_anonymous, permissions, status, started_at, last_activity_at,
	ended_at, expires_at, base_version, current_version, updated_at`

func scanSession(row rowScanner) (*model.Session, error) {
	var (
		sess         model.Session
		participants []byte
		permissions  []byte
		endedAt      sql.NullTime
		expiresAt    sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.Name, &sess.Type, &sess.Content.ContentType, &sess.Content.ContentID,
		&sess.OwnerID, &participants, &sess.MaxParticipants, &sess.IsPublic, &sess.AllowAnonymous,
		&permissions, &sess.Status, &sess.StartedAt, &sess.LastActivityAt, &endedAt, &expiresAt,
		&sess.BaseVersion, &sess.CurrentVersion, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal(participants, &sess.Participants); err != nil {
		return nil, fmt.Errorf("decode participants: %w", err)
	}
	if err := json.Unmarshal(permissions, &sess.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	sess.EndedAt = timePtr(endedAt)
	sess.ExpiresAt = timePtr(expiresAt)
	return &sess, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	participants, err := mustJSON(sess.Participants)
	if err != nil {
		return err
	}
	permissions, err := mustJSON(sess.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO collaboration_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, sess.ID, sess.Name, sess.Type, sess.Content.ContentType, sess.Content.ContentID, sess.OwnerID,
		participants, sess.MaxParticipants, sess.IsPublic, sess.AllowAnonymous, permissions, sess.Status,
		sess.StartedAt, sess.LastActivityAt, nullTime(sess.EndedAt), nullTime(sess.ExpiresAt),
		sess.BaseVersion, sess.CurrentVersion, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM collaboration_sessions WHERE id=$1`, id)
	return scanSession(row)
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter model.SessionFilter) ([]model.Session, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		n := len(args)
		where = append(where, fmt.Sprintf("(owner_id = $%d OR participants ? $%d)", n, n))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.ContentType != "" {
		add("content_type = $%d", filter.ContentType)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collaboration_sessions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	query := `SELECT ` + sessionColumns + ` FROM collaboration_sessions` + clause + ` ORDER BY last_activity_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []model.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, total, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	permissions, err := mustJSON(sess.Permissions)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE collaboration_sessions
		SET name=$2, max_participants=$3, is_public=$4, allow_anonymous=$5, permissions=$6,
			status=$7, expires_at=$8, updated_at=$9
		WHERE id=$1
	`, sess.ID, sess.Name, sess.MaxParticipants, sess.IsPublic, sess.AllowAnonymous, permissions,
		sess.Status, nullTime(sess.ExpiresAt), sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddParticipant(ctx context.Context, sessionID, userID string, at time.Time) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE collaboration_sessions
		SET participants = CASE
				WHEN owner_id = $2 OR participants ? $2 THEN participants
				ELSE participants || to_jsonb($2::text)
			END,
			last_activity_at = $3
		WHERE id = $1
			AND status IN ('active', 'paused')
			AND (owner_id = $2 OR participants ? $2 OR jsonb_array_length(participants) < max_participants)
		RETURNING `+sessionColumns, sessionID, userID, at)
	sess, err := scanSession(row)
	if !errors.Is(err, ErrNotFound) {
		return sess, err
	}

	// Nothing matched; find out why.
	current, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !current.IsOpen() {
		return nil, ErrSessionClosed
	}
	return nil, ErrSessionFull
}

func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string, at time.Time, bumpVersion bool) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE collaboration_sessions
		SET last_activity_at = $2,
			current_version = current_version + CASE WHEN $3::boolean THEN 1 ELSE 0 END
		WHERE id = $1
		RETURNING current_version
	`, sessionID, at, bumpVersion).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE collaboration_sessions
		SET status = 'ended', ended_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ('active', 'paused')
		RETURNING `+sessionColumns, sessionID, endedAt)
	sess, err := scanSession(row)
	if !errors.Is(err, ErrNotFound) {
		return sess, err
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return nil, ErrSessionClosed
}

func (s *PostgresStore) EndInactiveSessions(ctx context.Context, idleBefore, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE collaboration_sessions
		SET status = 'ended', ended_at = $2, updated_at = $2
		WHERE status = 'active'
			AND (last_activity_at < $1 OR (expires_at IS NOT NULL AND expires_at <= $2))
		RETURNING id
	`, idleBefore, now)
	if err != nil {
		return nil, fmt.Errorf("end inactive sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan ended session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ended sessions: %w", err)
	}
	return ids, nil
}

// Events

const eventColumns = `id, session_id, user_id, event_type, change, data, conflicts_with, created_at`

const eventSelect = `seq, ` + eventColumns

func scanEvent(row rowScanner) (model.CollaborationEvent, error) {
	var (
		e         model.CollaborationEvent
		change    []byte
		data      []byte
		conflicts []byte
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.SessionID, &e.UserID, &e.Type, &change, &data, &conflicts, &e.CreatedAt); err != nil {
		return e, fmt.Errorf("scan event: %w", err)
	}
	if len(change) > 0 {
		e.Change = &model.ContentChange{}
		if err := json.Unmarshal(change, e.Change); err != nil {
			return e, fmt.Errorf("decode change: %w", err)
		}
	}
	e.Data = rawJSON(data)
	if err := json.Unmarshal(conflicts, &e.ConflictsWith); err != nil {
		return e, fmt.Errorf("decode conflicts: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, e *model.CollaborationEvent) error {
	var change any
	if e.Change != nil {
		b, err := mustJSON(e.Change)
		if err != nil {
			return err
		}
		change = b
	}
	conflicts := e.ConflictsWith
	if conflicts == nil {
		conflicts = []string{}
	}
	conflictsJSON, err := mustJSON(conflicts)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO collaboration_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq
	`, e.ID, e.SessionID, e.UserID, e.Type, change, nullJSON(e.Data), conflictsJSON, e.CreatedAt).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]model.CollaborationEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []model.CollaborationEvent{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) RecentEdits(ctx context.Context, sessionID, excludeUserID string, since time.Time) ([]model.CollaborationEvent, error) {
	return s.queryEvents(ctx, `
		SELECT `+eventSelect+`
		FROM collaboration_events
		WHERE session_id = $1 AND event_type = 'content_edit' AND user_id <> $2 AND created_at >= $3
		ORDER BY seq DESC
	`, sessionID, excludeUserID, since)
}

func (s *PostgresStore) AddEventConflict(ctx context.Context, eventID, otherEventID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collaboration_events
		SET conflicts_with = conflicts_with || to_jsonb($2::text)
		WHERE id = $1
	`, eventID, otherEventID)
	if err != nil {
		return fmt.Errorf("append event conflict: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter model.EventFilter) ([]model.CollaborationEvent, error) {
	query := `SELECT ` + eventSelect + ` FROM collaboration_events WHERE session_id = $1`
	args := []any{filter.SessionID}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryEvents(ctx, query, args...)
}

// Conflicts

const conflictColumns = `id, session_id, earlier_event_id, later_event_id, earlier_user_id, later_user_id,
	conflict_type, severity, position, length, earlier_content, later_content, status, strategy,
	resolved_content, resolved_by, resolved_at, created_at`

func scanConflict(row rowScanner) (*model.Conflict, error) {
	var (
		c          model.Conflict
		strategy   sql.NullString
		content    sql.NullString
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.SessionID, &c.EarlierEventID, &c.LaterEventID, &c.EarlierUserID, &c.LaterUserID,
		&c.Type, &c.Severity, &c.Position, &c.Length, &c.EarlierContent, &c.LaterContent, &c.Status,
		&strategy, &content, &resolvedBy, &resolvedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	c.Strategy = model.ResolutionStrategy(strategy.String)
	c.ResolvedContent = content.String
	c.ResolvedBy = resolvedBy.String
	c.ResolvedAt = timePtr(resolvedAt)
	return &c, nil
}

func (s *PostgresStore) InsertConflict(ctx context.Context, c *model.Conflict) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO edit_conflicts (`+conflictColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (earlier_event_id, later_event_id) DO NOTHING
	`, c.ID, c.SessionID, c.EarlierEventID, c.LaterEventID, c.EarlierUserID, c.LaterUserID, c.Type,
		c.Severity, c.Position, c.Length, c.EarlierContent, c.LaterContent, c.Status,
		nullString(string(c.Strategy)), nullString(c.ResolvedContent), nullString(c.ResolvedBy),
		nullTime(c.ResolvedAt), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrDuplicateConflict
	}
	return nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (*model.Conflict, error) {
	return scanConflict(s.db.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM edit_conflicts WHERE id=$1`, id))
}

func (s *PostgresStore) ListConflicts(ctx context.Context, sessionID string, status model.ConflictStatus) ([]model.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM edit_conflicts WHERE session_id = $1`
	args := []any{sessionID}
	if status != "" {
		args = append(args, status)
		query += " AND status = $2"
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []model.Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}

func (s *PostgresStore) SettleConflict(ctx context.Context, c *model.Conflict) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE edit_conflicts
		SET status=$2, strategy=$3, resolved_content=$4, resolved_by=$5, resolved_at=$6
		WHERE id=$1 AND status NOT IN ('resolved', 'ignored')
	`, c.ID, c.Status, nullString(string(c.Strategy)), nullString(c.ResolvedContent),
		nullString(c.ResolvedBy), nullTime(c.ResolvedAt))
	if err != nil {
		return fmt.Errorf("settle conflict: %w", err)
	}
	if err := requireRow(res); !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, err := s.GetConflict(ctx, c.ID); err != nil {
		return err
	}
	return ErrAlreadySettled
}

// Comments

const commentColumns = `id, parent_id, thread_id, content_type, content_id, content_version, anchor_type,
	anchor_data, context_before, context_after, text, html, kind, author_id, session_id, visibility,
	mentioned_users, reactions, reply_count, resolved, resolved_by, resolved_at, status, created_at, updated_at`

func scanComment(row rowScanner) (*model.Comment, error) {
	var (
		c          model.Comment
		parentID   sql.NullString
		anchorData []byte
		sessionID  sql.NullString
		mentioned  []byte
		reactions  []byte
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &parentID, &c.ThreadID, &c.Content.ContentType, &c.Content.ContentID,
		&c.ContentVersion, &c.Anchor.Type, &anchorData, &c.Anchor.ContextBefore, &c.Anchor.ContextAfter,
		&c.Text, &c.HTML, &c.Kind, &c.AuthorID, &sessionID, &c.Visibility, &mentioned, &reactions,
		&c.ReplyCount, &c.Resolved, &resolvedBy, &resolvedAt, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan comment: %w", err)
	}
	c.ParentID = parentID.String
	c.SessionID = sessionID.String
	c.ResolvedBy = resolvedBy.String
	c.ResolvedAt = timePtr(resolvedAt)
	c.Anchor.Data = rawJSON(anchorData)
	if err := json.Unmarshal(mentioned, &c.MentionedUsers); err != nil {
		return nil, fmt.Errorf("decode mentions: %w", err)
	}
	if err := json.Unmarshal(reactions, &c.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, c *model.Comment) error {
	mentioned := c.MentionedUsers
	if mentioned == nil {
		mentioned = []string{}
	}
	mentionedJSON, err := mustJSON(mentioned)
	if err != nil {
		return err
	}
	reactions := c.Reactions
	if reactions == nil {
		reactions = map[string]int{}
	}
	reactionsJSON, err := mustJSON(reactions)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin comment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (`+commentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25)
	`, c.ID, nullString(c.ParentID), c.ThreadID, c.Content.ContentType, c.Content.ContentID,
		c.ContentVersion, c.Anchor.Type, nullJSON(c.Anchor.Data), c.Anchor.ContextBefore,
		c.Anchor.ContextAfter, c.Text, c.HTML, c.Kind, c.AuthorID, nullString(c.SessionID), c.Visibility,
		mentionedJSON, reactionsJSON, c.ReplyCount, c.Resolved, nullString(c.ResolvedBy),
		nullTime(c.ResolvedAt), c.Status, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}

	if c.ParentID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE comments SET reply_count = reply_count + 1
			WHERE id = $1 OR (id = $2 AND $2 <> $1)
		`, c.ParentID, c.ThreadID)
		if err != nil {
			return fmt.Errorf("bump reply count: %w", err)
		}
		if err := requireRow(res); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit comment tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, id string) (*model.Comment, error) {
	return scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id))
}

func (s *PostgresStore) ResolveComment(ctx context.Context, id, resolvedBy string, at time.Time) (*model.Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE comments
		SET resolved = TRUE,
			resolved_by = CASE WHEN resolved THEN resolved_by ELSE $2 END,
			resolved_at = CASE WHEN resolved THEN resolved_at ELSE $3 END,
			status = 'resolved',
			updated_at = CASE WHEN resolved THEN updated_at ELSE $3 END
		WHERE id = $1
		RETURNING `+commentColumns, id, resolvedBy, at)
	return scanComment(row)
}

func (s *PostgresStore) ListComments(ctx context.Context, content model.ContentRef) ([]*model.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE content_type = $1 AND content_id = $2
		ORDER BY seq ASC
	`, content.ContentType, content.ContentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []*model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return comments, nil
}

// Presence

func (s *PostgresStore) UpsertPresence(ctx context.Context, u model.PresenceUpdate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_presence (user_id, session_id, status, cursor_position, selection, viewport,
			action_count, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			status = EXCLUDED.status,
			cursor_position = COALESCE(EXCLUDED.cursor_position, user_presence.cursor_position),
			selection = COALESCE(EXCLUDED.selection, user_presence.selection),
			viewport = COALESCE(EXCLUDED.viewport, user_presence.viewport),
			action_count = user_presence.action_count + 1,
			last_seen_at = EXCLUDED.last_seen_at
	`, u.UserID, u.SessionID, u.Status, nullJSON(u.Cursor), nullJSON(u.Selection), nullJSON(u.Viewport), u.At)
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPresence(ctx context.Context, sessionID string) ([]model.Presence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, session_id, status, cursor_position, selection, viewport, action_count,
			last_seen_at, created_at
		FROM user_presence
		WHERE session_id = $1
		ORDER BY user_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	defer rows.Close()

	out := []model.Presence{}
	for rows.Next() {
		var p model.Presence
		var cursor, selection, viewport []byte
		if err := rows.Scan(&p.UserID, &p.SessionID, &p.Status, &cursor, &selection, &viewport,
			&p.ActionCount, &p.LastSeenAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		p.Cursor = rawJSON(cursor)
		p.Selection = rawJSON(selection)
		p.Viewport = rawJSON(viewport)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate presence: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteStalePresence(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_presence WHERE last_seen_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale presence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

var _ Store = (*PostgresStore)(nil)
