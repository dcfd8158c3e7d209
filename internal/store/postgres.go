package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrUnknownColumn = errors.New("unknown column")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const userColumns = `id, display_name, email, password_hash, role, status, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	return user, err
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM profiles WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM profiles WHERE LOWER(email)=LOWER($1)`, email))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, display_name, email, password_hash, role, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.Status)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsersByStatus(ctx context.Context, status string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM profiles WHERE status=$1 ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return users, nil
}

// SetUserStatus returns sql.ErrNoRows when the profile does not exist.
func (s *PostgresStore) SetUserStatus(ctx context.Context, userID, status string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE profiles SET status=$2, updated_at=NOW() WHERE id=$1`, userID, status)
	if err != nil {
		return fmt.Errorf("update profile status: %w", err)
	}
	return expectRow(result)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT p.id, p.display_name, p.email, p.password_hash, p.role, p.status, p.created_at, p.updated_at
		FROM refresh_sessions rs
		JOIN profiles p ON p.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) ListLocations(ctx context.Context) ([]Location, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, COALESCE(description, ''), created_at, updated_at
		FROM locations
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	items := make([]Location, 0)
	for rows.Next() {
		var item Location
		if err := rows.Scan(&item.ID, &item.Name, &item.Type, &item.Description, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetLocation(ctx context.Context, id string) (Location, error) {
	var item Location
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, COALESCE(description, ''), created_at, updated_at
		FROM locations WHERE id=$1
	`, id).Scan(&item.ID, &item.Name, &item.Type, &item.Description, &item.CreatedAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) InsertLocation(ctx context.Context, item Location) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO locations (id, name, type, description)
		VALUES ($1, $2, $3, NULLIF($4, ''))
	`, item.ID, item.Name, item.Type, item.Description)
	if err != nil {
		return fmt.Errorf("insert location: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListGroups(ctx context.Context) ([]Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(icon, ''), location_id, sort_order, updated_at
		FROM groups
		ORDER BY sort_order, name
	`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	items := make([]Group, 0)
	for rows.Next() {
		var item Group
		if err := rows.Scan(&item.ID, &item.Name, &item.Icon, &item.LocationID, &item.SortOrder, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(description, ''), group_id, COALESCE(image_url, ''), updated_at
		FROM items
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Name, &item.Description, &item.GroupID, &item.ImageURL, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

const performanceColumns = `id, title, COALESCE(description, ''), status, COALESCE(image_url, ''), premiere_at, updated_at`

func scanPerformance(row interface{ Scan(...any) error }) (Performance, error) {
	var item Performance
	err := row.Scan(&item.ID, &item.Title, &item.Description, &item.Status, &item.ImageURL, &item.PremiereAt, &item.UpdatedAt)
	return item, err
}

func (s *PostgresStore) ListPerformances(ctx context.Context) ([]Performance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+performanceColumns+` FROM performances ORDER BY premiere_at DESC NULLS LAST, title`)
	if err != nil {
		return nil, fmt.Errorf("list performances: %w", err)
	}
	defer rows.Close()

	items := make([]Performance, 0)
	for rows.Next() {
		item, err := scanPerformance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate performances: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPerformance(ctx context.Context, id string) (Performance, error) {
	return scanPerformance(s.db.QueryRowContext(ctx, `SELECT `+performanceColumns+` FROM performances WHERE id=$1`, id))
}

func (s *PostgresStore) ListScenes(ctx context.Context, performanceID string) ([]Scene, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, performance_id, COALESCE(act_number, 1), scene_number, COALESCE(name, '')
		FROM scenes
		WHERE performance_id=$1
		ORDER BY act_number, scene_number
	`, performanceID)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	items := make([]Scene, 0)
	for rows.Next() {
		var item Scene
		if err := rows.Scan(&item.ID, &item.PerformanceID, &item.ActNumber, &item.SceneNumber, &item.Name); err != nil {
			return nil, fmt.Errorf("scan scene: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scenes: %w", err)
	}
	return items, nil
}

// ReplaceScenes makes scenes the complete scene list of a performance.
// Scenes are matched by id; missing ones are deleted. A non-nil rewrite
// stores the note content rebuilt for the new list in the same
// transaction, so the headings never disagree with the scenes.
func (s *PostgresStore) ReplaceScenes(ctx context.Context, performanceID string, scenes []Scene, rewrite *NoteRewrite) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace scenes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(scenes))
	for _, scene := range scenes {
		ids = append(ids, scene.ID)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM scenes WHERE performance_id=$1 AND NOT (id = ANY($2))
	`, performanceID, ids); err != nil {
		return fmt.Errorf("delete removed scenes: %w", err)
	}

	// Numbers are unique per performance; park the survivors first so a
	// renumbering swap does not collide.
	if _, err := tx.ExecContext(ctx, `
		UPDATE scenes SET scene_number = -scene_number - 1 WHERE performance_id=$1
	`, performanceID); err != nil {
		return fmt.Errorf("park scene numbers: %w", err)
	}

	for _, scene := range scenes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scenes (id, performance_id, act_number, scene_number, name)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			ON CONFLICT (id) DO UPDATE SET act_number=EXCLUDED.act_number, scene_number=EXCLUDED.scene_number, name=EXCLUDED.name
		`, scene.ID, performanceID, scene.ActNumber, scene.SceneNumber, scene.Name); err != nil {
			return fmt.Errorf("upsert scene %s: %w", scene.ID, err)
		}
	}

	if rewrite != nil {
		result, err := tx.ExecContext(ctx, `
			UPDATE notes SET content=$2, updated_by_name=NULLIF($3, ''), updated_at=NOW() WHERE id=$1
		`, rewrite.ID, []byte(rewrite.Content), rewrite.UpdatedBy)
		if err != nil {
			return fmt.Errorf("rewrite note %s: %w", rewrite.ID, err)
		}
		if err := expectRow(result); err != nil {
			return fmt.Errorf("rewrite note %s: %w", rewrite.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace scenes: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPerformanceProps(ctx context.Context, performanceID string) ([]PerformanceProp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, performance_id, item_name, column_index, sort_order, is_checked, COALESCE(image_url, ''), scene_id, updated_at
		FROM performance_props
		WHERE performance_id=$1
		ORDER BY column_index, sort_order
	`, performanceID)
	if err != nil {
		return nil, fmt.Errorf("list performance props: %w", err)
	}
	defer rows.Close()

	items := make([]PerformanceProp, 0)
	for rows.Next() {
		var item PerformanceProp
		if err := rows.Scan(&item.ID, &item.PerformanceID, &item.ItemName, &item.ColumnIndex, &item.SortOrder, &item.IsChecked, &item.ImageURL, &item.SceneID, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan performance prop: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate performance props: %w", err)
	}
	return items, nil
}

const noteColumns = `id, title, content, performance_id, is_master, COALESCE(updated_by_name, ''), created_at, updated_at`

func scanNote(row interface{ Scan(...any) error }) (Note, error) {
	var item Note
	var content []byte
	err := row.Scan(&item.ID, &item.Title, &content, &item.PerformanceID, &item.IsMaster, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	item.Content = json.RawMessage(content)
	return item, err
}

func (s *PostgresStore) GetNote(ctx context.Context, id string) (Note, error) {
	return scanNote(s.db.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id=$1`, id))
}

// GetMasterNote returns the scene note of a performance.
func (s *PostgresStore) GetMasterNote(ctx context.Context, performanceID string) (Note, error) {
	return scanNote(s.db.QueryRowContext(ctx, `
		SELECT `+noteColumns+` FROM notes WHERE performance_id=$1 AND is_master
	`, performanceID))
}

func (s *PostgresStore) InsertNote(ctx context.Context, note Note) error {
	content := []byte(note.Content)
	if len(content) == 0 {
		content = []byte(`{"type":"doc","content":[]}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, title, content, performance_id, is_master, updated_by_name)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, note.ID, note.Title, content, note.PerformanceID, note.IsMaster, note.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateNoteContent(ctx context.Context, id string, content json.RawMessage, updatedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notes SET content=$2, updated_by_name=NULLIF($3, ''), updated_at=NOW() WHERE id=$1
	`, id, []byte(content), updatedBy)
	if err != nil {
		return fmt.Errorf("update note content: %w", err)
	}
	return expectRow(result)
}

// ReplaceNoteMentions swaps the mention rows of a note in one transaction.
func (s *PostgresStore) ReplaceNoteMentions(ctx context.Context, noteID string, mentions []NoteMention) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace mentions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM note_mentions WHERE note_id=$1`, noteID); err != nil {
		return fmt.Errorf("delete mentions: %w", err)
	}
	for _, m := range mentions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO note_mentions (note_id, target_id, target_type, label)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (note_id, target_id, target_type) DO NOTHING
		`, noteID, m.TargetID, m.TargetType, m.Label); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mentions: %w", err)
	}
	return nil
}

type columnKind int

const (
	kindText columnKind = iota
	kindNullableText
	kindInt
	kindBool
)

// patchableColumns lists the columns PatchRow may write, per table.
var patchableColumns = map[string]map[string]columnKind{
	"groups": {
		"name":        kindText,
		"icon":        kindNullableText,
		"location_id": kindNullableText,
		"sort_order":  kindInt,
	},
	"performance_props": {
		"item_name":    kindText,
		"column_index": kindInt,
		"sort_order":   kindInt,
		"is_checked":   kindBool,
		"image_url":    kindNullableText,
		"scene_id":     kindNullableText,
	},
	"locations": {
		"name":        kindText,
		"type":        kindText,
		"description": kindNullableText,
	},
	"performances": {
		"title":     kindText,
		"status":    kindText,
		"image_url": kindNullableText,
	},
}

// Patchable reports whether PatchRow accepts column for table.
func Patchable(table, column string) bool {
	_, ok := patchableColumns[table][column]
	return ok
}

// PatchRow updates the given columns of one row. Values may come from
// JSON, so numbers arrive as float64 and are converted per column.
func (s *PostgresStore) PatchRow(ctx context.Context, table, id string, patch map[string]any) error {
	columns, ok := patchableColumns[table]
	if !ok {
		return fmt.Errorf("patch %s: unknown table", table)
	}
	if len(patch) == 0 {
		return nil
	}

	names := make([]string, 0, len(patch))
	for name := range patch {
		if _, ok := columns[name]; !ok {
			return fmt.Errorf("patch %s.%s: %w", table, name, ErrUnknownColumn)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	args = append(args, id)
	for _, name := range names {
		value, err := coerce(columns[name], patch[name])
		if err != nil {
			return fmt.Errorf("patch %s.%s: %w", table, name, err)
		}
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", name, len(args)))
	}
	sets = append(sets, "updated_at=NOW()")

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE id=$1`, table, strings.Join(sets, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("patch %s %s: %w", table, id, err)
	}
	return expectRow(result)
}

// DeleteRow removes one row from a patchable table. Deleting a missing
// row is not an error.
func (s *PostgresStore) DeleteRow(ctx context.Context, table, id string) error {
	if _, ok := patchableColumns[table]; !ok {
		return fmt.Errorf("delete %s: unknown table", table)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, table), id); err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	return nil
}

func coerce(kind columnKind, value any) (any, error) {
	switch kind {
	case kindNullableText:
		if value == nil {
			return nil, nil
		}
		if s, ok := value.(string); ok {
			if s == "" {
				return nil, nil
			}
			return s, nil
		}
	case kindText:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case kindBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case kindInt:
		switch n := value.(type) {
		case int:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		case json.Number:
			return n.Int64()
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	}
	return nil, fmt.Errorf("unsupported value %v (%T)", value, value)
}

func expectRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
