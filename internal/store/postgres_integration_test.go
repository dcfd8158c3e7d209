package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func seedPerformance(t *testing.T, s *PostgresStore) {
	t.Helper()
	ctx := t.Context()
	if _, err := s.DB().ExecContext(ctx, `INSERT INTO performances (id, title) VALUES ('perf-1', 'Hamlet')`); err != nil {
		t.Fatalf("seed performance: %v", err)
	}
}

func TestScenesRejectDuplicateNumbers(t *testing.T) {
	db, ctx := openMigratedDB(t)
	s := NewPostgresStore(db)
	seedPerformance(t, s)

	if _, err := db.ExecContext(ctx, `INSERT INTO scenes (id, performance_id, act_number, scene_number) VALUES ('s1', 'perf-1', 1, 1)`); err != nil {
		t.Fatalf("insert scene: %v", err)
	}
	_, err := db.ExecContext(ctx, `INSERT INTO scenes (id, performance_id, act_number, scene_number) VALUES ('s2', 'perf-1', 1, 1)`)
	if err == nil {
		t.Fatal("expected duplicate scene number to be rejected")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "23505" {
		t.Fatalf("expected SQLSTATE 23505, got %s", pgErr.SQLState())
	}
}

func TestReplaceScenesSwapsNumbersAndDeletesMissing(t *testing.T) {
	db, ctx := openMigratedDB(t)
	s := NewPostgresStore(db)
	seedPerformance(t, s)

	initial := []Scene{
		{ID: "s1", ActNumber: 1, SceneNumber: 1, Name: "Elsinore"},
		{ID: "s2", ActNumber: 1, SceneNumber: 2},
		{ID: "s3", ActNumber: 2, SceneNumber: 1},
	}
	if err := s.ReplaceScenes(ctx, "perf-1", initial, nil); err != nil {
		t.Fatalf("replace scenes: %v", err)
	}

	next := []Scene{
		{ID: "s2", ActNumber: 1, SceneNumber: 1},
		{ID: "s1", ActNumber: 1, SceneNumber: 2, Name: "Elsinore"},
	}
	if err := s.ReplaceScenes(ctx, "perf-1", next, nil); err != nil {
		t.Fatalf("replace scenes (swap): %v", err)
	}

	scenes, err := s.ListScenes(ctx, "perf-1")
	if err != nil {
		t.Fatalf("list scenes: %v", err)
	}
	if len(scenes) != 2 || scenes[0].ID != "s2" || scenes[1].ID != "s1" {
		t.Fatalf("unexpected scenes: %+v", scenes)
	}
}

func TestReplaceScenesRollsBackWhenNoteRewriteFails(t *testing.T) {
	db, ctx := openMigratedDB(t)
	s := NewPostgresStore(db)
	seedPerformance(t, s)

	initial := []Scene{{ID: "s1", ActNumber: 1, SceneNumber: 1}}
	if err := s.ReplaceScenes(ctx, "perf-1", initial, nil); err != nil {
		t.Fatalf("replace scenes: %v", err)
	}

	next := []Scene{{ID: "s2", ActNumber: 1, SceneNumber: 1}}
	rewrite := &NoteRewrite{ID: "missing-note", Content: json.RawMessage(`{"type":"doc"}`), UpdatedBy: "Ophelia"}
	if err := s.ReplaceScenes(ctx, "perf-1", next, rewrite); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}

	scenes, err := s.ListScenes(ctx, "perf-1")
	if err != nil {
		t.Fatalf("list scenes: %v", err)
	}
	if len(scenes) != 1 || scenes[0].ID != "s1" {
		t.Fatalf("scene list should be unchanged, got %+v", scenes)
	}
}

func TestPatchRowWritesWhitelistedColumns(t *testing.T) {
	db, ctx := openMigratedDB(t)
	s := NewPostgresStore(db)
	seedPerformance(t, s)

	if _, err := db.ExecContext(ctx, `INSERT INTO performance_props (id, performance_id, item_name) VALUES ('p1', 'perf-1', 'Skull')`); err != nil {
		t.Fatalf("seed prop: %v", err)
	}

	if err := s.PatchRow(ctx, "performance_props", "p1", map[string]any{"column_index": float64(1), "sort_order": float64(4)}); err != nil {
		t.Fatalf("patch row: %v", err)
	}
	props, err := s.ListPerformanceProps(ctx, "perf-1")
	if err != nil {
		t.Fatalf("list props: %v", err)
	}
	if len(props) != 1 || props[0].ColumnIndex != 1 || props[0].SortOrder != 4 {
		t.Fatalf("unexpected props: %+v", props)
	}

	if err := s.PatchRow(ctx, "performance_props", "missing", map[string]any{"sort_order": 1}); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
	if err := s.PatchRow(ctx, "performance_props", "p1", map[string]any{"performance_id": "x"}); !errors.Is(err, ErrUnknownColumn) {
		t.Fatalf("expected ErrUnknownColumn, got %v", err)
	}

	if err := s.DeleteRow(ctx, "performance_props", "p1"); err != nil {
		t.Fatalf("delete row: %v", err)
	}
	if err := s.DeleteRow(ctx, "performance_props", "p1"); err != nil {
		t.Fatalf("delete missing row: %v", err)
	}
}

func TestMasterNoteContentAndMentions(t *testing.T) {
	db, ctx := openMigratedDB(t)
	s := NewPostgresStore(db)
	seedPerformance(t, s)

	perfID := "perf-1"
	if err := s.InsertNote(ctx, Note{ID: "n1", Title: "Hamlet", PerformanceID: &perfID, IsMaster: true}); err != nil {
		t.Fatalf("insert note: %v", err)
	}

	content := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Yorick"}]}]}`)
	if err := s.UpdateNoteContent(ctx, "n1", content, "Ophelia"); err != nil {
		t.Fatalf("update content: %v", err)
	}
	note, err := s.GetMasterNote(ctx, perfID)
	if err != nil {
		t.Fatalf("get master note: %v", err)
	}
	if note.ID != "n1" || note.UpdatedBy != "Ophelia" {
		t.Fatalf("unexpected note: %+v", note)
	}

	mentions := []NoteMention{{TargetID: "u1", TargetType: "user", Label: "Ophelia"}, {TargetID: "u1", TargetType: "user", Label: "Ophelia"}}
	if err := s.ReplaceNoteMentions(ctx, "n1", mentions); err != nil {
		t.Fatalf("replace mentions: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM note_mentions WHERE note_id='n1'`).Scan(&count); err != nil {
		t.Fatalf("count mentions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected deduplicated mention, got %d", count)
	}
}
