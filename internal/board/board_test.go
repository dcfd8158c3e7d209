package board

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"backstage/api/internal/clock"
	"backstage/api/internal/mirror"
	"backstage/api/internal/realtime"
	"backstage/api/internal/store"
	"backstage/api/internal/writebehind"
)

type patchCall struct {
	table string
	id    string
	patch map[string]any
}

type fakeStore struct {
	mu        sync.Mutex
	locations []store.Location
	groups    []store.Group
	props     map[string][]store.PerformanceProp
	patches   []patchCall
	deletes   []string
	patchErr  error
	// missing rows answer PatchRow with sql.ErrNoRows.
	missing map[string]bool
}

func (f *fakeStore) ListLocations(context.Context) ([]store.Location, error) {
	return f.locations, nil
}

func (f *fakeStore) ListGroups(context.Context) ([]store.Group, error) {
	return f.groups, nil
}

func (f *fakeStore) ListPerformanceProps(_ context.Context, performanceID string) ([]store.PerformanceProp, error) {
	return f.props[performanceID], nil
}

func (f *fakeStore) PatchRow(_ context.Context, table, id string, patch map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}
	if f.missing[id] {
		return sql.ErrNoRows
	}
	copied := map[string]any{}
	for k, v := range patch {
		copied[k] = v
	}
	f.patches = append(f.patches, patchCall{table: table, id: id, patch: copied})
	return nil
}

func (f *fakeStore) DeleteRow(_ context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, table+"/"+id)
	return nil
}

func (f *fakeStore) patchFor(id string) (patchCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.patches) - 1; i >= 0; i-- {
		if f.patches[i].id == id {
			return f.patches[i], true
		}
	}
	return patchCall{}, false
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) find(collection, eventType, id string) (realtime.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e.Collection == collection && e.Type == eventType && e.ID == id {
			return e, true
		}
	}
	return realtime.Event{}, false
}

func strPtr(s string) *string { return &s }

func newTestManager(st *fakeStore, mem *mirror.Memory) (*Manager, *clock.FakeClock, *recordingPublisher) {
	clk := clock.Fake(time.Date(2026, 3, 1, 19, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	m := NewManager(st, Config{
		Mirror:    mem,
		Publisher: pub,
		Clock:     clk,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return m, clk, pub
}

func groupFixture() *fakeStore {
	return &fakeStore{
		locations: []store.Location{{ID: "loc-main", Name: "Main storage"}, {ID: "loc-stage", Name: "Stage"}},
		groups: []store.Group{
			{ID: "g1", Name: "Swords", LocationID: strPtr("loc-main"), SortOrder: 0},
			{ID: "g2", Name: "Hats", LocationID: strPtr("loc-main"), SortOrder: 1},
			{ID: "g3", Name: "Lamps", SortOrder: 0},
		},
	}
}

func TestGroupsLayoutStoresUnassignedAsNull(t *testing.T) {
	layout := GroupsLayout([]store.Location{{ID: "loc-main"}})
	if got := layout.EncodeColumn(UnassignedGroup); got != nil {
		t.Fatalf("expected nil location for unassigned, got %v", got)
	}
	if got := layout.EncodeColumn("loc-main"); got != "loc-main" {
		t.Fatalf("unexpected encoding: %v", got)
	}
	if got := layout.DecodeColumn(nil); got != UnassignedGroup {
		t.Fatalf("expected unassigned for nil, got %q", got)
	}
	if got := layout.Columns.Clamp("loc-deleted"); got != UnassignedGroup {
		t.Fatalf("expected unknown location to clamp to unassigned, got %q", got)
	}
}

func TestPropsLayoutRoundTripsColumnIndex(t *testing.T) {
	layout := PropsLayout()
	if got := layout.EncodeColumn(PropsReady); got != 1 {
		t.Fatalf("unexpected encoding: %v", got)
	}
	if got := layout.DecodeColumn(float64(1)); got != PropsReady {
		t.Fatalf("unexpected decoding: %q", got)
	}
	if id, ok := PerformanceFromKey(PropsKey("perf-9")); !ok || id != "perf-9" {
		t.Fatalf("unexpected performance id %q %v", id, ok)
	}
	if _, ok := PerformanceFromKey(GroupsKey); ok {
		t.Fatal("groups key must not parse as props key")
	}
}

func TestGroupsBoardFlushesAfterQuietPeriodAndSignals(t *testing.T) {
	st := groupFixture()
	m, clk, pub := newTestManager(st, mirror.NewMemory())
	ctx := context.Background()

	ctrl, err := m.Groups(ctx)
	if err != nil {
		t.Fatalf("open groups: %v", err)
	}
	if _, err := ctrl.Reorder(ctx, "g1", UnassignedGroup, 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	clk.Advance(29 * time.Second)
	if _, ok := st.patchFor("g1"); ok {
		t.Fatal("flushed before the quiet period elapsed")
	}
	clk.Advance(time.Second)

	call, ok := st.patchFor("g1")
	if !ok {
		t.Fatal("expected g1 to be written")
	}
	if call.table != "groups" || call.patch["location_id"] != nil || call.patch["sort_order"] != 0 {
		t.Fatalf("unexpected patch: %+v", call)
	}
	if call, ok := st.patchFor("g2"); !ok || call.patch["sort_order"] != 0 {
		t.Fatalf("expected sibling g2 renumbered, got %+v", call)
	}
	if _, ok := pub.find("groups", realtime.EventNotify, GroupsSignal); !ok {
		t.Fatal("expected groups_updated signal")
	}
	if _, ok := pub.find("groups", realtime.EventUpdate, "g1"); !ok {
		t.Fatal("expected row update event for g1")
	}
}

func TestPropsBoardRecoversMirroredChangesOnOpen(t *testing.T) {
	st := &fakeStore{props: map[string][]store.PerformanceProp{
		"perf-1": {
			{ID: "p1", ItemName: "Skull", ColumnIndex: 0, SortOrder: 0},
			{ID: "p2", ItemName: "Dagger", ColumnIndex: 0, SortOrder: 1},
		},
	}}
	mem := mirror.NewMemory()
	ctx := context.Background()
	if err := mem.Set(ctx, PropsKey("perf-1"), `{"p2":{"column_index":1,"sort_order":0}}`); err != nil {
		t.Fatalf("seed mirror: %v", err)
	}
	m, _, _ := newTestManager(st, mem)

	ctrl, err := m.Props(ctx, "perf-1")
	if err != nil {
		t.Fatalf("open props: %v", err)
	}
	call, ok := st.patchFor("p2")
	if !ok || call.table != "performance_props" {
		t.Fatalf("expected recovered patch for p2, got %+v", call)
	}
	if n, _ := writebehind.IntValue(call.patch["column_index"]); n != 1 {
		t.Fatalf("unexpected column_index: %v", call.patch["column_index"])
	}
	if _, ok, _ := mem.Get(ctx, PropsKey("perf-1")); ok {
		t.Fatal("expected mirror to be cleared after recovery flush")
	}
	records := ctrl.Records()
	if records[len(records)-1].ID != "p2" || records[len(records)-1].Column != PropsReady {
		t.Fatalf("unexpected board: %+v", records)
	}
}

func TestRecoverAllOpensBoardsWithMirroredChanges(t *testing.T) {
	st := groupFixture()
	st.props = map[string][]store.PerformanceProp{"perf-1": {{ID: "p1", ItemName: "Skull"}}}
	mem := mirror.NewMemory()
	ctx := context.Background()
	_ = mem.Set(ctx, GroupsKey, `{"g3":{"location_id":"loc-stage","sort_order":0}}`)
	_ = mem.Set(ctx, PropsKey("perf-1"), `{"p1":{"column_index":1,"sort_order":0}}`)
	_ = mem.Set(ctx, "unrelated", `{}`)
	m, _, _ := newTestManager(st, mem)

	keys, err := m.RecoverAll(ctx)
	if err != nil {
		t.Fatalf("recover all: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected two boards recovered, got %v", keys)
	}
	if call, ok := st.patchFor("g3"); !ok || call.patch["location_id"] != "loc-stage" {
		t.Fatalf("unexpected g3 patch: %+v", call)
	}
	if _, ok := st.patchFor("p1"); !ok {
		t.Fatal("expected p1 to be flushed")
	}
	if got := m.Open(); len(got) != 2 {
		t.Fatalf("expected two open boards, got %v", got)
	}
}

func TestCloseAllFlushesPendingChanges(t *testing.T) {
	st := groupFixture()
	m, _, _ := newTestManager(st, mirror.NewMemory())
	ctx := context.Background()

	ctrl, err := m.Groups(ctx)
	if err != nil {
		t.Fatalf("open groups: %v", err)
	}
	if _, err := ctrl.Reorder(ctx, "g3", "loc-stage", 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if err := m.CloseAll(ctx); err != nil {
		t.Fatalf("close all: %v", err)
	}
	if _, ok := st.patchFor("g3"); !ok {
		t.Fatal("expected close to flush g3")
	}
	if _, ok := m.Get(GroupsKey); ok {
		t.Fatal("expected board to be forgotten after close")
	}
}

func TestCloseKeepsMirrorWhenFlushFails(t *testing.T) {
	st := groupFixture()
	st.patchErr = errors.New("connection reset")
	mem := mirror.NewMemory()
	m, _, _ := newTestManager(st, mem)
	ctx := context.Background()

	ctrl, err := m.Groups(ctx)
	if err != nil {
		t.Fatalf("open groups: %v", err)
	}
	if _, err := ctrl.Reorder(ctx, "g3", "loc-stage", 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if err := m.Close(ctx, GroupsKey); err == nil {
		t.Fatal("expected close to report the failed flush")
	}
	if _, ok, _ := mem.Get(ctx, GroupsKey); !ok {
		t.Fatal("expected unsaved changes to stay mirrored")
	}
}

func TestFlushSkipsRowsDeletedElsewhere(t *testing.T) {
	st := groupFixture()
	st.missing = map[string]bool{"g1": true}
	mem := mirror.NewMemory()
	m, clk, pub := newTestManager(st, mem)
	ctx := context.Background()

	ctrl, err := m.Groups(ctx)
	if err != nil {
		t.Fatalf("open groups: %v", err)
	}
	if _, err := ctrl.Reorder(ctx, "g1", "loc-stage", 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if _, err := ctrl.Reorder(ctx, "g3", "loc-main", 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	clk.Advance(30 * time.Second)

	if call, ok := st.patchFor("g3"); !ok || call.patch["location_id"] != "loc-main" {
		t.Fatalf("expected g3 to be written, got %+v", call)
	}
	if pending := ctrl.Pending(); len(pending) != 0 {
		t.Fatalf("batch should clear despite the missing row, pending %+v", pending)
	}
	if _, ok, _ := mem.Get(ctx, GroupsKey); ok {
		t.Fatal("mirror should be removed after the batch is saved")
	}
	if _, ok := pub.find("groups", realtime.EventUpdate, "g1"); ok {
		t.Fatal("no update event expected for a missing row")
	}
}

func TestCancelDeletesRowAndPublishes(t *testing.T) {
	st := groupFixture()
	m, _, pub := newTestManager(st, mirror.NewMemory())
	ctx := context.Background()

	ctrl, err := m.Groups(ctx)
	if err != nil {
		t.Fatalf("open groups: %v", err)
	}
	if err := ctrl.Cancel(ctx, "g1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(st.deletes) != 1 || st.deletes[0] != "groups/g1" {
		t.Fatalf("unexpected deletes: %v", st.deletes)
	}
	if _, ok := pub.find("groups", realtime.EventDelete, "g1"); !ok {
		t.Fatal("expected delete event")
	}
}

func TestPropsRequiresPerformance(t *testing.T) {
	m, _, _ := newTestManager(&fakeStore{}, mirror.NewMemory())
	if _, err := m.Props(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty performance id")
	}
}
