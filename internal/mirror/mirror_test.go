package mirror

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func exerciseMirror(t *testing.T, m Mirror) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := m.Get(ctx, "group_kanban_pending_updates"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}

	if err := m.Set(ctx, "group_kanban_pending_updates", `{"g1":{"location_id":null}}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := m.Set(ctx, "props_kanban_pending_updates:perf-1", `{}`); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, ok, err := m.Get(ctx, "group_kanban_pending_updates")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if value != `{"g1":{"location_id":null}}` {
		t.Errorf("unexpected value %q", value)
	}

	keys, err := m.Keys(ctx, "props_kanban")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "props_kanban_pending_updates:perf-1" {
		t.Errorf("unexpected keys %v", keys)
	}

	if err := m.Remove(ctx, "group_kanban_pending_updates"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, ok, _ := m.Get(ctx, "group_kanban_pending_updates"); ok {
		t.Error("expected key removed")
	}
	if err := m.Remove(ctx, "never-set"); err != nil {
		t.Errorf("removing a missing key should not fail: %v", err)
	}
}

func TestMemoryMirror(t *testing.T) {
	exerciseMirror(t, NewMemory())
}

func TestRedisMirror(t *testing.T) {
	s := miniredis.RunT(t)
	m, err := NewRedis("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer m.Close()

	exerciseMirror(t, m)

	if !s.Exists("mirror:props_kanban_pending_updates:perf-1") {
		t.Error("expected prefixed key in redis")
	}
	if ttl := s.TTL("mirror:props_kanban_pending_updates:perf-1"); ttl != 0 {
		t.Errorf("mirror keys must not expire, got ttl %v", ttl)
	}
}

func TestRedisMirrorUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	if _, err := NewRedis("redis://" + addr); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestBoltMirrorSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "mirror.db")
	m, err := NewBolt(path)
	if err != nil {
		t.Fatalf("NewBolt failed: %v", err)
	}
	exerciseMirror(t, m)
	if err := m.Set(context.Background(), "k", "v"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewBolt(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	value, ok, err := reopened.Get(context.Background(), "k")
	if err != nil || !ok || value != "v" {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestBoltMirrorRequiresPath(t *testing.T) {
	if _, err := NewBolt("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	m, closeFn, err := Open("memory", nil, "")
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := m.(*Memory); !ok {
		t.Errorf("expected *Memory, got %T", m)
	}
	_ = closeFn()

	if _, _, err := Open("redis", nil, ""); err == nil {
		t.Errorf("expected redis backend without a client to fail")
	}

	b, closeFn, err := Open("bolt", nil, filepath.Join(t.TempDir(), "pending.db"))
	if err != nil {
		t.Fatalf("Open(bolt) error = %v", err)
	}
	exerciseMirror(t, b)
	if err := closeFn(); err != nil {
		t.Errorf("close bolt: %v", err)
	}

	if _, _, err := Open("etcd", nil, ""); err == nil {
		t.Errorf("expected unknown backend to fail")
	}
}
