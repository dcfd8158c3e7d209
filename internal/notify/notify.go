// Package notify delivers short user-facing status messages ("saved",
// "save failed") from background work such as board flushes.
package notify

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"backstage/api/internal/realtime"
)

// Handle identifies a loading notification so it can be dismissed.
type Handle string

// Notifier is the notification surface used by the write-behind
// controller and the scene note synchronizer.
type Notifier interface {
	Success(ctx context.Context, message string)
	Error(ctx context.Context, message string)
	Loading(ctx context.Context, message string) Handle
	Dismiss(ctx context.Context, handle Handle)
}

const (
	LevelSuccess = "success"
	LevelError   = "error"
	LevelLoading = "loading"
	LevelDismiss = "dismiss"
)

var handleSeq atomic.Uint64

func nextHandle() Handle {
	return Handle("n" + strconv.FormatUint(handleSeq.Add(1), 10))
}

// Log writes notifications to a structured logger.
type Log struct {
	Logger *slog.Logger
}

func (l Log) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l Log) Success(ctx context.Context, message string) {
	l.logger().InfoContext(ctx, "notify", "level", LevelSuccess, "message", message)
}

func (l Log) Error(ctx context.Context, message string) {
	l.logger().WarnContext(ctx, "notify", "level", LevelError, "message", message)
}

func (l Log) Loading(ctx context.Context, message string) Handle {
	h := nextHandle()
	l.logger().DebugContext(ctx, "notify", "level", LevelLoading, "message", message, "handle", string(h))
	return h
}

func (l Log) Dismiss(ctx context.Context, handle Handle) {
	l.logger().DebugContext(ctx, "notify", "level", LevelDismiss, "handle", string(handle))
}

// Broadcast publishes notifications as realtime events on the
// "notifications" collection, scoped by Topic (a board or note key).
type Broadcast struct {
	Publisher realtime.Publisher
	Topic     string
	Logger    *slog.Logger
}

const Collection = "notifications"

func (b Broadcast) publish(ctx context.Context, level, message string, handle Handle) {
	row := map[string]any{"level": level, "topic": b.Topic}
	if message != "" {
		row["message"] = message
	}
	if handle != "" {
		row["handle"] = string(handle)
	}
	// Notifications outlive the request that triggered them.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	err := b.Publisher.Publish(ctx, realtime.Event{
		Collection: Collection,
		Type:       realtime.EventNotify,
		ID:         string(handle),
		Row:        row,
	})
	if err != nil && b.Logger != nil {
		b.Logger.Warn("notify: broadcast failed", "topic", b.Topic, "error", err)
	}
}

func (b Broadcast) Success(ctx context.Context, message string) {
	b.publish(ctx, LevelSuccess, message, "")
}

func (b Broadcast) Error(ctx context.Context, message string) {
	b.publish(ctx, LevelError, message, "")
}

func (b Broadcast) Loading(ctx context.Context, message string) Handle {
	h := nextHandle()
	b.publish(ctx, LevelLoading, message, h)
	return h
}

func (b Broadcast) Dismiss(ctx context.Context, handle Handle) {
	b.publish(ctx, LevelDismiss, "", handle)
}

// Multi fans a notification out to several notifiers. Loading handles
// are tracked so Dismiss reaches every target with its own handle.
type Multi struct {
	targets []Notifier
	handles sync.Map
}

func NewMulti(targets ...Notifier) *Multi {
	return &Multi{targets: targets}
}

func (m *Multi) Success(ctx context.Context, message string) {
	for _, n := range m.targets {
		n.Success(ctx, message)
	}
}

func (m *Multi) Error(ctx context.Context, message string) {
	for _, n := range m.targets {
		n.Error(ctx, message)
	}
}

func (m *Multi) Loading(ctx context.Context, message string) Handle {
	handle := nextHandle()
	handles := make([]Handle, len(m.targets))
	for i, n := range m.targets {
		handles[i] = n.Loading(ctx, message)
	}
	m.handles.Store(handle, handles)
	return handle
}

func (m *Multi) Dismiss(ctx context.Context, handle Handle) {
	value, ok := m.handles.LoadAndDelete(handle)
	if !ok {
		return
	}
	for i, h := range value.([]Handle) {
		m.targets[i].Dismiss(ctx, h)
	}
}

// Recorder keeps notifications in memory. Tests use it to assert what a
// user would have seen.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

type Entry struct {
	Level   string
	Message string
	Handle  Handle
}

func (r *Recorder) add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *Recorder) Success(_ context.Context, message string) {
	r.add(Entry{Level: LevelSuccess, Message: message})
}

func (r *Recorder) Error(_ context.Context, message string) {
	r.add(Entry{Level: LevelError, Message: message})
}

func (r *Recorder) Loading(_ context.Context, message string) Handle {
	h := nextHandle()
	r.add(Entry{Level: LevelLoading, Message: message, Handle: h})
	return h
}

func (r *Recorder) Dismiss(_ context.Context, handle Handle) {
	r.add(Entry{Level: LevelDismiss, Handle: handle})
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns how many entries were recorded at level.
func (r *Recorder) Count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Level == level {
			n++
		}
	}
	return n
}
