// Package writebehind keeps an optimistically reordered board in memory,
// mirrors unsaved changes to durable storage and flushes them to the
// database in batches after a quiet period.
package writebehind

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"backstage/api/internal/clock"
	"backstage/api/internal/mirror"
	"backstage/api/internal/notify"
	"backstage/api/internal/reorder"
)

var ErrClosed = errors.New("writebehind: controller closed")

// Reason records what triggered a flush.
type Reason string

const (
	ReasonDebounce Reason = "debounce"
	ReasonSave     Reason = "save"
	ReasonBlur     Reason = "blur"
	ReasonClose    Reason = "close"
	ReasonRecover  Reason = "recover"
)

// Updater applies patches to the remote store.
type Updater interface {
	Update(ctx context.Context, id string, patch Patch) error
	Delete(ctx context.Context, id string) error
}

// Layout maps board placement onto record fields.
type Layout struct {
	Columns     reorder.Columns
	ColumnField string
	RankField   string
	// EncodeColumn turns a column id into the stored field value.
	EncodeColumn func(column string) any
	// DecodeColumn turns a stored field value back into a column id.
	DecodeColumn func(value any) string
}

func (l Layout) encode(column string) any {
	if l.EncodeColumn == nil {
		return column
	}
	return l.EncodeColumn(column)
}

func (l Layout) decode(value any) string {
	if l.DecodeColumn == nil {
		s, _ := value.(string)
		return s
	}
	return l.DecodeColumn(value)
}

// Record is one board entry as seen by callers.
type Record struct {
	ID     string         `json:"id"`
	Column string         `json:"column"`
	Rank   int            `json:"rank"`
	Fields map[string]any `json:"fields,omitempty"`
}

type Options struct {
	// Key names the durable mirror entry for this board.
	Key          string
	QuietPeriod  time.Duration
	FlushTimeout time.Duration
	Layout       Layout
	Updater      Updater
	Mirror       mirror.Mirror
	Notifier     notify.Notifier
	Clock        clock.Clock
	Logger       *slog.Logger
	// OnFlush runs after a batch was written successfully.
	OnFlush func(ctx context.Context, ids []string)
}

// Controller owns one board for the lifetime of an editing session.
type Controller struct {
	opts Options

	// flushMu serializes flushes. It is acquired before mu.
	flushMu sync.Mutex

	mu      sync.Mutex
	items   []reorder.Item
	fields  map[string]map[string]any
	pending map[string]Patch
	timer   *clock.Timer
	closed  bool
}

// New builds a controller over records. Ranks are normalized; records
// whose placement had to change are queued as pending patches in memory
// only. Call Recover next: it merges the previous session's mirror
// before anything is written to it, then persists and arms the timer.
func New(ctx context.Context, opts Options, records []Record) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{Logger: opts.Logger}
	}
	if opts.Mirror == nil {
		opts.Mirror = mirror.NewMemory()
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 30 * time.Second
	}

	c := &Controller{
		opts:    opts,
		fields:  make(map[string]map[string]any, len(records)),
		pending: make(map[string]Patch),
	}
	items := make([]reorder.Item, 0, len(records))
	for _, r := range records {
		items = append(items, reorder.Item{ID: r.ID, Column: r.Column, Rank: r.Rank})
		c.fields[r.ID] = copyFields(r.Fields)
	}
	normalized, changes := reorder.Normalize(items, opts.Layout.Columns)
	c.items = normalized

	c.recordPlacementLocked(changes)
	return c
}

func copyFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Key returns the mirror key of the board.
func (c *Controller) Key() string { return c.opts.Key }

// Records returns the board ordered by column then rank.
func (c *Controller) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	position := map[string]int{}
	for i, id := range c.opts.Layout.Columns.IDs {
		position[id] = i
	}
	out := make([]Record, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, Record{ID: item.ID, Column: item.Column, Rank: item.Rank, Fields: copyFields(c.fields[item.ID])})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Column != out[j].Column {
			return position[out[i].Column] < position[out[j].Column]
		}
		return out[i].Rank < out[j].Rank
	})
	return out
}

// Pending returns a copy of the unsaved patches.
func (c *Controller) Pending() map[string]Patch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePending(c.pending)
}

// Reorder moves id to rank within column and queues a patch for every
// record whose placement changed.
func (c *Controller) Reorder(ctx context.Context, id, column string, rank int) ([]reorder.Change, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	next, changes, err := reorder.Apply(c.items, c.opts.Layout.Columns, reorder.Move{ID: id, Column: column, Rank: rank})
	if err != nil {
		return nil, err
	}
	c.items = next
	if len(changes) == 0 {
		return changes, nil
	}
	c.recordPlacementLocked(changes)
	c.persistLocked(ctx)
	c.armLocked()
	return changes, nil
}

// Update applies an auxiliary field edit optimistically and queues it.
// Placement fields are rejected; use Reorder for those.
func (c *Controller) Update(ctx context.Context, id string, patch Patch) error {
	if len(patch) == 0 {
		return nil
	}
	if _, ok := patch[c.opts.Layout.ColumnField]; ok {
		return fmt.Errorf("update %s: %s is a placement field", id, c.opts.Layout.ColumnField)
	}
	if _, ok := patch[c.opts.Layout.RankField]; ok {
		return fmt.Errorf("update %s: %s is a placement field", id, c.opts.Layout.RankField)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	fields, ok := c.fields[id]
	if !ok {
		return reorder.ErrUnknownItem
	}
	for k, v := range patch {
		fields[k] = v
	}
	c.queueLocked(id, patch)
	c.persistLocked(ctx)
	c.armLocked()
	return nil
}

// Cancel deletes id: it leaves the board at once, its pending patch is
// dropped and the remote delete is issued without waiting for the timer.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	index := -1
	for i, item := range c.items {
		if item.ID == id {
			index = i
			break
		}
	}
	if index < 0 {
		c.mu.Unlock()
		return reorder.ErrUnknownItem
	}
	remaining := make([]reorder.Item, 0, len(c.items)-1)
	remaining = append(remaining, c.items[:index]...)
	remaining = append(remaining, c.items[index+1:]...)
	normalized, changes := reorder.Normalize(remaining, c.opts.Layout.Columns)
	c.items = normalized
	delete(c.fields, id)
	delete(c.pending, id)
	c.recordPlacementLocked(changes)
	c.persistLocked(ctx)
	if len(c.pending) > 0 {
		c.armLocked()
	}
	c.mu.Unlock()

	if err := c.opts.Updater.Delete(ctx, id); err != nil {
		c.opts.Logger.Error("writebehind: delete failed", "key", c.opts.Key, "id", id, "error", err)
		c.opts.Notifier.Error(ctx, "Failed to delete item")
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Flush writes every pending patch, one update per record, in parallel.
// Only a fully successful batch clears anything, and then only entries
// that were not modified while the batch was in flight.
func (c *Controller) Flush(ctx context.Context, reason Reason) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	c.timer.Stop()
	snapshot := clonePending(c.pending)
	c.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.FlushTimeout)
	defer cancel()

	logger := c.opts.Logger.With("key", c.opts.Key, "reason", string(reason), "count", len(snapshot))
	handle := c.opts.Notifier.Loading(ctx, "Saving changes...")

	var g errgroup.Group
	for id, patch := range snapshot {
		g.Go(func() error {
			if err := c.opts.Updater.Update(ctx, id, patch); err != nil {
				return fmt.Errorf("update %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()
	c.opts.Notifier.Dismiss(ctx, handle)
	if err != nil {
		logger.Error("writebehind: flush failed", "error", err)
		c.opts.Notifier.Error(ctx, "Failed to save changes")
		return err
	}

	ids := make([]string, 0, len(snapshot))
	c.mu.Lock()
	for id, sent := range snapshot {
		ids = append(ids, id)
		if current, ok := c.pending[id]; ok && current.equal(sent) {
			delete(c.pending, id)
		}
	}
	c.persistLocked(ctx)
	c.mu.Unlock()
	sort.Strings(ids)

	logger.Info("writebehind: flushed")
	c.opts.Notifier.Success(ctx, fmt.Sprintf("Saved %d changes", len(ids)))
	if c.opts.OnFlush != nil {
		c.opts.OnFlush(ctx, ids)
	}
	return nil
}

// Recover loads patches left in the mirror by an earlier session, applies
// them to the board and attempts one flush. An unreadable mirror is
// treated as empty. It reports whether anything was restored.
func (c *Controller) Recover(ctx context.Context) (bool, error) {
	recovered := c.readMirror(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	restored := 0
	if len(recovered) > 0 {
		restored = c.applyRecoveredLocked(recovered)
	}
	c.persistLocked(ctx)
	if restored == 0 && len(c.pending) > 0 {
		c.armLocked()
	}
	c.mu.Unlock()

	if restored == 0 {
		return false, nil
	}
	c.opts.Logger.Info("writebehind: restored unsaved changes", "key", c.opts.Key, "count", restored)
	c.opts.Notifier.Success(ctx, "Restored unsaved changes")
	return true, c.Flush(ctx, ReasonRecover)
}

// readMirror returns the patches stored under the board key. A missing,
// unreadable or corrupt entry yields nil.
func (c *Controller) readMirror(ctx context.Context) map[string]Patch {
	raw, ok, err := c.opts.Mirror.Get(ctx, c.opts.Key)
	if err != nil {
		c.opts.Logger.Warn("writebehind: mirror unavailable", "key", c.opts.Key, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	recovered, err := DecodeMirror(raw)
	if err != nil {
		c.opts.Logger.Warn("writebehind: ignoring corrupt mirror", "key", c.opts.Key, "error", err)
		return nil
	}
	return recovered
}

// Close stops the timer and flushes synchronously. Later calls on the
// controller fail with ErrClosed.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.timer.Stop()
	c.mu.Unlock()
	return c.Flush(ctx, ReasonClose)
}

func (c *Controller) applyRecoveredLocked(recovered map[string]Patch) int {
	index := make(map[string]int, len(c.items))
	for i, item := range c.items {
		index[item.ID] = i
	}
	layout := c.opts.Layout
	restored := 0
	for id, patch := range recovered {
		i, ok := index[id]
		if !ok {
			c.opts.Logger.Warn("writebehind: dropping recovered patch for unknown record", "key", c.opts.Key, "id", id)
			continue
		}
		for field, value := range patch {
			switch field {
			case layout.ColumnField:
				c.items[i].Column = layout.Columns.Clamp(layout.decode(value))
			case layout.RankField:
				if rank, ok := IntValue(value); ok {
					c.items[i].Rank = rank
				}
			default:
				c.fields[id][field] = value
			}
		}
		c.queueLocked(id, patch)
		restored++
	}
	normalized, changes := reorder.Normalize(c.items, layout.Columns)
	c.items = normalized
	c.recordPlacementLocked(changes)
	return restored
}

func (c *Controller) recordPlacementLocked(changes []reorder.Change) {
	layout := c.opts.Layout
	for _, change := range changes {
		c.queueLocked(change.ID, Patch{
			layout.ColumnField: layout.encode(change.Column),
			layout.RankField:   change.Rank,
		})
	}
}

func (c *Controller) queueLocked(id string, patch Patch) {
	current, ok := c.pending[id]
	if !ok {
		current = make(Patch, len(patch))
		c.pending[id] = current
	}
	current.Merge(patch)
}

// persistLocked writes the whole pending map to the mirror, or removes
// the mirror when nothing is pending. Failures are logged only.
func (c *Controller) persistLocked(ctx context.Context) {
	var err error
	if len(c.pending) == 0 {
		err = c.opts.Mirror.Remove(ctx, c.opts.Key)
	} else {
		var raw string
		raw, err = EncodeMirror(c.pending)
		if err == nil {
			err = c.opts.Mirror.Set(ctx, c.opts.Key, raw)
		}
	}
	if err != nil {
		c.opts.Logger.Warn("writebehind: mirror write failed", "key", c.opts.Key, "error", err)
	}
}

func (c *Controller) armLocked() {
	if c.timer != nil {
		c.timer.Reset(c.opts.QuietPeriod)
		return
	}
	c.timer = c.opts.Clock.AfterFunc(c.opts.QuietPeriod, c.onQuiet)
}

func (c *Controller) onQuiet() {
	if err := c.Flush(context.Background(), ReasonDebounce); err != nil {
		c.opts.Logger.Debug("writebehind: debounced flush will retry on next change", "key", c.opts.Key)
	}
}
