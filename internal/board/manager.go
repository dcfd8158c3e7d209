package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"backstage/api/internal/clock"
	"backstage/api/internal/mirror"
	"backstage/api/internal/notify"
	"backstage/api/internal/realtime"
	"backstage/api/internal/writebehind"
)

type Config struct {
	GroupsQuietPeriod time.Duration
	PropsQuietPeriod  time.Duration
	FlushTimeout      time.Duration
	Mirror            mirror.Mirror
	Publisher         realtime.Publisher
	Clock             clock.Clock
	Logger            *slog.Logger
}

// Manager keeps one controller per open board. Boards are opened lazily
// and recover their mirrored changes when they are opened.
type Manager struct {
	store Store
	cfg   Config

	mu     sync.Mutex
	boards map[string]*writebehind.Controller
}

func NewManager(st Store, cfg Config) *Manager {
	if cfg.GroupsQuietPeriod <= 0 {
		cfg.GroupsQuietPeriod = DefaultGroupsQuietPeriod
	}
	if cfg.PropsQuietPeriod <= 0 {
		cfg.PropsQuietPeriod = DefaultPropsQuietPeriod
	}
	if cfg.Mirror == nil {
		cfg.Mirror = mirror.NewMemory()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = realtime.Nop{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{store: st, cfg: cfg, boards: map[string]*writebehind.Controller{}}
}

// Groups returns the group board, opening it on first use.
func (m *Manager) Groups(ctx context.Context) (*writebehind.Controller, error) {
	return m.open(ctx, GroupsKey, func(ctx context.Context) (writebehind.Options, []writebehind.Record, error) {
		locations, err := m.store.ListLocations(ctx)
		if err != nil {
			return writebehind.Options{}, nil, fmt.Errorf("load locations: %w", err)
		}
		groups, err := m.store.ListGroups(ctx)
		if err != nil {
			return writebehind.Options{}, nil, fmt.Errorf("load groups: %w", err)
		}
		opts := m.options(GroupsKey, "groups", m.cfg.GroupsQuietPeriod, GroupsLayout(locations))
		opts.OnFlush = m.signal("groups", GroupsSignal, nil)
		return opts, groupRecords(groups), nil
	})
}

// Props returns the prop board of a performance, opening it on first use.
func (m *Manager) Props(ctx context.Context, performanceID string) (*writebehind.Controller, error) {
	if strings.TrimSpace(performanceID) == "" {
		return nil, errors.New("props board: performance id is required")
	}
	key := PropsKey(performanceID)
	return m.open(ctx, key, func(ctx context.Context) (writebehind.Options, []writebehind.Record, error) {
		props, err := m.store.ListPerformanceProps(ctx, performanceID)
		if err != nil {
			return writebehind.Options{}, nil, fmt.Errorf("load props: %w", err)
		}
		opts := m.options(key, "performance_props", m.cfg.PropsQuietPeriod, PropsLayout())
		opts.OnFlush = m.signal("performance_props", PropsSignal, map[string]any{"performance_id": performanceID})
		return opts, propRecords(props), nil
	})
}

// Get returns an already open board.
func (m *Manager) Get(key string) (*writebehind.Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.boards[key]
	return ctrl, ok
}

// Open lists the keys of open boards.
func (m *Manager) Open() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.boards))
	for key := range m.boards {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close flushes and forgets one board. The board is forgotten even when
// the flush fails; its changes stay in the mirror for the next open.
func (m *Manager) Close(ctx context.Context, key string) error {
	m.mu.Lock()
	ctrl, ok := m.boards[key]
	delete(m.boards, key)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return ctrl.Close(ctx)
}

// CloseAll closes every open board.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, key := range m.Open() {
		if err := m.Close(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// RecoverAll opens every board that has changes left in the mirror, which
// replays and flushes them. It returns the keys it opened.
func (m *Manager) RecoverAll(ctx context.Context) ([]string, error) {
	keys, err := m.cfg.Mirror.Keys(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list mirror keys: %w", err)
	}
	sort.Strings(keys)

	recovered := make([]string, 0, len(keys))
	var errs []error
	for _, key := range keys {
		switch {
		case key == GroupsKey:
			_, err = m.Groups(ctx)
		default:
			id, ok := PerformanceFromKey(key)
			if !ok {
				continue
			}
			_, err = m.Props(ctx, id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recover %s: %w", key, err))
			continue
		}
		recovered = append(recovered, key)
	}
	return recovered, errors.Join(errs...)
}

type buildFunc func(ctx context.Context) (writebehind.Options, []writebehind.Record, error)

func (m *Manager) open(ctx context.Context, key string, build buildFunc) (*writebehind.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctrl, ok := m.boards[key]; ok {
		return ctrl, nil
	}

	opts, records, err := build(ctx)
	if err != nil {
		return nil, err
	}
	ctrl := writebehind.New(ctx, opts, records)
	if _, err := ctrl.Recover(ctx); err != nil {
		// The board is usable; the restored changes stay pending.
		m.cfg.Logger.Warn("board: recovered changes not flushed", "key", key, "error", err)
	}
	m.boards[key] = ctrl
	return ctrl, nil
}

func (m *Manager) options(key, table string, quiet time.Duration, layout writebehind.Layout) writebehind.Options {
	logger := m.cfg.Logger.With("board", key)
	return writebehind.Options{
		Key:          key,
		QuietPeriod:  quiet,
		FlushTimeout: m.cfg.FlushTimeout,
		Layout:       layout,
		Updater:      tableUpdater{table: table, store: m.store, publisher: m.cfg.Publisher, logger: logger},
		Mirror:       m.cfg.Mirror,
		Notifier: notify.NewMulti(
			notify.Log{Logger: logger},
			notify.Broadcast{Publisher: m.cfg.Publisher, Topic: key, Logger: logger},
		),
		Clock:  m.cfg.Clock,
		Logger: logger,
	}
}

// signal returns an OnFlush hook that tells listeners to refetch.
func (m *Manager) signal(collection, name string, extra map[string]any) func(context.Context, []string) {
	return func(ctx context.Context, ids []string) {
		row := map[string]any{"signal": name, "ids": ids}
		for k, v := range extra {
			row[k] = v
		}
		err := m.cfg.Publisher.Publish(ctx, realtime.Event{
			Collection: collection,
			Type:       realtime.EventNotify,
			ID:         name,
			Row:        row,
		})
		if err != nil {
			m.cfg.Logger.Warn("board: signal failed", "signal", name, "error", err)
		}
	}
}
