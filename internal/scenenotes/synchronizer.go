package scenenotes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backstage/api/internal/clock"
	"backstage/api/internal/notify"
)

var ErrUnknownScene = errors.New("scenenotes: unknown scene")

// State is the lifecycle of one scene's editor.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateHydrating     State = "hydrating"
	StateEditable      State = "editable"
	StateDirty         State = "dirty"
	StateSynced        State = "synced"
)

// Saver persists a whole note document.
type Saver interface {
	SaveNote(ctx context.Context, noteID string, doc Node) error
}

type SyncOptions struct {
	NoteID      string
	QuietPeriod time.Duration
	SaveTimeout time.Duration
	Labels      Labels
	Saver       Saver
	Notifier    notify.Notifier
	Clock       clock.Clock
	Logger      *slog.Logger
}

type sceneState struct {
	state   State
	version uint64
}

// Synchronizer holds a note split into scene sections while it is being
// edited. Edits to any scene arm one debounce timer; when it fires the
// document is reassembled and saved.
type Synchronizer struct {
	opts SyncOptions

	flushMu sync.Mutex

	mu       sync.Mutex
	scenes   []Scene
	sections Sections
	states   map[string]*sceneState
	timer    *clock.Timer
	closed   bool
}

func NewSynchronizer(opts SyncOptions) *Synchronizer {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{Logger: opts.Logger}
	}
	if opts.Labels == (Labels{}) {
		opts.Labels = English
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 30 * time.Second
	}
	return &Synchronizer{
		opts:     opts,
		sections: Sections{Scenes: map[string][]Node{}},
		states:   map[string]*sceneState{},
	}
}

// Load hydrates every scene editor from doc. Pending edits are discarded.
func (s *Synchronizer) Load(doc Node, scenes []Scene) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timer.Stop()
	s.scenes = append([]Scene(nil), scenes...)
	s.states = make(map[string]*sceneState, len(scenes))
	for _, sc := range scenes {
		s.states[sc.ID] = &sceneState{state: StateHydrating}
	}
	s.sections = Parse(doc, scenes)
	for _, st := range s.states {
		st.state = StateEditable
	}
}

// State returns the editor state of a scene. Unknown scenes are
// uninitialized.
func (s *Synchronizer) State(sceneID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[sceneID]; ok {
		return st.state
	}
	return StateUninitialized
}

// Scenes returns the canonical scene list in document order.
func (s *Synchronizer) Scenes() []Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SortScenes(s.scenes)
}

// Sections returns a copy of the current per-scene content.
func (s *Synchronizer) Sections() Sections {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Sections{Scenes: make(map[string][]Node, len(s.sections.Scenes))}
	for id, fragment := range s.sections.Scenes {
		out.Scenes[id] = append([]Node(nil), fragment...)
	}
	out.Unassigned = append([]Node(nil), s.sections.Unassigned...)
	return out
}

// Document assembles the current sections into a full note.
func (s *Synchronizer) Document() Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Labels.Assemble(s.scenes, s.sections)
}

// Edit replaces one scene's fragment and arms the save timer.
func (s *Synchronizer) Edit(ctx context.Context, sceneID string, fragment []Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("edit scene %s: synchronizer closed", sceneID)
	}
	st, ok := s.states[sceneID]
	if !ok {
		return ErrUnknownScene
	}
	s.sections.Scenes[sceneID] = append([]Node(nil), fragment...)
	st.state = StateDirty
	st.version++
	s.armLocked()
	s.opts.Logger.DebugContext(ctx, "scenenotes: scene edited", "note_id", s.opts.NoteID, "scene_id", sceneID)
	return nil
}

// Dirty reports whether any scene has unsaved edits.
func (s *Synchronizer) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.states {
		if st.state == StateDirty {
			return true
		}
	}
	return false
}

// Flush reassembles and saves the document if any scene is dirty. Scenes
// edited while the save was running stay dirty.
func (s *Synchronizer) Flush(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	s.timer.Stop()
	versions := map[string]uint64{}
	for id, st := range s.states {
		if st.state == StateDirty {
			versions[id] = st.version
		}
	}
	if len(versions) == 0 {
		s.mu.Unlock()
		return nil
	}
	doc := s.opts.Labels.Assemble(s.scenes, s.sections)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.SaveTimeout)
	defer cancel()
	if err := s.opts.Saver.SaveNote(ctx, s.opts.NoteID, doc); err != nil {
		s.opts.Logger.Error("scenenotes: save failed", "note_id", s.opts.NoteID, "error", err)
		s.opts.Notifier.Error(ctx, "Failed to save notes")
		return fmt.Errorf("save note %s: %w", s.opts.NoteID, err)
	}

	s.mu.Lock()
	for id, version := range versions {
		if st, ok := s.states[id]; ok && st.version == version {
			st.state = StateSynced
		}
	}
	s.mu.Unlock()
	return nil
}

// Close stops the timer and saves pending edits.
func (s *Synchronizer) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.timer.Stop()
	s.mu.Unlock()
	return s.Flush(ctx)
}

func (s *Synchronizer) armLocked() {
	if s.timer != nil {
		s.timer.Reset(s.opts.QuietPeriod)
		return
	}
	s.timer = s.opts.Clock.AfterFunc(s.opts.QuietPeriod, s.onQuiet)
}

func (s *Synchronizer) onQuiet() {
	if err := s.Flush(context.Background()); err != nil {
		s.opts.Logger.Debug("scenenotes: debounced save will retry on next edit", "note_id", s.opts.NoteID)
	}
}
