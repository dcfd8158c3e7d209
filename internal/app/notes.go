package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"backstage/api/internal/gitrepo"
	"backstage/api/internal/notify"
	"backstage/api/internal/realtime"
	"backstage/api/internal/scenenotes"
	"backstage/api/internal/search"
	"backstage/api/internal/store"
)

const defaultHistoryLimit = 50

// noteRegistry keeps one scene synchronizer per note being edited.
type noteRegistry struct {
	svc *Service

	mu      sync.Mutex
	open    map[string]*scenenotes.Synchronizer
	editors map[string]string
}

func newNoteRegistry(svc *Service) *noteRegistry {
	return &noteRegistry{
		svc:     svc,
		open:    map[string]*scenenotes.Synchronizer{},
		editors: map[string]string{},
	}
}

// get returns the note's synchronizer, loading it on first use.
func (r *noteRegistry) get(ctx context.Context, noteID string) (*scenenotes.Synchronizer, error) {
	r.mu.Lock()
	if sn, ok := r.open[noteID]; ok {
		r.mu.Unlock()
		return sn, nil
	}
	r.mu.Unlock()

	note, err := r.svc.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if note.PerformanceID == nil {
		return nil, validationError("note is not attached to a performance")
	}
	scenes, err := r.svc.store.ListScenes(ctx, *note.PerformanceID)
	if err != nil {
		return nil, err
	}
	doc, err := scenenotes.DecodeDoc(note.Content)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sn, ok := r.open[noteID]; ok {
		return sn, nil
	}
	sn := scenenotes.NewSynchronizer(scenenotes.SyncOptions{
		NoteID:      noteID,
		QuietPeriod: r.svc.cfg.NotesQuietPeriod,
		Labels:      r.svc.labels,
		Saver:       r,
		Notifier: notify.NewMulti(
			notify.Log{Logger: r.svc.logger},
			notify.Broadcast{Publisher: r.svc.publisher, Topic: "note:" + noteID, Logger: r.svc.logger},
		),
		Clock:  r.svc.clock,
		Logger: r.svc.logger,
	})
	sn.Load(doc, toSceneNotes(scenes))
	r.open[noteID] = sn
	return sn, nil
}

func (r *noteRegistry) lookup(noteID string) (*scenenotes.Synchronizer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sn, ok := r.open[noteID]
	return sn, ok
}

func (r *noteRegistry) setEditor(noteID, name string) {
	r.mu.Lock()
	r.editors[noteID] = name
	r.mu.Unlock()
}

func (r *noteRegistry) editor(noteID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editors[noteID]
}

// reload replaces an open editor's content after the note was rewritten
// elsewhere.
func (r *noteRegistry) reload(noteID string, doc scenenotes.Node, scenes []scenenotes.Scene) {
	if sn, ok := r.lookup(noteID); ok {
		sn.Load(doc, scenes)
	}
}

func (r *noteRegistry) flushIfOpen(ctx context.Context, noteID string) error {
	if sn, ok := r.lookup(noteID); ok {
		return sn.Flush(ctx)
	}
	return nil
}

func (r *noteRegistry) close(ctx context.Context, noteID string) error {
	r.mu.Lock()
	sn, ok := r.open[noteID]
	delete(r.open, noteID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return sn.Close(ctx)
}

func (r *noteRegistry) closeAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.open))
	for id := range r.open {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := r.close(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveNote is called by a synchronizer when its debounce timer fires or
// it is flushed.
func (r *noteRegistry) SaveNote(ctx context.Context, noteID string, doc scenenotes.Node) error {
	note, err := r.svc.store.GetNote(ctx, noteID)
	if err != nil {
		return err
	}
	return r.svc.saveNote(ctx, note, doc, r.editor(noteID), "Update scene notes")
}

// saveNote writes the content, then refreshes mentions, history and the
// search index. Only the content write can fail the save.
func (s *Service) saveNote(ctx context.Context, note store.Note, doc scenenotes.Node, author, message string) error {
	content, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode note: %w", err)
	}
	if err := s.store.UpdateNoteContent(ctx, note.ID, content, author); err != nil {
		return fmt.Errorf("update note %s: %w", note.ID, err)
	}
	s.noteSaved(ctx, note, doc, content, author, message)
	return nil
}

// noteSaved runs the follow-ups of a stored note write. Their failures
// are logged only.
func (s *Service) noteSaved(ctx context.Context, note store.Note, doc scenenotes.Node, content []byte, author, message string) {
	if err := s.store.ReplaceNoteMentions(ctx, note.ID, noteMentions(note.ID, doc)); err != nil {
		s.logger.Warn("refresh note mentions failed", "note_id", note.ID, "error", err)
	}

	var scenes []scenenotes.Scene
	performanceID := ""
	if note.PerformanceID != nil {
		performanceID = *note.PerformanceID
		if list, err := s.store.ListScenes(ctx, performanceID); err == nil {
			scenes = toSceneNotes(list)
		}
	}
	if s.git != nil {
		rev := gitrepo.Revision{Title: note.Title, Scenes: scenes, Doc: content}
		if commit, created, err := s.git.Record(note.ID, rev, author, message); err != nil {
			s.logger.Warn("record note revision failed", "note_id", note.ID, "error", err)
		} else if created {
			s.logger.Debug("note revision recorded", "note_id", note.ID, "hash", commit.Hash)
		}
	}

	s.index(search.Record{
		ID:            note.ID,
		Type:          search.ResultNote,
		Title:         note.Title,
		Body:          scenenotes.PlainText(doc),
		PerformanceID: performanceID,
	})
	s.publish(ctx, "notes", realtime.EventUpdate, note.ID, map[string]any{"updatedBy": author})
}

func noteMentions(noteID string, doc scenenotes.Node) []store.NoteMention {
	found := scenenotes.ExtractMentions(doc)
	out := make([]store.NoteMention, 0, len(found))
	for _, m := range found {
		if m.ID == "" {
			continue
		}
		targetType := m.Type
		if targetType == "" {
			targetType = "user"
		}
		out = append(out, store.NoteMention{NoteID: noteID, TargetID: m.ID, TargetType: targetType, Label: m.Label})
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (s *Service) GetNote(ctx context.Context, noteID string) (map[string]any, error) {
	if err := s.notes.flushIfOpen(ctx, noteID); err != nil {
		return nil, err
	}
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return notePayload(note), nil
}

// SaveNoteContent replaces the whole document, bypassing the scene editor.
func (s *Service) SaveNoteContent(ctx context.Context, session Session, noteID string, content json.RawMessage) (map[string]any, error) {
	doc, err := scenenotes.DecodeDoc(content)
	if err != nil {
		return nil, validationError("content is not a valid document")
	}
	if doc.Type != scenenotes.TypeDoc {
		return nil, validationError("content must be a doc node")
	}
	note, err := s.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	if err := s.saveNote(ctx, note, doc, session.UserName, "Update note"); err != nil {
		return nil, err
	}
	if sn, ok := s.notes.lookup(noteID); ok {
		sn.Load(doc, sn.Scenes())
	}
	note, err = s.store.GetNote(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return notePayload(note), nil
}

func (s *Service) NoteSections(ctx context.Context, noteID string) (map[string]any, error) {
	sn, err := s.notes.get(ctx, noteID)
	if err != nil {
		return nil, err
	}
	return s.sectionsPayload(noteID, sn), nil
}

func (s *Service) EditNoteScene(ctx context.Context, session Session, noteID, sceneID string, fragment []scenenotes.Node) (map[string]any, error) {
	sn, err := s.notes.get(ctx, noteID)
	if err != nil {
		return nil, err
	}
	s.notes.setEditor(noteID, session.UserName)
	if err := sn.Edit(ctx, sceneID, fragment); err != nil {
		return nil, err
	}
	return map[string]any{"noteId": noteID, "sceneId": sceneID, "state": sn.State(sceneID)}, nil
}

func (s *Service) FlushNote(ctx context.Context, noteID string) (map[string]any, error) {
	sn, ok := s.notes.lookup(noteID)
	if !ok {
		return map[string]any{"noteId": noteID, "dirty": false}, nil
	}
	if err := sn.Flush(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"noteId": noteID, "dirty": sn.Dirty()}, nil
}

func (s *Service) CloseNote(ctx context.Context, noteID string) error {
	return s.notes.close(ctx, noteID)
}

func (s *Service) NoteHistory(ctx context.Context, noteID string, limit int) ([]gitrepo.Commit, error) {
	if _, err := s.store.GetNote(ctx, noteID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return []gitrepo.Commit{}, nil
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	commits, err := s.git.History(noteID, limit)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return []gitrepo.Commit{}, nil
	}
	return commits, err
}

func (s *Service) NoteRevision(ctx context.Context, noteID, hash string) (map[string]any, error) {
	if _, err := s.store.GetNote(ctx, noteID); err != nil {
		return nil, err
	}
	if s.git == nil {
		return nil, sql.ErrNoRows
	}
	rev, commit, err := s.git.Get(noteID, hash)
	if errors.Is(err, gitrepo.ErrNoHistory) {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"commit": commit, "revision": rev}, nil
}

func (s *Service) sectionsPayload(noteID string, sn *scenenotes.Synchronizer) map[string]any {
	sections := sn.Sections()
	scenes := sn.Scenes()
	items := make([]map[string]any, 0, len(scenes))
	for _, sc := range scenes {
		items = append(items, map[string]any{
			"id":      sc.ID,
			"act":     sc.ActNumber(),
			"number":  sc.Number,
			"name":    sc.Name,
			"title":   s.labels.SceneTitle(sc),
			"state":   sn.State(sc.ID),
			"content": sections.Scenes[sc.ID],
		})
	}
	unassigned := sections.Unassigned
	if unassigned == nil {
		unassigned = []scenenotes.Node{}
	}
	return map[string]any{
		"noteId":     noteID,
		"scenes":     items,
		"unassigned": unassigned,
		"dirty":      sn.Dirty(),
	}
}

func notePayload(note store.Note) map[string]any {
	content := note.Content
	if len(content) == 0 {
		content = json.RawMessage(`{"type":"doc","content":[]}`)
	}
	payload := map[string]any{
		"id":        note.ID,
		"title":     note.Title,
		"content":   content,
		"isMaster":  note.IsMaster,
		"updatedBy": note.UpdatedBy,
		"updatedAt": note.UpdatedAt,
	}
	if note.PerformanceID != nil {
		payload["performanceId"] = *note.PerformanceID
	}
	return payload
}
