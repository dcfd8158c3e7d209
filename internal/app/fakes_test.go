package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"backstage/api/internal/clock"
	"backstage/api/internal/config"
	"backstage/api/internal/gitrepo"
	"backstage/api/internal/realtime"
	"backstage/api/internal/store"
)

// fakeStore keeps rows in memory. The fn fields override single methods
// to inject failures.
type fakeStore struct {
	mu sync.Mutex

	users        map[string]store.User
	refresh      map[string]string
	revoked      map[string]bool
	locations    []store.Location
	groups       []store.Group
	props        map[string][]store.PerformanceProp
	performances map[string]store.Performance
	scenes       map[string][]store.Scene
	notes        map[string]store.Note
	mentions     map[string][]store.NoteMention
	patches      []rowPatch
	deleted      []string

	pingFn          func(context.Context) error
	patchRowFn      func(context.Context, string, string, map[string]any) error
	replaceScenesFn func(context.Context, string) error
}

type rowPatch struct {
	Table string
	ID    string
	Patch map[string]any
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:        map[string]store.User{},
		refresh:      map[string]string{},
		revoked:      map[string]bool{},
		props:        map[string][]store.PerformanceProp{},
		performances: map[string]store.Performance{},
		scenes:       map[string][]store.Scene{},
		notes:        map[string]store.Note{},
		mentions:     map[string][]store.NoteMention{},
	}
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeStore) CreateUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeStore) ListUsersByStatus(_ context.Context, status string) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.User
	for _, u := range f.users {
		if u.Status == status {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) SetUserStatus(_ context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.Status = status
	f.users[id] = u
	return nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: id}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, tokenHash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) ListLocations(context.Context) ([]store.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Location(nil), f.locations...), nil
}

func (f *fakeStore) GetLocation(_ context.Context, id string) (store.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, loc := range f.locations {
		if loc.ID == id {
			return loc, nil
		}
	}
	return store.Location{}, sql.ErrNoRows
}

func (f *fakeStore) InsertLocation(_ context.Context, loc store.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = append(f.locations, loc)
	return nil
}

func (f *fakeStore) ListGroups(context.Context) ([]store.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Group(nil), f.groups...), nil
}

func (f *fakeStore) ListPerformanceProps(_ context.Context, performanceID string) ([]store.PerformanceProp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.PerformanceProp(nil), f.props[performanceID]...), nil
}

func (f *fakeStore) PatchRow(ctx context.Context, table, id string, patch map[string]any) error {
	if f.patchRowFn != nil {
		if err := f.patchRowFn(ctx, table, id, patch); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, rowPatch{Table: table, ID: id, Patch: patch})
	if table == "locations" {
		for i, loc := range f.locations {
			if loc.ID != id {
				continue
			}
			if name, ok := patch["name"].(string); ok {
				loc.Name = name
			}
			if typ, ok := patch["type"].(string); ok {
				loc.Type = typ
			}
			f.locations[i] = loc
			return nil
		}
		return sql.ErrNoRows
	}
	return nil
}

func (f *fakeStore) DeleteRow(_ context.Context, table, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, table+"/"+id)
	return nil
}

func (f *fakeStore) ListPerformances(context.Context) ([]store.Performance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Performance, 0, len(f.performances))
	for _, p := range f.performances {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) GetPerformance(_ context.Context, id string) (store.Performance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.performances[id]
	if !ok {
		return store.Performance{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) ListScenes(_ context.Context, performanceID string) ([]store.Scene, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Scene(nil), f.scenes[performanceID]...), nil
}

func (f *fakeStore) ReplaceScenes(ctx context.Context, performanceID string, scenes []store.Scene, rewrite *store.NoteRewrite) error {
	if f.replaceScenesFn != nil {
		if err := f.replaceScenesFn(ctx, performanceID); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rewrite != nil {
		n, ok := f.notes[rewrite.ID]
		if !ok {
			return sql.ErrNoRows
		}
		n.Content = append(json.RawMessage(nil), rewrite.Content...)
		n.UpdatedBy = rewrite.UpdatedBy
		f.notes[rewrite.ID] = n
	}
	f.scenes[performanceID] = append([]store.Scene(nil), scenes...)
	return nil
}

func (f *fakeStore) GetNote(_ context.Context, id string) (store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	if !ok {
		return store.Note{}, sql.ErrNoRows
	}
	return n, nil
}

func (f *fakeStore) GetMasterNote(_ context.Context, performanceID string) (store.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.notes {
		if n.IsMaster && n.PerformanceID != nil && *n.PerformanceID == performanceID {
			return n, nil
		}
	}
	return store.Note{}, sql.ErrNoRows
}

func (f *fakeStore) InsertNote(_ context.Context, note store.Note) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[note.ID] = note
	return nil
}

func (f *fakeStore) UpdateNoteContent(_ context.Context, id string, content json.RawMessage, updatedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	if !ok {
		return sql.ErrNoRows
	}
	n.Content = append(json.RawMessage(nil), content...)
	n.UpdatedBy = updatedBy
	f.notes[id] = n
	return nil
}

func (f *fakeStore) ReplaceNoteMentions(_ context.Context, noteID string, mentions []store.NoteMention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mentions[noteID] = mentions
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) noteContent(t *testing.T, id string) json.RawMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	if !ok {
		t.Fatalf("note %s not stored", id)
	}
	return n.Content
}

func (f *fakeStore) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

type fakeGit struct {
	mu      sync.Mutex
	records []gitrepo.Revision
}

func (g *fakeGit) Record(_ string, rev gitrepo.Revision, author, message string) (gitrepo.Commit, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.records = append(g.records, rev)
	return gitrepo.Commit{Hash: "abc123", Message: message, Author: author}, true, nil
}

func (g *fakeGit) History(string, int) ([]gitrepo.Commit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.records) == 0 {
		return nil, gitrepo.ErrNoHistory
	}
	return []gitrepo.Commit{{Hash: "abc123"}}, nil
}

func (g *fakeGit) Get(string, string) (gitrepo.Revision, gitrepo.Commit, error) {
	return gitrepo.Revision{}, gitrepo.Commit{}, errors.New("not implemented")
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

func (p *recordingPublisher) collections() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Collection)
	}
	return out
}

var testStart = time.Date(2026, 3, 14, 18, 0, 0, 0, time.UTC)

func newTestService(fs *fakeStore, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.Fake(testStart)
	}
	return New(Dependencies{
		Config: config.Config{
			JWTSecret:         "test-secret",
			AccessTTL:         15 * time.Minute,
			RefreshTTL:        24 * time.Hour,
			BootstrapAdmin:    "admin@theatre.test",
			GroupsQuietPeriod: 30 * time.Second,
			PropsQuietPeriod:  2 * time.Second,
			NotesQuietPeriod:  time.Second,
			FlushTimeout:      5 * time.Second,
			Locale:            "en",
		},
		Store:     fs,
		Git:       &fakeGit{},
		Publisher: &recordingPublisher{},
		Clock:     clk,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

// addUser stores an approved user and returns a bearer token for it.
func addUser(t *testing.T, svc *Service, fs *fakeStore, id, role string) string {
	t.Helper()
	user := store.User{ID: id, DisplayName: "User " + id, Email: id + "@theatre.test", Role: role, Status: store.StatusApproved}
	if err := fs.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}
