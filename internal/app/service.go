package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"backstage/api/internal/auth"
	"backstage/api/internal/authpw"
	"backstage/api/internal/board"
	"backstage/api/internal/clock"
	"backstage/api/internal/config"
	"backstage/api/internal/export"
	"backstage/api/internal/gitrepo"
	"backstage/api/internal/media"
	"backstage/api/internal/notify"
	"backstage/api/internal/rbac"
	"backstage/api/internal/realtime"
	"backstage/api/internal/scenenotes"
	"backstage/api/internal/search"
	"backstage/api/internal/store"
	"backstage/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	board.Store
	authpw.UserStore

	GetLocation(context.Context, string) (store.Location, error)
	InsertLocation(context.Context, store.Location) error
	ListPerformances(context.Context) ([]store.Performance, error)
	GetPerformance(context.Context, string) (store.Performance, error)
	ListScenes(context.Context, string) ([]store.Scene, error)
	ReplaceScenes(context.Context, string, []store.Scene, *store.NoteRewrite) error
	GetNote(context.Context, string) (store.Note, error)
	GetMasterNote(context.Context, string) (store.Note, error)
	InsertNote(context.Context, store.Note) error
	UpdateNoteContent(context.Context, string, json.RawMessage, string) error
	ReplaceNoteMentions(context.Context, string, []store.NoteMention) error
	Ping(context.Context) error
}

// sessionStore holds refresh sessions and the access token denylist.
// Both the Postgres store and session.RedisStore implement it.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type noteHistory interface {
	Record(noteID string, rev gitrepo.Revision, author, message string) (gitrepo.Commit, bool, error)
	History(noteID string, limit int) ([]gitrepo.Commit, error)
	Get(noteID, hash string) (gitrepo.Revision, gitrepo.Commit, error)
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	Index(search.Record)
	Delete(search.ResultType, string)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type imageStore interface {
	PutImage(context.Context, media.Upload) (media.Object, error)
}

// Dependencies wires a Service. Store and Sessions are required; the
// rest fall back to no-op or in-memory implementations.
type Dependencies struct {
	Config    config.Config
	Store     dataStore
	Sessions  sessionStore
	Boards    *board.Manager
	Git       noteHistory
	Search    searchIndex
	Export    exporter
	Media     imageStore
	Publisher realtime.Publisher
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	signer    *auth.Signer
	accounts  *authpw.Service
	boards    *board.Manager
	notes     *noteRegistry
	git       noteHistory
	search    searchIndex
	export    exporter
	media     imageStore
	publisher realtime.Publisher
	notifier  notify.Notifier
	labels    scenenotes.Labels
	clock     clock.Clock
	logger    *slog.Logger
}

func New(deps Dependencies) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = realtime.Nop{}
	}
	if deps.Sessions == nil {
		if sessions, ok := deps.Store.(sessionStore); ok {
			deps.Sessions = sessions
		}
	}
	if deps.Boards == nil {
		deps.Boards = board.NewManager(deps.Store, board.Config{
			GroupsQuietPeriod: deps.Config.GroupsQuietPeriod,
			PropsQuietPeriod:  deps.Config.PropsQuietPeriod,
			FlushTimeout:      deps.Config.FlushTimeout,
			Publisher:         deps.Publisher,
			Clock:             deps.Clock,
			Logger:            deps.Logger,
		})
	}
	if deps.Config.AccessTTL <= 0 {
		deps.Config.AccessTTL = 15 * time.Minute
	}
	if deps.Config.RefreshTTL <= 0 {
		deps.Config.RefreshTTL = 30 * 24 * time.Hour
	}

	s := &Service{
		cfg:       deps.Config,
		store:     deps.Store,
		sessions:  deps.Sessions,
		signer:    auth.NewSigner(deps.Config.JWTSecret, deps.Clock),
		accounts:  authpw.NewService(deps.Store, deps.Config.BootstrapAdmin),
		boards:    deps.Boards,
		git:       deps.Git,
		search:    deps.Search,
		export:    deps.Export,
		media:     deps.Media,
		publisher: deps.Publisher,
		labels:    scenenotes.LabelsFor(deps.Config.Locale),
		clock:     deps.Clock,
		logger:    deps.Logger,
	}
	s.notifier = notify.NewMulti(
		notify.Log{Logger: deps.Logger},
		notify.Broadcast{Publisher: deps.Publisher, Topic: "app", Logger: deps.Logger},
	)
	s.notes = newNoteRegistry(s)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Shutdown flushes every open board and note editor.
func (s *Service) Shutdown(ctx context.Context) error {
	noteErr := s.notes.closeAll(ctx)
	boardErr := s.boards.CloseAll(ctx)
	if noteErr != nil {
		return noteErr
	}
	return boardErr
}

// RecoverBoards reopens boards that still have mirrored changes.
func (s *Service) RecoverBoards(ctx context.Context) ([]string, error) {
	return s.boards.RecoverAll(ctx)
}

func (s *Service) publish(ctx context.Context, collection, eventType, id string, row map[string]any) {
	err := s.publisher.Publish(ctx, realtime.Event{
		Collection: collection,
		Type:       eventType,
		ID:         id,
		Row:        row,
		At:         s.clock.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publish row change failed", "collection", collection, "id", id, "error", err)
	}
}

func (s *Service) index(rec search.Record) {
	if s.search != nil {
		s.search.Index(rec)
	}
}

// Accounts

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error) {
	user, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return store.User{}, err
	}
	if user.Status == store.StatusPending {
		s.publish(ctx, "profiles", realtime.EventInsert, user.ID, userPayload(user))
	}
	return user, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, ref.ID)
	if err != nil {
		return Session{}, err
	}
	if user.Status != store.StatusApproved {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	token, claims, err := s.signer.Issue(auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  util.NewID("jti"),
	}, s.cfg.AccessTTL)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	refreshExpires := s.clock.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          claims.JTI,
		ExpiresAt:    time.Unix(claims.Exp, 0),
	}, nil
}

// SessionFromToken validates an access token and reloads the account so
// role and approval changes apply without waiting for expiry.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.signer.Parse(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if user.Status != store.StatusApproved {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", "error", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh session failed", "error", err)
		}
	}
}

func (s *Service) ListPendingUsers(ctx context.Context) ([]map[string]any, error) {
	users, err := s.accounts.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(users))
	for _, user := range users {
		out = append(out, userPayload(user))
	}
	return out, nil
}

func (s *Service) DecideUser(ctx context.Context, userID string, approve bool) (map[string]any, error) {
	var (
		user store.User
		err  error
	)
	if approve {
		user, err = s.accounts.Approve(ctx, userID)
	} else {
		user, err = s.accounts.Reject(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	payload := userPayload(user)
	s.publish(ctx, "profiles", realtime.EventUpdate, user.ID, payload)
	return payload, nil
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":          user.ID,
		"displayName": user.DisplayName,
		"email":       user.Email,
		"role":        user.Role,
		"status":      user.Status,
		"createdAt":   user.CreatedAt,
	}
}

// Locations

type LocationInput struct {
	Name        *string `json:"name"`
	Type        *string `json:"type"`
	Description *string `json:"description"`
}

func (s *Service) ListLocations(ctx context.Context) ([]map[string]any, error) {
	locations, err := s.store.ListLocations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(locations))
	for _, loc := range locations {
		out = append(out, locationPayload(loc))
	}
	return out, nil
}

func (s *Service) CreateLocation(ctx context.Context, input LocationInput) (map[string]any, error) {
	loc := store.Location{ID: util.NewID(""), Type: store.LocationOther}
	if input.Name != nil {
		loc.Name = strings.TrimSpace(*input.Name)
	}
	if loc.Name == "" {
		return nil, validationError("name is required")
	}
	if input.Type != nil && *input.Type != "" {
		loc.Type = *input.Type
	}
	if !slices.Contains(store.LocationTypes, loc.Type) {
		return nil, validationError("type must be one of " + strings.Join(store.LocationTypes, ", "))
	}
	if input.Description != nil {
		loc.Description = strings.TrimSpace(*input.Description)
	}
	if err := s.store.InsertLocation(ctx, loc); err != nil {
		return nil, err
	}

	// The groups board has one column per location; reopen it with the
	// new column set on next use.
	if err := s.boards.Close(ctx, board.GroupsKey); err != nil {
		s.logger.Warn("close groups board after location insert", "error", err)
	}

	payload := locationPayload(loc)
	s.publish(ctx, "locations", realtime.EventInsert, loc.ID, payload)
	s.index(search.Record{ID: loc.ID, Type: search.ResultLocation, Title: loc.Name, Body: loc.Description})
	return payload, nil
}

// UpdateLocation renames or retypes a location. A failed write is
// reported through the notifier as well as the response.
func (s *Service) UpdateLocation(ctx context.Context, id string, input LocationInput) (map[string]any, error) {
	patch := map[string]any{}
	if input.Name != nil {
		name := strings.TrimSpace(*input.Name)
		if name == "" {
			return nil, validationError("name cannot be empty")
		}
		patch["name"] = name
	}
	if input.Type != nil {
		if !slices.Contains(store.LocationTypes, *input.Type) {
			return nil, validationError("type must be one of " + strings.Join(store.LocationTypes, ", "))
		}
		patch["type"] = *input.Type
	}
	if input.Description != nil {
		patch["description"] = strings.TrimSpace(*input.Description)
	}
	if len(patch) == 0 {
		return nil, validationError("nothing to update")
	}
	if err := s.store.PatchRow(ctx, "locations", id, patch); err != nil {
		s.notifier.Error(ctx, "Could not update location")
		return nil, err
	}
	loc, err := s.store.GetLocation(ctx, id)
	if err != nil {
		return nil, err
	}
	payload := locationPayload(loc)
	s.publish(ctx, "locations", realtime.EventUpdate, loc.ID, payload)
	s.index(search.Record{ID: loc.ID, Type: search.ResultLocation, Title: loc.Name, Body: loc.Description})
	return payload, nil
}

func locationPayload(loc store.Location) map[string]any {
	return map[string]any{
		"id":          loc.ID,
		"name":        loc.Name,
		"type":        loc.Type,
		"description": loc.Description,
	}
}

// Performances and scenes

type SceneInput struct {
	ID          string `json:"id"`
	ActNumber   int    `json:"actNumber"`
	SceneNumber int    `json:"sceneNumber"`
	Name        string `json:"name"`
}

func (s *Service) ListPerformances(ctx context.Context) ([]map[string]any, error) {
	performances, err := s.store.ListPerformances(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(performances))
	for _, perf := range performances {
		out = append(out, performancePayload(perf))
	}
	return out, nil
}

func (s *Service) GetPerformance(ctx context.Context, id string) (map[string]any, error) {
	perf, err := s.store.GetPerformance(ctx, id)
	if err != nil {
		return nil, err
	}
	scenes, err := s.store.ListScenes(ctx, id)
	if err != nil {
		return nil, err
	}
	payload := performancePayload(perf)
	payload["scenes"] = scenesPayload(scenes)
	if note, err := s.store.GetMasterNote(ctx, id); err == nil {
		payload["masterNoteId"] = note.ID
	}
	return payload, nil
}

// ReplaceScenes stores a new scene list and rewrites the master note so
// every scene keeps its content. Content of removed scenes moves to the
// trailing section.
func (s *Service) ReplaceScenes(ctx context.Context, session Session, performanceID string, input []SceneInput) (map[string]any, error) {
	if _, err := s.store.GetPerformance(ctx, performanceID); err != nil {
		return nil, err
	}
	newScenes, err := normalizeScenes(performanceID, input)
	if err != nil {
		return nil, err
	}
	note, err := s.masterNote(ctx, performanceID, session.UserName)
	if err != nil {
		return nil, err
	}
	// Pending scene edits must reach the stored note before it is rewritten.
	if err := s.notes.flushIfOpen(ctx, note.ID); err != nil {
		return nil, err
	}
	if note, err = s.store.GetNote(ctx, note.ID); err != nil {
		return nil, err
	}
	oldScenes, err := s.store.ListScenes(ctx, performanceID)
	if err != nil {
		return nil, err
	}
	oldDoc, err := scenenotes.DecodeDoc(note.Content)
	if err != nil {
		return nil, fmt.Errorf("decode master note: %w", err)
	}
	doc := s.labels.SyncSceneNoteContent(oldDoc, toSceneNotes(oldScenes), toSceneNotes(newScenes))
	content, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode note: %w", err)
	}
	rewrite := &store.NoteRewrite{ID: note.ID, Content: content, UpdatedBy: session.UserName}
	if err := s.store.ReplaceScenes(ctx, performanceID, newScenes, rewrite); err != nil {
		return nil, err
	}
	s.noteSaved(ctx, note, doc, content, session.UserName, "Update scene list")
	s.notes.reload(note.ID, doc, toSceneNotes(newScenes))

	s.publish(ctx, "scenes", realtime.EventUpdate, performanceID, map[string]any{"scenes": scenesPayload(newScenes)})
	return map[string]any{
		"performanceId": performanceID,
		"scenes":        scenesPayload(newScenes),
		"masterNoteId":  note.ID,
	}, nil
}

func normalizeScenes(performanceID string, input []SceneInput) ([]store.Scene, error) {
	seen := make(map[[2]int]bool, len(input))
	ids := make(map[string]bool, len(input))
	scenes := make([]store.Scene, 0, len(input))
	for _, in := range input {
		if in.ActNumber < 1 || in.SceneNumber < 1 {
			return nil, validationError("act and scene numbers must be positive")
		}
		pos := [2]int{in.ActNumber, in.SceneNumber}
		if seen[pos] {
			return nil, validationError(fmt.Sprintf("duplicate scene %d.%d", in.ActNumber, in.SceneNumber))
		}
		seen[pos] = true
		id := strings.TrimSpace(in.ID)
		if id == "" {
			id = util.NewID("")
		}
		if ids[id] {
			return nil, validationError("duplicate scene id " + id)
		}
		ids[id] = true
		scenes = append(scenes, store.Scene{
			ID:            id,
			PerformanceID: performanceID,
			ActNumber:     in.ActNumber,
			SceneNumber:   in.SceneNumber,
			Name:          strings.TrimSpace(in.Name),
		})
	}
	slices.SortFunc(scenes, func(a, b store.Scene) int {
		if a.ActNumber != b.ActNumber {
			return a.ActNumber - b.ActNumber
		}
		return a.SceneNumber - b.SceneNumber
	})
	return scenes, nil
}

// masterNote returns the performance's master note, creating an empty
// one the first time scenes are set.
func (s *Service) masterNote(ctx context.Context, performanceID, author string) (store.Note, error) {
	note, err := s.store.GetMasterNote(ctx, performanceID)
	if err == nil {
		return note, nil
	}
	if !isNotFound(err) {
		return store.Note{}, err
	}
	perf, err := s.store.GetPerformance(ctx, performanceID)
	if err != nil {
		return store.Note{}, err
	}
	content, err := json.Marshal(scenenotes.Doc())
	if err != nil {
		return store.Note{}, err
	}
	pid := performanceID
	note = store.Note{
		ID:            util.NewID(""),
		Title:         perf.Title,
		Content:       content,
		PerformanceID: &pid,
		IsMaster:      true,
		UpdatedBy:     author,
	}
	if err := s.store.InsertNote(ctx, note); err != nil {
		return store.Note{}, err
	}
	return note, nil
}

func (s *Service) SetPerformanceImage(ctx context.Context, performanceID string, data []byte) (map[string]any, error) {
	if s.media == nil {
		return nil, domainError(http.StatusServiceUnavailable, "MEDIA_UNAVAILABLE", "Image storage is not configured", nil)
	}
	if _, err := s.store.GetPerformance(ctx, performanceID); err != nil {
		return nil, err
	}
	obj, err := s.media.PutImage(ctx, media.Upload{Kind: media.KindPerformance, OwnerID: performanceID, Data: data})
	if err != nil {
		return nil, err
	}
	if err := s.store.PatchRow(ctx, "performances", performanceID, map[string]any{"image_url": obj.URL}); err != nil {
		return nil, err
	}
	s.publish(ctx, "performances", realtime.EventUpdate, performanceID, map[string]any{"imageUrl": obj.URL})
	return map[string]any{"imageUrl": obj.URL, "key": obj.Key}, nil
}

func (s *Service) Export(ctx context.Context, performanceID string, req export.Request) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	req.PerformanceID = performanceID
	if req.Locale == "" {
		req.Locale = s.cfg.Locale
	}
	return s.export.Export(ctx, req)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func performancePayload(perf store.Performance) map[string]any {
	payload := map[string]any{
		"id":          perf.ID,
		"title":       perf.Title,
		"description": perf.Description,
		"status":      perf.Status,
		"imageUrl":    perf.ImageURL,
		"updatedAt":   perf.UpdatedAt,
	}
	if perf.PremiereAt != nil {
		payload["premiereAt"] = perf.PremiereAt
	}
	return payload
}

func scenesPayload(scenes []store.Scene) []map[string]any {
	out := make([]map[string]any, 0, len(scenes))
	for _, sc := range scenes {
		out = append(out, map[string]any{
			"id":          sc.ID,
			"actNumber":   sc.ActNumber,
			"sceneNumber": sc.SceneNumber,
			"name":        sc.Name,
		})
	}
	return out
}

func toSceneNotes(scenes []store.Scene) []scenenotes.Scene {
	out := make([]scenenotes.Scene, 0, len(scenes))
	for _, sc := range scenes {
		out = append(out, scenenotes.Scene{ID: sc.ID, Act: sc.ActNumber, Number: sc.SceneNumber, Name: sc.Name})
	}
	return out
}
