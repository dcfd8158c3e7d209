// Package gitrepo keeps the revision history of scene notes, one git
// repository per note with a single main branch.
package gitrepo

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"backstage/api/internal/scenenotes"
)

const (
	revisionFile = "note.json"
	mainBranch   = "main"
)

var ErrNoHistory = errors.New("gitrepo: note has no history")

// Revision is the snapshot committed for each saved note.
type Revision struct {
	Title  string             `json:"title"`
	Scenes []scenenotes.Scene `json:"scenes"`
	Doc    json.RawMessage    `json:"doc"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	now     func() time.Time
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Record commits rev to the note's repository, creating the repository on
// first use. An unchanged revision is not committed; the returned bool
// reports whether a commit was made.
func (s *Service) Record(noteID string, rev Revision, author, message string) (Commit, bool, error) {
	lock := s.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(noteID)
	if err != nil {
		return Commit{}, false, err
	}

	if head, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true); err == nil {
		commitObj, err := repo.CommitObject(head.Hash())
		if err != nil {
			return Commit{}, false, fmt.Errorf("load head commit: %w", err)
		}
		previous, err := readRevision(commitObj)
		if err != nil {
			return Commit{}, false, err
		}
		if !HasChanges(previous, rev) {
			return toCommit(commitObj), false, nil
		}
	}

	hash, err := s.commit(repo, rev, author, message)
	if err != nil {
		return Commit{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), true, nil
}

// History lists commits newest first. limit <= 0 means all.
func (s *Service) History(noteID string, limit int) ([]Commit, error) {
	lock := s.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(noteID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, ErrNoHistory
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Get returns the revision stored at hash, which may be abbreviated.
func (s *Service) Get(noteID, hash string) (Revision, Commit, error) {
	lock := s.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(noteID)
	if err != nil {
		return Revision{}, Commit{}, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return Revision{}, Commit{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Revision{}, Commit{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	rev, err := readRevision(commitObj)
	if err != nil {
		return Revision{}, Commit{}, err
	}
	return rev, toCommit(commitObj), nil
}

// Tag names a revision, e.g. the state of the notes at premiere.
// Re-tagging with an existing name is a no-op.
func (s *Service) Tag(noteID, hash, name string) error {
	lock := s.noteLock(noteID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(noteID)
	if err != nil {
		return err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}
	_, err = repo.CreateTag(name, resolved, &git.CreateTagOptions{
		Tagger:  &object.Signature{Name: "Backstage", Email: "backstage@localhost", When: s.now()},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(noteID string) string {
	return filepath.Join(s.baseDir, noteID)
}

func (s *Service) noteLock(noteID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[noteID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[noteID] = lock
	}
	return lock
}

func (s *Service) open(noteID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(noteID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(noteID string) (*git.Repository, error) {
	path := s.repoPath(noteID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, rev Revision, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(rev, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal revision: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), revisionFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", revisionFile, err)
	}
	if _, err := worktree.Add(revisionFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add revision: %w", err)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@backstage.local", sanitizeEmail(author)),
			When:  s.now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit revision: %w", err)
	}
	return hash, nil
}

func readRevision(commitObj *object.Commit) (Revision, error) {
	file, err := commitObj.File(revisionFile)
	if err != nil {
		return Revision{}, fmt.Errorf("load %s from commit: %w", revisionFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Revision{}, fmt.Errorf("read revision: %w", err)
	}
	var rev Revision
	if err := json.Unmarshal([]byte(contents), &rev); err != nil {
		return Revision{}, fmt.Errorf("decode revision: %w", err)
	}
	return rev, nil
}

// HasChanges reports whether two revisions differ in title, scene list or
// document content. Documents are compared after JSON normalization.
func HasChanges(from, to Revision) bool {
	if from.Title != to.Title || len(from.Scenes) != len(to.Scenes) {
		return true
	}
	for i := range from.Scenes {
		if from.Scenes[i] != to.Scenes[i] {
			return true
		}
	}
	return !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc))
}

// ChangedScenes lists the ids of scenes whose sections differ between
// two revisions, plus "" when the unassigned content differs. Each side
// is parsed against its own scene list.
func ChangedScenes(from, to Revision) ([]string, error) {
	fromDoc, err := scenenotes.DecodeDoc(from.Doc)
	if err != nil {
		return nil, err
	}
	toDoc, err := scenenotes.DecodeDoc(to.Doc)
	if err != nil {
		return nil, err
	}
	before := scenenotes.Parse(fromDoc, from.Scenes)
	after := scenenotes.Parse(toDoc, to.Scenes)

	ids := map[string]bool{}
	for id := range before.Scenes {
		ids[id] = true
	}
	for id := range after.Scenes {
		ids[id] = true
	}
	changed := make([]string, 0)
	for id := range ids {
		if !sameNodes(before.Scenes[id], after.Scenes[id]) {
			changed = append(changed, id)
		}
	}
	if !sameNodes(before.Unassigned, after.Unassigned) {
		changed = append(changed, "")
	}
	sort.Strings(changed)
	return changed, nil
}

func sameNodes(a, b []scenenotes.Node) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(normalizeDoc(left), normalizeDoc(right))
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func normalizeDoc(doc []byte) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	if parsed == nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
