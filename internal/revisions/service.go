// Package revisions keeps the version history of every document in its own
// git repository. Each versioned write becomes one commit of content.md,
// tagged with the document version it produced.
package revisions

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	contentFile = "content.md"
	lockStripes = 64
)

var (
	ErrRevisionNotFound = errors.New("revision not found")
	ErrInvalidDocument  = errors.New("invalid document id")
	// ErrStaleVersion is returned when a newer version is already recorded.
	ErrStaleVersion = errors.New("revision older than recorded history")
)

type Revision struct {
	Version   int64     `json:"version"`
	Hash      string    `json:"hash"`
	Author    string    `json:"author"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	locks   [lockStripes]sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{baseDir: baseDir}
}

// Record commits content as the given version of the document. Versions must
// arrive in increasing order; a version at or below the latest recorded one
// is refused with ErrStaleVersion and leaves the history untouched.
func (s *Service) Record(documentID string, version int64, content, author string, when time.Time) (Revision, error) {
	if err := validateID(documentID); err != nil {
		return Revision{}, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(documentID)
	if err != nil {
		return Revision{}, err
	}
	latest, err := latestVersion(repo)
	if err != nil {
		return Revision{}, err
	}
	if version <= latest {
		return Revision{}, fmt.Errorf("%w: version %d, latest %d", ErrStaleVersion, version, latest)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Revision{}, fmt.Errorf("open worktree: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), contentFile), []byte(content), 0o644); err != nil {
		return Revision{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if _, err := worktree.Add(contentFile); err != nil {
		return Revision{}, fmt.Errorf("git add content: %w", err)
	}

	// Resolutions that keep the stored text still produce a version, so the
	// commit may be empty.
	hash, err := worktree.Commit(versionMessage(version), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@users.marksync.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return Revision{}, fmt.Errorf("commit content: %w", err)
	}
	if _, err := repo.CreateTag(versionTag(version), hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return Revision{}, fmt.Errorf("tag version %d: %w", version, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Revision{}, fmt.Errorf("read commit object: %w", err)
	}
	return toRevision(commitObj), nil
}

// History lists revisions newest first. A document without any recorded
// version has an empty history.
func (s *Service) History(documentID string, limit int) ([]Revision, error) {
	if err := validateID(documentID); err != nil {
		return nil, err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Revision{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Revision, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toRevision(commitObj))
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

// ContentAt returns the document text as it was saved at version.
func (s *Service) ContentAt(documentID string, version int64) (string, error) {
	if err := validateID(documentID); err != nil {
		return "", err
	}
	lock := s.documentLock(documentID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(documentID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", ErrRevisionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Tag(versionTag(version))
	if errors.Is(err, git.ErrTagNotFound) {
		return "", ErrRevisionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve version %d: %w", version, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return "", fmt.Errorf("load commit object: %w", err)
	}
	return readContentFromCommit(commitObj)
}

func (s *Service) openOrInit(documentID string) (*git.Repository, error) {
	path := s.repoPath(documentID)
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
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(documentID string) string {
	return filepath.Join(s.baseDir, documentID)
}

// documentLock picks one of a fixed set of mutexes by hashing the document
// id. Unrelated documents may share a stripe.
func (s *Service) documentLock(documentID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(documentID))
	return &s.locks[h.Sum32()%lockStripes]
}

// latestVersion reads the version committed at HEAD, or 0 for a repository
// without commits.
func latestVersion(repo *git.Repository) (int64, error) {
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return 0, fmt.Errorf("read head commit: %w", err)
	}
	return toRevision(commitObj).Version, nil
}

func readContentFromCommit(commitObj *object.Commit) (string, error) {
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s from commit: %w", contentFile, err)
	}
	content, err := file.Contents()
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return content, nil
}

func toRevision(commitObj *object.Commit) Revision {
	message := strings.TrimSpace(commitObj.Message)
	var version int64
	_, _ = fmt.Sscanf(message, "version %d", &version)
	return Revision{
		Version:   version,
		Hash:      commitObj.Hash.String()[:7],
		Author:    commitObj.Author.Name,
		Message:   message,
		CreatedAt: commitObj.Author.When,
	}
}

func versionMessage(version int64) string {
	return fmt.Sprintf("version %d", version)
}

func versionTag(version int64) string {
	return fmt.Sprintf("v%d", version)
}

func validateID(documentID string) error {
	if documentID == "" || documentID == "." || documentID == ".." || strings.ContainsAny(documentID, `/\`) {
		return ErrInvalidDocument
	}
	return nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
