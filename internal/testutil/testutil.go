// Package testutil provides testing utilities for taskmesh tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var signature = object.Signature{
	Name:  "taskmesh test",
	Email: "test@taskmesh.dev",
	When:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
}

// SetupTestRepo creates a temporary git repository with one commit on
// main. The repository is removed when the test completes.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		t.Fatalf("failed to init git repo: %v", err)
	}
	writeAndCommit(t, repo, dir, map[string]string{"README.md": "# Test Repository\n"}, "Initial commit")
	return dir
}

// SetupTestRepoWithContent creates a test repository with the given files
// committed. The files map holds relative paths to contents.
func SetupTestRepoWithContent(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	repo := open(t, dir)
	writeAndCommit(t, repo, dir, files, "Add test files")
	return dir
}

// CommitFile creates or updates a file and commits it.
func CommitFile(t *testing.T, repoDir, path, content, message string) {
	t.Helper()
	writeAndCommit(t, open(t, repoDir), repoDir, map[string]string{path: content}, message)
}

// Head returns the hash HEAD points at.
func Head(t *testing.T, repoDir string) plumbing.Hash {
	t.Helper()
	ref, err := open(t, repoDir).Head()
	if err != nil {
		t.Fatalf("failed to resolve HEAD: %v", err)
	}
	return ref.Hash()
}

// Reference returns the hash of a named reference, or the zero hash if it
// does not exist.
func Reference(t *testing.T, repoDir, name string) plumbing.Hash {
	t.Helper()
	ref, err := open(t, repoDir).Reference(plumbing.ReferenceName(name), true)
	if err != nil {
		return plumbing.ZeroHash
	}
	return ref.Hash()
}

// WriteFiles writes files under dir without committing them.
func WriteFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		full := filepath.Join(dir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("failed to create directory for %s: %v", path, err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write file %s: %v", path, err)
		}
	}
}

func open(t *testing.T, dir string) *git.Repository {
	t.Helper()
	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("failed to open repo %s: %v", dir, err)
	}
	return repo
}

func writeAndCommit(t *testing.T, repo *git.Repository, dir string, files map[string]string, message string) {
	t.Helper()

	WriteFiles(t, dir, files)
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to open worktree: %v", err)
	}
	for path := range files {
		if _, err := wt.Add(filepath.ToSlash(path)); err != nil {
			t.Fatalf("failed to stage %s: %v", path, err)
		}
	}
	sig := signature
	if _, err := wt.Commit(message, &git.CommitOptions{Author: &sig, Committer: &sig}); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
}
