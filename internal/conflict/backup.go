package conflict

import (
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/Iron-Ham/taskmesh/internal/errors"
)

// BackupRefPrefix namespaces the refs written before destructive
// resolutions.
const BackupRefPrefix = "refs/taskmesh/backups/"

// GitBackup pins the workspace HEAD under a per-conflict ref so a resolution
// can be rolled back with plain git.
type GitBackup struct {
	dir string
}

// NewGitBackup returns a backup writer for the repository containing dir.
func NewGitBackup(dir string) *GitBackup {
	return &GitBackup{dir: dir}
}

// Backup records HEAD as refs/taskmesh/backups/<conflictID>. It returns
// false without error when dir is not a git repository or has no commits.
func (g *GitBackup) Backup(conflictID string) (bool, error) {
	repo, err := git.PlainOpenWithOptions(g.dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return false, nil
		}
		return false, fmt.Errorf("%w: open repository: %v", errors.ErrBackupFailed, err)
	}
	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("%w: resolve HEAD: %v", errors.ErrBackupFailed, err)
	}
	ref := plumbing.NewHashReference(plumbing.ReferenceName(BackupRefPrefix+conflictID), head.Hash())
	if err := repo.Storer.SetReference(ref); err != nil {
		return false, fmt.Errorf("%w: write %s: %v", errors.ErrBackupFailed, ref.Name(), err)
	}
	return true, nil
}

// Backups lists the conflict IDs that have a backup ref.
func (g *GitBackup) Backups() ([]string, error) {
	repo, err := git.PlainOpenWithOptions(g.dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, nil
		}
		return nil, err
	}
	refs, err := repo.References()
	if err != nil {
		return nil, err
	}
	defer refs.Close()

	var ids []string
	err = refs.ForEach(func(r *plumbing.Reference) error {
		name := r.Name().String()
		if id, ok := strings.CutPrefix(name, BackupRefPrefix); ok {
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}
