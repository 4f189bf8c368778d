// Package gitint provides git repository integration using go-git.
// It reads the identity of whoever edits a versioned root and the branch
// the root is on.
//
// Git is a SECONDARY source: an author named by a change event always wins
// over the identity found here.
package gitint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
)

// Repository wraps a go-git repository containing a versioned root.
type Repository struct {
	repo *git.Repository
	path string
}

// Open opens the git repository containing root, searching parent
// directories for the .git directory.
func Open(root string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open git repo at %s: %w", root, err)
	}
	return &Repository{repo: repo, path: root}, nil
}

// Author returns "Name <email>" from the merged local, global and system
// git config, or "" when no user is configured.
func (r *Repository) Author() (string, error) {
	cfg, err := r.repo.ConfigScoped(config.SystemScope)
	if err != nil {
		return "", fmt.Errorf("read git config: %w", err)
	}
	return formatIdentity(cfg.User.Name, cfg.User.Email), nil
}

func formatIdentity(name, email string) string {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	switch {
	case name != "" && email != "":
		return fmt.Sprintf("%s <%s>", name, email)
	case name != "":
		return name
	case email != "":
		return "<" + email + ">"
	default:
		return ""
	}
}

// CurrentBranch returns the current branch name. For a detached HEAD it
// returns the commit hash. A repository without commits still reports the
// branch HEAD points at.
func (r *Repository) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err == nil {
		if head.Name().IsBranch() {
			return head.Name().Short(), nil
		}
		return head.Hash().String(), nil
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", fmt.Errorf("get HEAD: %w", err)
	}

	// Unborn branch: HEAD is symbolic but its target does not exist yet.
	sym, err := r.repo.Storer.Reference(plumbing.HEAD)
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if sym.Type() == plumbing.SymbolicReference {
		return sym.Target().Short(), nil
	}
	return "", fmt.Errorf("get HEAD: %w", plumbing.ErrReferenceNotFound)
}

// Repo returns the underlying go-git repository.
func (r *Repository) Repo() *git.Repository {
	return r.repo
}

// DefaultAuthor returns the configured git identity for root, or "" when
// root is not inside a git repository or no identity is configured.
func DefaultAuthor(root string) string {
	r, err := Open(root)
	if err != nil {
		return ""
	}
	author, err := r.Author()
	if err != nil {
		return ""
	}
	return author
}
