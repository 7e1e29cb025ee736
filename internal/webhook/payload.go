package webhook

import (
	"fmt"
	"strings"

	"github.com/repopulse/repopulse/internal/types"
)

// PushPayload is the subset of the GitHub push event the ingestor reads.
type PushPayload struct {
	Ref        string   `json:"ref"`
	Before     string   `json:"before"`
	After      string   `json:"after"`
	Commits    []Commit `json:"commits"`
	HeadCommit *Commit  `json:"head_commit"`
	Repository Repo     `json:"repository"`
	Pusher     Pusher   `json:"pusher"`
	Deleted    bool     `json:"deleted"`
	Forced     bool     `json:"forced"`
}

// Commit is one commit in a push payload.
type Commit struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
}

// Repo identifies the pushed repository. The numeric id is rename-stable
// and is the key workspaces bind to.
type Repo struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
}

// Pusher names the pushing user.
type Pusher struct {
	Name string `json:"name"`
}

// Validate checks the structural requirements of a push payload.
func (p *PushPayload) Validate() error {
	if p.Ref == "" {
		return fmt.Errorf("missing ref")
	}
	if p.Repository.ID == 0 {
		return fmt.Errorf("missing repository id")
	}
	if p.Repository.FullName == "" {
		return fmt.Errorf("missing repository full_name")
	}
	if p.After == "" {
		return fmt.Errorf("missing after hash")
	}
	return nil
}

// IsBranchRef reports whether the push targets a branch. Tag pushes are
// valid push events but carry nothing the pipeline tracks.
func (p *PushPayload) IsBranchRef() bool {
	return strings.HasPrefix(p.Ref, "refs/heads/")
}

// Branch returns the branch name carried by the ref.
func (p *PushPayload) Branch() string {
	return strings.TrimPrefix(p.Ref, "refs/heads/")
}

// IsBranchDelete reports whether the push deletes the branch.
func (p *PushPayload) IsBranchDelete() bool {
	return p.Deleted || p.After == types.ZeroHash
}

// IsForcePush reports whether this is a force push: no commit list but
// real endpoints on both sides. File changes then come from head_commit.
func (p *PushPayload) IsForcePush() bool {
	return len(p.Commits) == 0 &&
		p.Before != types.ZeroHash && p.After != types.ZeroHash &&
		p.HeadCommit != nil
}

// ChangedFiles returns the union of added, modified and removed paths
// across the push, deduplicated, order of first appearance preserved.
// For force pushes only head_commit is consulted.
func (p *PushPayload) ChangedFiles() []string {
	commits := p.Commits
	if p.IsForcePush() {
		commits = []Commit{*p.HeadCommit}
	}

	seen := make(map[string]bool)
	var files []string
	add := func(paths []string) {
		for _, path := range paths {
			if path == "" || seen[path] {
				continue
			}
			seen[path] = true
			files = append(files, path)
		}
	}
	for _, c := range commits {
		add(c.Added)
		add(c.Modified)
		add(c.Removed)
	}
	return files
}
