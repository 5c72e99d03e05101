// Package prstatus implements the external pr_status(pr_number) collaborator
// contract the core's merge verification depends on, and the open-PR
// ingestion sweep the reconciler runs to surface pr_collision tasks.
package prstatus

import (
	"context"
	"fmt"

	"github.com/google/go-github/v68/github"
)

// Status is the result of pr_status(pr_number): merged, and the merge
// commit SHA if so.
type Status struct {
	Merged       bool
	MergeCommit  string
	State        string // "open", "closed"
	HeadBranch   string
}

// OpenPR is one currently-open pull request surfaced for reconciliation
// ingest.
type OpenPR struct {
	Number     int
	Title      string
	HeadBranch string
	BaseBranch string
}

// Checker is the pr_status(pr_number) collaborator plus the open-PR listing
// operation reconciliation needs.
type Checker interface {
	Status(ctx context.Context, prNumber int) (Status, error)
	ListOpenPRs(ctx context.Context) ([]OpenPR, error)
}

// GitHubChecker is the production Checker, backed by the GitHub REST API.
type GitHubChecker struct {
	Client *github.Client
	Owner  string
	Repo   string
}

// NewGitHubChecker builds a Checker for owner/repo using an
// already-authenticated *github.Client (token setup is the caller's/config
// layer's concern, not prstatus's).
func NewGitHubChecker(client *github.Client, owner, repo string) *GitHubChecker {
	return &GitHubChecker{Client: client, Owner: owner, Repo: repo}
}

// Status implements the pr_status(pr_number) contract.
func (c *GitHubChecker) Status(ctx context.Context, prNumber int) (Status, error) {
	pr, _, err := c.Client.PullRequests.Get(ctx, c.Owner, c.Repo, prNumber)
	if err != nil {
		return Status{}, fmt.Errorf("prstatus: get PR #%d: %w", prNumber, err)
	}

	st := Status{State: pr.GetState()}
	if pr.GetMerged() {
		st.Merged = true
		st.MergeCommit = pr.GetMergeCommitSHA()
	}
	if pr.Head != nil {
		st.HeadBranch = pr.Head.GetRef()
	}
	return st, nil
}

// ListOpenPRs lists every currently-open pull request against the
// configured repo, paginating to completion.
func (c *GitHubChecker) ListOpenPRs(ctx context.Context) ([]OpenPR, error) {
	var out []OpenPR
	opt := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		prs, resp, err := c.Client.PullRequests.List(ctx, c.Owner, c.Repo, opt)
		if err != nil {
			return nil, fmt.Errorf("prstatus: list open PRs: %w", err)
		}
		for _, pr := range prs {
			entry := OpenPR{Number: pr.GetNumber(), Title: pr.GetTitle()}
			if pr.Head != nil {
				entry.HeadBranch = pr.Head.GetRef()
			}
			if pr.Base != nil {
				entry.BaseBranch = pr.Base.GetRef()
			}
			out = append(out, entry)
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}
