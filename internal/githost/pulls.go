package githost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
)

// issueRefPattern matches "#123" style issue references in PR bodies.
var issueRefPattern = regexp.MustCompile(`#(\d+)\b`)

func (r *pullRecord) toDomain() domain.PullRequest {
	labels := make([]string, len(r.Labels))
	for i, l := range r.Labels {
		labels[i] = l.Name
	}

	mergeable := domain.Unknown
	if r.Mergeable != nil {
		if *r.Mergeable {
			mergeable = domain.Mergeable
		} else {
			mergeable = domain.Conflicting
		}
	}

	pr := domain.PullRequest{
		Number:     r.Number,
		Title:      r.Title,
		Branch:     r.Head.Ref,
		BaseBranch: r.Base.Ref,
		State:      r.State,
		Mergeable:  mergeable,
		AutoMerge:  r.AutoMerge != nil,
		Draft:      r.Draft,
		Labels:     labels,
	}
	if r.CreatedAt != nil {
		pr.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		pr.UpdatedAt = *r.UpdatedAt
	}

	// Linked issues come from the branch convention plus #N references
	// in the body.
	seen := map[int]bool{}
	if wb, ok := domain.ParseWorkBranch(r.Head.Ref); ok {
		pr.LinkedIssues = append(pr.LinkedIssues, wb.IssueNumber)
		seen[wb.IssueNumber] = true
	}
	for _, m := range issueRefPattern.FindAllStringSubmatch(r.Body, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && !seen[n] {
			pr.LinkedIssues = append(pr.LinkedIssues, n)
			seen[n] = true
		}
	}

	return pr
}

// GetPullRequest retrieves one PR including its mergeability report.
// The host computes mergeability lazily, so callers may observe
// UNKNOWN shortly after a push.
func (c *Client) GetPullRequest(ctx context.Context, number int) (*domain.PullRequest, error) {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls/"+strconv.Itoa(number), nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch PR #%d: %w", number, err)
	}

	var rec pullRecord
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return nil, fmt.Errorf("parse PR response: %w", err)
	}
	pr := rec.toDomain()
	return &pr, nil
}

// ListPullRequests retrieves PRs filtered by state ("open", "closed",
// "all") and optionally by head branch.
func (c *Client) ListPullRequests(ctx context.Context, state, branch string) ([]domain.PullRequest, error) {
	params := map[string]string{
		"per_page": strconv.Itoa(MaxPageSize),
		"state":    state,
	}
	if state == "" {
		params["state"] = "all"
	}
	if branch != "" {
		params["head"] = c.Owner + ":" + branch
	}

	var prs []domain.PullRequest
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls", params)
	err := c.getPaginated(ctx, urlStr, func(page []byte) error {
		var recs []pullRecord
		if err := json.Unmarshal(page, &recs); err != nil {
			return fmt.Errorf("parse PRs response: %w", err)
		}
		for i := range recs {
			prs = append(prs, recs[i].toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list PRs: %w", err)
	}
	return prs, nil
}

// UpdatePullRequestTitle rewrites a PR's title.
func (c *Client) UpdatePullRequestTitle(ctx context.Context, number int, title string) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls/"+strconv.Itoa(number), nil)
	body := map[string]string{"title": title}
	if _, _, err := c.doRequest(ctx, http.MethodPatch, urlStr, body); err != nil {
		return fmt.Errorf("update title of PR #%d: %w", number, err)
	}
	return nil
}

// ClosePullRequest closes a PR without merging.
func (c *Client) ClosePullRequest(ctx context.Context, number int) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls/"+strconv.Itoa(number), nil)
	body := map[string]string{"state": "closed"}
	if _, _, err := c.doRequest(ctx, http.MethodPatch, urlStr, body); err != nil {
		return fmt.Errorf("close PR #%d: %w", number, err)
	}
	return nil
}

// EnableAutoMerge turns on squash auto-merge for a PR. Auto-merge is
// only exposed through the GraphQL API, so this resolves the PR's node
// id first. Enabling it twice is a no-op at the caller level; the
// caller checks the AutoMerge flag before invoking this.
func (c *Client) EnableAutoMerge(ctx context.Context, number int) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/pulls/"+strconv.Itoa(number), nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return fmt.Errorf("resolve PR #%d node id: %w", number, err)
	}
	var rec pullRecord
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return fmt.Errorf("parse PR response: %w", err)
	}

	mutation := map[string]interface{}{
		"query": `mutation($id: ID!) {
  enablePullRequestAutoMerge(input: {pullRequestId: $id, mergeMethod: SQUASH}) {
    pullRequest { number }
  }
}`,
		"variables": map[string]string{"id": rec.NodeID},
	}
	respBody, _, err = c.doRequest(ctx, http.MethodPost, c.BaseURL+"/graphql", mutation)
	if err != nil {
		return fmt.Errorf("enable auto-merge on PR #%d: %w", number, err)
	}

	var result struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &result); err == nil && len(result.Errors) > 0 {
		return fmt.Errorf("enable auto-merge on PR #%d: %s", number, result.Errors[0].Message)
	}
	return nil
}

// ListBranches retrieves all branch refs with their head commit dates.
// The listing endpoint only carries the head SHA, so each branch costs
// one extra commit lookup.
func (c *Client) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	params := map[string]string{"per_page": strconv.Itoa(MaxPageSize)}

	var records []branchRecord
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/branches", params)
	err := c.getPaginated(ctx, urlStr, func(page []byte) error {
		var recs []branchRecord
		if err := json.Unmarshal(page, &recs); err != nil {
			return fmt.Errorf("parse branches response: %w", err)
		}
		records = append(records, recs...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}

	branches := make([]domain.Branch, 0, len(records))
	for _, rec := range records {
		committedAt, err := c.commitDate(ctx, rec.Commit.SHA)
		if err != nil {
			// An unreadable commit should not hide the branch; keep it
			// with a zero date (it will look old, which is the safe
			// direction for orphan detection only after the no-PR check).
			committedAt = time.Time{}
		}
		branches = append(branches, domain.Branch{
			Name:        rec.Name,
			CommitSHA:   rec.Commit.SHA,
			CommittedAt: committedAt,
		})
	}
	return branches, nil
}

func (c *Client) commitDate(ctx context.Context, sha string) (time.Time, error) {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/commits/"+sha, nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return time.Time{}, err
	}
	var rec struct {
		Commit struct {
			Committer struct {
				Date time.Time `json:"date"`
			} `json:"committer"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return time.Time{}, err
	}
	return rec.Commit.Committer.Date, nil
}

// DeleteBranch deletes a branch ref.
func (c *Client) DeleteBranch(ctx context.Context, name string) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/git/refs/heads/"+name, nil)
	if _, _, err := c.doRequest(ctx, http.MethodDelete, urlStr, nil); err != nil {
		return fmt.Errorf("delete branch %q: %w", name, err)
	}
	return nil
}
