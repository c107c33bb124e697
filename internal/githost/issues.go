package githost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

func (r *issueRecord) toIssue() Issue {
	labels := make([]string, len(r.Labels))
	for i, l := range r.Labels {
		labels[i] = l.Name
	}
	issue := Issue{
		Number: r.Number,
		Title:  r.Title,
		Body:   r.Body,
		State:  r.State,
		Labels: labels,
	}
	if r.CreatedAt != nil {
		issue.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		issue.UpdatedAt = *r.UpdatedAt
	}
	return issue
}

// GetIssue retrieves a single issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (*Issue, error) {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number), nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch issue #%d: %w", number, err)
	}

	var rec issueRecord
	if err := json.Unmarshal(respBody, &rec); err != nil {
		return nil, fmt.Errorf("parse issue response: %w", err)
	}
	issue := rec.toIssue()
	return &issue, nil
}

// ListIssuesByLabel retrieves issues carrying the given label.
// state can be "open", "closed", or "all". Pull requests are filtered
// out (the host returns them on the issues endpoint).
func (c *Client) ListIssuesByLabel(ctx context.Context, labelName, state string) ([]Issue, error) {
	params := map[string]string{
		"per_page": strconv.Itoa(MaxPageSize),
		"labels":   labelName,
		"state":    state,
	}
	if state == "" {
		params["state"] = "all"
	}

	var issues []Issue
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/issues", params)
	err := c.getPaginated(ctx, urlStr, func(page []byte) error {
		var recs []issueRecord
		if err := json.Unmarshal(page, &recs); err != nil {
			return fmt.Errorf("parse issues response: %w", err)
		}
		for i := range recs {
			if recs[i].PullReq == nil {
				issues = append(issues, recs[i].toIssue())
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list issues by label %q: %w", labelName, err)
	}
	return issues, nil
}

// AddLabels adds labels to an issue without touching existing ones.
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number)+"/labels", nil)
	body := map[string]interface{}{"labels": labels}
	if _, _, err := c.doRequest(ctx, http.MethodPost, urlStr, body); err != nil {
		return fmt.Errorf("add labels to #%d: %w", number, err)
	}
	return nil
}

// RemoveLabel removes one label from an issue. A 404 for a label that
// is already absent is not an error worth surfacing.
func (c *Client) RemoveLabel(ctx context.Context, number int, labelName string) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number)+"/labels/"+labelName, nil)
	if _, _, err := c.doRequest(ctx, http.MethodDelete, urlStr, nil); err != nil {
		return fmt.Errorf("remove label %q from #%d: %w", labelName, number, err)
	}
	return nil
}

// ReplaceLabels sets the complete label set of an issue in one call.
// State transitions use this so a reader never observes two state
// labels for longer than one API round trip.
func (c *Client) ReplaceLabels(ctx context.Context, number int, labels []string) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number)+"/labels", nil)
	body := map[string]interface{}{"labels": labels}
	if _, _, err := c.doRequest(ctx, http.MethodPut, urlStr, body); err != nil {
		return fmt.Errorf("replace labels on #%d: %w", number, err)
	}
	return nil
}

// AddComment posts a comment on an issue or PR.
func (c *Client) AddComment(ctx context.Context, number int, body string) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number)+"/comments", nil)
	payload := map[string]string{"body": body}
	if _, _, err := c.doRequest(ctx, http.MethodPost, urlStr, payload); err != nil {
		return fmt.Errorf("comment on #%d: %w", number, err)
	}
	return nil
}

// CloseIssue closes an issue with the given state reason
// ("completed" or "not_planned").
func (c *Client) CloseIssue(ctx context.Context, number int, reason string) error {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/issues/"+strconv.Itoa(number), nil)
	body := map[string]string{"state": "closed", "state_reason": reason}
	if _, _, err := c.doRequest(ctx, http.MethodPatch, urlStr, body); err != nil {
		return fmt.Errorf("close issue #%d: %w", number, err)
	}
	return nil
}

// IssueUpdatedWithin reports whether the issue saw activity in the
// trailing window. Used by recovery to spot abandoned items.
func (c *Client) IssueUpdatedWithin(ctx context.Context, number int, window time.Duration) (bool, error) {
	issue, err := c.GetIssue(ctx, number)
	if err != nil {
		return false, err
	}
	return time.Since(issue.UpdatedAt) <= window, nil
}
