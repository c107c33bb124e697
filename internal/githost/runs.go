package githost

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-tdd-orchestrator/internal/domain"
)

func (r *runRecord) toDomain() domain.WorkflowRun {
	run := domain.WorkflowRun{
		ID:           r.ID,
		Title:        r.DisplayTitle,
		WorkflowName: r.Name,
		Status:       domain.RunStatus(r.Status),
		Conclusion:   domain.RunConclusion(r.Conclusion),
		Branch:       r.HeadBranch,
	}
	if r.CreatedAt != nil {
		run.CreatedAt = *r.CreatedAt
	}
	if r.UpdatedAt != nil {
		run.UpdatedAt = *r.UpdatedAt
	}
	return run
}

// RunFilter narrows a workflow-run listing. Zero values mean "any".
type RunFilter struct {
	Workflow     string    // workflow file name or display name
	Status       string    // queued | in_progress | completed
	Branch       string
	CreatedAfter time.Time
}

// ListWorkflowRuns retrieves workflow runs matching the filter,
// newest first.
func (c *Client) ListWorkflowRuns(ctx context.Context, filter RunFilter) ([]domain.WorkflowRun, error) {
	params := map[string]string{
		"per_page": strconv.Itoa(MaxPageSize),
	}
	if filter.Status != "" {
		params["status"] = filter.Status
	}
	if filter.Branch != "" {
		params["branch"] = filter.Branch
	}
	if !filter.CreatedAfter.IsZero() {
		params["created"] = ">=" + filter.CreatedAfter.UTC().Format(time.RFC3339)
	}

	path := "/repos/" + c.repoPath() + "/actions/runs"
	if filter.Workflow != "" {
		path = "/repos/" + c.repoPath() + "/actions/workflows/" + filter.Workflow + "/runs"
	}

	var runs []domain.WorkflowRun
	urlStr := c.buildURL(path, params)
	err := c.getPaginated(ctx, urlStr, func(page []byte) error {
		var payload struct {
			WorkflowRuns []runRecord `json:"workflow_runs"`
		}
		if err := json.Unmarshal(page, &payload); err != nil {
			return fmt.Errorf("parse runs response: %w", err)
		}
		for i := range payload.WorkflowRuns {
			runs = append(runs, payload.WorkflowRuns[i].toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	return runs, nil
}

// GetRunLogs fetches the log text of a run. The host serves logs as a
// zip archive behind a redirect; every entry is decompressed and
// concatenated so callers can pattern-scan plain text (cost lines,
// crash signatures).
func (c *Client) GetRunLogs(ctx context.Context, runID int64) (string, error) {
	urlStr := c.buildURL("/repos/"+c.repoPath()+"/actions/runs/"+strconv.FormatInt(runID, 10)+"/logs", nil)
	respBody, _, err := c.doRequest(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", fmt.Errorf("fetch logs for run %d: %w", runID, err)
	}
	text, err := extractLogArchive(respBody)
	if err != nil {
		return "", fmt.Errorf("decode logs for run %d: %w", runID, err)
	}
	return text, nil
}

// extractLogArchive concatenates the entries of a run-log zip in
// archive order. A body that does not parse as an archive is returned
// verbatim.
func extractLogArchive(body []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return string(body), nil
	}
	var sb strings.Builder
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open log entry %s: %w", f.Name, err)
		}
		_, err = io.Copy(&sb, rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("read log entry %s: %w", f.Name, err)
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
