// Package githost provides a typed client for the issue/PR/workflow-run
// API of the version-control host.
//
// This is the single boundary through which the orchestrator observes
// and mutates host state. Every pipeline invariant (serial execution,
// retry ceilings, circuit breaking, budget caps) is reconstructed from
// queries made through this package; nothing is cached between process
// invocations.
package githost

import (
	"net/http"
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the GitHub REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the maximum number of retries for transient or
	// rate-limited requests.
	MaxRetries = 3

	// MaxPageSize is the maximum number of records to fetch per page.
	MaxPageSize = 100

	// MaxPages bounds pagination to protect against malformed Link
	// headers.
	MaxPages = 50
)

// Client provides methods to interact with the host REST API.
type Client struct {
	Token      string
	Owner      string
	Repo       string
	BaseURL    string
	HTTPClient *http.Client
}

// issueRecord is the wire shape of an issue.
type issueRecord struct {
	Number    int        `json:"number"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	State     string     `json:"state"`
	Labels    []label    `json:"labels"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	PullReq   *struct {
		URL string `json:"url"`
	} `json:"pull_request,omitempty"`
}

type label struct {
	Name string `json:"name"`
}

// pullRecord is the wire shape of a pull request.
type pullRecord struct {
	Number         int        `json:"number"`
	Title          string     `json:"title"`
	State          string     `json:"state"`
	Draft          bool       `json:"draft"`
	Mergeable      *bool      `json:"mergeable"`
	MergeableState string     `json:"mergeable_state"`
	Body           string     `json:"body"`
	Labels         []label    `json:"labels"`
	CreatedAt      *time.Time `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
	Head           refRecord  `json:"head"`
	Base           refRecord  `json:"base"`
	AutoMerge      *struct {
		MergeMethod string `json:"merge_method"`
	} `json:"auto_merge"`
	NodeID string `json:"node_id"`
}

type refRecord struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// runRecord is the wire shape of a workflow run.
type runRecord struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	DisplayTitle string     `json:"display_title"`
	Status       string     `json:"status"`
	Conclusion   string     `json:"conclusion"`
	HeadBranch   string     `json:"head_branch"`
	CreatedAt    *time.Time `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
}

// branchRecord is the wire shape of a branch listing entry.
type branchRecord struct {
	Name   string `json:"name"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// RateLimit reports the remaining request budget for the core API.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"-"`
}

// Issue is the client-facing view of a tracking issue.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}
