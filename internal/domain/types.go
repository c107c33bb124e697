package domain

// SpecState represents the lifecycle state of a spec work item,
// encoded as exactly one state label on its tracking issue.
type SpecState string

const (
	StateQueued             SpecState = "queued"
	StateInProgress         SpecState = "in-progress"
	StateCompleted          SpecState = "completed"
	StateRetrySpec          SpecState = "retry-spec"
	StateRetryInfra         SpecState = "retry-infra"
	StateManualIntervention SpecState = "manual-intervention"
)

// FailureCategory distinguishes spec-quality failures from transient
// infrastructure failures. Each category has its own retry budget.
type FailureCategory string

const (
	FailureSpec  FailureCategory = "spec"
	FailureInfra FailureCategory = "infra"
)

// HealthLevel is the classifier output of a health assessment
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
)

// MergeableState mirrors the host's PR mergeability report
type MergeableState string

const (
	Mergeable   MergeableState = "MERGEABLE"
	Conflicting MergeableState = "CONFLICTING"
	Unknown     MergeableState = "UNKNOWN"
)

// RunStatus represents the execution state of a workflow run
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
)

// RunConclusion is the terminal outcome of a completed run.
// Empty for runs that have not finished.
type RunConclusion string

const (
	ConclusionSuccess RunConclusion = "success"
	ConclusionFailure RunConclusion = "failure"
	ConclusionNone    RunConclusion = ""
)

// ChangeType classifies what a push touches, used to decide whether a
// change should trigger the pipeline at all.
type ChangeType string

const (
	ChangeCode  ChangeType = "code"
	ChangeTest  ChangeType = "test"
	ChangeDocs  ChangeType = "docs"
	ChangeInfra ChangeType = "infra"
	ChangeMixed ChangeType = "mixed"
)
