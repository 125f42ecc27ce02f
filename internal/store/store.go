package store

import (
	"context"
	"time"
)

// PRState is the lifecycle state of a pull request.
type PRState string

const (
	// PROpen is an open pull request.
	PROpen PRState = "open"
	// PRClosed is a closed, unmerged pull request.
	PRClosed PRState = "closed"
	// PRMerged is a merged pull request.
	PRMerged PRState = "merged"
)

// ReviewState is the outcome of a single review submission.
type ReviewState string

const (
	// ReviewApproved approves the pull request.
	ReviewApproved ReviewState = "approved"
	// ReviewChangesRequested requests changes.
	ReviewChangesRequested ReviewState = "changes_requested"
	// ReviewCommented is a comment-only review.
	ReviewCommented ReviewState = "commented"
)

// Repository is a source-control repository.
type Repository struct {
	SourceID      string
	NativeID      string
	FullName      string
	DefaultBranch string
}

// PullRequest is a normalized pull/merge request.
type PullRequest struct {
	SourceID       string
	NativeID       string
	RepoNativeID   string
	Number         int
	State          PRState
	Draft          bool
	Author         string
	Title          string
	Body           string
	Branch         string
	MergeCommitSHA string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MergedAt       *time.Time
	ClosedAt       *time.Time
	Additions      int
	Deletions      int
	CommitCount    int
}

// Review is a single review submission on a pull request.
type Review struct {
	SourceID    string
	NativeID    string
	PRNativeID  string
	Reviewer    string
	State       ReviewState
	SubmittedAt time.Time
}

// Comment is a discussion comment on a pull request.
type Comment struct {
	SourceID   string
	NativeID   string
	PRNativeID string
	Author     string
	Body       string
	CreatedAt  time.Time
}

// Commit is a commit, keyed by sha within its repository.
type Commit struct {
	SourceID     string
	SHA          string
	RepoNativeID string
	PRNativeID   string
	Author       string
	CommittedAt  time.Time
}

// Workflow is a CI workflow definition.
type Workflow struct {
	SourceID     string
	NativeID     string
	RepoNativeID string
	Name         string
	Path         string
	IsDeployment bool
}

// WorkflowRun is one execution of a workflow.
type WorkflowRun struct {
	SourceID         string
	NativeID         string
	WorkflowNativeID string
	RepoNativeID     string
	Status           string
	Conclusion       string
	HeadSHA          string
	HeadBranch       string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

// IssueTeam is an issue-tracker team.
type IssueTeam struct {
	SourceID string
	NativeID string
	Name     string
	Key      string
}

// Issue is an issue-tracker work item.
type Issue struct {
	SourceID     string
	NativeID     string
	TeamNativeID string
	Identifier   string
	Title        string
	State        string
	Priority     string
	Assignee     string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CanceledAt   *time.Time
	// LinkedPRNativeID is set only by the linking resolver, never by the
	// owning connector, and is preserved across connector upserts.
	LinkedPRNativeID string
}

// AssistantUsage is one user-day of AI-assistant activity.
type AssistantUsage struct {
	SourceID    string
	NativeID    string
	Login       string
	Day         time.Time
	Suggestions int
	Acceptances int
}

// CodeIndexStatus is the indexing state of one repository.
type CodeIndexStatus struct {
	SourceID      string
	NativeID      string
	RepoName      string
	State         string
	LastIndexedAt time.Time
}

// ErrorEvent is a grouped error-tracking event.
type ErrorEvent struct {
	SourceID   string
	NativeID   string
	Service    string
	Level      string
	Title      string
	Count      int
	OccurredAt time.Time
}

// SyncState is the per-connector ingestion checkpoint, one row per connector.
type SyncState struct {
	ConnectorID string
	LastCursor  string
	LastRunAt   time.Time
	LastStatus  string
	LastError   string
}

// Filter restricts list queries. Zero-value fields match everything; time
// filtering is left to callers because each metric anchors on a different
// entity timestamp.
type Filter struct {
	SourceID   string
	RepoIDs    []string
	Developers []string
}

// Store is the shared entity store. All writes are upserts keyed by
// (source_id, native_id); concurrent writers to disjoint entity types are
// safe.
type Store interface {
	UpsertRepository(ctx context.Context, repo Repository) error
	UpsertPullRequest(ctx context.Context, pr PullRequest) error
	UpsertReview(ctx context.Context, review Review) error
	UpsertComment(ctx context.Context, comment Comment) error
	UpsertCommit(ctx context.Context, commit Commit) error
	UpsertWorkflow(ctx context.Context, workflow Workflow) error
	UpsertWorkflowRun(ctx context.Context, run WorkflowRun) error
	UpsertIssueTeam(ctx context.Context, team IssueTeam) error
	UpsertIssue(ctx context.Context, issue Issue) error
	UpsertAssistantUsage(ctx context.Context, usage AssistantUsage) error
	UpsertCodeIndexStatus(ctx context.Context, status CodeIndexStatus) error
	UpsertErrorEvent(ctx context.Context, event ErrorEvent) error

	ListRepositories(ctx context.Context, filter Filter) ([]Repository, error)
	ListPullRequests(ctx context.Context, filter Filter) ([]PullRequest, error)
	ListReviews(ctx context.Context, filter Filter) ([]Review, error)
	ListComments(ctx context.Context, filter Filter) ([]Comment, error)
	ListCommits(ctx context.Context, filter Filter) ([]Commit, error)
	ListWorkflows(ctx context.Context, filter Filter) ([]Workflow, error)
	ListWorkflowRuns(ctx context.Context, filter Filter) ([]WorkflowRun, error)
	ListIssueTeams(ctx context.Context, filter Filter) ([]IssueTeam, error)
	ListIssues(ctx context.Context, filter Filter) ([]Issue, error)
	ListAssistantUsage(ctx context.Context, filter Filter) ([]AssistantUsage, error)
	ListCodeIndexStatuses(ctx context.Context, filter Filter) ([]CodeIndexStatus, error)
	ListErrorEvents(ctx context.Context, filter Filter) ([]ErrorEvent, error)

	// LinkIssuePR sets the issue's linked PR if it is not already set.
	// Returns false when a link already existed.
	LinkIssuePR(ctx context.Context, sourceID, issueNativeID, prNativeID string) (bool, error)

	SyncState(ctx context.Context, connectorID string) (SyncState, bool, error)
	PutSyncState(ctx context.Context, state SyncState) error
	ListSyncStates(ctx context.Context) ([]SyncState, error)

	// ActivityByDay counts stored entities per UTC calendar day
	// (keyed YYYY-MM-DD) for one source, or all sources when sourceID is
	// empty. Used for coverage gap detection.
	ActivityByDay(ctx context.Context, sourceID string) (map[string]int, error)

	Ping(ctx context.Context) error
}

// DayKey formats a timestamp as the UTC calendar-day key used by
// ActivityByDay.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
