package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory entity store used for tests and single-node
// development runs.
type MemoryStore struct {
	mu           sync.RWMutex
	repos        map[string]Repository
	prs          map[string]PullRequest
	reviews      map[string]Review
	comments     map[string]Comment
	commits      map[string]Commit
	workflows    map[string]Workflow
	workflowRuns map[string]WorkflowRun
	issueTeams   map[string]IssueTeam
	issues       map[string]Issue
	usage        map[string]AssistantUsage
	indexStatus  map[string]CodeIndexStatus
	errorEvents  map[string]ErrorEvent
	syncStates   map[string]SyncState
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		repos:        make(map[string]Repository),
		prs:          make(map[string]PullRequest),
		reviews:      make(map[string]Review),
		comments:     make(map[string]Comment),
		commits:      make(map[string]Commit),
		workflows:    make(map[string]Workflow),
		workflowRuns: make(map[string]WorkflowRun),
		issueTeams:   make(map[string]IssueTeam),
		issues:       make(map[string]Issue),
		usage:        make(map[string]AssistantUsage),
		indexStatus:  make(map[string]CodeIndexStatus),
		errorEvents:  make(map[string]ErrorEvent),
		syncStates:   make(map[string]SyncState),
	}
}

func naturalKey(sourceID, nativeID string) string {
	return sourceID + "|" + nativeID
}

// UpsertRepository inserts or updates a repository.
func (s *MemoryStore) UpsertRepository(_ context.Context, repo Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[naturalKey(repo.SourceID, repo.NativeID)] = repo
	return nil
}

// UpsertPullRequest inserts or updates a pull request.
func (s *MemoryStore) UpsertPullRequest(_ context.Context, pr PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prs[naturalKey(pr.SourceID, pr.NativeID)] = pr
	return nil
}

// UpsertReview inserts or updates a review.
func (s *MemoryStore) UpsertReview(_ context.Context, review Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[naturalKey(review.SourceID, review.NativeID)] = review
	return nil
}

// UpsertComment inserts or updates a comment.
func (s *MemoryStore) UpsertComment(_ context.Context, comment Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[naturalKey(comment.SourceID, comment.NativeID)] = comment
	return nil
}

// UpsertCommit inserts or updates a commit. The sha is immutable; a PR ref
// recorded earlier survives upserts that carry none.
func (s *MemoryStore) UpsertCommit(_ context.Context, commit Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey(commit.SourceID, commit.SHA)
	if existing, ok := s.commits[key]; ok && commit.PRNativeID == "" {
		commit.PRNativeID = existing.PRNativeID
	}
	s.commits[key] = commit
	return nil
}

// UpsertWorkflow inserts or updates a workflow.
func (s *MemoryStore) UpsertWorkflow(_ context.Context, workflow Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[naturalKey(workflow.SourceID, workflow.NativeID)] = workflow
	return nil
}

// UpsertWorkflowRun inserts or updates a workflow run.
func (s *MemoryStore) UpsertWorkflowRun(_ context.Context, run WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflowRuns[naturalKey(run.SourceID, run.NativeID)] = run
	return nil
}

// UpsertIssueTeam inserts or updates an issue-tracker team.
func (s *MemoryStore) UpsertIssueTeam(_ context.Context, team IssueTeam) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issueTeams[naturalKey(team.SourceID, team.NativeID)] = team
	return nil
}

// UpsertIssue inserts or updates an issue. A linked PR set by the resolver
// is preserved when the owning connector re-upserts the issue.
func (s *MemoryStore) UpsertIssue(_ context.Context, issue Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey(issue.SourceID, issue.NativeID)
	if existing, ok := s.issues[key]; ok && issue.LinkedPRNativeID == "" {
		issue.LinkedPRNativeID = existing.LinkedPRNativeID
	}
	s.issues[key] = issue
	return nil
}

// UpsertAssistantUsage inserts or updates an assistant usage record.
func (s *MemoryStore) UpsertAssistantUsage(_ context.Context, usage AssistantUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[naturalKey(usage.SourceID, usage.NativeID)] = usage
	return nil
}

// UpsertCodeIndexStatus inserts or updates a code-index status record.
func (s *MemoryStore) UpsertCodeIndexStatus(_ context.Context, status CodeIndexStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexStatus[naturalKey(status.SourceID, status.NativeID)] = status
	return nil
}

// UpsertErrorEvent inserts or updates an error-tracking event.
func (s *MemoryStore) UpsertErrorEvent(_ context.Context, event ErrorEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorEvents[naturalKey(event.SourceID, event.NativeID)] = event
	return nil
}

// ListRepositories returns repositories matching the filter.
func (s *MemoryStore) ListRepositories(_ context.Context, filter Filter) ([]Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Repository, 0, len(s.repos))
	for _, repo := range s.repos {
		if filter.SourceID != "" && repo.SourceID != filter.SourceID {
			continue
		}
		if len(filter.RepoIDs) > 0 && !slices.Contains(filter.RepoIDs, repo.NativeID) {
			continue
		}
		result = append(result, repo)
	}
	sortByKey(result, func(r Repository) string { return naturalKey(r.SourceID, r.NativeID) })
	return result, nil
}

// ListPullRequests returns pull requests matching the filter.
func (s *MemoryStore) ListPullRequests(_ context.Context, filter Filter) ([]PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]PullRequest, 0, len(s.prs))
	for _, pr := range s.prs {
		if filter.SourceID != "" && pr.SourceID != filter.SourceID {
			continue
		}
		if len(filter.RepoIDs) > 0 && !slices.Contains(filter.RepoIDs, pr.RepoNativeID) {
			continue
		}
		if len(filter.Developers) > 0 && !slices.Contains(filter.Developers, pr.Author) {
			continue
		}
		result = append(result, pr)
	}
	sortByKey(result, func(pr PullRequest) string { return naturalKey(pr.SourceID, pr.NativeID) })
	return result, nil
}

// ListReviews returns reviews matching the filter.
func (s *MemoryStore) ListReviews(_ context.Context, filter Filter) ([]Review, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Review, 0, len(s.reviews))
	for _, review := range s.reviews {
		if filter.SourceID != "" && review.SourceID != filter.SourceID {
			continue
		}
		if len(filter.Developers) > 0 && !slices.Contains(filter.Developers, review.Reviewer) {
			continue
		}
		result = append(result, review)
	}
	sortByKey(result, func(r Review) string { return naturalKey(r.SourceID, r.NativeID) })
	return result, nil
}

// ListComments returns comments matching the filter.
func (s *MemoryStore) ListComments(_ context.Context, filter Filter) ([]Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Comment, 0, len(s.comments))
	for _, comment := range s.comments {
		if filter.SourceID != "" && comment.SourceID != filter.SourceID {
			continue
		}
		result = append(result, comment)
	}
	sortByKey(result, func(c Comment) string { return naturalKey(c.SourceID, c.NativeID) })
	return result, nil
}

// ListCommits returns commits matching the filter.
func (s *MemoryStore) ListCommits(_ context.Context, filter Filter) ([]Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Commit, 0, len(s.commits))
	for _, commit := range s.commits {
		if filter.SourceID != "" && commit.SourceID != filter.SourceID {
			continue
		}
		if len(filter.RepoIDs) > 0 && !slices.Contains(filter.RepoIDs, commit.RepoNativeID) {
			continue
		}
		if len(filter.Developers) > 0 && !slices.Contains(filter.Developers, commit.Author) {
			continue
		}
		result = append(result, commit)
	}
	sortByKey(result, func(c Commit) string { return naturalKey(c.SourceID, c.SHA) })
	return result, nil
}

// ListWorkflows returns workflows matching the filter.
func (s *MemoryStore) ListWorkflows(_ context.Context, filter Filter) ([]Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Workflow, 0, len(s.workflows))
	for _, workflow := range s.workflows {
		if filter.SourceID != "" && workflow.SourceID != filter.SourceID {
			continue
		}
		if len(filter.RepoIDs) > 0 && !slices.Contains(filter.RepoIDs, workflow.RepoNativeID) {
			continue
		}
		result = append(result, workflow)
	}
	sortByKey(result, func(w Workflow) string { return naturalKey(w.SourceID, w.NativeID) })
	return result, nil
}

// ListWorkflowRuns returns workflow runs matching the filter.
func (s *MemoryStore) ListWorkflowRuns(_ context.Context, filter Filter) ([]WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]WorkflowRun, 0, len(s.workflowRuns))
	for _, run := range s.workflowRuns {
		if filter.SourceID != "" && run.SourceID != filter.SourceID {
			continue
		}
		if len(filter.RepoIDs) > 0 && !slices.Contains(filter.RepoIDs, run.RepoNativeID) {
			continue
		}
		result = append(result, run)
	}
	sortByKey(result, func(r WorkflowRun) string { return naturalKey(r.SourceID, r.NativeID) })
	return result, nil
}

// ListIssueTeams returns issue-tracker teams matching the filter.
func (s *MemoryStore) ListIssueTeams(_ context.Context, filter Filter) ([]IssueTeam, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]IssueTeam, 0, len(s.issueTeams))
	for _, team := range s.issueTeams {
		if filter.SourceID != "" && team.SourceID != filter.SourceID {
			continue
		}
		result = append(result, team)
	}
	sortByKey(result, func(t IssueTeam) string { return naturalKey(t.SourceID, t.NativeID) })
	return result, nil
}

// ListIssues returns issues matching the filter.
func (s *MemoryStore) ListIssues(_ context.Context, filter Filter) ([]Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Issue, 0, len(s.issues))
	for _, issue := range s.issues {
		if filter.SourceID != "" && issue.SourceID != filter.SourceID {
			continue
		}
		if len(filter.Developers) > 0 && !slices.Contains(filter.Developers, issue.Assignee) {
			continue
		}
		result = append(result, issue)
	}
	sortByKey(result, func(i Issue) string { return naturalKey(i.SourceID, i.NativeID) })
	return result, nil
}

// ListAssistantUsage returns assistant usage records matching the filter.
func (s *MemoryStore) ListAssistantUsage(_ context.Context, filter Filter) ([]AssistantUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]AssistantUsage, 0, len(s.usage))
	for _, record := range s.usage {
		if filter.SourceID != "" && record.SourceID != filter.SourceID {
			continue
		}
		if len(filter.Developers) > 0 && !slices.Contains(filter.Developers, record.Login) {
			continue
		}
		result = append(result, record)
	}
	sortByKey(result, func(u AssistantUsage) string { return naturalKey(u.SourceID, u.NativeID) })
	return result, nil
}

// ListCodeIndexStatuses returns code-index status records matching the filter.
func (s *MemoryStore) ListCodeIndexStatuses(_ context.Context, filter Filter) ([]CodeIndexStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]CodeIndexStatus, 0, len(s.indexStatus))
	for _, status := range s.indexStatus {
		if filter.SourceID != "" && status.SourceID != filter.SourceID {
			continue
		}
		result = append(result, status)
	}
	sortByKey(result, func(c CodeIndexStatus) string { return naturalKey(c.SourceID, c.NativeID) })
	return result, nil
}

// ListErrorEvents returns error-tracking events matching the filter.
func (s *MemoryStore) ListErrorEvents(_ context.Context, filter Filter) ([]ErrorEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]ErrorEvent, 0, len(s.errorEvents))
	for _, event := range s.errorEvents {
		if filter.SourceID != "" && event.SourceID != filter.SourceID {
			continue
		}
		result = append(result, event)
	}
	sortByKey(result, func(e ErrorEvent) string { return naturalKey(e.SourceID, e.NativeID) })
	return result, nil
}

// LinkIssuePR sets the issue's linked PR if unset. First match wins.
func (s *MemoryStore) LinkIssuePR(_ context.Context, sourceID, issueNativeID, prNativeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey(sourceID, issueNativeID)
	issue, ok := s.issues[key]
	if !ok {
		return false, nil
	}
	if issue.LinkedPRNativeID != "" {
		return false, nil
	}
	issue.LinkedPRNativeID = prNativeID
	s.issues[key] = issue
	return true, nil
}

// SyncState returns the checkpoint row for a connector.
func (s *MemoryStore) SyncState(_ context.Context, connectorID string) (SyncState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.syncStates[connectorID]
	return state, ok, nil
}

// PutSyncState creates or replaces the checkpoint row for a connector.
func (s *MemoryStore) PutSyncState(_ context.Context, state SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncStates[state.ConnectorID] = state
	return nil
}

// ListSyncStates returns all connector checkpoint rows.
func (s *MemoryStore) ListSyncStates(_ context.Context) ([]SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]SyncState, 0, len(s.syncStates))
	for _, state := range s.syncStates {
		result = append(result, state)
	}
	sortByKey(result, func(st SyncState) string { return st.ConnectorID })
	return result, nil
}

// ActivityByDay counts entities per UTC calendar day for one source, or all
// sources when sourceID is empty.
func (s *MemoryStore) ActivityByDay(_ context.Context, sourceID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	add := func(entitySource string, when time.Time) {
		if sourceID != "" && entitySource != sourceID {
			return
		}
		if when.IsZero() {
			return
		}
		counts[DayKey(when)]++
	}

	for _, pr := range s.prs {
		add(pr.SourceID, pr.CreatedAt)
	}
	for _, review := range s.reviews {
		add(review.SourceID, review.SubmittedAt)
	}
	for _, comment := range s.comments {
		add(comment.SourceID, comment.CreatedAt)
	}
	for _, commit := range s.commits {
		add(commit.SourceID, commit.CommittedAt)
	}
	for _, run := range s.workflowRuns {
		add(run.SourceID, run.StartedAt)
	}
	for _, issue := range s.issues {
		add(issue.SourceID, issue.CreatedAt)
	}
	for _, usage := range s.usage {
		add(usage.SourceID, usage.Day)
	}
	for _, event := range s.errorEvents {
		add(event.SourceID, event.OccurredAt)
	}
	return counts, nil
}

// Ping reports store availability. A memory store is always available.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

func sortByKey[T any](items []T, key func(T) string) {
	sort.Slice(items, func(i, j int) bool {
		return key(items[i]) < key(items[j])
	})
}
