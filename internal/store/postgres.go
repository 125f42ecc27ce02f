package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the relational entity store backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, url string, maxConns int) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS repositories (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		full_name TEXT NOT NULL,
		default_branch TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pull_requests (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		repo_native_id TEXT NOT NULL,
		number INTEGER NOT NULL,
		state TEXT NOT NULL,
		draft BOOLEAN NOT NULL DEFAULT FALSE,
		author TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		merge_commit_sha TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		merged_at TIMESTAMPTZ,
		closed_at TIMESTAMPTZ,
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		commit_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS reviews (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		pr_native_id TEXT NOT NULL,
		reviewer TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		submitted_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		pr_native_id TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS commits (
		source_id TEXT NOT NULL,
		sha TEXT NOT NULL,
		repo_native_id TEXT NOT NULL,
		pr_native_id TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		committed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (source_id, sha)
	)`,
	`CREATE TABLE IF NOT EXISTS workflows (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		repo_native_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL DEFAULT '',
		is_deployment BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		workflow_native_id TEXT NOT NULL,
		repo_native_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		conclusion TEXT NOT NULL DEFAULT '',
		head_sha TEXT NOT NULL DEFAULT '',
		head_branch TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS issue_teams (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		key TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS issues (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		team_native_id TEXT NOT NULL DEFAULT '',
		identifier TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL DEFAULT '',
		assignee TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		canceled_at TIMESTAMPTZ,
		linked_pr_native_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS assistant_usage (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		login TEXT NOT NULL DEFAULT '',
		day TIMESTAMPTZ NOT NULL,
		suggestions INTEGER NOT NULL DEFAULT 0,
		acceptances INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS code_index_status (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		repo_name TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		last_indexed_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS error_events (
		source_id TEXT NOT NULL,
		native_id TEXT NOT NULL,
		service TEXT NOT NULL DEFAULT '',
		level TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		count INTEGER NOT NULL DEFAULT 0,
		occurred_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (source_id, native_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_states (
		connector_id TEXT PRIMARY KEY,
		last_cursor TEXT NOT NULL DEFAULT '',
		last_run_at TIMESTAMPTZ NOT NULL,
		last_status TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prs_repo ON pull_requests (source_id, repo_native_id)`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_pr ON reviews (source_id, pr_native_id)`,
	`CREATE INDEX IF NOT EXISTS idx_commits_pr ON commits (source_id, pr_native_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs (source_id, workflow_native_id)`,
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	for _, statement := range schemaStatements {
		if _, err := s.pool.Exec(ctx, statement); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// UpsertRepository inserts or updates a repository.
func (s *PostgresStore) UpsertRepository(ctx context.Context, repo Repository) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO repositories (source_id, native_id, full_name, default_branch)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			default_branch = EXCLUDED.default_branch`,
		repo.SourceID, repo.NativeID, repo.FullName, repo.DefaultBranch)
	if err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	return nil
}

// UpsertPullRequest inserts or updates a pull request.
func (s *PostgresStore) UpsertPullRequest(ctx context.Context, pr PullRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pull_requests (
			source_id, native_id, repo_native_id, number, state, draft, author,
			title, body, branch, merge_commit_sha, created_at, updated_at,
			merged_at, closed_at, additions, deletions, commit_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			repo_native_id = EXCLUDED.repo_native_id,
			number = EXCLUDED.number,
			state = EXCLUDED.state,
			draft = EXCLUDED.draft,
			author = EXCLUDED.author,
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			branch = EXCLUDED.branch,
			merge_commit_sha = EXCLUDED.merge_commit_sha,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			merged_at = EXCLUDED.merged_at,
			closed_at = EXCLUDED.closed_at,
			additions = EXCLUDED.additions,
			deletions = EXCLUDED.deletions,
			commit_count = EXCLUDED.commit_count`,
		pr.SourceID, pr.NativeID, pr.RepoNativeID, pr.Number, pr.State, pr.Draft,
		pr.Author, pr.Title, pr.Body, pr.Branch, pr.MergeCommitSHA, pr.CreatedAt,
		pr.UpdatedAt, pr.MergedAt, pr.ClosedAt, pr.Additions, pr.Deletions,
		pr.CommitCount)
	if err != nil {
		return fmt.Errorf("upsert pull request: %w", err)
	}
	return nil
}

// UpsertReview inserts or updates a review.
func (s *PostgresStore) UpsertReview(ctx context.Context, review Review) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reviews (source_id, native_id, pr_native_id, reviewer, state, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			pr_native_id = EXCLUDED.pr_native_id,
			reviewer = EXCLUDED.reviewer,
			state = EXCLUDED.state,
			submitted_at = EXCLUDED.submitted_at`,
		review.SourceID, review.NativeID, review.PRNativeID, review.Reviewer,
		review.State, review.SubmittedAt)
	if err != nil {
		return fmt.Errorf("upsert review: %w", err)
	}
	return nil
}

// UpsertComment inserts or updates a comment.
func (s *PostgresStore) UpsertComment(ctx context.Context, comment Comment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO comments (source_id, native_id, pr_native_id, author, body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			pr_native_id = EXCLUDED.pr_native_id,
			author = EXCLUDED.author,
			body = EXCLUDED.body,
			created_at = EXCLUDED.created_at`,
		comment.SourceID, comment.NativeID, comment.PRNativeID, comment.Author,
		comment.Body, comment.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert comment: %w", err)
	}
	return nil
}

// UpsertCommit inserts or updates a commit, preserving an existing PR ref
// when the incoming record carries none.
func (s *PostgresStore) UpsertCommit(ctx context.Context, commit Commit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO commits (source_id, sha, repo_native_id, pr_native_id, author, committed_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (source_id, sha) DO UPDATE SET
			repo_native_id = EXCLUDED.repo_native_id,
			pr_native_id = CASE WHEN EXCLUDED.pr_native_id = '' THEN commits.pr_native_id ELSE EXCLUDED.pr_native_id END,
			author = EXCLUDED.author,
			committed_at = EXCLUDED.committed_at`,
		commit.SourceID, commit.SHA, commit.RepoNativeID, commit.PRNativeID,
		commit.Author, commit.CommittedAt)
	if err != nil {
		return fmt.Errorf("upsert commit: %w", err)
	}
	return nil
}

// UpsertWorkflow inserts or updates a workflow.
func (s *PostgresStore) UpsertWorkflow(ctx context.Context, workflow Workflow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflows (source_id, native_id, repo_native_id, name, path, is_deployment)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			repo_native_id = EXCLUDED.repo_native_id,
			name = EXCLUDED.name,
			path = EXCLUDED.path,
			is_deployment = EXCLUDED.is_deployment`,
		workflow.SourceID, workflow.NativeID, workflow.RepoNativeID,
		workflow.Name, workflow.Path, workflow.IsDeployment)
	if err != nil {
		return fmt.Errorf("upsert workflow: %w", err)
	}
	return nil
}

// UpsertWorkflowRun inserts or updates a workflow run.
func (s *PostgresStore) UpsertWorkflowRun(ctx context.Context, run WorkflowRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_runs (
			source_id, native_id, workflow_native_id, repo_native_id, status,
			conclusion, head_sha, head_branch, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			workflow_native_id = EXCLUDED.workflow_native_id,
			repo_native_id = EXCLUDED.repo_native_id,
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			head_sha = EXCLUDED.head_sha,
			head_branch = EXCLUDED.head_branch,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		run.SourceID, run.NativeID, run.WorkflowNativeID, run.RepoNativeID,
		run.Status, run.Conclusion, run.HeadSHA, run.HeadBranch, run.StartedAt,
		run.CompletedAt)
	if err != nil {
		return fmt.Errorf("upsert workflow run: %w", err)
	}
	return nil
}

// UpsertIssueTeam inserts or updates an issue-tracker team.
func (s *PostgresStore) UpsertIssueTeam(ctx context.Context, team IssueTeam) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO issue_teams (source_id, native_id, name, key)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			name = EXCLUDED.name,
			key = EXCLUDED.key`,
		team.SourceID, team.NativeID, team.Name, team.Key)
	if err != nil {
		return fmt.Errorf("upsert issue team: %w", err)
	}
	return nil
}

// UpsertIssue inserts or updates an issue, preserving a resolver-set PR link
// when the incoming record carries none.
func (s *PostgresStore) UpsertIssue(ctx context.Context, issue Issue) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO issues (
			source_id, native_id, team_native_id, identifier, title, state,
			priority, assignee, created_at, started_at, completed_at,
			canceled_at, linked_pr_native_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			team_native_id = EXCLUDED.team_native_id,
			identifier = EXCLUDED.identifier,
			title = EXCLUDED.title,
			state = EXCLUDED.state,
			priority = EXCLUDED.priority,
			assignee = EXCLUDED.assignee,
			created_at = EXCLUDED.created_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			canceled_at = EXCLUDED.canceled_at,
			linked_pr_native_id = CASE WHEN EXCLUDED.linked_pr_native_id = '' THEN issues.linked_pr_native_id ELSE EXCLUDED.linked_pr_native_id END`,
		issue.SourceID, issue.NativeID, issue.TeamNativeID, issue.Identifier,
		issue.Title, issue.State, issue.Priority, issue.Assignee, issue.CreatedAt,
		issue.StartedAt, issue.CompletedAt, issue.CanceledAt, issue.LinkedPRNativeID)
	if err != nil {
		return fmt.Errorf("upsert issue: %w", err)
	}
	return nil
}

// UpsertAssistantUsage inserts or updates an assistant usage record.
func (s *PostgresStore) UpsertAssistantUsage(ctx context.Context, usage AssistantUsage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO assistant_usage (source_id, native_id, login, day, suggestions, acceptances)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			login = EXCLUDED.login,
			day = EXCLUDED.day,
			suggestions = EXCLUDED.suggestions,
			acceptances = EXCLUDED.acceptances`,
		usage.SourceID, usage.NativeID, usage.Login, usage.Day,
		usage.Suggestions, usage.Acceptances)
	if err != nil {
		return fmt.Errorf("upsert assistant usage: %w", err)
	}
	return nil
}

// UpsertCodeIndexStatus inserts or updates a code-index status record.
func (s *PostgresStore) UpsertCodeIndexStatus(ctx context.Context, status CodeIndexStatus) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO code_index_status (source_id, native_id, repo_name, state, last_indexed_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			repo_name = EXCLUDED.repo_name,
			state = EXCLUDED.state,
			last_indexed_at = EXCLUDED.last_indexed_at`,
		status.SourceID, status.NativeID, status.RepoName, status.State,
		status.LastIndexedAt)
	if err != nil {
		return fmt.Errorf("upsert code index status: %w", err)
	}
	return nil
}

// UpsertErrorEvent inserts or updates an error-tracking event.
func (s *PostgresStore) UpsertErrorEvent(ctx context.Context, event ErrorEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO error_events (source_id, native_id, service, level, title, count, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (source_id, native_id) DO UPDATE SET
			service = EXCLUDED.service,
			level = EXCLUDED.level,
			title = EXCLUDED.title,
			count = EXCLUDED.count,
			occurred_at = EXCLUDED.occurred_at`,
		event.SourceID, event.NativeID, event.Service, event.Level, event.Title,
		event.Count, event.OccurredAt)
	if err != nil {
		return fmt.Errorf("upsert error event: %w", err)
	}
	return nil
}

func filterClause(filter Filter, repoColumn, developerColumn string) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if filter.SourceID != "" {
		args = append(args, filter.SourceID)
		clauses = append(clauses, fmt.Sprintf("source_id = $%d", len(args)))
	}
	if repoColumn != "" && len(filter.RepoIDs) > 0 {
		args = append(args, filter.RepoIDs)
		clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", repoColumn, len(args)))
	}
	if developerColumn != "" && len(filter.Developers) > 0 {
		args = append(args, filter.Developers)
		clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", developerColumn, len(args)))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func queryList[T any](
	ctx context.Context,
	pool *pgxpool.Pool,
	baseQuery string,
	filter Filter,
	repoColumn, developerColumn string,
	scan func(rows pgx.Rows) (T, error),
) ([]T, error) {
	where, args := filterClause(filter, repoColumn, developerColumn)
	rows, err := pool.Query(ctx, baseQuery+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var result []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

// ListRepositories returns repositories matching the filter.
func (s *PostgresStore) ListRepositories(ctx context.Context, filter Filter) ([]Repository, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, full_name, default_branch FROM repositories`,
		filter, "native_id", "",
		func(rows pgx.Rows) (Repository, error) {
			var r Repository
			err := rows.Scan(&r.SourceID, &r.NativeID, &r.FullName, &r.DefaultBranch)
			return r, err
		})
}

// ListPullRequests returns pull requests matching the filter.
func (s *PostgresStore) ListPullRequests(ctx context.Context, filter Filter) ([]PullRequest, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, repo_native_id, number, state, draft,
			author, title, body, branch, merge_commit_sha, created_at,
			updated_at, merged_at, closed_at, additions, deletions,
			commit_count FROM pull_requests`,
		filter, "repo_native_id", "author",
		func(rows pgx.Rows) (PullRequest, error) {
			var pr PullRequest
			err := rows.Scan(&pr.SourceID, &pr.NativeID, &pr.RepoNativeID,
				&pr.Number, &pr.State, &pr.Draft, &pr.Author, &pr.Title,
				&pr.Body, &pr.Branch, &pr.MergeCommitSHA, &pr.CreatedAt,
				&pr.UpdatedAt, &pr.MergedAt, &pr.ClosedAt, &pr.Additions,
				&pr.Deletions, &pr.CommitCount)
			return pr, err
		})
}

// ListReviews returns reviews matching the filter.
func (s *PostgresStore) ListReviews(ctx context.Context, filter Filter) ([]Review, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, pr_native_id, reviewer, state, submitted_at FROM reviews`,
		filter, "", "reviewer",
		func(rows pgx.Rows) (Review, error) {
			var r Review
			err := rows.Scan(&r.SourceID, &r.NativeID, &r.PRNativeID, &r.Reviewer,
				&r.State, &r.SubmittedAt)
			return r, err
		})
}

// ListComments returns comments matching the filter.
func (s *PostgresStore) ListComments(ctx context.Context, filter Filter) ([]Comment, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, pr_native_id, author, body, created_at FROM comments`,
		filter, "", "",
		func(rows pgx.Rows) (Comment, error) {
			var c Comment
			err := rows.Scan(&c.SourceID, &c.NativeID, &c.PRNativeID, &c.Author,
				&c.Body, &c.CreatedAt)
			return c, err
		})
}

// ListCommits returns commits matching the filter.
func (s *PostgresStore) ListCommits(ctx context.Context, filter Filter) ([]Commit, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, sha, repo_native_id, pr_native_id, author, committed_at FROM commits`,
		filter, "repo_native_id", "author",
		func(rows pgx.Rows) (Commit, error) {
			var c Commit
			err := rows.Scan(&c.SourceID, &c.SHA, &c.RepoNativeID, &c.PRNativeID,
				&c.Author, &c.CommittedAt)
			return c, err
		})
}

// ListWorkflows returns workflows matching the filter.
func (s *PostgresStore) ListWorkflows(ctx context.Context, filter Filter) ([]Workflow, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, repo_native_id, name, path, is_deployment FROM workflows`,
		filter, "repo_native_id", "",
		func(rows pgx.Rows) (Workflow, error) {
			var w Workflow
			err := rows.Scan(&w.SourceID, &w.NativeID, &w.RepoNativeID, &w.Name,
				&w.Path, &w.IsDeployment)
			return w, err
		})
}

// ListWorkflowRuns returns workflow runs matching the filter.
func (s *PostgresStore) ListWorkflowRuns(ctx context.Context, filter Filter) ([]WorkflowRun, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, workflow_native_id, repo_native_id,
			status, conclusion, head_sha, head_branch, started_at,
			completed_at FROM workflow_runs`,
		filter, "repo_native_id", "",
		func(rows pgx.Rows) (WorkflowRun, error) {
			var r WorkflowRun
			err := rows.Scan(&r.SourceID, &r.NativeID, &r.WorkflowNativeID,
				&r.RepoNativeID, &r.Status, &r.Conclusion, &r.HeadSHA,
				&r.HeadBranch, &r.StartedAt, &r.CompletedAt)
			return r, err
		})
}

// ListIssueTeams returns issue-tracker teams matching the filter.
func (s *PostgresStore) ListIssueTeams(ctx context.Context, filter Filter) ([]IssueTeam, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, name, key FROM issue_teams`,
		filter, "", "",
		func(rows pgx.Rows) (IssueTeam, error) {
			var t IssueTeam
			err := rows.Scan(&t.SourceID, &t.NativeID, &t.Name, &t.Key)
			return t, err
		})
}

// ListIssues returns issues matching the filter.
func (s *PostgresStore) ListIssues(ctx context.Context, filter Filter) ([]Issue, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, team_native_id, identifier, title, state,
			priority, assignee, created_at, started_at, completed_at,
			canceled_at, linked_pr_native_id FROM issues`,
		filter, "", "assignee",
		func(rows pgx.Rows) (Issue, error) {
			var i Issue
			err := rows.Scan(&i.SourceID, &i.NativeID, &i.TeamNativeID,
				&i.Identifier, &i.Title, &i.State, &i.Priority, &i.Assignee,
				&i.CreatedAt, &i.StartedAt, &i.CompletedAt, &i.CanceledAt,
				&i.LinkedPRNativeID)
			return i, err
		})
}

// ListAssistantUsage returns assistant usage records matching the filter.
func (s *PostgresStore) ListAssistantUsage(ctx context.Context, filter Filter) ([]AssistantUsage, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, login, day, suggestions, acceptances FROM assistant_usage`,
		filter, "", "login",
		func(rows pgx.Rows) (AssistantUsage, error) {
			var u AssistantUsage
			err := rows.Scan(&u.SourceID, &u.NativeID, &u.Login, &u.Day,
				&u.Suggestions, &u.Acceptances)
			return u, err
		})
}

// ListCodeIndexStatuses returns code-index status records matching the filter.
func (s *PostgresStore) ListCodeIndexStatuses(ctx context.Context, filter Filter) ([]CodeIndexStatus, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, repo_name, state, last_indexed_at FROM code_index_status`,
		filter, "", "",
		func(rows pgx.Rows) (CodeIndexStatus, error) {
			var c CodeIndexStatus
			err := rows.Scan(&c.SourceID, &c.NativeID, &c.RepoName, &c.State,
				&c.LastIndexedAt)
			return c, err
		})
}

// ListErrorEvents returns error-tracking events matching the filter.
func (s *PostgresStore) ListErrorEvents(ctx context.Context, filter Filter) ([]ErrorEvent, error) {
	return queryList(ctx, s.pool,
		`SELECT source_id, native_id, service, level, title, count, occurred_at FROM error_events`,
		filter, "", "",
		func(rows pgx.Rows) (ErrorEvent, error) {
			var e ErrorEvent
			err := rows.Scan(&e.SourceID, &e.NativeID, &e.Service, &e.Level,
				&e.Title, &e.Count, &e.OccurredAt)
			return e, err
		})
}

// LinkIssuePR sets the issue's linked PR if unset. First match wins.
func (s *PostgresStore) LinkIssuePR(ctx context.Context, sourceID, issueNativeID, prNativeID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE issues SET linked_pr_native_id = $3
		WHERE source_id = $1 AND native_id = $2 AND linked_pr_native_id = ''`,
		sourceID, issueNativeID, prNativeID)
	if err != nil {
		return false, fmt.Errorf("link issue to pr: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SyncState returns the checkpoint row for a connector.
func (s *PostgresStore) SyncState(ctx context.Context, connectorID string) (SyncState, bool, error) {
	var state SyncState
	err := s.pool.QueryRow(ctx, `
		SELECT connector_id, last_cursor, last_run_at, last_status, last_error
		FROM sync_states WHERE connector_id = $1`, connectorID).
		Scan(&state.ConnectorID, &state.LastCursor, &state.LastRunAt,
			&state.LastStatus, &state.LastError)
	if err == pgx.ErrNoRows {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, fmt.Errorf("query sync state: %w", err)
	}
	return state, true, nil
}

// PutSyncState creates or replaces the checkpoint row for a connector.
func (s *PostgresStore) PutSyncState(ctx context.Context, state SyncState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_states (connector_id, last_cursor, last_run_at, last_status, last_error)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (connector_id) DO UPDATE SET
			last_cursor = EXCLUDED.last_cursor,
			last_run_at = EXCLUDED.last_run_at,
			last_status = EXCLUDED.last_status,
			last_error = EXCLUDED.last_error`,
		state.ConnectorID, state.LastCursor, state.LastRunAt, state.LastStatus,
		state.LastError)
	if err != nil {
		return fmt.Errorf("put sync state: %w", err)
	}
	return nil
}

// ListSyncStates returns all connector checkpoint rows.
func (s *PostgresStore) ListSyncStates(ctx context.Context) ([]SyncState, error) {
	return queryList(ctx, s.pool,
		`SELECT connector_id, last_cursor, last_run_at, last_status, last_error FROM sync_states`,
		Filter{}, "", "",
		func(rows pgx.Rows) (SyncState, error) {
			var st SyncState
			err := rows.Scan(&st.ConnectorID, &st.LastCursor, &st.LastRunAt,
				&st.LastStatus, &st.LastError)
			return st, err
		})
}

// ActivityByDay counts entities per UTC calendar day for one source, or all
// sources when sourceID is empty.
func (s *PostgresStore) ActivityByDay(ctx context.Context, sourceID string) (map[string]int, error) {
	query := `
		SELECT day, SUM(n)::BIGINT FROM (
			SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, COUNT(*) AS n, source_id FROM pull_requests GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('day', submitted_at AT TIME ZONE 'UTC'), COUNT(*), source_id FROM reviews GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('day', created_at AT TIME ZONE 'UTC'), COUNT(*), source_id FROM comments GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('day', committed_at AT TIME ZONE 'UTC'), COUNT(*), source_id FROM commits GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('day', started_at AT TIME ZONE 'UTC'), COUNT(*), source_id FROM workflow_runs GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('day', created_at AT TIME ZONE 'UTC'), COUNT(*), source_id FROM issues GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('day', day AT TIME ZONE 'UTC'), COUNT(*), source_id FROM assistant_usage GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('day', occurred_at AT TIME ZONE 'UTC'), COUNT(*), source_id FROM error_events GROUP BY 1, 3
		) activity
		WHERE $1 = '' OR source_id = $1
		GROUP BY day`

	rows, err := s.pool.Query(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query activity by day: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var day time.Time
		var n int64
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		counts[DayKey(day)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity rows: %w", err)
	}
	return counts, nil
}

// Ping reports store availability.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
